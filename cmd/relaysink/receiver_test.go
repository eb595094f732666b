package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/djlord-it/easy-mail/internal/dispatcher"
)

func relayRequest(jobID string) dispatcher.DeliveryRequest {
	return dispatcher.DeliveryRequest{
		AttemptID: "attempt-" + jobID,
		Attempt:   1,
		Payload: dispatcher.RelayPayload{
			JobID:       jobID,
			GroupKey:    "email-jobs",
			ScheduledAt: "2026-01-01T10:00:00Z",
			FiredAt:     "2026-01-01T10:00:01Z",
			Payload: map[string]string{
				"recipient": "someone@example.com",
				"subject":   "Hello",
				"body":      "Hi there",
			},
		},
	}
}

// sign computes the X-EasyMail-Signature value the webhook executor sends.
func sign(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	if !dispatcher.VerifySignature(secret, body, sig) {
		t.Fatal("test signature does not verify")
	}
	return sig
}

func getStats(t *testing.T, h http.Handler) stats {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var s stats
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	return s
}

// The webhook executor and the relay agree on the signature scheme.
func TestReceiver_AcceptsSignedHandOff(t *testing.T) {
	rc := newReceiver("shared", 10)
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	sender := dispatcher.NewHTTPWebhookSender(srv.URL+"/hook", "shared", 5*time.Second)
	res := sender.Send(context.Background(), relayRequest("job-1"))
	if !res.IsSuccess() {
		t.Fatalf("expected success, got status=%d err=%v", res.StatusCode, res.Error)
	}

	s := getStats(t, rc.routes())
	if s.Count != 1 {
		t.Fatalf("expected 1 received, got %d", s.Count)
	}
	got := s.Last[0]
	if got.AttemptID != "attempt-job-1" {
		t.Errorf("attempt id = %q", got.AttemptID)
	}
	if got.Email.Payload["subject"] != "Hello" {
		t.Errorf("subject = %q", got.Email.Payload["subject"])
	}
}

func TestReceiver_RejectsBadSignature(t *testing.T) {
	rc := newReceiver("shared", 10)
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	sender := dispatcher.NewHTTPWebhookSender(srv.URL+"/hook", "wrong", 5*time.Second)
	res := sender.Send(context.Background(), relayRequest("job-1"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if res.IsRetryable() {
		t.Error("401 should not be retryable")
	}

	s := getStats(t, rc.routes())
	if s.Count != 0 || s.Rejected != 1 {
		t.Errorf("expected 0 received and 1 rejected, got %d/%d", s.Count, s.Rejected)
	}
}

func TestReceiver_CountsDuplicates(t *testing.T) {
	rc := newReceiver("", 10)
	h := rc.routes()

	body, _ := json.Marshal(relayRequest("job-1").Payload)
	sig := sign(t, "", body)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		req.Header.Set("X-EasyMail-Signature", sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("hook #%d: status %d", i+1, rec.Code)
		}
	}

	s := getStats(t, h)
	if s.Count != 2 || s.Duplicates != 1 {
		t.Errorf("expected 2 received with 1 duplicate, got %d/%d", s.Count, s.Duplicates)
	}
}

func TestReceiver_KeepsLastN(t *testing.T) {
	rc := newReceiver("", 2)
	h := rc.routes()

	for _, id := range []string{"a", "b", "c"} {
		body, _ := json.Marshal(relayRequest(id).Payload)
		req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		req.Header.Set("X-EasyMail-Signature", sign(t, "", body))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	s := getStats(t, h)
	if len(s.Last) != 2 {
		t.Fatalf("expected 2 kept, got %d", len(s.Last))
	}
	if s.Last[0].Email.JobID != "b" || s.Last[1].Email.JobID != "c" {
		t.Errorf("expected b,c kept, got %s,%s", s.Last[0].Email.JobID, s.Last[1].Email.JobID)
	}
}

func TestReceiver_Reset(t *testing.T) {
	rc := newReceiver("", 10)
	h := rc.routes()

	body, _ := json.Marshal(relayRequest("a").Payload)
	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	req.Header.Set("X-EasyMail-Signature", sign(t, "", body))
	h.ServeHTTP(httptest.NewRecorder(), req)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/reset", nil))

	if s := getStats(t, h); s.Count != 0 || len(s.Last) != 0 {
		t.Errorf("expected empty stats after reset, got %+v", s)
	}
}

func TestReceiver_InvalidPayload(t *testing.T) {
	rc := newReceiver("", 10)
	body := []byte("not json")
	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	req.Header.Set("X-EasyMail-Signature", sign(t, "", body))
	rec := httptest.NewRecorder()
	rc.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
