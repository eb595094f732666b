package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/djlord-it/easy-mail/internal/dispatcher"
)

const maxBodyBytes = 1 << 20

type receivedEmail struct {
	ReceivedAt string                  `json:"received_at"`
	AttemptID  string                  `json:"attempt_id"`
	Email      dispatcher.RelayPayload `json:"email"`
}

type stats struct {
	Count      int64           `json:"count"`
	Rejected   int64           `json:"rejected"`
	Duplicates int64           `json:"duplicates"`
	Last       []receivedEmail `json:"last"`
	Since      string          `json:"since"`
}

// receiver records verified hand-offs. Duplicates are counted per job ID so
// repeated deliveries of the same email are visible.
type receiver struct {
	secret string
	keep   int
	clock  func() time.Time

	mu         sync.Mutex
	count      int64
	rejected   int64
	duplicates int64
	seen       map[string]struct{}
	last       []receivedEmail
	since      time.Time
}

func newReceiver(secret string, keep int) *receiver {
	if keep <= 0 {
		keep = 50
	}
	r := &receiver{secret: secret, keep: keep, clock: time.Now}
	r.reset()
	return r
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", rc.hook)
	mux.HandleFunc("GET /stats", rc.stats)
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.mu.Lock()
		rc.reset()
		rc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// reset must be called with mu held (or before the receiver is shared).
func (rc *receiver) reset() {
	rc.count = 0
	rc.rejected = 0
	rc.duplicates = 0
	rc.seen = make(map[string]struct{})
	rc.last = nil
	rc.since = rc.clock().UTC()
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !dispatcher.VerifySignature(rc.secret, body, r.Header.Get("X-EasyMail-Signature")) {
		rc.mu.Lock()
		rc.rejected++
		rc.mu.Unlock()
		slog.Warn("relaysink: signature mismatch", "job", r.Header.Get("X-EasyMail-Job-ID"))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var email dispatcher.RelayPayload
	if err := json.Unmarshal(body, &email); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	rec := receivedEmail{
		ReceivedAt: rc.clock().UTC().Format(time.RFC3339Nano),
		AttemptID:  r.Header.Get("X-EasyMail-Event-ID"),
		Email:      email,
	}

	rc.mu.Lock()
	rc.count++
	_, dup := rc.seen[email.JobID]
	if dup {
		rc.duplicates++
	}
	rc.seen[email.JobID] = struct{}{}
	rc.last = append(rc.last, rec)
	if len(rc.last) > rc.keep {
		rc.last = rc.last[len(rc.last)-rc.keep:]
	}
	current := rc.count
	rc.mu.Unlock()

	slog.Info("relaysink: email received",
		"n", current,
		"job", email.JobID,
		"recipient", email.Payload["recipient"],
		"subject", email.Payload["subject"],
		"scheduled_at", email.ScheduledAt,
		"duplicate", dup)

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:      rc.count,
		Rejected:   rc.rejected,
		Duplicates: rc.duplicates,
		Last:       append([]receivedEmail(nil), rc.last...),
		Since:      rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}
