package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultWebhookTimeout = 30 * time.Second

// HTTPWebhookSender posts fired emails to a mail relay.
type HTTPWebhookSender struct {
	client  *http.Client
	url     string
	secret  string
	timeout time.Duration
}

func NewHTTPWebhookSender(url, secret string, timeout time.Duration) *HTTPWebhookSender {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &HTTPWebhookSender{
		client:  &http.Client{},
		url:     url,
		secret:  secret,
		timeout: timeout,
	}
}

// Send posts the payload with an HMAC signature.
// Headers: X-EasyMail-Event-ID (attempt), X-EasyMail-Job-ID, X-EasyMail-Signature
func (s *HTTPWebhookSender) Send(ctx context.Context, req DeliveryRequest) DeliveryResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return DeliveryResult{Error: Permanent(fmt.Errorf("marshal: %w", err)), Duration: time.Since(start)}
	}

	signature := computeSignature(s.secret, body)

	ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{Error: Permanent(fmt.Errorf("create request: %w", err)), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-EasyMail-Event-ID", req.AttemptID)
	httpReq.Header.Set("X-EasyMail-Job-ID", req.Payload.JobID)
	httpReq.Header.Set("X-EasyMail-Signature", signature)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return DeliveryResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return DeliveryResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for mail relays to verify incoming hand-offs.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
