package quest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Huddle-Signature"

// WebhookTracker posts events as JSON to an HTTP endpoint, signed with a
// shared secret.
type WebhookTracker struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookTracker returns a tracker posting to url. A nil client gets a 5s
// timeout default.
func NewWebhookTracker(url, secret string, client *http.Client) *WebhookTracker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookTracker{url: url, secret: secret, client: client}
}

type webhookBody struct {
	EventType string `json:"event_type"`
	Payload   Event  `json:"payload"`
}

func (w *WebhookTracker) Track(ctx context.Context, e Event) error {
	body, err := json.Marshal(webhookBody{EventType: e.Type, Payload: e})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("quest webhook rejected status=%d body=%s", resp.StatusCode, string(data))
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. Receivers use it to
// authenticate deliveries.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
