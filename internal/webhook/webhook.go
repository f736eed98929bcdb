// Package webhook delivers signed task-completion events to a tenant's
// configured endpoint and verifies signatures on inbound callbacks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Event types emitted by the workers.
const (
	EventChatCompleted       = "chat.completed"
	EventGradingCompleted    = "grading.completed"
	EventAssessmentCompleted = "assessment.completed"
	EventIngestCompleted     = "ingest.completed"
	EventCrawlCompleted      = "crawl.completed"
	EventTaskFailed          = "task.failed"
)

// Event is the wire shape of every outbound webhook.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	BotID     string          `json:"bot_id"`
	TaskID    string          `json:"task_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Sign creates the HMAC-SHA256 signature for webhook verification.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks an inbound "sha256=<hex>" signature header against the body.
func Verify(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(Sign(payload, secret)))
}

const (
	maxAttempts    = 3
	requestTimeout = 10 * time.Second
)

// Sender posts events to one endpoint with retries. A nil or empty-URL
// sender is a no-op, so workers can call Emit unconditionally.
type Sender struct {
	url        string
	secret     string
	httpClient *http.Client
}

func NewSender(url, secret string) *Sender {
	return &Sender{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Emit delivers one event, retrying transient failures with quadratic
// backoff. Delivery failure is logged, never propagated: webhooks are
// best-effort and must not fail the task that produced them.
func (s *Sender) Emit(ctx context.Context, eventType, botID, taskID string, data any) {
	if s == nil || s.url == "" {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("[Webhook] Failed to marshal event data", "type", eventType, "error", err)
		return
	}
	ev := Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		BotID:     botID,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("[Webhook] Failed to marshal event", "type", eventType, "error", err)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.post(ctx, ev, payload, attempt); err == nil {
			slog.Info("[Webhook] Delivered", "type", eventType, "task_id", taskID, "attempt", attempt)
			return
		} else if attempt < maxAttempts {
			backoff := time.Duration(attempt*attempt) * time.Second
			slog.Warn("[Webhook] Delivery failed, retrying",
				"type", eventType, "task_id", taskID, "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		} else {
			slog.Error("[Webhook] Delivery abandoned",
				"type", eventType, "task_id", taskID, "attempts", maxAttempts, "error", err)
		}
	}
}

func (s *Sender) post(ctx context.Context, ev Event, payload []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chatlead-Event-Type", ev.Type)
	req.Header.Set("X-Chatlead-Event-ID", ev.ID)
	req.Header.Set("X-Chatlead-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if s.secret != "" {
		req.Header.Set("X-Chatlead-Signature", "sha256="+Sign(payload, s.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
