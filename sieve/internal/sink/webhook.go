package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Webhook POSTs each event as JSON. Transport errors, 408, 429 and 5xx
// answers are retried with exponential backoff; other 4xx answers fail at
// once.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	types      map[string]bool
	logger     *slog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithWebhookBackoff sets the first retry delay, doubled on each retry.
// Default 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

// WithWebhookTypes limits delivery to the listed event types.
func WithWebhookTypes(types ...string) WebhookOption {
	return func(w *Webhook) {
		w.types = make(map[string]bool, len(types))
		for _, t := range types {
			w.types[t] = true
		}
	}
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook targets url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Send(ctx context.Context, ev Event) error {
	if w.types != nil && !w.types[ev.Type] {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	delay := w.backoff
	for attempt := 1; ; attempt++ {
		retry, err := w.deliver(ctx, ev, body)
		if err == nil {
			return nil
		}
		if !retry || attempt > w.maxRetries {
			return fmt.Errorf("webhook: %s after %d attempt(s): %w", ev.Type, attempt, err)
		}
		w.logger.Warn("webhook: delivery failed, retrying",
			"event", ev.ID, "attempt", attempt, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
}

// deliver makes one POST and reports whether a failure is worth retrying.
func (w *Webhook) deliver(ctx context.Context, ev Event, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Domsieve-Event", ev.Type)
	// Receivers deduplicate retried deliveries on the event ID.
	req.Header.Set("Idempotency-Key", ev.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (w *Webhook) Close() error { return nil }
