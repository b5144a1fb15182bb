// Package notify tells external systems about branch changes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/revindex/internal/revision"
	"go.uber.org/zap"
)

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event     string `json:"event"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	Timestamp string `json:"timestamp"`
}

// WebhookConfig holds the configured webhook URLs and delivery settings.
type WebhookConfig struct {
	URLs    []string
	Repo    string
	Timeout time.Duration
	Retries int
	Backoff time.Duration // grows linearly with the attempt
}

// WebhookNotifier sends HTTP POST notifications to configured webhook URLs.
type WebhookNotifier struct {
	config  WebhookConfig
	client  *http.Client
	logger  *zap.Logger
	pending sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	c := *cfg
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		config: c,
		client: &http.Client{Timeout: c.Timeout},
		logger: logger,
	}
}

// Watch forwards every event published on registry until the returned stop
// function is called. stop waits for deliveries still in flight.
func (wn *WebhookNotifier) Watch(registry *revision.Registry) (stop func()) {
	if wn == nil {
		return func() {}
	}
	events, cancel := registry.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			wn.Notify(ev)
		}
	}()
	return func() {
		cancel()
		<-done
		wn.Wait()
	}
}

// Notify sends ev to all configured webhook URLs.
// Runs asynchronously; Wait blocks until delivery finished.
func (wn *WebhookNotifier) Notify(ev revision.BranchEvent) {
	if wn == nil {
		return
	}

	event := &WebhookEvent{
		Event:     string(ev.Kind),
		Repo:      wn.config.Repo,
		Branch:    ev.Path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	wn.pending.Go(func() { wn.send(event) })
}

// Wait blocks until every notification handed to Notify was delivered or
// given up on.
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.pending.Wait()
}

// send delivers the webhook event to all configured URLs.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(context.Background(), url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", zap.String("url", url), zap.Error(err))
		} else {
			wn.logger.Debug("webhook: delivered",
				zap.String("url", url),
				zap.String("event", event.Event),
				zap.String("branch", event.Branch))
		}
	}
}

// post sends a single webhook POST, retrying server errors and network
// failures.
func (wn *WebhookNotifier) post(ctx context.Context, url string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= wn.config.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*wn.config.Backoff); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "revindex/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
	}

	return lastErr
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
