package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Webhook posts a task's callback payload to a caller supplied URL. Each
// call is a single attempt; failures are logged and returned, never retried.
type Webhook struct {
	log    zerolog.Logger
	client *http.Client
}

func NewWebhook(timeout time.Duration, logger zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		log:    logger.With().Str("component", "webhook").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Post(ctx context.Context, url string, payload any) error {
	if url == "" {
		return nil
	}
	err := w.post(ctx, url, payload)
	if err != nil {
		w.log.Warn().Err(err).Str("callback_url", url).Msg("callback delivery failed")
	}
	return err
}

func (w *Webhook) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback returned HTTP %d", resp.StatusCode)
	}
	return nil
}
