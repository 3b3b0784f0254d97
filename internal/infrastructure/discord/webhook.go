package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

// discord rejects message content above this length.
const maxContent = 2000

// Webhook posts confirmations and digests to a Discord incoming webhook.
type Webhook struct {
	url    string
	client *http.Client
}

var (
	_ ports.Notifier         = (*Webhook)(nil)
	_ ports.ConfirmationSink = (*Webhook)(nil)
)

// NewWebhook builds a webhook client for the given URL.
func NewWebhook(webhookURL string) *Webhook {
	return &Webhook{url: webhookURL, client: &http.Client{Timeout: 5 * time.Second}}
}

type message struct {
	ID string `json:"id"`
}

type rateLimit struct {
	RetryAfter float64 `json:"retry_after"`
}

// PostConfirmation posts a one-line acknowledgement and returns the message id.
func (w *Webhook) PostConfirmation(ctx context.Context, rec domain.PersistedRecord) (string, error) {
	return w.post(ctx, fmt.Sprintf("✅ Logged to **%s** (`%s`)", rec.HandlerName, rec.Ref()))
}

// PublishDigest posts the digest, truncated to what Discord accepts.
func (w *Webhook) PublishDigest(ctx context.Context, digest string) error {
	_, err := w.post(ctx, digest)
	return err
}

func (w *Webhook) post(ctx context.Context, content string) (string, error) {
	if w.url == "" {
		return "", domain.DeliverySinkError("discord", false, fmt.Errorf("discord webhook misconfigured"))
	}
	if len([]rune(content)) > maxContent {
		content = string([]rune(content)[:maxContent-1]) + "…"
	}

	target, err := url.Parse(w.url)
	if err != nil {
		return "", domain.DeliverySinkError("discord", false, fmt.Errorf("invalid webhook url: %w", err))
	}
	q := target.Query()
	q.Set("wait", "true")
	target.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", domain.DeliverySinkError("discord", true, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var rl rateLimit
		_ = json.NewDecoder(resp.Body).Decode(&rl)
		return "", domain.RateLimited("discord", time.Duration(rl.RetryAfter*float64(time.Second)),
			fmt.Errorf("discord error: %s", resp.Status))
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", domain.DeliverySinkError("discord", true, fmt.Errorf("discord error: %s", resp.Status))
	case resp.StatusCode >= http.StatusBadRequest:
		return "", domain.DeliverySinkError("discord", false, fmt.Errorf("discord error: %s", resp.Status))
	}

	var msg message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil || strings.TrimSpace(msg.ID) == "" {
		return "", domain.DeliverySinkError("discord", false, fmt.Errorf("discord response has no message id"))
	}
	return msg.ID, nil
}
