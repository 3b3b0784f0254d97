package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

// Client talks to an external intent-classification service.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Classifier = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	EntryID    string          `json:"entry_id"`
	Text       string          `json:"text"`
	Context    []string        `json:"context"`
	Standalone bool            `json:"standalone"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Classify posts the window to /classify and maps the reply to a routing decision.
func (c *Client) Classify(ctx context.Context, window domain.ContextWindow) (domain.RoutingDecision, error) {
	entryID := window.Trigger.ID
	payload := classifyRequest{
		EntryID:    entryID,
		Text:       window.Trigger.Text,
		Standalone: window.Standalone,
		Raw:        window.Trigger.Raw,
	}
	for _, e := range window.Entries {
		if e.ID != entryID {
			payload.Context = append(payload.Context, e.Text)
		}
	}

	var raw json.RawMessage
	if err := c.post(ctx, "/classify", payload, &raw); err != nil {
		return domain.RoutingDecision{}, domain.Attribute(domain.ClassificationError("classify", err), entryID, "")
	}

	decision, err := domain.DecodeClassifierReply(entryID, raw)
	if err != nil {
		return domain.RoutingDecision{}, domain.Attribute(domain.ClassificationError("decode decision", err), entryID, "")
	}
	return decision, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return fmt.Errorf("unexpected status %s, close body: %v", resp.Status, closeErr)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if v == nil {
		if err := resp.Body.Close(); err != nil {
			return fmt.Errorf("close response body: %w", err)
		}
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("decode response: %w", err)
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return nil
}
