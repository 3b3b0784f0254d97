package limitless

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

const (
	defaultEndpoint = "https://api.limitless.ai/v1"
	// maxPageSize is the largest page the lifelogs endpoint serves.
	maxPageSize = 10
	startLayout = "2006-01-02 15:04:05"
)

// Config configures the lifelogs client.
type Config struct {
	Endpoint          string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
	Location          *time.Location
}

// Client reads lifelogs from the Limitless developer API.
type Client struct {
	endpoint string
	apiKey   string
	location *time.Location
	limiter  *rate.Limiter
	http     *http.Client
}

var _ ports.SourceFeed = (*Client)(nil)

// NewClient builds a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		location: loc,
		limiter:  rate.NewLimiter(limit, 1),
		http:     httpClient,
	}
}

type lifelog struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Markdown  string `json:"markdown"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Contents  []struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	} `json:"contents"`
}

type listResponse struct {
	Data struct {
		Lifelogs []json.RawMessage `json:"lifelogs"`
	} `json:"data"`
}

// Fetch returns lifelogs ending at or after since, oldest first.
func (c *Client) Fetch(ctx context.Context, since time.Time, limit int) ([]domain.Entry, error) {
	if c.apiKey == "" {
		return nil, domain.TransportError("fetch lifelogs", fmt.Errorf("limitless api key is not configured"))
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	pageURL, err := c.buildURL(since, limit)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "LifelogRouter/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.TransportError("fetch lifelogs", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.RateLimited("fetch lifelogs", retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("limitless returned %s", resp.Status))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, domain.TransportError("fetch lifelogs", fmt.Errorf("limitless returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, domain.TransportError("fetch lifelogs", fmt.Errorf("limitless returned %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, domain.TransportError("decode lifelogs", err)
	}

	entries := make([]domain.Entry, 0, len(payload.Data.Lifelogs))
	for _, raw := range payload.Data.Lifelogs {
		entry, err := c.toEntry(raw)
		if err != nil {
			continue
		}
		if entry.OccurredAt.Before(since) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Client) buildURL(since time.Time, limit int) (string, error) {
	parsed, err := url.Parse(c.endpoint + "/lifelogs")
	if err != nil {
		return "", fmt.Errorf("invalid limitless endpoint %s: %w", c.endpoint, err)
	}
	query := parsed.Query()
	query.Set("limit", strconv.Itoa(limit))
	query.Set("direction", "asc")
	query.Set("includeMarkdown", "true")
	query.Set("timezone", c.location.String())
	if !since.IsZero() {
		query.Set("start", since.In(c.location).Format(startLayout))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) toEntry(raw json.RawMessage) (domain.Entry, error) {
	var lg lifelog
	if err := json.Unmarshal(raw, &lg); err != nil {
		return domain.Entry{}, err
	}
	if lg.ID == "" {
		return domain.Entry{}, fmt.Errorf("lifelog without id")
	}

	stamp := lg.EndTime
	if stamp == "" {
		stamp = lg.StartTime
	}
	occurredAt, err := parseTimestamp(stamp, c.location)
	if err != nil {
		return domain.Entry{}, fmt.Errorf("lifelog %s: %w", lg.ID, err)
	}

	text := PlainText(lg.Markdown)
	if text == "" {
		parts := make([]string, 0, len(lg.Contents))
		for _, item := range lg.Contents {
			if item.Type == "blockquote" || item.Type == "paragraph" {
				parts = append(parts, strings.TrimSpace(item.Content))
			}
		}
		text = strings.Join(parts, " ")
	}

	return domain.Entry{
		ID:         lg.ID,
		OccurredAt: occurredAt.UTC(),
		Text:       text,
		Raw:        raw,
	}, nil
}

func parseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(startLayout, value, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
