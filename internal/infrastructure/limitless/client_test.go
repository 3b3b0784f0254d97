package limitless

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LifelogRouter/internal/domain"
)

const page = `{
  "data": {
    "lifelogs": [
      {
        "id": "lg-1",
        "title": "Breakfast",
        "markdown": "# Breakfast\n\n- You (3/14/25 9:01 AM): I had **two eggs**. Log that.",
        "startTime": "2025-03-14T09:00:30-07:00",
        "endTime": "2025-03-14T09:01:10-07:00"
      },
      {
        "id": "lg-2",
        "markdown": "",
        "startTime": "2025-03-14T09:05:00-07:00",
        "endTime": "2025-03-14T09:06:00-07:00",
        "contents": [
          {"type": "heading1", "content": "Walk"},
          {"type": "blockquote", "content": "Going for a run."}
        ]
      },
      {"id": "", "endTime": "2025-03-14T09:07:00-07:00"},
      {"id": "lg-4", "endTime": "yesterday"}
    ]
  }
}`

func pacific(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	return loc
}

func TestFetch(t *testing.T) {
	t.Parallel()

	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	loc := pacific(t)
	c := NewClient(Config{Endpoint: srv.URL, APIKey: "secret", Location: loc}, srv.Client())
	since := time.Date(2025, 3, 14, 16, 0, 0, 0, time.UTC)

	entries, err := c.Fetch(context.Background(), since, 25)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "lg-1", entries[0].ID)
	assert.Equal(t, "Breakfast I had two eggs. Log that.", entries[0].Text)
	assert.Equal(t, time.Date(2025, 3, 14, 16, 1, 10, 0, time.UTC), entries[0].OccurredAt)
	assert.NotEmpty(t, entries[0].Raw)
	assert.Equal(t, "Going for a run.", entries[1].Text)

	require.NotNil(t, got)
	assert.Equal(t, "/lifelogs", got.URL.Path)
	assert.Equal(t, "secret", got.Header.Get("X-API-Key"))
	q := got.URL.Query()
	assert.Equal(t, "2025-03-14 09:00:00", q.Get("start"))
	assert.Equal(t, "asc", q.Get("direction"))
	assert.Equal(t, "true", q.Get("includeMarkdown"))
	assert.Equal(t, "10", q.Get("limit"))
	assert.Equal(t, "America/Los_Angeles", q.Get("timezone"))
}

func TestFetchDropsEntriesBeforeSince(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	entries, err := c.Fetch(context.Background(), time.Date(2025, 3, 14, 16, 3, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lg-2", entries[0].ID)
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		kind       domain.ErrorKind
		wait       time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", kind: domain.KindRateLimited, wait: 7 * time.Second},
		{name: "server error", status: http.StatusBadGateway, kind: domain.KindTransport},
		{name: "bad request", status: http.StatusBadRequest, kind: domain.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(Config{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
			_, err := c.Fetch(context.Background(), time.Time{}, 10)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			assert.True(t, domain.IsRetryable(err))
			if tt.wait > 0 {
				d, ok := domain.RetryAfter(err)
				assert.True(t, ok)
				assert.Equal(t, tt.wait, d)
			}
		})
	}
}

func TestFetchWithoutKey(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{Endpoint: "http://127.0.0.1:1"}, nil)
	_, err := c.Fetch(context.Background(), time.Time{}, 10)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}

func TestFetchUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{Endpoint: url, APIKey: "k"}, nil)
	_, err := c.Fetch(context.Background(), time.Time{}, 10)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                                   "",
		"plain words":                        "plain words",
		"## Morning\n> I slept *badly*":      "Morning I slept badly",
		"<p>Track <b>that</b></p><p>run</p>": "Track that run",
		"- Alex (9:00 AM): log this please":  "log this please",
	}
	for in, want := range tests {
		assert.Equal(t, want, PlainText(in), in)
	}
}
