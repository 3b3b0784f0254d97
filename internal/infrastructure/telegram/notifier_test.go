package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LifelogRouter/internal/domain"
)

func TestPostConfirmation(t *testing.T) {
	t.Parallel()

	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = map[string]string{"chat_id": r.PostForm.Get("chat_id"), "text": r.PostForm.Get("text")}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":314}}`))
	}))
	defer srv.Close()

	n := NewNotifier("token", "42").WithAPIBase(srv.URL)
	ref, err := n.PostConfirmation(context.Background(), domain.PersistedRecord{
		EntryID: "e1", HandlerName: "nutrition", Payload: json.RawMessage(`{"food":"eggs","calories":140,"items":[1]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "314", ref)
	assert.Equal(t, "42", form["chat_id"])
	assert.Contains(t, form["text"], "Logged to nutrition")
	assert.Contains(t, form["text"], "calories: 140\nfood: eggs")
	assert.NotContains(t, form["text"], "items")
	assert.Contains(t, form["text"], "records/nutrition/e1")
}

func TestPostConfirmationEscapesMarkdown(t *testing.T) {
	t.Parallel()

	var text, mode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		text, mode = r.PostForm.Get("text"), r.PostForm.Get("parse_mode")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
	}))
	defer srv.Close()

	n := NewNotifier("token", "42").WithAPIBase(srv.URL)
	_, err := n.PostConfirmation(context.Background(), domain.PersistedRecord{
		EntryID: "lg_1", HandlerName: "sleep_log", Payload: json.RawMessage(`{"note":"2*3 [x] `+"`"+`y`+"`"+`","total_hours":7}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Markdown", mode)
	assert.Equal(t, "✅ Logged to sleep\\_log\nnote: 2\\*3 \\[x] \\`y\\`\ntotal\\_hours: 7\nrecords/sleep\\_log/lg\\_1", text)
}

func TestSendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		kind      domain.ErrorKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"ok":false,"parameters":{"retry_after":3}}`, domain.KindRateLimited, true},
		{"server error", http.StatusBadGateway, ``, domain.KindDeliverySink, true},
		{"chat not found", http.StatusBadRequest, `{"ok":false,"description":"chat not found"}`, domain.KindDeliverySink, false},
		{"not ok", http.StatusOK, `{"ok":false}`, domain.KindDeliverySink, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewNotifier("t", "c").WithAPIBase(srv.URL).PublishDigest(context.Background(), "hi")
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))
		})
	}
}

func TestMisconfigured(t *testing.T) {
	t.Parallel()

	_, err := NewNotifier("", "").PostConfirmation(context.Background(), domain.PersistedRecord{})
	assert.Equal(t, domain.KindDeliverySink, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
}
