package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// markdownEscaper escapes the entity delimiters of Telegram's legacy Markdown mode.
var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// Notifier sends confirmations and digests to a Telegram chat via bot API.
type Notifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

var (
	_ ports.Notifier         = (*Notifier)(nil)
	_ ports.ConfirmationSink = (*Notifier)(nil)
)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		apiBase:  defaultAPIBase,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithAPIBase points the notifier at another Bot API server.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimRight(base, "/")
	return n
}

type sendResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// PostConfirmation posts a short acknowledgement of a committed record and
// returns the Telegram message id as the confirmation ref.
func (n *Notifier) PostConfirmation(ctx context.Context, rec domain.PersistedRecord) (string, error) {
	id, err := n.send(ctx, confirmationText(rec))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// PublishDigest posts a Markdown message to Telegram.
func (n *Notifier) PublishDigest(ctx context.Context, digest string) error {
	_, err := n.send(ctx, digest)
	return err
}

func (n *Notifier) send(ctx context.Context, text string) (int64, error) {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return 0, domain.DeliverySinkError("telegram", false, fmt.Errorf("telegram notifier misconfigured"))
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, domain.DeliverySinkError("telegram", true, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	var result sendResult
	_ = json.NewDecoder(resp.Body).Decode(&result)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, domain.RateLimited("telegram", time.Duration(result.Parameters.RetryAfter)*time.Second,
			fmt.Errorf("telegram error: %s", resp.Status))
	case resp.StatusCode >= http.StatusInternalServerError:
		return 0, domain.DeliverySinkError("telegram", true, fmt.Errorf("telegram error: %s", resp.Status))
	case resp.StatusCode != http.StatusOK || !result.OK:
		return 0, domain.DeliverySinkError("telegram", false, fmt.Errorf("telegram error: %s %s", resp.Status, result.Description))
	}

	return result.Result.MessageID, nil
}

// confirmationText holds only escaped user data; the message is sent in Markdown
// mode so a stray underscore in a handler name or payload must not open an entity.
func confirmationText(rec domain.PersistedRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Logged to %s", markdownEscaper.Replace(rec.HandlerName))
	if summary := summarizePayload(rec.Payload); summary != "" {
		fmt.Fprintf(&b, "\n%s", markdownEscaper.Replace(summary))
	}
	fmt.Fprintf(&b, "\n%s", markdownEscaper.Replace(rec.Ref()))
	return b.String()
}

// summarizePayload renders up to a few top-level scalar fields as key: value lines.
func summarizePayload(payload json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case string, float64, bool:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 5 {
		keys = keys[:5]
	}
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, fields[k]))
	}
	return strings.Join(lines, "\n")
}
