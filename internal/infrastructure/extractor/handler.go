// Package extractor implements configurable, language-model backed handlers:
// each one turns a transcript window into a JSON record for its domain.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
	"LifelogRouter/internal/ports"
)

const confirmationField = "needs_confirmation"

// TaskSpec names a summary task and when it runs.
type TaskSpec struct {
	Name string
	At   string
}

// Config describes one extractor handler.
type Config struct {
	Name        string
	Description string
	Keywords    []string
	Patterns    []string
	Prompt      string
	// ImagePrompt enables HandleImage; photos are only analysed when it is set.
	ImagePrompt string
	Context     string
	Schedule    []TaskSpec
	Location    *time.Location
}

// Deps are the collaborators shared by every extractor.
type Deps struct {
	Completer ports.Completer
	Records   ports.RecordStore
	Notifier  ports.Notifier
	Logger    *zap.Logger
}

// Handler is a configurable extraction handler.
type Handler struct {
	cfg       Config
	completer ports.Completer
	records   ports.RecordStore
	notifier  ports.Notifier
	logger    *zap.Logger
}

var (
	_ handler.Handler      = (*Handler)(nil)
	_ handler.Describer    = (*Handler)(nil)
	_ handler.QueryHandler = (*Handler)(nil)
	_ handler.ImageHandler = (*Handler)(nil)
	_ handler.TaskProvider = (*Handler)(nil)
	_ handler.Summarizer   = (*Handler)(nil)
)

// New builds a handler. Without a completer it records the transcript verbatim.
func New(cfg Config, deps Deps) *Handler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:       cfg,
		completer: deps.Completer,
		records:   deps.Records,
		notifier:  deps.Notifier,
		logger:    logger.With(zap.String("handler", cfg.Name)),
	}
}

func (h *Handler) Name() string        { return h.cfg.Name }
func (h *Handler) Keywords() []string  { return h.cfg.Keywords }
func (h *Handler) Patterns() []string  { return h.cfg.Patterns }
func (h *Handler) Description() string { return h.cfg.Description }

// HandleLog extracts a JSON object from the transcript. A model answer carrying
// "needs_confirmation": true is returned with that status and is not committed.
func (h *Handler) HandleLog(ctx context.Context, text, entryID string, rc handler.RoutingContext) (domain.HandlerResult, error) {
	result := domain.HandlerResult{EntryID: entryID, HandlerName: h.cfg.Name, Status: domain.StatusOK}

	fields := map[string]any{}
	if h.completer != nil {
		raw, err := h.completer.Complete(ctx, h.systemPrompt(), text)
		if err != nil {
			return result, domain.HandlerError(entryID, h.cfg.Name, fmt.Errorf("extract: %w", err))
		}
		if err := json.Unmarshal([]byte(cleanJSON(raw)), &fields); err != nil {
			return result, domain.HandlerError(entryID, h.cfg.Name, fmt.Errorf("model answer is not a JSON object: %w", err))
		}
		if v, ok := fields[confirmationField].(bool); ok {
			delete(fields, confirmationField)
			if v {
				result.Status = domain.StatusNeedsConfirmation
			}
		}
		if errText, ok := fields["error"].(string); ok && errText != "" {
			return result, domain.HandlerError(entryID, h.cfg.Name, errors.New(errText))
		}
	}
	if _, ok := fields["transcript"]; !ok {
		fields["transcript"] = text
	}
	if rc.Window.Trigger.ID != "" {
		fields["occurred_at"] = rc.Window.Trigger.OccurredAt.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return result, domain.HandlerError(entryID, h.cfg.Name, err)
	}
	result.Payload = payload
	h.logger.Debug("extracted record", zap.String("entry_id", entryID), zap.Int("fields", len(fields)))
	return result, nil
}

// HandleImage analyses a photo with a vision-capable completer. Estimates from a
// picture are never committed directly, so the result always needs confirmation.
func (h *Handler) HandleImage(ctx context.Context, image []byte, hint string) (domain.HandlerResult, error) {
	result := domain.HandlerResult{HandlerName: h.cfg.Name, Status: domain.StatusNeedsConfirmation}
	vision, ok := h.completer.(ports.ImageCompleter)
	if !ok || strings.TrimSpace(h.cfg.ImagePrompt) == "" {
		return result, domain.HandlerError("", h.cfg.Name, fmt.Errorf("%w: image analysis", domain.ErrNotImplemented))
	}
	if len(image) == 0 {
		return result, domain.HandlerError("", h.cfg.Name, fmt.Errorf("%w: empty image", domain.ErrInvalidInput))
	}

	user := "Analyze this image."
	if hint = strings.TrimSpace(hint); hint != "" {
		user += " Context from the user: " + hint
	}
	system := strings.TrimSpace(h.cfg.ImagePrompt) + "\n\nRespond with ONLY a JSON object."
	raw, err := vision.CompleteImage(ctx, system, user, image, http.DetectContentType(image))
	if err != nil {
		return result, domain.HandlerError("", h.cfg.Name, fmt.Errorf("analyze image: %w", err))
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &fields); err != nil {
		return result, domain.HandlerError("", h.cfg.Name, fmt.Errorf("model answer is not a JSON object: %w", err))
	}
	if errText, ok := fields["error"].(string); ok && errText != "" {
		return result, domain.HandlerError("", h.cfg.Name, errors.New(errText))
	}
	delete(fields, confirmationField)
	fields["source"] = "image"
	if hint != "" {
		fields["hint"] = hint
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return result, domain.HandlerError("", h.cfg.Name, err)
	}
	result.Payload = payload
	h.logger.Debug("analysed image", zap.Int("bytes", len(image)), zap.Int("fields", len(fields)))
	return result, nil
}

func (h *Handler) systemPrompt() string {
	prompt := strings.TrimSpace(h.cfg.Prompt)
	if prompt == "" {
		prompt = fmt.Sprintf("Extract %s data from this transcript.", h.cfg.Name)
		if h.cfg.Description != "" {
			prompt += " It covers " + h.cfg.Description + "."
		}
	}
	var b strings.Builder
	b.WriteString(prompt)
	if h.cfg.Context != "" {
		b.WriteString("\n\n")
		b.WriteString(h.cfg.Context)
	}
	b.WriteString("\n\nRespond with ONLY a JSON object. Set \"needs_confirmation\": true when the transcript is too ambiguous to log.")
	return b.String()
}

// DailySummary aggregates the records committed on day's calendar date.
// Numeric fields are summed by key across records, including nested ones.
func (h *Handler) DailySummary(ctx context.Context, day time.Time) (map[string]any, error) {
	if h.records == nil {
		return nil, fmt.Errorf("%w: %s has no record store", domain.ErrNotImplemented, h.cfg.Name)
	}
	local := day.In(h.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.cfg.Location)
	end := start.AddDate(0, 0, 1)

	recs, err := h.records.ListByHandler(ctx, h.cfg.Name, start, end)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", h.cfg.Name, err)
	}

	totals := map[string]float64{}
	entries := make([]any, 0, len(recs))
	for _, rec := range recs {
		var v any
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			continue
		}
		sumNumbers(v, totals)
		entries = append(entries, v)
	}

	return map[string]any{
		"handler": h.cfg.Name,
		"date":    start.Format("2006-01-02"),
		"count":   len(recs),
		"totals":  totals,
		"entries": entries,
	}, nil
}

func sumNumbers(v any, totals map[string]float64) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if n, ok := child.(float64); ok {
				totals[k] += n
				continue
			}
			sumNumbers(child, totals)
		}
	case []any:
		for _, child := range t {
			sumNumbers(child, totals)
		}
	}
}

// HandleQuery answers a question about today's records.
func (h *Handler) HandleQuery(ctx context.Context, query string, qc handler.QueryContext) (string, error) {
	now := qc.Now
	if now.IsZero() {
		now = time.Now()
	}
	summary, err := h.DailySummary(ctx, now)
	if err != nil {
		return "", err
	}
	if h.completer == nil {
		return formatDigest(summary), nil
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	system := fmt.Sprintf("You answer questions about the user's %s log. Use only this data:\n%s", h.cfg.Name, data)
	answer, err := h.completer.Complete(ctx, system, query)
	if err != nil {
		return "", fmt.Errorf("answer query: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// ScheduledTasks returns one digest task per configured schedule entry.
func (h *Handler) ScheduledTasks() []handler.Task {
	tasks := make([]handler.Task, 0, len(h.cfg.Schedule))
	for _, ts := range h.cfg.Schedule {
		tasks = append(tasks, handler.Task{
			Name: ts.Name,
			At:   ts.At,
			Run:  h.publishSummary,
		})
	}
	return tasks
}

func (h *Handler) publishSummary(ctx context.Context, now time.Time) error {
	summary, err := h.DailySummary(ctx, now)
	if err != nil {
		return err
	}
	if h.notifier == nil {
		h.logger.Info("daily summary ready, no notifier configured", zap.Any("count", summary["count"]))
		return nil
	}
	return h.notifier.PublishDigest(ctx, formatDigest(summary))
}

// digestKeyEscaper keeps keys like protein_g from opening Markdown entities.
var digestKeyEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func formatDigest(summary map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%v summary for %v*\n", summary["handler"], summary["date"])
	fmt.Fprintf(&b, "Entries: %v\n", summary["count"])

	totals, _ := summary["totals"].(map[string]float64)
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %g\n", digestKeyEscaper.Replace(k), totals[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
