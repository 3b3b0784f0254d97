package llm

import (
	"context"
	"fmt"
	"strings"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
	"LifelogRouter/internal/ports"
)

const defaultClassifierPrompt = `You route voice-transcript snippets to logging handlers.
The user said a trigger phrase asking to log something. Decide which handlers should record it.
Reply with JSON only: {"selected_handlers": ["name", ...], "confidence": 0.0-1.0, "reasoning": "short"}.
Use only handler names from the list. Reply with an empty list when nothing fits.`

// Classifier asks a language model which handlers a context window belongs to.
type Classifier struct {
	completer ports.Completer
	prompt    string
}

var _ ports.Classifier = (*Classifier)(nil)

// NewClassifier builds the system prompt once from the registry's handler descriptions.
func NewClassifier(completer ports.Completer, descriptors []handler.Descriptor, systemPrompt string) *Classifier {
	return &Classifier{completer: completer, prompt: buildPrompt(descriptors, systemPrompt)}
}

func buildPrompt(descriptors []handler.Descriptor, systemPrompt string) string {
	var b strings.Builder
	base := strings.TrimSpace(systemPrompt)
	if base == "" {
		base = defaultClassifierPrompt
	}
	b.WriteString(base)
	b.WriteString("\n\nHandlers:\n")
	for _, d := range descriptors {
		fmt.Fprintf(&b, "- %s", d.Name)
		if d.Description != "" {
			fmt.Fprintf(&b, ": %s", d.Description)
		}
		if len(d.Keywords) > 0 {
			fmt.Fprintf(&b, " (e.g. %s)", strings.Join(d.Keywords, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Classify returns the model's selection. Transport failures and unusable output
// both surface as classification errors.
func (c *Classifier) Classify(ctx context.Context, window domain.ContextWindow) (domain.RoutingDecision, error) {
	entryID := window.Trigger.ID
	user := renderWindow(window)

	raw, err := c.completer.Complete(ctx, c.prompt, user)
	if err != nil {
		return domain.RoutingDecision{}, domain.Attribute(domain.ClassificationError("classify", err), entryID, "")
	}

	decision, err := domain.DecodeClassifierReply(entryID, []byte(cleanJSON(raw)))
	if err != nil {
		return domain.RoutingDecision{}, domain.Attribute(domain.ClassificationError("decode decision", err), entryID, "")
	}
	return decision, nil
}

func renderWindow(window domain.ContextWindow) string {
	var b strings.Builder
	if len(window.Entries) > 1 {
		b.WriteString("Earlier context:\n")
		for _, e := range window.Entries[:len(window.Entries)-1] {
			fmt.Fprintf(&b, "- %s\n", e.Text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Trigger utterance:\n%s\n", window.Trigger.Text)
	if window.Standalone {
		b.WriteString("\nThe trigger utterance is only the phrase; the item to log is in the earlier context.\n")
	}
	return b.String()
}

// cleanJSON strips markdown code fences models like to wrap JSON in.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
