package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini completer.
type GeminiConfig struct {
	Model             string
	APIKey            string
	RequestsPerSecond float64
}

// GeminiClient implements ports.Completer with the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

var (
	_ ports.Completer      = (*GeminiClient)(nil)
	_ ports.ImageCompleter = (*GeminiClient)(nil)
)

// NewGeminiClient connects to the Gemini API backend.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{client: client, model: model, limiter: newLimiter(cfg.RequestsPerSecond)}, nil
}

// Complete asks for a JSON answer to user under the system instruction.
func (g *GeminiClient) Complete(ctx context.Context, system, user string) (string, error) {
	return g.generate(ctx, system, genai.NewContentFromText(user, genai.RoleUser))
}

// CompleteImage sends the image inline next to the user prompt.
func (g *GeminiClient) CompleteImage(ctx context.Context, system, user string, image []byte, mimeType string) (string, error) {
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(image, mimeType),
		genai.NewPartFromText(user),
	}, genai.RoleUser)
	return g.generate(ctx, system, content)
}

func (g *GeminiClient) generate(ctx context.Context, system string, content *genai.Content) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{content}, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == http.StatusTooManyRequests:
				return "", domain.RateLimited("gemini", 0, err)
			case apiErr.Code >= http.StatusInternalServerError:
				return "", domain.TransportError("gemini", err)
			default:
				return "", err
			}
		}
		return "", domain.TransportError("gemini", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}
