package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gemini "google.golang.org/genai"
)

// DefaultGeminiModel is used when no Gemini model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// contentGenerator is the subset of the Gemini models API the client needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
}

// GeminiClient generates text with Google's Gemini API.
type GeminiClient struct {
	models      contentGenerator
	model       string
	temperature float32
}

// NewGeminiClient builds a Gemini-backed Generator.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  apiKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}
	slog.Debug("genai.NewGeminiClient: Gemini client created", "model", model)
	return &GeminiClient{models: client.Models, model: model, temperature: DefaultTemperature}, nil
}

// Generate implements Generator.
func (g *GeminiClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	cfg := &gemini.GenerateContentConfig{
		Temperature: gemini.Ptr(g.temperature),
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = gemini.NewContentFromText(systemPrompt, gemini.RoleUser)
	}
	resp, err := g.models.GenerateContent(ctx, g.model, gemini.Text(userPrompt), cfg)
	if err != nil {
		slog.Warn("GeminiClient.Generate: generation failed", "model", g.model, "error", err)
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Text()), nil
}

var _ Generator = (*GeminiClient)(nil)
