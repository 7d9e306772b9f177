package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// generator is the slice of genai.Models the completer needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiCompleter classifies through Google's Gemini API.
type GeminiCompleter struct {
	models generator
	model  string
}

// NewGeminiCompleter creates a Gemini-backed completer.
func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newGeminiCompleter(client.Models, model), nil
}

func newGeminiCompleter(models generator, model string) *GeminiCompleter {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiCompleter{models: models, model: model}
}

// Model implements Completer.
func (g *GeminiCompleter) Model() string { return g.model }

// Complete implements Completer.
func (g *GeminiCompleter) Complete(ctx context.Context, req Request) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(req.Temperature),
		MaxOutputTokens:   req.MaxTokens,
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code != http.StatusTooManyRequests && apiErr.Code < 500 {
			return "", fmt.Errorf("gemini: generate: %w", err)
		}
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.Code
		}
		return "", &domain.TransientRemoteError{Op: "gemini generate", Status: status, Err: err}
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini: generate: no candidates")
	}
	return resp.Text(), nil
}
