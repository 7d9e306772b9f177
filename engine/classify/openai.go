package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// DefaultOpenAIBaseURL is text-generation-webui's OpenAI-compatible endpoint.
const DefaultOpenAIBaseURL = "http://127.0.0.1:5001/v1"

// fallbackModel is sent when discovery finds nothing and none is configured.
const fallbackModel = "default"

// OpenAICompleter talks to any OpenAI-compatible /chat/completions server.
type OpenAICompleter struct {
	baseURL string
	apiKey  string
	model   string
	topP    float32
	client  *http.Client
	logger  *zap.Logger
}

// NewOpenAICompleter creates a completer. An empty model is resolved later
// by DiscoverModel.
func NewOpenAICompleter(baseURL, apiKey, model string, timeout time.Duration, logger *zap.Logger) *OpenAICompleter {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		topP:    0.9,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.Named("openai"),
	}
}

// Model returns the model requests are sent to.
func (c *OpenAICompleter) Model() string {
	if c.model == "" {
		return fallbackModel
	}
	return c.model
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// DiscoverModel lists the server's models and keeps the configured one when
// it is served, otherwise the first. Failures fall back without error so a
// server that does not implement /models still works.
func (c *OpenAICompleter) DiscoverModel(ctx context.Context) string {
	var list modelList
	err := c.do(ctx, http.MethodGet, "/models", nil, &list)
	switch {
	case err != nil:
		c.logger.Warn("model discovery failed, using configured model", zap.String("model", c.Model()), zap.Error(err))
	case len(list.Data) == 0:
		c.logger.Warn("server lists no models", zap.String("model", c.Model()))
	default:
		for _, m := range list.Data {
			if m.ID == c.model {
				c.logger.Info("using requested model", zap.String("model", m.ID))
				return c.model
			}
		}
		if c.model != "" {
			c.logger.Warn("requested model not served, using first available", zap.String("requested", c.model))
		}
		c.model = list.Data[0].ID
		c.logger.Info("using model", zap.String("model", c.model))
	}
	return c.Model()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int32         `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature"`
	TopP        float32       `json:"top_p,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model: c.Model(),
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        c.topP,
	}
	var resp chatResponse
	if err := c.do(ctx, http.MethodPost, "/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: chat: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAICompleter) do(ctx context.Context, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("openai: encode: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransientRemoteError{Op: "openai " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &domain.TransientRemoteError{Op: "openai " + path, Status: resp.StatusCode, Err: err}
		}
		return fmt.Errorf("openai %s: %w", path, err)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai %s decode: %w", path, err)
	}
	return nil
}
