// Package llm talks to chat models that can answer in JSON.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrEmptyResponse = errors.New("empty model response")

// Request is one system+user exchange. A nil Schema asks for free-form JSON.
type Request struct {
	System     string
	User       string
	SchemaName string
	Schema     map[string]any
}

type Client interface {
	GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error)
	Name() string
}

type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

func New(ctx context.Context, cfg Config, log zerolog.Logger) (Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaClient(cfg, log), nil
	case "openai":
		return NewOpenAIClient(cfg, log), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 300))
}

// ExtractJSON pulls the outermost JSON object out of a model reply that may be
// wrapped in prose or a markdown fence.
func ExtractJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, ErrEmptyResponse
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output: %s", truncate(s, 120))
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON in model output: %s", truncate(s, 120))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func jsonInstruction(system string) string {
	return strings.TrimSpace(system) + "\n\nRispondi esclusivamente con un oggetto JSON valido, senza testo aggiuntivo."
}
