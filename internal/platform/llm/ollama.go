package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OllamaClient uses /api/chat with the format field for structured output.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewOllamaClient(cfg Config, log zerolog.Logger) *OllamaClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL:    base,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("llm", "ollama").Logger(),
	}
}

func (c *OllamaClient) Name() string { return "ollama:" + c.model }

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   any            `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

func (c *OllamaClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	body := ollamaChatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: jsonInstruction(req.System)},
			{Role: "user", Content: req.User},
		},
		Options: map[string]any{"temperature": 0},
	}
	if req.Schema != nil {
		body.Format = req.Schema
	} else {
		body.Format = "json"
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	c.log.Debug().Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("llm request")

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var out ollamaChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ollama decode error: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama: %s", out.Error)
	}
	return ExtractJSON(out.Message.Content)
}
