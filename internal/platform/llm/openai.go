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

// OpenAIClient speaks the chat/completions dialect shared by OpenAI and
// compatible gateways.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewOpenAIClient(cfg Config, log zerolog.Logger) *OpenAIClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &OpenAIClient{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("llm", "openai").Logger(),
	}
}

func (c *OpenAIClient) Name() string { return "openai:" + c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	body := openAIChatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: jsonInstruction(req.System)},
			{Role: "user", Content: req.User},
		},
	}
	if req.Schema != nil {
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.SchemaName,
				"schema": req.Schema,
				"strict": true,
			},
		}
	} else {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	var resp openAIChatResponse
	if err := c.do(ctx, "/v1/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return nil, fmt.Errorf("model refused: %s", msg.Refusal)
	}
	return ExtractJSON(msg.Content)
}

func (c *OpenAIClient) do(ctx context.Context, path string, body any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("llm request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai decode error: %w", err)
	}
	return nil
}
