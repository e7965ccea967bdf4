package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiClient uses the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	log    zerolog.Logger
}

func NewGeminiClient(ctx context.Context, cfg Config, log zerolog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model, log: log.With().Str("llm", "gemini").Logger()}, nil
}

func (c *GeminiClient) Name() string { return "gemini:" + c.model }

func (c *GeminiClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(jsonInstruction(req.System), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
	}
	if req.Schema != nil {
		cfg.ResponseSchema = ToGenaiSchema(req.Schema)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.User), cfg)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest && cfg.ResponseSchema != nil {
		// Some models reject schemas they cannot represent; plain JSON mode still works.
		c.log.Warn().Err(err).Msg("response schema rejected, retrying without schema")
		cfg.ResponseSchema = nil
		resp, err = c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.User), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return ExtractJSON(resp.Text())
}

// ToGenaiSchema converts the JSON-schema subset used in prompts to the SDK type.
func ToGenaiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	switch enum := m["enum"].(type) {
	case []string:
		s.Enum = append([]string(nil), enum...)
	case []any:
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		names := make([]string, 0, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = ToGenaiSchema(pm)
				names = append(names, name)
			}
		}
		sort.Strings(names)
		s.PropertyOrdering = names
	}
	switch req := m["required"].(type) {
	case []string:
		s.Required = append([]string(nil), req...)
	case []any:
		for _, r := range req {
			if v, ok := r.(string); ok {
				s.Required = append(s.Required, v)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = ToGenaiSchema(items)
	}
	return s
}
