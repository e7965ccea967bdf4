package embedding

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// GeminiEmbedder uses the genai SDK with the retrieval task type.
type GeminiEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
}

func NewGeminiEmbedder(ctx context.Context, cfg Config) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
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
	return &GeminiEmbedder{client: client, model: model, taskType: "SEMANTIC_SIMILARITY"}, nil
}

func (e *GeminiEmbedder) Name() string { return "gemini:" + e.model }

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{TaskType: e.taskType})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if err := checkCount("gemini", len(texts), len(result.Embeddings)); err != nil {
		return nil, err
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
