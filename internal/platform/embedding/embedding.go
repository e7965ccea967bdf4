// Package embedding turns text into vectors for similarity search.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Embedder returns one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

func New(ctx context.Context, cfg Config) (Embedder, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEmbedder(cfg), nil
	case "openai":
		return NewOpenAIEmbedder(cfg), nil
	case "gemini":
		return NewGeminiEmbedder(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Normalize scales v to unit length in place. Zero vectors are left alone.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

func checkCount(provider string, want, got int) error {
	if want != got {
		return fmt.Errorf("%s returned %d embeddings for %d inputs", provider, got, want)
	}
	return nil
}
