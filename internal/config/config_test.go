package config

import (
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range keys {
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("expected memory store by default, got %s", cfg.StoreBackend)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.MaxAttempts)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Errorf("expected default call timeout 30s, got %s", cfg.CallTimeout)
	}
	if cfg.StoreTimeout != 10*time.Second {
		t.Errorf("expected default store timeout 10s, got %s", cfg.StoreTimeout)
	}
	if cfg.RetrievalTopK != 5 {
		t.Errorf("expected default top-k 5, got %d", cfg.RetrievalTopK)
	}
	if !cfg.MetricsEnabled || cfg.TracingEnabled {
		t.Errorf("expected metrics on and tracing off, got %v/%v", cfg.MetricsEnabled, cfg.TracingEnabled)
	}
	if cfg.KBChunkSize != 500 || cfg.KBChunkOverlap != 50 {
		t.Errorf("expected chunking 500/50, got %d/%d", cfg.KBChunkSize, cfg.KBChunkOverlap)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("TRIAGE_MAX_ATTEMPTS", "5")
	os.Setenv("TRIAGE_CALL_TIMEOUT", "2s")
	os.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	defer os.Unsetenv("TRIAGE_MAX_ATTEMPTS")
	defer os.Unsetenv("TRIAGE_CALL_TIMEOUT")
	defer os.Unsetenv("CORS_ORIGINS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.CallTimeout != 2*time.Second {
		t.Errorf("expected 2s, got %s", cfg.CallTimeout)
	}
	if diff := cmp.Diff([]string{"http://a.test", "http://b.test"}, cfg.CORSOrigins); diff != "" {
		t.Errorf("origins (-want +got):\n%s", diff)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}

func validConfig() *Config {
	return &Config{
		AuthMode:        "none",
		StoreBackend:    "memory",
		LLMProvider:     "ollama",
		EmbedProvider:   "ollama",
		VectorStore:     "memory",
		AssessorBackend: "llm",
		MaxAttempts:     3,
		KBChunkSize:     500,
		KBChunkOverlap:  50,
		RetrievalTopK:   5,
		CallTimeout:     time.Second,
		StoreTimeout:    time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"postgres without url", func(c *Config) { c.StoreBackend = "postgres" }, "DATABASE_URL"},
		{"postgres with url", func(c *Config) {
			c.StoreBackend = "postgres"
			c.DatabaseURL = "postgres://x"
		}, ""},
		{"unknown store", func(c *Config) { c.StoreBackend = "sqlite" }, "STORE_BACKEND"},
		{"jwt without key", func(c *Config) { c.AuthMode = "jwt" }, "AUTH_SIGNING_KEY"},
		{"jwt with jwks", func(c *Config) {
			c.AuthMode = "jwt"
			c.AuthJWKSURL = "https://issuer.test/jwks"
		}, ""},
		{"openai without key", func(c *Config) { c.LLMProvider = "openai" }, "API key"},
		{"gemini embed without key", func(c *Config) { c.EmbedProvider = "gemini" }, "EMBED_PROVIDER"},
		{"bad vector store", func(c *Config) { c.VectorStore = "faiss" }, "VECTOR_STORE"},
		{"bad assessor", func(c *Config) { c.AssessorBackend = "magic" }, "TRIAGE_ASSESSOR"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "TRIAGE_MAX_ATTEMPTS"},
		{"overlap too large", func(c *Config) { c.KBChunkOverlap = 500 }, "KB_CHUNK_OVERLAP"},
		{"zero top-k", func(c *Config) { c.RetrievalTopK = 0 }, "RETRIEVAL_TOP_K"},
		{"zero timeout", func(c *Config) { c.CallTimeout = 0 }, "TRIAGE_CALL_TIMEOUT"},
		{"zero store timeout", func(c *Config) { c.StoreTimeout = 0 }, "TRIAGE_STORE_TIMEOUT"},
		{"production postgres unsealed", func(c *Config) {
			c.Env = "production"
			c.StoreBackend = "postgres"
			c.DatabaseURL = "postgres://x"
		}, "THREAD_ENCRYPTION_KEYS"},
		{"production postgres sealed", func(c *Config) {
			c.Env = "production"
			c.StoreBackend = "postgres"
			c.DatabaseURL = "postgres://x"
			c.ThreadEncryptionKeys = "1:" + base64.StdEncoding.EncodeToString(make([]byte, 32))
		}, ""},
		{"malformed encryption key", func(c *Config) { c.ThreadEncryptionKeys = "1:short" }, "THREAD_ENCRYPTION_KEYS"},
		{"sampler above one", func(c *Config) { c.TraceSampleRatio = 1.5 }, "OTEL_SAMPLER_RATIO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
