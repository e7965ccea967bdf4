package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/triage/triage/internal/platform/phi"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	MetricsEnabled   bool    `mapstructure:"METRICS_ENABLED"`
	TracingEnabled   bool    `mapstructure:"OTEL_ENABLED"`
	OTLPEndpoint     string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	TraceSampleRatio float64 `mapstructure:"OTEL_SAMPLER_RATIO"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`

	StoreBackend string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string        `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL     string        `mapstructure:"REDIS_URL"`
	ThreadTTL    time.Duration `mapstructure:"THREAD_TTL"`

	// ThreadEncryptionKeys is "<version>:<base64 32-byte key>,..."; the highest version seals.
	ThreadEncryptionKeys string `mapstructure:"THREAD_ENCRYPTION_KEYS"`

	LLMProvider string        `mapstructure:"LLM_PROVIDER"`
	LLMBaseURL  string        `mapstructure:"LLM_BASE_URL"`
	LLMAPIKey   string        `mapstructure:"LLM_API_KEY"`
	LLMModel    string        `mapstructure:"LLM_MODEL"`
	LLMTimeout  time.Duration `mapstructure:"LLM_TIMEOUT"`

	EmbedProvider string `mapstructure:"EMBED_PROVIDER"`
	EmbedBaseURL  string `mapstructure:"EMBED_BASE_URL"`
	EmbedAPIKey   string `mapstructure:"EMBED_API_KEY"`
	EmbedModel    string `mapstructure:"EMBED_MODEL"`

	VectorStore      string `mapstructure:"VECTOR_STORE"`
	QdrantURL        string `mapstructure:"QDRANT_URL"`
	QdrantCollection string `mapstructure:"QDRANT_COLLECTION"`
	QdrantAPIKey     string `mapstructure:"QDRANT_API_KEY"`

	KBPath         string `mapstructure:"KB_PATH"`
	KBChunkSize    int    `mapstructure:"KB_CHUNK_SIZE"`
	KBChunkOverlap int    `mapstructure:"KB_CHUNK_OVERLAP"`
	RetrievalTopK  int    `mapstructure:"RETRIEVAL_TOP_K"`

	MaxAttempts     int           `mapstructure:"TRIAGE_MAX_ATTEMPTS"`
	CallTimeout     time.Duration `mapstructure:"TRIAGE_CALL_TIMEOUT"`
	StoreTimeout    time.Duration `mapstructure:"TRIAGE_STORE_TIMEOUT"`
	AssessorBackend string        `mapstructure:"TRIAGE_ASSESSOR"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"METRICS_ENABLED", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLER_RATIO",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "THREAD_TTL", "THREAD_ENCRYPTION_KEYS",
	"LLM_PROVIDER", "LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_TIMEOUT",
	"EMBED_PROVIDER", "EMBED_BASE_URL", "EMBED_API_KEY", "EMBED_MODEL",
	"VECTOR_STORE", "QDRANT_URL", "QDRANT_COLLECTION", "QDRANT_API_KEY",
	"KB_PATH", "KB_CHUNK_SIZE", "KB_CHUNK_OVERLAP", "RETRIEVAL_TOP_K",
	"TRIAGE_MAX_ATTEMPTS", "TRIAGE_CALL_TIMEOUT", "TRIAGE_STORE_TIMEOUT", "TRIAGE_ASSESSOR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SAMPLER_RATIO", 0.1)
	v.SetDefault("AUTH_MODE", "none")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("THREAD_TTL", "0s")
	v.SetDefault("LLM_PROVIDER", "ollama")
	v.SetDefault("LLM_MODEL", "llama3.1:8b-instruct-q6_K")
	v.SetDefault("LLM_TIMEOUT", "60s")
	v.SetDefault("EMBED_PROVIDER", "ollama")
	v.SetDefault("EMBED_MODEL", "snowflake-arctic-embed2")
	v.SetDefault("VECTOR_STORE", "memory")
	v.SetDefault("QDRANT_URL", "http://localhost:6333")
	v.SetDefault("QDRANT_COLLECTION", "specialists")
	v.SetDefault("KB_PATH", "./data/kb_spec.csv")
	v.SetDefault("KB_CHUNK_SIZE", 500)
	v.SetDefault("KB_CHUNK_OVERLAP", 50)
	v.SetDefault("RETRIEVAL_TOP_K", 5)
	v.SetDefault("TRIAGE_MAX_ATTEMPTS", 3)
	v.SetDefault("TRIAGE_CALL_TIMEOUT", "30s")
	v.SetDefault("TRIAGE_STORE_TIMEOUT", "10s")
	v.SetDefault("TRIAGE_ASSESSOR", "llm")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper's own comma split keeps the spaces around each origin.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects combinations that would fail only once traffic arrives.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case "none":
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"none\" or \"jwt\", got %q", c.AuthMode)
	}

	switch c.StoreBackend {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"memory\", \"postgres\", or \"redis\", got %q", c.StoreBackend)
	}

	if c.ThreadEncryptionKeys != "" {
		if _, _, err := phi.ParseKeys(c.ThreadEncryptionKeys); err != nil {
			return fmt.Errorf("THREAD_ENCRYPTION_KEYS: %w", err)
		}
	} else if c.IsProduction() && c.StoreBackend != "memory" {
		return fmt.Errorf("THREAD_ENCRYPTION_KEYS is required in production with a durable STORE_BACKEND")
	}

	if err := checkProvider("LLM_PROVIDER", c.LLMProvider, c.LLMAPIKey); err != nil {
		return err
	}
	if err := checkProvider("EMBED_PROVIDER", c.EmbedProvider, c.EmbedAPIKey); err != nil {
		return err
	}

	if c.VectorStore != "memory" && c.VectorStore != "qdrant" {
		return fmt.Errorf("VECTOR_STORE must be \"memory\" or \"qdrant\", got %q", c.VectorStore)
	}
	if c.AssessorBackend != "llm" && c.AssessorBackend != "rules" {
		return fmt.Errorf("TRIAGE_ASSESSOR must be \"llm\" or \"rules\", got %q", c.AssessorBackend)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 10 {
		return fmt.Errorf("TRIAGE_MAX_ATTEMPTS must be between 1 and 10, got %d", c.MaxAttempts)
	}
	if c.KBChunkSize <= 0 || c.KBChunkOverlap < 0 || c.KBChunkOverlap >= c.KBChunkSize {
		return fmt.Errorf("KB_CHUNK_OVERLAP (%d) must be non-negative and smaller than KB_CHUNK_SIZE (%d)", c.KBChunkOverlap, c.KBChunkSize)
	}
	if c.RetrievalTopK < 1 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be at least 1, got %d", c.RetrievalTopK)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLER_RATIO must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("TRIAGE_CALL_TIMEOUT must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("TRIAGE_STORE_TIMEOUT must be positive")
	}
	return nil
}

func checkProvider(key, provider, apiKey string) error {
	switch provider {
	case "ollama":
		return nil
	case "openai", "gemini":
		if apiKey == "" {
			return fmt.Errorf("an API key is required when %s is %q", key, provider)
		}
		return nil
	default:
		return fmt.Errorf("%s must be \"ollama\", \"openai\", or \"gemini\", got %q", key, provider)
	}
}
