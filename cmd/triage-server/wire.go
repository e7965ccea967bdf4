package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/config"
	"github.com/triage/triage/internal/domain/triage"
	"github.com/triage/triage/internal/platform/cache"
	"github.com/triage/triage/internal/platform/db"
	"github.com/triage/triage/internal/platform/embedding"
	"github.com/triage/triage/internal/platform/knowledge"
	"github.com/triage/triage/internal/platform/llm"
	"github.com/triage/triage/internal/platform/phi"
	"github.com/triage/triage/internal/platform/telemetry"
	"github.com/triage/triage/internal/platform/vectorstore"
	"github.com/triage/triage/migrations"
)

// app holds the collaborators shared by serve and chat.
type app struct {
	engine  *triage.Engine
	kb      *knowledge.Base
	llm     llm.Client
	metrics *telemetry.Registry
	pool    *pgxpool.Pool
	rdb     *goredis.Client
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	if cfg.MetricsEnabled {
		a.metrics = telemetry.NewRegistry()
	}
	store, locker, err := a.buildStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := llm.New(ctx, llm.Config{
		Provider: cfg.LLMProvider,
		BaseURL:  cfg.LLMBaseURL,
		APIKey:   cfg.LLMAPIKey,
		Model:    cfg.LLMModel,
		Timeout:  cfg.LLMTimeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.llm = client

	a.kb, err = buildKnowledge(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var assessor triage.CompletenessAssessor = triage.NewLLMAssessor(client, logger)
	if cfg.AssessorBackend == "rules" {
		assessor = triage.NewRuleAssessor()
	}

	a.engine = triage.NewEngine(
		store,
		locker,
		triage.NewLLMClassifier(client, logger),
		assessor,
		triage.NewRAGRetriever(a.kb, client, cfg.RetrievalTopK, logger),
		triage.EngineConfig{MaxAttempts: cfg.MaxAttempts, CallTimeout: cfg.CallTimeout, StoreTimeout: cfg.StoreTimeout, Metrics: a.metrics},
		logger,
	)
	return a, nil
}

func (a *app) buildStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (triage.ThreadStore, triage.Locker, error) {
	var opts []triage.StoreOption
	if cfg.StoreBackend != "memory" {
		sealer, err := threadSealer(cfg)
		if err != nil {
			return nil, nil, err
		}
		if sealer != nil {
			logger.Info().Int("key_version", sealer.CurrentVersion()).Msg("thread encryption enabled")
			opts = append(opts, triage.WithSealer(sealer))
		} else {
			logger.Warn().Msg("THREAD_ENCRYPTION_KEYS not set; threads are stored in plaintext")
		}
	}

	switch cfg.StoreBackend {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		a.pool = pool
		n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("connected to database")
		return triage.NewPGStore(pool, opts...), triage.NewPGLocker(pool), nil
	case "redis":
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		a.rdb = rdb
		logger.Info().Dur("thread_ttl", cfg.ThreadTTL).Msg("connected to redis")
		return triage.NewRedisStore(rdb, cfg.ThreadTTL, opts...), triage.NewRedisLocker(rdb, turnLease(cfg)), nil
	default:
		logger.Warn().Msg("using in-memory thread store; conversations are lost on restart")
		return triage.NewMemoryStore(), triage.NewKeyedLocker(), nil
	}
}

// turnLease covers a worst-case turn: four collaborator calls (classify,
// assess, retrieve, recommend) plus a load and a save. RedisLocker also
// renews the lease while the turn runs.
func turnLease(cfg *config.Config) time.Duration {
	return 4*cfg.CallTimeout + 2*cfg.StoreTimeout
}

// threadSealer returns nil when no keys are configured.
func threadSealer(cfg *config.Config) (*phi.Sealer, error) {
	if cfg.ThreadEncryptionKeys == "" {
		return nil, nil
	}
	current, previous, err := phi.ParseKeys(cfg.ThreadEncryptionKeys)
	if err != nil {
		return nil, fmt.Errorf("THREAD_ENCRYPTION_KEYS: %w", err)
	}
	return phi.NewSealer(current, previous...)
}

func buildKnowledge(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*knowledge.Base, error) {
	embedder, err := embedding.New(ctx, embedding.Config{
		Provider: cfg.EmbedProvider,
		BaseURL:  cfg.EmbedBaseURL,
		APIKey:   cfg.EmbedAPIKey,
		Model:    cfg.EmbedModel,
	})
	if err != nil {
		return nil, err
	}

	var index vectorstore.Index
	switch cfg.VectorStore {
	case "qdrant":
		index = vectorstore.NewQdrant(cfg.QdrantURL, cfg.QdrantCollection, cfg.QdrantAPIKey)
	default:
		index = vectorstore.NewMemory()
	}
	return knowledge.NewBase(embedder, index, logger), nil
}

func chunkOptions(cfg *config.Config) knowledge.ChunkOptions {
	return knowledge.ChunkOptions{Size: cfg.KBChunkSize, Overlap: cfg.KBChunkOverlap}
}
