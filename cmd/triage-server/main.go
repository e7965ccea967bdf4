package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/triage/triage/internal/config"
	"github.com/triage/triage/internal/domain/triage"
	"github.com/triage/triage/internal/platform/auth"
	"github.com/triage/triage/internal/platform/db"
	"github.com/triage/triage/internal/platform/middleware"
	"github.com/triage/triage/internal/platform/telemetry"
	"github.com/triage/triage/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "triage-server",
		Short:         "Symptom triage assistant API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(kbCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig is shared by every subcommand.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "triage-server",
		Version:     version,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		// Tracing is optional; the server runs without it.
		logger.Warn().Err(err).Msg("tracing disabled")
	}

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if n, err := app.kb.EnsureIndexed(ctx, cfg.KBPath, chunkOptions(cfg)); err != nil {
		// Retrieval falls back to the general practitioner until the index is built.
		logger.Warn().Err(err).Str("path", cfg.KBPath).Msg("knowledge base not indexed")
	} else {
		logger.Info().Int("chunks", n).Msg("knowledge base ready")
	}

	e, chat, err := newEcho(ctx, cfg, logger, app)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Str("llm", app.llm.Name()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chat.Shutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("flush traces")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(ctx context.Context, cfg *config.Config, logger zerolog.Logger, app *app) (*echo.Echo, *triage.Handler, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware())
	if app.metrics != nil {
		e.Use(app.metrics.Middleware())
	}
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("64K"))

	if cfg.AuthMode == "jwt" {
		jwksURL := cfg.AuthJWKSURL
		if cfg.AuthSigningKey == "" && jwksURL == "" && cfg.AuthIssuer != "" {
			url, err := auth.DiscoverJWKSURL(ctx, cfg.AuthIssuer)
			if err != nil {
				return nil, nil, fmt.Errorf("discover jwks: %w", err)
			}
			jwksURL = url
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    jwksURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if app.pool != nil {
		e.GET("/health/db", db.HealthHandler(app.pool))
	}
	if app.metrics != nil {
		e.GET("/metrics", app.metrics.Handler())
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	wsCfg := websocket.DefaultConfig()
	wsCfg.AllowedOrigins = cfg.CORSOrigins
	chat := triage.NewHandlerWithHub(app.engine, websocket.NewHub(wsCfg, logger), logger)

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), middleware.RequestTimeout(cfg.RequestTimeout))
	chat.RegisterRoutes(apiV1)
	return e, chat, nil
}
