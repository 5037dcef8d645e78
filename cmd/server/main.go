// Command server runs the conversational logging assistant API.
//
// Startup order:
//  1. Load .env (dev convenience) and the environment configuration.
//  2. Configure zerolog and OpenTelemetry.
//  3. Open SQLite and run migrations.
//  4. Construct the Gemini provider (degraded mode when unconfigured).
//  5. Start the background embedding worker.
//  6. Serve HTTP with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lvasilev/loglens-backend/internal/config"
	"github.com/lvasilev/loglens-backend/internal/embedding"
	httpapi "github.com/lvasilev/loglens-backend/internal/http"
	"github.com/lvasilev/loglens-backend/internal/observability"
	"github.com/lvasilev/loglens-backend/internal/provider"
	"github.com/lvasilev/loglens-backend/internal/repo"
	"github.com/lvasilev/loglens-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real deployments configure the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	// Logging
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	// Provider. An empty GEMINI_PROJECT starts the server in degraded mode:
	// every turn routes to chat with the fallback reply and retrieval serves
	// recency-only context.
	deps := httpapi.Deps{}
	var embedder provider.Embedder
	if cfg.Provider.Project != "" {
		gem, err := provider.NewGemini(ctx, cfg.Provider.Project, cfg.Provider.Location,
			provider.WithGenerativeModel(cfg.Provider.Model),
			provider.WithEmbeddingModel(cfg.Provider.EmbedModel),
			provider.WithEmbeddingDim(cfg.Provider.EmbedDim),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("gemini client construction failed")
		}
		deps.Generator = gem
		deps.Classifier = gem
		deps.Extractor = gem
		deps.Embedder = gem
		embedder = gem
	} else {
		log.Warn().Msg("GEMINI_PROJECT not set; starting in degraded mode (chat-only fallback, no retrieval)")
	}

	// Background embedding pipeline
	worker := &embedding.Worker{
		Pipeline: &embedding.Pipeline{
			DB:       db,
			Embedder: embedder,
			Timeout:  cfg.Provider.Timeout,
		},
		Workers:           cfg.Embed.Workers,
		QueueSize:         cfg.Embed.QueueSize,
		MaxRetries:        cfg.Embed.MaxRetries,
		RetryBase:         cfg.Embed.RetryBase,
		ReconcileInterval: cfg.Embed.ReconcileInterval,
		ReconcileLag:      cfg.Embed.ReconcileLag,
	}
	go worker.Run(ctx)
	deps.Embeds = worker

	// HTTP
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, deps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}
