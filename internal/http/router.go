// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/config"
	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/embedding"
	"github.com/lvasilev/loglens-backend/internal/http/handlers"
	"github.com/lvasilev/loglens-backend/internal/http/middleware"
	"github.com/lvasilev/loglens-backend/internal/intent"
	"github.com/lvasilev/loglens-backend/internal/provider"
	"github.com/lvasilev/loglens-backend/internal/repo"
	"github.com/lvasilev/loglens-backend/internal/retrieval"
	"github.com/lvasilev/loglens-backend/internal/services"
	"github.com/lvasilev/loglens-backend/internal/sink"
)

// Deps carries the injected provider-side dependencies. Nil fields are legal
// and put the affected subsystem into degraded mode: a nil Classifier routes
// every turn to chat, a nil Generator serves the fallback reply, a nil
// Embedder turns the similarity branch of retrieval off.
type Deps struct {
	Generator  provider.Generator
	Classifier provider.Classifier
	Extractor  provider.Extractor
	Embedder   provider.Embedder

	// Embeds is the background embedding enqueuer (usually *embedding.Worker).
	Embeds embedding.Enqueuer

	// Sink is the domain record store; defaults to the bundled GORM sink.
	Sink sink.Sink
}

// conversationRepoShim adapts the repository free functions to the
// services.ConversationRepo interface expected by the ConversationService.
// This keeps services decoupled from the concrete repo package while reusing
// existing functions.
type conversationRepoShim struct{}

// CreateConversation proxies repo.CreateConversation.
func (conversationRepoShim) CreateConversation(ctx context.Context, db *gorm.DB, ownerID, title string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, ownerID, title)
}

// ListConversations proxies repo.ListConversations.
func (conversationRepoShim) ListConversations(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.Conversation, error) {
	return repo.ListConversations(ctx, db, ownerID)
}

// GetConversation proxies repo.GetConversation.
func (conversationRepoShim) GetConversation(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id, ownerID)
}

// UpdateConversationTitle proxies repo.UpdateConversationTitle.
func (conversationRepoShim) UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, ownerID, title string) error {
	return repo.UpdateConversationTitle(ctx, db, id, ownerID, title)
}

// CountConversations proxies repo.CountConversations (pagination support).
func (conversationRepoShim) CountConversations(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	return repo.CountConversations(ctx, db, ownerID)
}

// ListConversationsPage proxies repo.ListConversationsPage (pagination support).
func (conversationRepoShim) ListConversationsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, ownerID, offset, limit)
}

// ArchiveConversation proxies repo.ArchiveConversation.
func (conversationRepoShim) ArchiveConversation(ctx context.Context, db *gorm.DB, id, ownerID string) error {
	return repo.ArchiveConversation(ctx, db, id, ownerID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Gzip compression
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per user/IP, bypass on replay)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compress responses (message history pages compress well)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 8) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, conversationID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, conversationID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 9) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 10) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/providers
	snk := deps.Sink
	if snk == nil {
		snk = &sink.GormSink{DB: db}
	}
	locks := services.NewConvLocks()

	engine := &retrieval.Engine{
		Embedder:         deps.Embedder,
		Index:            &retrieval.SQLIndex{DB: db, Dim: cfg.Provider.EmbedDim},
		Turns:            &retrieval.SQLTurnSource{DB: db},
		Sink:             snk,
		SimilarityFloor:  cfg.Retrieval.SimilarityFloor,
		RecencyWeight:    cfg.Retrieval.RecencyWeight,
		RecencyHalfLife:  cfg.Retrieval.RecencyHalfLife,
		TopK:             cfg.Retrieval.TopK,
		DefaultLimit:     cfg.Retrieval.ContextLimit,
		RecentTurnWindow: cfg.Retrieval.RecentTurns,
		RecentEntryDays:  cfg.Retrieval.RecentEntryDays,
		EmbedTimeout:     cfg.Provider.Timeout,
	}

	convSvc := services.NewConversationService(db, conversationRepoShim{})
	turnSvc := &services.TurnService{
		DB: db,
		Classifier: &intent.Classifier{
			Provider:         deps.Classifier,
			Timeout:          cfg.Provider.Timeout,
			MinLogConfidence: cfg.LogMinConfidence,
		},
		Extractor: &intent.Extractor{
			Provider: deps.Extractor,
			Timeout:  cfg.Provider.Timeout,
		},
		Engine:          engine,
		Generator:       deps.Generator,
		Embeds:          deps.Embeds,
		Locks:           locks,
		MaxPromptRunes:  cfg.MaxPromptRunes,
		GenerateTimeout: cfg.Provider.GenerateTimeout,
		TitleLocale:     language.English,
		TitleMaxLen:     60,
	}
	pendingSvc := &services.PendingLogService{
		DB:     db,
		Sink:   snk,
		Embeds: deps.Embeds,
		Locks:  locks,
	}

	h := handlers.New(convSvc, turnSvc, pendingSvc)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Conversations
		api.POST("/conversations", h.CreateConversation)
		api.GET("/conversations", h.ListConversations)
		api.PUT("/conversations/:id/title", h.UpdateConversationTitle)
		api.POST("/conversations/:id/archive", h.ArchiveConversation)

		// Turns
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/conversations/:id/messages", h.PostTurn)

		// Pending logs
		api.GET("/pending-logs/:id", h.GetPendingLog)
		api.POST("/pending-logs/:id/confirm", h.ConfirmPendingLog)
		api.POST("/pending-logs/:id/cancel", h.CancelPendingLog)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
