// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, provider credentials,
// retrieval policy, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "loglens-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ProviderConfig defines the Gemini provider settings. When Project is empty
// the server starts in degraded mode: classification returns chat, generation
// serves the fallback reply, and the similarity branch of retrieval is off.
type ProviderConfig struct {
	Project         string        // GEMINI_PROJECT (GCP project for Vertex AI)
	Location        string        // GEMINI_LOCATION
	Model           string        // GEMINI_MODEL
	EmbedModel      string        // GEMINI_EMBED_MODEL
	EmbedDim        int           // EMBED_DIM
	Timeout         time.Duration // PROVIDER_TIMEOUT per classify/extract call
	GenerateTimeout time.Duration // GENERATE_TIMEOUT per generation attempt
}

// RetrievalConfig defines the context-building policy knobs.
type RetrievalConfig struct {
	SimilarityFloor float64       // SIMILARITY_FLOOR: hard gate on cosine similarity
	RecencyWeight   float64       // RECENCY_WEIGHT in [0,1]
	RecencyHalfLife time.Duration // RECENCY_HALF_LIFE decay constant
	TopK            int           // RETRIEVAL_TOPK neighbors pulled before rescoring
	ContextLimit    int           // CONTEXT_LIMIT ranked matches kept
	RecentTurns     int           // RECENT_TURNS window fused unconditionally
	RecentEntryDays int           // RECENT_ENTRY_DAYS confirmed-records window
}

// EmbedConfig defines the background embedding pipeline settings.
type EmbedConfig struct {
	Workers           int           // EMBED_WORKERS
	QueueSize         int           // EMBED_QUEUE_SIZE
	MaxRetries        int           // EMBED_MAX_RETRIES
	RetryBase         time.Duration // EMBED_RETRY_BASE backoff base
	ReconcileInterval time.Duration // RECONCILE_INTERVAL sweep period
	ReconcileLag      time.Duration // RECONCILE_LAG minimum row age before sweep pickup
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath           string  // SQLite path
	MaxPromptRunes   int     // MAX_PROMPT_RUNES cap on one turn's text
	LogMinConfidence float64 // LOG_MIN_CONFIDENCE classifier gate in [0,1]

	Provider  ProviderConfig
	Retrieval RetrievalConfig
	Embed     EmbedConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:           getenv("DB_PATH", "app.db"),
		MaxPromptRunes:   getint("MAX_PROMPT_RUNES", 8000),
		LogMinConfidence: getfloat("LOG_MIN_CONFIDENCE", 0.5),

		Provider: ProviderConfig{
			Project:         getenv("GEMINI_PROJECT", ""),
			Location:        getenv("GEMINI_LOCATION", "us-central1"),
			Model:           getenv("GEMINI_MODEL", "gemini-2.5-flash"),
			EmbedModel:      getenv("GEMINI_EMBED_MODEL", "gemini-embedding-001"),
			EmbedDim:        getint("EMBED_DIM", 768),
			Timeout:         getdur("PROVIDER_TIMEOUT", 10*time.Second),
			GenerateTimeout: getdur("GENERATE_TIMEOUT", 25*time.Second),
		},

		Retrieval: RetrievalConfig{
			SimilarityFloor: getfloat("SIMILARITY_FLOOR", 0.25),
			RecencyWeight:   getfloat("RECENCY_WEIGHT", 0.3),
			RecencyHalfLife: getdur("RECENCY_HALF_LIFE", 30*24*time.Hour),
			TopK:            getint("RETRIEVAL_TOPK", 20),
			ContextLimit:    getint("CONTEXT_LIMIT", 6),
			RecentTurns:     getint("RECENT_TURNS", 6),
			RecentEntryDays: getint("RECENT_ENTRY_DAYS", 7),
		},

		Embed: EmbedConfig{
			Workers:           getint("EMBED_WORKERS", 2),
			QueueSize:         getint("EMBED_QUEUE_SIZE", 256),
			MaxRetries:        getint("EMBED_MAX_RETRIES", 5),
			RetryBase:         getdur("EMBED_RETRY_BASE", 500*time.Millisecond),
			ReconcileInterval: getdur("RECONCILE_INTERVAL", 5*time.Minute),
			ReconcileLag:      getdur("RECONCILE_LAG", time.Minute),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "loglens-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MaxPromptRunes <= 0 {
		return cfg, errors.New("MAX_PROMPT_RUNES must be > 0")
	}
	if cfg.LogMinConfidence < 0 || cfg.LogMinConfidence > 1 {
		return cfg, errors.New("LOG_MIN_CONFIDENCE must be between 0 and 1")
	}
	if cfg.Retrieval.SimilarityFloor < 0 || cfg.Retrieval.SimilarityFloor > 1 {
		return cfg, errors.New("SIMILARITY_FLOOR must be between 0 and 1")
	}
	if cfg.Retrieval.RecencyWeight < 0 || cfg.Retrieval.RecencyWeight > 1 {
		return cfg, errors.New("RECENCY_WEIGHT must be between 0 and 1")
	}
	if cfg.Retrieval.RecencyHalfLife <= 0 {
		return cfg, errors.New("RECENCY_HALF_LIFE must be a positive duration")
	}
	if cfg.Retrieval.TopK < 1 {
		return cfg, errors.New("RETRIEVAL_TOPK must be >= 1")
	}
	if cfg.Provider.EmbedDim < 1 {
		return cfg, errors.New("EMBED_DIM must be >= 1")
	}
	if cfg.Embed.Workers < 1 {
		return cfg, errors.New("EMBED_WORKERS must be >= 1")
	}
	if cfg.Embed.QueueSize < 1 {
		return cfg, errors.New("EMBED_QUEUE_SIZE must be >= 1")
	}
	if cfg.Embed.MaxRetries < 0 {
		return cfg, errors.New("EMBED_MAX_RETRIES must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
