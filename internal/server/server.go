package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itinera-ai/itinera/internal/auth"
	"github.com/itinera-ai/itinera/internal/ratelimit"
	"github.com/itinera-ai/itinera/internal/service/runs"
	"github.com/itinera-ai/itinera/internal/storage"
	"github.com/itinera-ai/itinera/internal/stream"
)

// Server is the Itinera HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	RunSvc *runs.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Rate limit rules (calls per user per minute).
	StartRunLimit int
	AppendLimit   int
	QueryLimit    int

	// Idempotency and streaming settings.
	IdempotencyTTL time.Duration
	StreamConfig   stream.Config
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		RunSvc:              cfg.RunSvc,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		StreamConfig:        cfg.StreamConfig,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Each (user, bucket) pair is an independent sliding window.
	startRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Bucket: "runs:start", Limit: limitOr(cfg.StartRunLimit, 30), Window: time.Minute,
	}, userKeyFunc, reqIDFunc)
	appendRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Bucket: "events:append", Limit: limitOr(cfg.AppendLimit, 300), Window: time.Minute,
	}, userKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Bucket: "query", Limit: limitOr(cfg.QueryLimit, 300), Window: time.Minute,
	}, userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Run lifecycle (rate limited).
	mux.Handle("POST /v1/runs", startRL(http.HandlerFunc(h.HandleStartRun)))
	mux.Handle("POST /v1/runs/{run_id}/events", appendRL(http.HandlerFunc(h.HandleAppendEvent)))
	mux.Handle("POST /v1/runs/{run_id}/complete", appendRL(http.HandlerFunc(h.HandleCompleteRun)))

	// Query endpoints (rate limited).
	mux.Handle("GET /v1/runs", queryRL(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", queryRL(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/runs/{run_id}/events", queryRL(http.HandlerFunc(h.HandleListEvents)))

	// Streaming (no rate limit middleware — the session paces itself; a
	// long-lived connection should not consume a whole query window).
	mux.Handle("GET /v1/runs/{run_id}/stream", http.HandlerFunc(h.HandleStreamRun))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

func limitOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// userKeyFunc extracts the authenticated user id for rate limiting.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.UserID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
