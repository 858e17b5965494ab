package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/service/runs"
	"github.com/itinera-ai/itinera/internal/storage"
	"github.com/itinera-ai/itinera/internal/stream"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	runSvc              *runs.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	idempotencyTTL      time.Duration
	streamCfg           stream.Config
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	RunSvc              *runs.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	IdempotencyTTL      time.Duration
	StreamConfig        stream.Config
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = model.DefaultIdempotencyTTL
	}
	return &Handlers{
		db:                  d.DB,
		runSvc:              d.RunSvc,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		idempotencyTTL:      ttl,
		streamCfg:           d.StreamConfig,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	writeJSON(w, r, httpStatus, resp)
}

// parseRunID extracts and validates the run_id path parameter.
func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("run_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an integer query parameter with a default and a cap.
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
