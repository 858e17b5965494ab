package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/storage"
	"github.com/itinera-ai/itinera/internal/stream"
)

// HandleStreamRun handles GET /v1/runs/{run_id}/stream (SSE).
// Replays from the optional cursor query parameter, follows the run live,
// and closes the stream once every event of a finished run is delivered.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	// The 404/403 split needs to know whether the run exists at all. The
	// owner probe reads only the owning org id; no run data crosses the
	// tenant boundary here.
	ownerOrg, err := h.db.GetRunOwner(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("stream tenancy check failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to open stream")
		return
	}
	if ownerOrg != claims.OrgID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "run belongs to another organization")
		return
	}

	cursor, err := stream.ParseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cursor must be an RFC3339 timestamp")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout (default 30s).
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	session := stream.New(h.db, claims.OrgID, runID, cursor, h.streamCfg)

	send := func(f stream.Frame) error {
		data, err := json.Marshal(f.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err = session.Run(r.Context(), send)
	switch {
	case err == nil:
		// DONE: the run finished and the log was fully delivered.
		_, _ = fmt.Fprint(w, "event: done\ndata: {}\n\n")
		flusher.Flush()
	case errors.Is(err, context.Canceled):
		// Subscriber went away; nothing left to write.
	default:
		h.logger.Warn("stream session ended", "error", err, "run_id", runID,
			"request_id", RequestIDFromContext(r.Context()))
	}
}
