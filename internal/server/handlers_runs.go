package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/storage"
)

// HandleStartRun handles POST /v1/runs.
// The expensive operation behind this endpoint runs at most once per
// (user, Idempotency-Key): a retry with the same key and payload replays
// the recorded outcome instead of starting a second run.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.OrgID = claims.OrgID
	req.UserID = claims.UserID

	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.OrgID, claims.UserID, req)
	if !proceed {
		return
	}

	run, err := h.runSvc.StartRun(r.Context(), req)
	if err != nil {
		h.finishIdempotentWrite(idem, req, r, false)
		h.logger.Error("start run failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start run")
		return
	}

	h.finishIdempotentWrite(idem, req, r, true)
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	run, err := h.db.GetRun(r.Context(), claims.OrgID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	limit := queryInt(r, "limit", 50, 200)
	offset := queryInt(r, "offset", 0, 0)

	list, total, err := h.db.ListRuns(r.Context(), claims.OrgID, claims.UserID, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	if list == nil {
		list = []model.AgentRun{}
	}
	writeList(w, r, list, total, limit, offset)
}

// HandleAppendEvent handles POST /v1/runs/{run_id}/events.
// The event is durable before the response is written.
func (h *Handlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	var req model.AppendEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Kind == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "kind is required")
		return
	}

	// The run ID is part of the idempotent identity: the same key against a
	// different run is a different request.
	idemPayload := map[string]any{
		"run_id":  runID.String(),
		"kind":    req.Kind,
		"payload": req.Payload,
	}
	idem, proceed := h.beginIdempotentWrite(w, r, claims.OrgID, claims.UserID, idemPayload)
	if !proceed {
		return
	}

	event, err := h.db.AppendEvent(r.Context(), claims.OrgID, runID, req.Kind, req.Payload)
	if err != nil {
		h.finishIdempotentWrite(idem, idemPayload, r, false)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("append event failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to append event")
		return
	}
	h.finishIdempotentWrite(idem, idemPayload, r, true)
	writeJSON(w, r, http.StatusCreated, event)
}

// HandleCompleteRun handles POST /v1/runs/{run_id}/complete.
func (h *Handlers) HandleCompleteRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	var req model.CompleteRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	status := model.RunStatus(req.Status)
	if !status.Terminal() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be completed or error")
		return
	}

	if err := h.runSvc.Complete(r.Context(), claims.OrgID, runID, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		if errors.Is(err, storage.ErrAlreadyTerminal) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is already in a terminal state")
			return
		}
		h.logger.Error("complete run failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to complete run")
		return
	}

	run, err := h.db.GetRun(r.Context(), claims.OrgID, runID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListEvents handles GET /v1/runs/{run_id}/events.
// The since parameter is an exclusive RFC3339 cursor: pass the ts of the
// last event already processed to receive only what came after it.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "since must be an RFC3339 timestamp")
			return
		}
		since = &t
	}
	limit := queryInt(r, "limit", 1000, 1000)

	// A miss here is either a nonexistent run or another org's run; both
	// surface as not found, so the scoped lookup is sufficient.
	if _, err := h.db.GetRun(r.Context(), claims.OrgID, runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read run")
		return
	}

	events, err := h.db.ListEventsSince(r.Context(), claims.OrgID, runID, since, limit)
	if err != nil {
		h.logger.Error("list events failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.RunEvent{}
	}

	total, err := h.db.CountEvents(r.Context(), claims.OrgID, runID)
	if err != nil {
		h.logger.Error("count events failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to count events")
		return
	}
	writeList(w, r, events, total, limit, 0)
}
