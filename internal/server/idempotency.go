package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/storage"
)

// idempotencyHandle carries the reservation through to finalization.
type idempotencyHandle struct {
	key    string
	userID uuid.UUID
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// requestHash canonicalizes a payload through JSON marshaling and hashes it.
func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// headersHash hashes the request headers that change the meaning of the
// request body. Ordering is fixed so equal headers always hash equal.
func headersHash(r *http.Request) string {
	names := []string{"Content-Type", "Accept"}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(r.Header.Get(n)))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// beginIdempotentWrite checks/reuses/reserves an idempotency key.
// Returns (nil, true) when no idempotency key is present and the caller
// should proceed normally. Returns (nil, false) when a response has already
// been written (replay, mismatch, in progress, or failure).
func (h *Handlers) beginIdempotentWrite(
	w http.ResponseWriter,
	r *http.Request,
	orgID, userID uuid.UUID,
	payload any,
) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}

	bodyHash, err := requestHash(payload)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to hash request payload")
		return nil, false
	}
	hdrHash := headersHash(r)

	entry, created, err := h.db.BeginIdempotency(r.Context(), orgID, userID, key, bodyHash, hdrHash, h.idempotencyTTL)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		// Same key, different request: a caller bug surfaced loudly.
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.logger.Error("idempotency reservation failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "idempotency lookup failed")
		return nil, false
	}
	if created {
		return &idempotencyHandle{key: key, userID: userID}, true
	}

	// An earlier, finished request owns this key: replay its outcome.
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":   string(entry.Status),
		"replayed": true,
	})
	return nil, false
}

// finishIdempotentWrite records the terminal outcome of a reserved key.
// Runs on a background context so a client disconnect at the edge of the
// timeout cannot leave the entry stuck pending with the work already done.
func (h *Handlers) finishIdempotentWrite(idem *idempotencyHandle, payload any, r *http.Request, succeeded bool) {
	if idem == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if succeeded {
		bodyHash, herr := requestHash(payload)
		if herr != nil {
			err = herr
		} else {
			err = h.db.CompleteIdempotency(ctx, idem.userID, idem.key, bodyHash, headersHash(r))
		}
	} else {
		err = h.db.FailIdempotency(ctx, idem.userID, idem.key)
	}
	if err != nil {
		h.logger.Error("idempotency finalization failed", "error", err, "key", idem.key)
	}
}
