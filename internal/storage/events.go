package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/itinera-ai/itinera/internal/model"
)

// AppendEvent durably appends one event to a run's log and returns the
// stored row. The event's ts is assigned here and is strictly increasing
// per run, so a client resuming from the last delivered ts never re-receives
// it and never skips the next one.
//
// The run row is locked for the duration of the insert. That serializes
// concurrent appends to the same run (consistent ts assignment) and enforces
// event.org_id == run.org_id at the write boundary: a run id outside the
// caller's org yields ErrNotFound before anything is written.
func (db *DB) AppendEvent(ctx context.Context, orgID, runID uuid.UUID, kind string, payload map[string]any) (model.RunEvent, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	// The run-row lock can deadlock against FinishRun under load; those
	// conflicts are transient, so retry with backoff.
	var event model.RunEvent
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		event, err = db.appendEventTx(ctx, orgID, runID, kind, payload)
		return err
	})
	return event, err
}

func (db *DB) appendEventTx(ctx context.Context, orgID, runID uuid.UUID, kind string, payload map[string]any) (model.RunEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT true FROM agent_runs WHERE id = $1 AND org_id = $2 FOR UPDATE`,
		runID, orgID,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunEvent{}, ErrNotFound
		}
		return model.RunEvent{}, fmt.Errorf("storage: lock run for append: %w", err)
	}

	event, err := insertRunEvent(ctx, tx, orgID, runID, kind, payload)
	if err != nil {
		return model.RunEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: commit append: %w", err)
	}
	return event, nil
}

// insertRunEvent writes one event row inside tx. The caller must already
// hold the run-row lock; that is what makes the ts assignment safe.
func insertRunEvent(ctx context.Context, tx pgx.Tx, orgID, runID uuid.UUID, kind string, payload map[string]any) (model.RunEvent, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	event := model.RunEvent{
		RunID:     runID,
		OrgID:     orgID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	// ts is the wall clock, bumped past the run's current max so equal or
	// backwards clock readings can never produce a duplicate cursor value.
	err := tx.QueryRow(ctx,
		`INSERT INTO agent_run_events (run_id, org_id, ts, kind, payload, created_at)
		 VALUES ($1, $2,
		   GREATEST($3::timestamptz, COALESCE(
		     (SELECT max(ts) + interval '1 microsecond'
		        FROM agent_run_events WHERE run_id = $1 AND org_id = $2),
		     $3::timestamptz)),
		   $4, $5, $6)
		 RETURNING id, ts`,
		runID, orgID, event.CreatedAt, kind, payload, event.CreatedAt,
	).Scan(&event.ID, &event.TS)
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: insert event: %w", err)
	}
	return event, nil
}

// ListEventsSince returns events for a run in ts order. since is exclusive:
// pass the ts of the last event already processed, or nil for the beginning
// of the log. limit caps the page size; if limit <= 0 it defaults to 1000.
//
// This is the one query in the layer with a range predicate; the ts cursor
// cannot be expressed through the equality-only scope builder, so the query
// is built here with the org filter inlined.
func (db *DB) ListEventsSince(ctx context.Context, orgID, runID uuid.UUID, since *time.Time, limit int) ([]model.RunEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, org_id, ts, kind, payload, created_at
		 FROM agent_run_events
		 WHERE run_id = $1 AND org_id = $2 AND ($3::timestamptz IS NULL OR ts > $3)
		 ORDER BY ts ASC
		 LIMIT $4`,
		runID, orgID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events since: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var e model.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.OrgID, &e.TS, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents returns the number of events recorded for a run.
func (db *DB) CountEvents(ctx context.Context, orgID, runID uuid.UUID) (int, error) {
	return db.Scoped(EntityRunEvents, orgID).Eq("run_id", runID).Count(ctx)
}

// RunStatus re-reads just the status column for a run, scoped to the org.
// Streaming sessions poll this between ticks.
func (db *DB) RunStatus(ctx context.Context, orgID, runID uuid.UUID) (model.RunStatus, error) {
	var status model.RunStatus
	err := db.pool.QueryRow(ctx,
		`SELECT status FROM agent_runs WHERE id = $1 AND org_id = $2`,
		runID, orgID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: run status: %w", err)
	}
	return status, nil
}
