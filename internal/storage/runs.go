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

// CreateRun inserts a new agent run in the queued state and returns it.
func (db *DB) CreateRun(ctx context.Context, orgID, userID uuid.UUID) (model.AgentRun, error) {
	run := model.AgentRun{
		ID:        uuid.New(),
		OrgID:     orgID,
		UserID:    userID,
		Status:    model.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, org_id, user_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.OrgID, run.UserID, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given org.
func (db *DB) GetRun(ctx context.Context, orgID, id uuid.UUID) (model.AgentRun, error) {
	var run model.AgentRun
	err := db.Scoped(EntityRuns, orgID).Eq("id", id).QueryRow(ctx).
		Scan(&run.ID, &run.OrgID, &run.UserID, &run.Status, &run.CreatedAt, &run.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, ErrNotFound
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// GetRunOwner returns the org that owns a run, without an org filter.
// This is the single sanctioned existence probe, used only at streaming
// session start to distinguish "run not found" from "run belongs to another
// org". No row data beyond the owning org id ever crosses the tenant
// boundary through this path.
func (db *DB) GetRunOwner(ctx context.Context, runID uuid.UUID) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT org_id FROM agent_runs WHERE id = $1`, runID,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("storage: get run owner: %w", err)
	}
	return orgID, nil
}

// MarkRunRunning transitions a queued run to running, scoped to the org.
func (db *DB) MarkRunRunning(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $1 WHERE id = $2 AND org_id = $3 AND status = $4`,
		string(model.RunStatusRunning), id, orgID, string(model.RunStatusQueued),
	)
	if err != nil {
		return fmt.Errorf("storage: mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun atomically records a terminal event and moves the run to the
// given terminal status, scoped to the org. Exactly one caller wins for any
// run: once a run is terminal FinishRun writes nothing and returns
// ErrAlreadyTerminal, so a retried complete can never duplicate the terminal
// event. The event and the status change commit together, so a reader that
// observes a terminal status can already read the event explaining it.
func (db *DB) FinishRun(ctx context.Context, orgID, id uuid.UUID, status model.RunStatus, kind string, payload map[string]any) (model.RunEvent, error) {
	if !status.Terminal() {
		return model.RunEvent{}, fmt.Errorf("storage: finish run: non-terminal status %q", status)
	}

	var event model.RunEvent
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		event, err = db.finishRunTx(ctx, orgID, id, status, kind, payload)
		return err
	})
	return event, err
}

func (db *DB) finishRunTx(ctx context.Context, orgID, id uuid.UUID, status model.RunStatus, kind string, payload map[string]any) (model.RunEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: begin finish tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current model.RunStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM agent_runs WHERE id = $1 AND org_id = $2 FOR UPDATE`,
		id, orgID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunEvent{}, ErrNotFound
		}
		return model.RunEvent{}, fmt.Errorf("storage: lock run for finish: %w", err)
	}
	if current.Terminal() {
		return model.RunEvent{}, ErrAlreadyTerminal
	}

	event, err := insertRunEvent(ctx, tx, orgID, id, kind, payload)
	if err != nil {
		return model.RunEvent{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agent_runs SET status = $1, completed_at = $2 WHERE id = $3 AND org_id = $4`,
		string(status), time.Now().UTC(), id, orgID,
	); err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: finish run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: commit finish: %w", err)
	}
	return event, nil
}

// ListRuns returns a page of runs for a user within an org, newest first,
// along with the total count.
func (db *DB) ListRuns(ctx context.Context, orgID, userID uuid.UUID, limit, offset int) ([]model.AgentRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	scope := db.Scoped(EntityRuns, orgID).Eq("user_id", userID)
	total, err := scope.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := scope.OrderBy("created_at", "DESC").Query(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		var r model.AgentRun
		if err := rows.Scan(&r.ID, &r.OrgID, &r.UserID, &r.Status, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
