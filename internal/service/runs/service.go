// Package runs orchestrates the agent run lifecycle: create a run, execute
// the planner in the background, and record every transition as a durable
// event so streaming clients observe the full history.
package runs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/planner"
	"github.com/itinera-ai/itinera/internal/storage"
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateRun(ctx context.Context, orgID, userID uuid.UUID) (model.AgentRun, error)
	GetRun(ctx context.Context, orgID, id uuid.UUID) (model.AgentRun, error)
	MarkRunRunning(ctx context.Context, orgID, id uuid.UUID) error
	FinishRun(ctx context.Context, orgID, id uuid.UUID, status model.RunStatus, kind string, payload map[string]any) (model.RunEvent, error)
	AppendEvent(ctx context.Context, orgID, runID uuid.UUID, kind string, payload map[string]any) (model.RunEvent, error)
}

// Service starts runs and drives them to a terminal state.
type Service struct {
	store      Store
	planner    planner.Planner
	logger     *slog.Logger
	runTimeout time.Duration

	wg sync.WaitGroup
}

// New creates a run service. runTimeout bounds the background execution of
// a single run; zero means 10 minutes.
func New(store Store, p planner.Planner, logger *slog.Logger, runTimeout time.Duration) *Service {
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	return &Service{
		store:      store,
		planner:    p,
		logger:     logger,
		runTimeout: runTimeout,
	}
}

// StartRun creates a queued run, records the queued event, and kicks off
// background execution. It returns as soon as the run and its first event
// are durable; plan generation continues asynchronously.
func (s *Service) StartRun(ctx context.Context, req model.StartRunRequest) (model.AgentRun, error) {
	run, err := s.store.CreateRun(ctx, req.OrgID, req.UserID)
	if err != nil {
		return model.AgentRun{}, err
	}

	if _, err := s.store.AppendEvent(ctx, run.OrgID, run.ID, "run.queued", map[string]any{
		"destination": req.Destination,
	}); err != nil {
		return model.AgentRun{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The request context dies with the HTTP request; the run does not.
		execCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		defer cancel()
		s.execute(execCtx, run, req)
	}()

	return run, nil
}

// execute drives one run from queued to a terminal state. The terminal
// event and the terminal status are written in one FinishRun call, so a
// streaming client that sees a terminal status can already read the event
// explaining it, and a run finished elsewhere is never finished twice.
func (s *Service) execute(ctx context.Context, run model.AgentRun, req model.StartRunRequest) {
	logger := s.logger.With("run_id", run.ID, "org_id", run.OrgID)

	if err := s.store.MarkRunRunning(ctx, run.OrgID, run.ID); err != nil {
		logger.Error("mark run running failed", "error", err)
		s.fail(ctx, run, "could not start execution")
		return
	}
	if _, err := s.store.AppendEvent(ctx, run.OrgID, run.ID, "run.started", nil); err != nil {
		logger.Error("append run.started failed", "error", err)
		s.fail(ctx, run, "could not record start")
		return
	}

	emit := func(ctx context.Context, kind string, payload map[string]any) error {
		_, err := s.store.AppendEvent(ctx, run.OrgID, run.ID, kind, payload)
		return err
	}

	if err := s.planner.BuildItinerary(ctx, run, req, emit); err != nil {
		logger.Warn("planner failed", "error", err)
		s.fail(ctx, run, err.Error())
		return
	}

	if _, err := s.store.FinishRun(ctx, run.OrgID, run.ID, model.RunStatusCompleted, "run.completed", nil); err != nil {
		if errors.Is(err, storage.ErrAlreadyTerminal) {
			logger.Info("run was finished elsewhere")
			return
		}
		logger.Error("finish run failed", "error", err)
	}
}

func (s *Service) fail(ctx context.Context, run model.AgentRun, reason string) {
	logger := s.logger.With("run_id", run.ID, "org_id", run.OrgID)
	_, err := s.store.FinishRun(ctx, run.OrgID, run.ID, model.RunStatusError, "run.failed", map[string]any{
		"reason": reason,
	})
	if err != nil && !errors.Is(err, storage.ErrAlreadyTerminal) {
		logger.Error("mark run error failed", "error", err)
	}
}

// Complete marks a run terminal on behalf of an external executor and
// records the corresponding event. The status transition decides who wins:
// the event is only written when this call takes the run terminal, so a
// retried complete returns storage.ErrAlreadyTerminal and appends nothing.
func (s *Service) Complete(ctx context.Context, orgID, runID uuid.UUID, status model.RunStatus) error {
	kind := "run.completed"
	if status == model.RunStatusError {
		kind = "run.failed"
	}
	_, err := s.store.FinishRun(ctx, orgID, runID, status, kind, nil)
	return err
}

// Shutdown waits for in-flight run executions to finish, up to the context
// deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
