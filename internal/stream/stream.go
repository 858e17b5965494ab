// Package stream implements the per-connection streaming session for run
// event logs: an explicit REPLAY → LIVE → DONE state machine driven by a
// cancellable context, with replay on resume, a rolling per-second delivery
// budget (backpressure, never loss), and heartbeats while idle.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itinera-ai/itinera/internal/model"
)

// Frame is one delivered streaming frame.
type Frame struct {
	Event string    `json:"event"` // "replay", "message", or "heartbeat"
	Data  FrameData `json:"data"`
}

// FrameData is the data portion of a frame. For heartbeats only TS is set.
type FrameData struct {
	ID      int64          `json:"id,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Store is the read surface a session needs. *storage.DB satisfies it.
type Store interface {
	ListEventsSince(ctx context.Context, orgID, runID uuid.UUID, since *time.Time, limit int) ([]model.RunEvent, error)
	RunStatus(ctx context.Context, orgID, runID uuid.UUID) (model.RunStatus, error)
}

// Config tunes a session. Zero values select the defaults.
type Config struct {
	// MaxPerSecond caps deliveries of persisted events within any rolling
	// one-second window. Heartbeats are exempt. Default 10.
	MaxPerSecond int
	// PollInterval is the idle sleep between LIVE iterations. Default 50ms.
	PollInterval time.Duration
	// HeartbeatAfter is how long the session may be silent before emitting a
	// heartbeat. Default 1s.
	HeartbeatAfter time.Duration
	// FlushBatch is the fetch size while draining after the run reaches a
	// terminal status. Default 500.
	FlushBatch int
}

func (c Config) withDefaults() Config {
	if c.MaxPerSecond <= 0 {
		c.MaxPerSecond = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.HeartbeatAfter <= 0 {
		c.HeartbeatAfter = time.Second
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 500
	}
	return c
}

// SendFunc delivers one frame to the subscriber. A non-nil error means the
// connection is gone and the session must stop.
type SendFunc func(Frame) error

// Session streams one run's event log to one subscriber. Not safe for
// concurrent use; each connection gets its own Session.
type Session struct {
	store  Store
	orgID  uuid.UUID
	runID  uuid.UUID
	cursor *time.Time
	cfg    Config

	sends    []time.Time // persisted-event delivery times in the last second
	lastSend time.Time   // any frame, heartbeats included
}

// New creates a session. resumeCursor is the ts of the last event the client
// processed, or nil for a fresh subscription. The caller is responsible for
// the tenancy check on (orgID, runID) before starting the session.
func New(store Store, orgID, runID uuid.UUID, resumeCursor *time.Time, cfg Config) *Session {
	return &Session{
		store:  store,
		orgID:  orgID,
		runID:  runID,
		cursor: resumeCursor,
		cfg:    cfg.withDefaults(),
	}
}

// Run drives the session until the run completes, the subscriber
// disconnects (send returns an error), or ctx is cancelled. On return no
// further reads are issued.
func (s *Session) Run(ctx context.Context, send SendFunc) error {
	s.lastSend = time.Now()

	// REPLAY: only entered with a resume cursor. One bounded batch, then LIVE.
	if s.cursor != nil {
		if err := s.replay(ctx, send); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.deliver(ctx, send, "message"); err != nil {
			return err
		}

		now := time.Now()
		if now.Sub(s.lastSend) >= s.cfg.HeartbeatAfter {
			if err := s.heartbeat(send, now); err != nil {
				return err
			}
		}

		status, err := s.store.RunStatus(ctx, s.orgID, s.runID)
		if err != nil {
			return fmt.Errorf("stream: re-read run status: %w", err)
		}
		if status.Terminal() {
			// Flush everything still unsent, then DONE. The budget exists to
			// pace a live subscriber, not to delay a finished run's tail.
			return s.flush(ctx, send)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// replay emits at most MaxPerSecond events tagged "replay" and advances the
// cursor past them.
func (s *Session) replay(ctx context.Context, send SendFunc) error {
	events, err := s.store.ListEventsSince(ctx, s.orgID, s.runID, s.cursor, s.cfg.MaxPerSecond)
	if err != nil {
		return fmt.Errorf("stream: replay fetch: %w", err)
	}
	for _, e := range events {
		if err := s.emit(send, "replay", e); err != nil {
			return err
		}
	}
	return nil
}

// deliver fetches and emits up to the remaining share of the rolling
// per-second budget. Events beyond the budget stay in the log for a later
// tick — backpressure, never loss.
func (s *Session) deliver(ctx context.Context, send SendFunc, tag string) error {
	budget := s.remainingBudget(time.Now())
	if budget <= 0 {
		return nil
	}
	events, err := s.store.ListEventsSince(ctx, s.orgID, s.runID, s.cursor, budget)
	if err != nil {
		return fmt.Errorf("stream: fetch events: %w", err)
	}
	for _, e := range events {
		if err := s.emit(send, tag, e); err != nil {
			return err
		}
	}
	return nil
}

// flush drains the remaining log unthrottled and returns nil (DONE).
func (s *Session) flush(ctx context.Context, send SendFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := s.store.ListEventsSince(ctx, s.orgID, s.runID, s.cursor, s.cfg.FlushBatch)
		if err != nil {
			return fmt.Errorf("stream: flush fetch: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, e := range events {
			if err := s.emit(send, "message", e); err != nil {
				return err
			}
		}
	}
}

func (s *Session) emit(send SendFunc, tag string, e model.RunEvent) error {
	if err := send(Frame{
		Event: tag,
		Data: FrameData{
			ID:      e.ID,
			Kind:    e.Kind,
			TS:      e.TS.UTC().Format(time.RFC3339Nano),
			Payload: e.Payload,
		},
	}); err != nil {
		return err
	}
	now := time.Now()
	s.sends = append(s.sends, now)
	s.lastSend = now
	ts := e.TS
	s.cursor = &ts
	return nil
}

// heartbeat emits a synthetic, non-persisted frame carrying the current
// time so the client and any intermediary know the connection is alive.
func (s *Session) heartbeat(send SendFunc, now time.Time) error {
	if err := send(Frame{
		Event: "heartbeat",
		Data:  FrameData{TS: now.UTC().Format(time.RFC3339Nano)},
	}); err != nil {
		return err
	}
	s.lastSend = now
	return nil
}

// remainingBudget prunes delivery timestamps older than one second and
// returns how many persisted events may still be sent right now.
func (s *Session) remainingBudget(now time.Time) int {
	cutoff := now.Add(-time.Second)
	live := s.sends[:0]
	for _, t := range s.sends {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	s.sends = live
	return s.cfg.MaxPerSecond - len(s.sends)
}

// ParseCursor parses a client-supplied resume cursor. A malformed cursor is
// rejected at session start, not silently ignored.
func ParseCursor(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, errors.New("stream: malformed resume cursor, expected RFC3339 timestamp")
	}
	return &t, nil
}
