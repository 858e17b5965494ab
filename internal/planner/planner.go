// Package planner defines the itinerary planner boundary.
// The reliability layer treats plan generation as an external capability:
// it starts runs, records their events, and reports their outcomes without
// knowing how an itinerary is produced.
package planner

import (
	"context"

	"github.com/itinera-ai/itinera/internal/model"
)

// EmitFunc records a single plan event against the run. The layer persists
// each emitted event before EmitFunc returns, so a nil error means the event
// is durable.
type EmitFunc func(ctx context.Context, kind string, payload map[string]any) error

// Planner produces an itinerary for a run, emitting progress and result
// events along the way. A nil error marks the run completed; a non-nil
// error marks it failed.
type Planner interface {
	BuildItinerary(ctx context.Context, run model.AgentRun, req model.StartRunRequest, emit EmitFunc) error
}

// Func adapts a plain function to the Planner interface.
type Func func(ctx context.Context, run model.AgentRun, req model.StartRunRequest, emit EmitFunc) error

func (f Func) BuildItinerary(ctx context.Context, run model.AgentRun, req model.StartRunRequest, emit EmitFunc) error {
	return f(ctx, run, req, emit)
}

// Stub is a development planner that emits a single canned itinerary event.
// It stands in for a real LLM-backed planner in local and test environments.
func Stub() Planner {
	return Func(func(ctx context.Context, run model.AgentRun, req model.StartRunRequest, emit EmitFunc) error {
		return emit(ctx, "itinerary.draft", map[string]any{
			"destination": req.Destination,
			"days": []map[string]any{
				{"day": 1, "summary": "Arrival and neighborhood walk"},
			},
		})
	})
}
