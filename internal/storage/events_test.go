package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/storage"
)

func TestAppendEventAssignsStrictlyIncreasingTS(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	var prev time.Time
	for i := 0; i < 20; i++ {
		e, err := testDB.AppendEvent(ctx, org.ID, run.ID, "step", map[string]any{"i": i})
		require.NoError(t, err)
		assert.True(t, e.TS.After(prev), "ts %v not after %v", e.TS, prev)
		prev = e.TS
	}
}

func TestAppendEventUnknownRun(t *testing.T) {
	ctx := context.Background()
	org, _ := newTestTenant(t)

	_, err := testDB.AppendEvent(ctx, org.ID, uuid.New(), "step", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendEventOtherOrgRun(t *testing.T) {
	ctx := context.Background()
	orgA, userA := newTestTenant(t)
	orgB, _ := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, orgA.ID, userA.ID)
	require.NoError(t, err)

	// Writing into another org's run is indistinguishable from a missing run.
	_, err = testDB.AppendEvent(ctx, orgB.ID, run.ID, "step", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	count, err := testDB.CountEvents(ctx, orgA.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestListEventsSinceExclusive(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	var appended []model.RunEvent
	for i := 0; i < 3; i++ {
		e, err := testDB.AppendEvent(ctx, org.ID, run.ID, "step", map[string]any{"i": i})
		require.NoError(t, err)
		appended = append(appended, e)
	}

	// nil cursor reads from the beginning of the log.
	all, err := testDB.ListEventsSince(ctx, org.ID, run.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Cursor is exclusive: resuming from the second ts returns only the third.
	after, err := testDB.ListEventsSince(ctx, org.ID, run.ID, &appended[1].TS, 0)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, appended[2].ID, after[0].ID)

	// Resuming from the last ts returns nothing.
	tail, err := testDB.ListEventsSince(ctx, org.ID, run.ID, &appended[2].TS, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestListEventsSinceLimit(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := testDB.AppendEvent(ctx, org.ID, run.ID, "step", nil)
		require.NoError(t, err)
	}

	page, err := testDB.ListEventsSince(ctx, org.ID, run.ID, nil, 5)
	require.NoError(t, err)
	require.Len(t, page, 5)

	// Paging by the last delivered ts picks up exactly the remainder.
	rest, err := testDB.ListEventsSince(ctx, org.ID, run.ID, &page[4].TS, 5)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestListEventsOtherOrgInvisible(t *testing.T) {
	ctx := context.Background()
	orgA, userA := newTestTenant(t)
	orgB, _ := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, orgA.ID, userA.ID)
	require.NoError(t, err)
	_, err = testDB.AppendEvent(ctx, orgA.ID, run.ID, "step", nil)
	require.NoError(t, err)

	events, err := testDB.ListEventsSince(ctx, orgB.ID, run.ID, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendEventConcurrent(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := testDB.AppendEvent(ctx, org.ID, run.ID, "step", nil); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := testDB.ListEventsSince(ctx, org.ID, run.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)

	// ts carries the total order even under concurrent appends.
	seen := make(map[int64]bool, len(events))
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].TS.After(events[i-1].TS),
			"events %d and %d share or invert ts", i-1, i)
	}
	for _, e := range events {
		assert.False(t, seen[e.TS.UnixMicro()], "duplicate ts %v", e.TS)
		seen[e.TS.UnixMicro()] = true
	}
}

func TestRunStatusReRead(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	status, err := testDB.RunStatus(ctx, org.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, status)

	_, err = testDB.FinishRun(ctx, org.ID, run.ID, model.RunStatusCompleted, "run.completed", nil)
	require.NoError(t, err)

	status, err = testDB.RunStatus(ctx, org.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)
}
