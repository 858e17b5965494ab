package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/storage"
)

func TestBeginIdempotencyFirstUse(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	entry, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-1", "bodyhash", "hdrhash", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.IdempotencyPending, entry.Status)
	assert.Equal(t, "bodyhash", entry.BodyHash)
}

func TestBeginIdempotencyPendingEntry(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	_, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-2", "h1", "h2", time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	// Same key, same payload, first execution still in flight.
	entry, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-2", "h1", "h2", time.Hour)
	assert.ErrorIs(t, err, storage.ErrIdempotencyInProgress)
	assert.False(t, created)
	assert.Equal(t, model.IdempotencyPending, entry.Status)
}

func TestBeginIdempotencyPayloadMismatch(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	_, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-2b", "h1", "h2", time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	// Same key, different request body: surfaced as a distinct error, with
	// the stored entry for diagnostics.
	entry, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-2b", "different", "h2", time.Hour)
	assert.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
	assert.False(t, created)
	assert.Equal(t, "h1", entry.BodyHash)
}

func TestIdempotencyKeyScopedPerUser(t *testing.T) {
	ctx := context.Background()
	org, userA := newTestTenant(t)

	userB, err := testDB.CreateUser(ctx, model.User{OrgID: org.ID, Email: "b-idem@example.com"})
	require.NoError(t, err)

	_, created, err := testDB.BeginIdempotency(ctx, org.ID, userA.ID, "shared-key", "h", "h", time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	// The same literal key under a different user is a fresh reservation.
	_, created, err = testDB.BeginIdempotency(ctx, org.ID, userB.ID, "shared-key", "h", "h", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCompleteIdempotency(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	_, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-3", "h", "h", time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, testDB.CompleteIdempotency(ctx, user.ID, "key-3", "h", "h"))

	entry, err := testDB.LookupIdempotency(ctx, user.ID, "key-3")
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyCompleted, entry.Status)

	// A retry now sees the completed entry, not a fresh reservation.
	entry, created, err = testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-3", "h", "h", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.IdempotencyCompleted, entry.Status)
}

func TestFailIdempotency(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	_, _, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-4", "h", "h", time.Hour)
	require.NoError(t, err)

	require.NoError(t, testDB.FailIdempotency(ctx, user.ID, "key-4"))

	entry, err := testDB.LookupIdempotency(ctx, user.ID, "key-4")
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyError, entry.Status)
}

func TestExpiredEntryInvisibleAndReusable(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	_, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-5", "old", "old", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, created)

	time.Sleep(100 * time.Millisecond)

	// Expired means gone for lookups even though the row still exists.
	_, err = testDB.LookupIdempotency(ctx, user.ID, "key-5")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// And the key is free for a brand new execution.
	entry, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "key-5", "new", "new", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "new", entry.BodyHash)
	assert.Equal(t, model.IdempotencyPending, entry.Status)
}

func TestBeginIdempotencyConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	const racers = 10
	var wg sync.WaitGroup
	results := make([]bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "race-key", "h", "h", time.Hour)
			// Losers see the winner's still-pending reservation.
			if err != nil && !errors.Is(err, storage.ErrIdempotencyInProgress) {
				t.Errorf("begin: %v", err)
				return
			}
			results[i] = created
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, created := range results {
		if created {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one racer should own the reservation")
}

func TestCleanupIdempotencyEntries(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	_, _, err := testDB.BeginIdempotency(ctx, org.ID, user.ID, "sweep-old", "h", "h", 10*time.Millisecond)
	require.NoError(t, err)
	_, _, err = testDB.BeginIdempotency(ctx, org.ID, user.ID, "sweep-live", "h", "h", time.Hour)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	n, err := testDB.CleanupIdempotencyEntries(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	// Live entries survive the sweep.
	entry, err := testDB.LookupIdempotency(ctx, user.ID, "sweep-live")
	require.NoError(t, err)
	assert.Equal(t, "sweep-live", entry.Key)
}
