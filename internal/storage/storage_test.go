package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/internal/model"
	"github.com/itinera-ai/itinera/internal/storage"
	"github.com/itinera-ai/itinera/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// newTestTenant creates an organization with one user for test isolation.
func newTestTenant(t *testing.T) (model.Organization, model.User) {
	t.Helper()
	ctx := context.Background()

	org, err := testDB.CreateOrganization(ctx, model.Organization{
		Name: "Test Org " + uuid.NewString()[:8],
		Slug: "test-" + uuid.NewString()[:8],
	})
	require.NoError(t, err)

	user, err := testDB.CreateUser(ctx, model.User{
		OrgID: org.ID,
		Email: uuid.NewString()[:8] + "@example.com",
	})
	require.NoError(t, err)

	return org, user
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, org.ID, run.OrgID)
	assert.Equal(t, user.ID, run.UserID)

	got, err := testDB.GetRun(ctx, org.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRunOtherOrgInvisible(t *testing.T) {
	ctx := context.Background()
	orgA, userA := newTestTenant(t)
	orgB, _ := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, orgA.ID, userA.ID)
	require.NoError(t, err)

	_, err = testDB.GetRun(ctx, orgB.ID, run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetRunOwner(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	owner, err := testDB.GetRunOwner(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, org.ID, owner)

	_, err = testDB.GetRunOwner(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkRunRunning(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	require.NoError(t, testDB.MarkRunRunning(ctx, org.ID, run.ID))

	got, err := testDB.GetRun(ctx, org.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)

	// A second transition from queued is a no-op miss.
	assert.ErrorIs(t, testDB.MarkRunRunning(ctx, org.ID, run.ID), storage.ErrNotFound)
}

func TestFinishRun(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	event, err := testDB.FinishRun(ctx, org.ID, run.ID, model.RunStatusCompleted, "run.completed", nil)
	require.NoError(t, err)
	assert.Equal(t, "run.completed", event.Kind)

	got, err := testDB.GetRun(ctx, org.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestFinishRunRetryAppendsNothing(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	_, err = testDB.FinishRun(ctx, org.ID, run.ID, model.RunStatusError, "run.failed", nil)
	require.NoError(t, err)

	// A retried complete loses the status transition and must leave the
	// log untouched.
	_, err = testDB.FinishRun(ctx, org.ID, run.ID, model.RunStatusCompleted, "run.completed", nil)
	assert.ErrorIs(t, err, storage.ErrAlreadyTerminal)

	count, err := testDB.CountEvents(ctx, org.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "retry must not append a second terminal event")

	got, err := testDB.GetRun(ctx, org.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, got.Status, "retry must not overwrite the terminal status")
}

func TestFinishRunUnknownRun(t *testing.T) {
	ctx := context.Background()
	org, _ := newTestTenant(t)

	_, err := testDB.FinishRun(ctx, org.ID, uuid.New(), model.RunStatusCompleted, "run.completed", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinishRunRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	run, err := testDB.CreateRun(ctx, org.ID, user.ID)
	require.NoError(t, err)

	_, err = testDB.FinishRun(ctx, org.ID, run.ID, model.RunStatusRunning, "run.completed", nil)
	require.Error(t, err)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	org, user := newTestTenant(t)

	for i := 0; i < 5; i++ {
		_, err := testDB.CreateRun(ctx, org.ID, user.ID)
		require.NoError(t, err)
	}

	runs, total, err := testDB.ListRuns(ctx, org.ID, user.ID, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, runs, 3)

	runs, total, err = testDB.ListRuns(ctx, org.ID, user.ID, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, runs, 2)
}

func TestListRunsScopedToUser(t *testing.T) {
	ctx := context.Background()
	org, userA := newTestTenant(t)

	userB, err := testDB.CreateUser(ctx, model.User{
		OrgID: org.ID,
		Email: uuid.NewString()[:8] + "@example.com",
	})
	require.NoError(t, err)

	_, err = testDB.CreateRun(ctx, org.ID, userA.ID)
	require.NoError(t, err)
	_, err = testDB.CreateRun(ctx, org.ID, userB.ID)
	require.NoError(t, err)

	runs, total, err := testDB.ListRuns(ctx, org.ID, userA.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, userA.ID, runs[0].UserID)
}
