package ratelimit_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/itinera-ai/itinera/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})

	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newRedisLimiter creates a limiter backed by the shared test client.
// Close on a RedisLimiter is a no-op, so the shared client survives.
func newRedisLimiter(t *testing.T) *ratelimit.RedisLimiter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return ratelimit.NewRedisLimiter(testRedis, logger)
}

// uniqueBucket keeps tests from sharing windows in the same Redis.
func uniqueBucket(name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func TestRedisLimiterAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{Bucket: uniqueBucket("runs:start"), Limit: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		result := limiter.CheckAndConsume(ctx, "user-1", rule)
		assert.True(t, result.Allowed, "call %d should be admitted", i+1)
	}

	result := limiter.CheckAndConsume(ctx, "user-1", rule)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestRedisLimiterDeniedResetAt(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{Bucket: uniqueBucket("runs:start"), Limit: 1, Window: time.Minute}

	before := time.Now()
	require.True(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)

	denied := limiter.CheckAndConsume(ctx, "user-1", rule)
	require.False(t, denied.Allowed)

	// ResetAt is the oldest ticket's expiry: roughly one window after the
	// first admitted call.
	assert.WithinDuration(t, before.Add(rule.Window), denied.ResetAt, 2*time.Second)
}

func TestRedisLimiterWindowSlides(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{Bucket: uniqueBucket("runs:start"), Limit: 2, Window: 200 * time.Millisecond}

	require.True(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)
	require.True(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)
	require.False(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)
}

func TestRedisLimiterUsersIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{Bucket: uniqueBucket("runs:start"), Limit: 1, Window: time.Minute}

	require.True(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)
	require.False(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)
	assert.True(t, limiter.CheckAndConsume(ctx, "user-2", rule).Allowed)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	// Point at a port nothing listens on. The limiter logs and admits.
	broken := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer func() { _ = broken.Close() }()

	limiter := ratelimit.NewRedisLimiter(broken, logger)
	rule := ratelimit.Rule{Bucket: "runs:start", Limit: 1, Window: time.Minute}

	assert.True(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)
	assert.True(t, limiter.CheckAndConsume(ctx, "user-1", rule).Allowed)
}
