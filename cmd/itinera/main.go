package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/itinera-ai/itinera/internal/auth"
	"github.com/itinera-ai/itinera/internal/config"
	"github.com/itinera-ai/itinera/internal/planner"
	"github.com/itinera-ai/itinera/internal/ratelimit"
	"github.com/itinera-ai/itinera/internal/server"
	"github.com/itinera-ai/itinera/internal/service/runs"
	"github.com/itinera-ai/itinera/internal/storage"
	"github.com/itinera-ai/itinera/internal/stream"
	"github.com/itinera-ai/itinera/internal/telemetry"
	"github.com/itinera-ai/itinera/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ITINERA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("itinera starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Create rate limiter. REDIS_URL selects the shared backend; without it
	// each instance keeps its own in-memory windows.
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		limiter = ratelimit.NewRedisLimiter(client, logger)
		logger.Info("rate limiting: redis sliding window", "url", cfg.RedisURL)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		logger.Info("rate limiting: memory sliding window")
	}
	defer func() { _ = limiter.Close() }()

	// Create run service with the stub planner. A real planner is plugged in
	// here once one exists; the lifecycle layer does not depend on which.
	runSvc := runs.New(db, planner.Stub(), logger, cfg.RunTimeout)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		RunSvc:              runSvc,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		StartRunLimit:       cfg.StartRunLimit,
		AppendLimit:         cfg.AppendLimit,
		QueryLimit:          cfg.QueryLimit,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		StreamConfig: stream.Config{
			MaxPerSecond: cfg.StreamMaxPerSecond,
			PollInterval: cfg.StreamPollInterval,
		},
	})

	// Run the HTTP server and the idempotency sweeper until the shutdown
	// signal fires or either fails.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		idempotencySweepLoop(gctx, db, logger, cfg.IdempotencySweepEvery)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown. Each phase gets its own timeout so early
		// completion doesn't steal budget from later phases. Order: (1) stop
		// accepting new HTTP requests and drain in-flight, (2) let background
		// run executions reach a terminal state.
		slog.Info("itinera shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		svcCtx, svcCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer svcCancel()
		if err := runSvc.Shutdown(svcCtx); err != nil {
			slog.Warn("run executions still in flight at shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("itinera stopped")
	return nil
}

// idempotencySweepLoop physically deletes expired idempotency entries on an
// interval. Expired entries are already invisible to lookups; the sweep only
// reclaims storage, so failures are logged and retried next tick.
func idempotencySweepLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := db.CleanupIdempotencyEntries(sweepCtx, 0)
			cancel()
			if err != nil {
				logger.Warn("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency sweep complete", "deleted", n)
			}
		}
	}
}
