package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retriable reports whether err is a transient transaction conflict.
// AppendEvent and FinishRun both serialize on the run row; under load their
// transactions can collide and Postgres aborts one side with
// deadlock_detected (40P01) or serialization_failure (40001). A clean
// re-run of the losing transaction succeeds.
func retriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn, re-running it after transient conflicts up to attempts
// extra times. The wait doubles each round and carries jitter so colliding
// appenders to the same run spread out instead of re-colliding.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	for {
		err := fn()
		if err == nil || !retriable(err) || attempts <= 0 {
			return err
		}
		attempts--

		wait := backoff + time.Duration(rand.Int64N(int64(backoff))) //nolint:gosec // spread, not secrecy
		backoff *= 2

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
