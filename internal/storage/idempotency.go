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

// BeginIdempotency reserves a key for processing, scoped to (user, key).
//
// If no entry exists, or the existing one has expired, a fresh pending entry
// is created atomically and returned with created=true. A live entry for the
// same payload is returned with created=false and a nil error only once it
// holds a cached outcome (completed or error); while it is still pending the
// entry is returned with ErrIdempotencyInProgress. A live entry whose hashes
// do not match the request is returned with ErrIdempotencyPayloadMismatch.
//
// Creation races are resolved by the (user_id, idempotency_key) primary
// key: the losing insert falls through to a fetch of the winner's row.
func (db *DB) BeginIdempotency(
	ctx context.Context,
	orgID, userID uuid.UUID,
	key, bodyHash, headersHash string,
	ttl time.Duration,
) (model.IdempotencyEntry, bool, error) {
	if ttl <= 0 {
		ttl = model.DefaultIdempotencyTTL
	}

	// Two rounds cover the only interesting race: the live row the insert
	// lost against is swept away before the fetch runs.
	for attempt := 0; attempt < 2; attempt++ {
		var entry model.IdempotencyEntry
		err := db.pool.QueryRow(ctx,
			`INSERT INTO idempotency_keys
			   (user_id, idempotency_key, org_id, status, body_hash, headers_hash, ttl_until, created_at)
			 VALUES ($1, $2, $3, 'pending', $4, $5, now() + $6::interval, now())
			 ON CONFLICT (user_id, idempotency_key) DO UPDATE
			   SET org_id = EXCLUDED.org_id,
			       status = 'pending',
			       body_hash = EXCLUDED.body_hash,
			       headers_hash = EXCLUDED.headers_hash,
			       ttl_until = EXCLUDED.ttl_until,
			       created_at = now()
			   WHERE idempotency_keys.ttl_until <= now()
			 RETURNING idempotency_key, user_id, org_id, status, body_hash, headers_hash, ttl_until, created_at`,
			userID, key, orgID, bodyHash, headersHash, durationInterval(ttl),
		).Scan(&entry.Key, &entry.UserID, &entry.OrgID, &entry.Status,
			&entry.BodyHash, &entry.HeadersHash, &entry.TTLUntil, &entry.CreatedAt)
		if err == nil {
			return entry, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.IdempotencyEntry{}, false, fmt.Errorf("storage: begin idempotency: %w", err)
		}

		// Conflict against a live row: an earlier request owns this key.
		entry, err = db.fetchIdempotency(ctx, userID, key)
		if err == nil {
			if entry.BodyHash != bodyHash || entry.HeadersHash != headersHash {
				return entry, false, ErrIdempotencyPayloadMismatch
			}
			if entry.Status == model.IdempotencyPending {
				return entry, false, ErrIdempotencyInProgress
			}
			return entry, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.IdempotencyEntry{}, false, err
		}
	}
	return model.IdempotencyEntry{}, false, fmt.Errorf("storage: begin idempotency: lost creation race twice for key %q", key)
}

// CompleteIdempotency transitions an entry to completed, recording the final
// body and headers hashes. An unknown key is a no-op, not an error.
func (db *DB) CompleteIdempotency(ctx context.Context, userID uuid.UUID, key, bodyHash, headersHash string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', body_hash = $3, headers_hash = $4
		 WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key, bodyHash, headersHash,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	return nil
}

// FailIdempotency transitions an entry to error. An unknown key is a no-op.
func (db *DB) FailIdempotency(ctx context.Context, userID uuid.UUID, key string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys SET status = 'error'
		 WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	)
	if err != nil {
		return fmt.Errorf("storage: fail idempotency: %w", err)
	}
	return nil
}

// LookupIdempotency returns the entry for (user, key) only while it is live.
// An expired entry behaves exactly as not found, whether or not the row
// still physically exists.
func (db *DB) LookupIdempotency(ctx context.Context, userID uuid.UUID, key string) (model.IdempotencyEntry, error) {
	entry, err := db.fetchIdempotency(ctx, userID, key)
	if err != nil {
		return model.IdempotencyEntry{}, err
	}
	if entry.Expired(time.Now().UTC()) {
		return model.IdempotencyEntry{}, ErrNotFound
	}
	return entry, nil
}

// CleanupIdempotencyEntries physically deletes rows whose TTL elapsed more
// than grace ago. Correctness never depends on this running; it only bounds
// table growth.
func (db *DB) CleanupIdempotencyEntries(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE ttl_until < now() - $1::interval`,
		durationInterval(grace),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) fetchIdempotency(ctx context.Context, userID uuid.UUID, key string) (model.IdempotencyEntry, error) {
	var entry model.IdempotencyEntry
	err := db.pool.QueryRow(ctx,
		`SELECT idempotency_key, user_id, org_id, status, body_hash, headers_hash, ttl_until, created_at
		 FROM idempotency_keys WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	).Scan(&entry.Key, &entry.UserID, &entry.OrgID, &entry.Status,
		&entry.BodyHash, &entry.HeadersHash, &entry.TTLUntil, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.IdempotencyEntry{}, ErrNotFound
		}
		return model.IdempotencyEntry{}, fmt.Errorf("storage: fetch idempotency: %w", err)
	}
	return entry, nil
}

// durationInterval renders a duration as a Postgres interval literal.
func durationInterval(d time.Duration) string {
	return fmt.Sprintf("%d microseconds", d.Microseconds())
}
