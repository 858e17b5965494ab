package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist within
	// the caller's org. Cross-tenant reads surface as ErrNotFound, never as
	// another tenant's data.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyTerminal is returned by FinishRun when the run already
	// reached a terminal status. Nothing is written in that case: exactly
	// one finisher gets to record the terminal event.
	ErrAlreadyTerminal = errors.New("storage: run already terminal")

	// ErrIdempotencyPayloadMismatch is returned by BeginIdempotency when a
	// live idempotency key is reused with a different body or headers hash.
	ErrIdempotencyPayloadMismatch = errors.New("storage: idempotency key reused with different payload")

	// ErrIdempotencyInProgress is returned by BeginIdempotency while a live
	// entry for the key is still pending.
	ErrIdempotencyInProgress = errors.New("storage: idempotent request already in progress")
)
