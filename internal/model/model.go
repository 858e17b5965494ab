// Package model defines the core domain types for Itinera.
//
// Types map directly to database tables. Strong typing (UUIDs, time.Time,
// enums) is used throughout; every tenant-owned row carries its org_id.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant boundary. Every other entity is scoped to
// exactly one organization.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is an identity within an organization. Rate limits and idempotency
// keys are scoped per user.
type User struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Terminal reports whether the status is a terminal lifecycle state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// AgentRun is one long-lived plan-generation execution. Created when a plan
// is started; its status is advanced only by the run's own execution.
// Never deleted by this layer.
type AgentRun struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunEvent is an append-only progress event for a run. The ID is a
// storage-order integer, not a semantic cursor; clients resume by TS.
// For a fixed run, TS values are strictly increasing in insertion order.
type RunEvent struct {
	ID        int64          `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	OrgID     uuid.UUID      `json:"org_id"`
	TS        time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// IdempotencyStatus represents the lifecycle of an idempotency entry.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyError     IdempotencyStatus = "error"
)

// IdempotencyEntry records one logical execution per (user, key).
// Created on first use of a key, updated in place on completion/failure,
// logically expired once TTLUntil passes (physical deletion is an async sweep).
type IdempotencyEntry struct {
	Key         string            `json:"key"`
	UserID      uuid.UUID         `json:"user_id"`
	OrgID       uuid.UUID         `json:"org_id"`
	Status      IdempotencyStatus `json:"status"`
	BodyHash    string            `json:"body_hash"`
	HeadersHash string            `json:"headers_hash"`
	TTLUntil    time.Time         `json:"ttl_until"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e IdempotencyEntry) Expired(now time.Time) bool {
	return !now.Before(e.TTLUntil)
}

// DefaultIdempotencyTTL is applied when a request does not specify one.
const DefaultIdempotencyTTL = 24 * time.Hour
