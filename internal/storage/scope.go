package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Entity names a tenant-owned table that the scope builder knows about.
type Entity string

const (
	EntityUsers           Entity = "users"
	EntityRuns            Entity = "agent_runs"
	EntityRunEvents       Entity = "agent_run_events"
	EntityIdempotencyKeys Entity = "idempotency_keys"
)

// entitySchema describes a scoped table: its column list for SELECT and the
// whitelist of attributes that may appear in filters or ORDER BY.
type entitySchema struct {
	table   string
	columns string
	attrs   map[string]bool
}

var entitySchemas = map[Entity]entitySchema{
	EntityUsers: {
		table:   "users",
		columns: "id, org_id, email, created_at",
		attrs:   attrSet("id", "email", "created_at"),
	},
	EntityRuns: {
		table:   "agent_runs",
		columns: "id, org_id, user_id, status, created_at, completed_at",
		attrs:   attrSet("id", "user_id", "status", "created_at"),
	},
	EntityRunEvents: {
		table:   "agent_run_events",
		columns: "id, run_id, org_id, ts, kind, payload, created_at",
		attrs:   attrSet("id", "run_id", "ts", "kind"),
	},
	EntityIdempotencyKeys: {
		table:   "idempotency_keys",
		columns: "idempotency_key, user_id, org_id, status, body_hash, headers_hash, ttl_until, created_at",
		attrs:   attrSet("idempotency_key", "user_id", "status", "ttl_until"),
	},
}

func attrSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// ScopedQuery builds a query against one entity with a mandatory org filter
// and equality-only predicates. Filters are deliberately limited to equality
// so the "never forget org_id" guarantee stays mechanically obvious at every
// call site. Requesting an unknown entity or attribute is a programming
// error and panics immediately rather than failing at query time.
type ScopedQuery struct {
	db     *DB
	schema entitySchema
	where  []string
	args   []any
	order  string
}

// Scoped starts a query against entity, filtered to orgID. Panics if the
// entity is not registered in the schema table.
func (db *DB) Scoped(entity Entity, orgID uuid.UUID) *ScopedQuery {
	schema, ok := entitySchemas[entity]
	if !ok {
		panic(fmt.Sprintf("storage: unknown scoped entity %q", entity))
	}
	return &ScopedQuery{
		db:     db,
		schema: schema,
		where:  []string{"org_id = $1"},
		args:   []any{orgID},
	}
}

// Eq adds an equality filter. Panics if attr is not in the entity's
// attribute whitelist.
func (q *ScopedQuery) Eq(attr string, value any) *ScopedQuery {
	if !q.schema.attrs[attr] {
		panic(fmt.Sprintf("storage: attribute %q is not filterable on %s", attr, q.schema.table))
	}
	q.args = append(q.args, value)
	q.where = append(q.where, attr+" = $"+strconv.Itoa(len(q.args)))
	return q
}

// OrderBy sets the result ordering. Panics if attr is not whitelisted.
// dir must be "ASC" or "DESC".
func (q *ScopedQuery) OrderBy(attr, dir string) *ScopedQuery {
	if !q.schema.attrs[attr] {
		panic(fmt.Sprintf("storage: attribute %q is not orderable on %s", attr, q.schema.table))
	}
	if dir != "ASC" && dir != "DESC" {
		panic(fmt.Sprintf("storage: invalid order direction %q", dir))
	}
	q.order = attr + " " + dir
	return q
}

func (q *ScopedQuery) selectSQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(q.schema.columns)
	b.WriteString(" FROM ")
	b.WriteString(q.schema.table)
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(q.where, " AND "))
	if q.order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.order)
	}
	return b.String()
}

// QueryRow runs the scoped query expecting a single row (get_one).
func (q *ScopedQuery) QueryRow(ctx context.Context) pgx.Row {
	return q.db.pool.QueryRow(ctx, q.selectSQL(), q.args...)
}

// Query runs the scoped query with LIMIT/OFFSET pagination (list).
func (q *ScopedQuery) Query(ctx context.Context, limit, offset int) (pgx.Rows, error) {
	args := append(append([]any{}, q.args...), limit, offset)
	sql := q.selectSQL() +
		" LIMIT $" + strconv.Itoa(len(args)-1) +
		" OFFSET $" + strconv.Itoa(len(args))
	rows, err := q.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: scoped query %s: %w", q.schema.table, err)
	}
	return rows, nil
}

// Count returns the number of rows matching the scoped filters.
func (q *ScopedQuery) Count(ctx context.Context) (int, error) {
	sql := "SELECT COUNT(*) FROM " + q.schema.table + " WHERE " + strings.Join(q.where, " AND ")
	var n int
	if err := q.db.pool.QueryRow(ctx, sql, q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: scoped count %s: %w", q.schema.table, err)
	}
	return n, nil
}
