// Package postgres stores queue entries in a Postgres table so scheduled
// retries survive restarts. Claims use FOR UPDATE SKIP LOCKED, which lets
// several workers poll the same table without blocking each other.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/serpqueue/internal/search"
	pgstore "github.com/JakeFAU/serpqueue/internal/storage/postgres"
)

// DefaultTable holds queue entries unless configured otherwise.
const DefaultTable = "search_queue"

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Backend implements queue.Backend on a Postgres table.
type Backend struct {
	db    db
	table string
}

// NewBackend validates table and wraps db.
func NewBackend(db db, table string) (*Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !pgstore.ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backend{db: db, table: table}, nil
}

// EnsureSchema creates the queue table and its claim index.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	job_id       TEXT PRIMARY KEY,
	attempts     INTEGER NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL,
	enqueued_at  TIMESTAMPTZ NOT NULL,
	leased_until TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_available_idx ON %[1]s (available_at, enqueued_at);
`, b.table)
	if _, err := b.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply queue schema: %w", err)
	}
	return nil
}

// Add inserts entry unless the job is already queued.
func (b *Backend) Add(ctx context.Context, entry search.QueueEntry) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, attempts, available_at, enqueued_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO NOTHING`, b.table)
	tag, err := b.db.Exec(ctx, query, entry.JobID, entry.Attempts, entry.AvailableAt, entry.EnqueuedAt)
	if err != nil {
		return false, fmt.Errorf("insert queue entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim leases the oldest available entry.
func (b *Backend) Claim(ctx context.Context, now time.Time, lease time.Duration) (search.QueueEntry, bool, error) {
	query := fmt.Sprintf(`
UPDATE %[1]s SET leased_until = $2
WHERE job_id = (
	SELECT job_id FROM %[1]s
	WHERE available_at <= $1 AND (leased_until IS NULL OR leased_until <= $1)
	ORDER BY available_at, enqueued_at, job_id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING job_id, attempts, available_at, enqueued_at`, b.table)

	var entry search.QueueEntry
	err := b.db.QueryRow(ctx, query, now, now.Add(lease)).
		Scan(&entry.JobID, &entry.Attempts, &entry.AvailableAt, &entry.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return search.QueueEntry{}, false, nil
	}
	if err != nil {
		return search.QueueEntry{}, false, fmt.Errorf("claim queue entry: %w", err)
	}
	return entry, true, nil
}

// Reschedule stores the new attempt count and deadline and clears the lease.
func (b *Backend) Reschedule(ctx context.Context, entry search.QueueEntry) error {
	query := fmt.Sprintf(`
UPDATE %s SET attempts = $2, available_at = $3, leased_until = NULL
WHERE job_id = $1`, b.table)
	tag, err := b.db.Exec(ctx, query, entry.JobID, entry.Attempts, entry.AvailableAt)
	if err != nil {
		return fmt.Errorf("reschedule queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return search.ErrNotFound
	}
	return nil
}

// Remove deletes the entry for jobID.
func (b *Backend) Remove(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, b.table)
	if _, err := b.db.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}
