package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the searches and search_requesters tables.
const Schema = `
CREATE TABLE IF NOT EXISTS searches (
	id              TEXT PRIMARY KEY,
	query           TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	results         JSONB NOT NULL DEFAULT '[]'::jsonb,
	failed_message  TEXT NOT NULL DEFAULT '',
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS searches_status_idx ON searches (status, created_at);
CREATE TABLE IF NOT EXISTS search_requesters (
	search_id  TEXT NOT NULL REFERENCES searches(id) ON DELETE CASCADE,
	requester  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (search_id, requester)
);
CREATE INDEX IF NOT EXISTS search_requesters_requester_idx ON search_requesters (requester);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema applies Schema. It is safe to run repeatedly.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply search schema: %w", err)
	}
	return nil
}
