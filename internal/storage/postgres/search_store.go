package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/serpqueue/internal/search"
)

const searchColumns = `id, query, status, results, failed_message, failed_attempts, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SearchStore persists searches and requester links in Postgres.
type SearchStore struct {
	pool  Pool
	ids   search.IDGenerator
	clock search.Clock
}

var _ search.JobStore = (*SearchStore)(nil)

// NewSearchStore wraps an existing pool.
func NewSearchStore(pool Pool, ids search.IDGenerator, clock search.Clock) (*SearchStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	return &SearchStore{pool: pool, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool.
func (s *SearchStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// FindOrCreate runs the dedup decision inside one transaction. The row lock
// taken by SELECT ... FOR UPDATE serializes concurrent submissions of the
// same query.
func (s *SearchStore) FindOrCreate(ctx context.Context, query, requester string) (search.Search, bool, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return search.Search{}, false, fmt.Errorf("generate id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return search.Search{}, false, fmt.Errorf("begin: %w", err)
	}
	rec, enqueue, err := s.findOrCreateTx(ctx, tx, id, query, requester)
	if err != nil {
		_ = tx.Rollback(ctx)
		return search.Search{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return search.Search{}, false, fmt.Errorf("commit: %w", err)
	}
	return rec, enqueue, nil
}

func (s *SearchStore) findOrCreateTx(
	ctx context.Context,
	tx pgx.Tx,
	id, query, requester string,
) (search.Search, bool, error) {
	now := s.clock.Now()
	tag, err := tx.Exec(ctx, `
INSERT INTO searches (id, query, status, results, failed_message, failed_attempts, created_at, updated_at)
VALUES ($1, $2, $3, '[]'::jsonb, '', 0, $4, $4)
ON CONFLICT (query) DO NOTHING`, id, query, string(search.StatusPending), now)
	if err != nil {
		return search.Search{}, false, fmt.Errorf("insert search: %w", err)
	}
	created := tag.RowsAffected() == 1

	rec, err := scanSearch(tx.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE query = $1 FOR UPDATE`, query))
	if err != nil {
		return search.Search{}, false, fmt.Errorf("select search: %w", err)
	}

	enqueue := created
	if !created && rec.Status == search.StatusFailed {
		if _, err := tx.Exec(ctx, `
UPDATE searches SET status = $2, failed_message = '', failed_attempts = 0, updated_at = $3
WHERE id = $1`, rec.ID, string(search.StatusPending), now); err != nil {
			return search.Search{}, false, fmt.Errorf("reopen search: %w", err)
		}
		rec.Status = search.StatusPending
		rec.FailedMessage = ""
		rec.FailedAttempts = 0
		rec.UpdatedAt = now
		enqueue = true
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO search_requesters (search_id, requester, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (search_id, requester) DO NOTHING`, rec.ID, requester, now); err != nil {
		return search.Search{}, false, fmt.Errorf("associate requester: %w", err)
	}

	requesters, err := loadRequesters(ctx, tx, rec.ID)
	if err != nil {
		return search.Search{}, false, err
	}
	rec.Requesters = requesters
	return rec, enqueue, nil
}

// Get loads one search with its requesters.
func (s *SearchStore) Get(ctx context.Context, id string) (search.Search, error) {
	rec, err := scanSearch(s.pool.QueryRow(ctx, `SELECT `+searchColumns+` FROM searches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return search.Search{}, search.ErrNotFound
		}
		return search.Search{}, fmt.Errorf("get search: %w", err)
	}
	requesters, err := loadRequesters(ctx, s.pool, id)
	if err != nil {
		return search.Search{}, err
	}
	rec.Requesters = requesters
	return rec, nil
}

// Complete stores results and marks the search COMPLETED. Repeated calls
// overwrite the previous results.
func (s *SearchStore) Complete(ctx context.Context, id string, results []search.Result) error {
	if results == nil {
		results = []search.Result{}
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE searches SET status = $2, results = $3, failed_message = '', updated_at = $4
WHERE id = $1`, id, string(search.StatusCompleted), payload, s.clock.Now())
	if err != nil {
		return fmt.Errorf("complete search: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return search.ErrNotFound
	}
	return nil
}

// RecordFailure notes a retryable failure. Completed searches are left alone.
func (s *SearchStore) RecordFailure(ctx context.Context, id, message string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE searches SET failed_message = $2, failed_attempts = failed_attempts + 1, updated_at = $3
WHERE id = $1 AND status <> $4`, id, message, s.clock.Now(), string(search.StatusCompleted))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ensureExists(ctx, id)
	}
	return nil
}

// Fail marks the search FAILED. Completed searches are left alone.
func (s *SearchStore) Fail(ctx context.Context, id, message string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE searches SET status = $2, failed_message = $3, failed_attempts = failed_attempts + 1, updated_at = $4
WHERE id = $1 AND status <> $5`,
		id, string(search.StatusFailed), message, s.clock.Now(), string(search.StatusCompleted))
	if err != nil {
		return fmt.Errorf("fail search: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ensureExists(ctx, id)
	}
	return nil
}

// ListByRequester pages through a requester's searches, oldest first.
func (s *SearchStore) ListByRequester(ctx context.Context, requester string, page, pageSize int) (search.Page, error) {
	out := search.Page{Page: page, PageSize: pageSize, Searches: []search.Search{}}

	rows, err := s.pool.Query(ctx, `
SELECT s.status, COUNT(*) FROM searches s
JOIN search_requesters r ON r.search_id = s.id
WHERE r.requester = $1
GROUP BY s.status`, requester)
	if err != nil {
		return search.Page{}, fmt.Errorf("count searches: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return search.Page{}, fmt.Errorf("scan count: %w", err)
		}
		out.Counts.Add(search.Status(status), count)
		out.TotalCount += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return search.Page{}, fmt.Errorf("iterate counts: %w", err)
	}
	if out.TotalCount == 0 {
		return out, nil
	}

	rows, err = s.pool.Query(ctx, `
SELECT s.id, s.query, s.status, s.results, s.failed_message, s.failed_attempts, s.created_at, s.updated_at
FROM searches s
JOIN search_requesters r ON r.search_id = s.id
WHERE r.requester = $1
ORDER BY s.created_at ASC, s.id ASC
LIMIT $2 OFFSET $3`, requester, pageSize, (page-1)*pageSize)
	if err != nil {
		return search.Page{}, fmt.Errorf("list searches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanSearch(rows)
		if err != nil {
			return search.Page{}, fmt.Errorf("scan search: %w", err)
		}
		out.Searches = append(out.Searches, rec)
	}
	if err := rows.Err(); err != nil {
		return search.Page{}, fmt.Errorf("iterate searches: %w", err)
	}
	return out, nil
}

// RemoveRequester drops one association. The search row and its results are kept.
func (s *SearchStore) RemoveRequester(ctx context.Context, id, requester string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM search_requesters WHERE search_id = $1 AND requester = $2`, id, requester)
	if err != nil {
		return fmt.Errorf("remove requester: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return search.ErrNotFound
	}
	return nil
}

// RemoveAllForRequester drops every association for requester.
func (s *SearchStore) RemoveAllForRequester(ctx context.Context, requester string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM search_requesters WHERE requester = $1`, requester)
	if err != nil {
		return 0, fmt.Errorf("remove requester links: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListPendingIDs returns every PENDING search, oldest first.
func (s *SearchStore) ListPendingIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM searches WHERE status = $1 ORDER BY created_at ASC`, string(search.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return ids, nil
}

func (s *SearchStore) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM searches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check search: %w", err)
	}
	if !exists {
		return search.ErrNotFound
	}
	return nil
}

func loadRequesters(ctx context.Context, db querier, id string) ([]string, error) {
	rows, err := db.Query(ctx,
		`SELECT requester FROM search_requesters WHERE search_id = $1 ORDER BY created_at ASC, requester ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load requesters: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan requester: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requesters: %w", err)
	}
	return out, nil
}

func scanSearch(row pgx.Row) (search.Search, error) {
	var (
		rec     search.Search
		status  string
		results []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Query,
		&status,
		&results,
		&rec.FailedMessage,
		&rec.FailedAttempts,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return search.Search{}, err
	}
	rec.Status = search.Status(status)
	rec.Results = []search.Result{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &rec.Results); err != nil {
			return search.Search{}, fmt.Errorf("decode results: %w", err)
		}
	}
	return rec, nil
}
