// Package service implements the client-facing operations on searches:
// submission with dedup, listing, lookup, disassociation, and restart
// recovery of pending work.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/metrics"
	"github.com/JakeFAU/serpqueue/internal/progress"
	"github.com/JakeFAU/serpqueue/internal/search"
)

// Pagination and request limits.
const (
	DefaultPageSize    = 10
	MaxPageSize        = 100
	DefaultMaxQueries  = 50
	DefaultMaxQueryLen = 512
)

// Config bounds client requests.
type Config struct {
	MaxQueries     int
	MaxQueryLength int
}

// Service coordinates the job store and queue on behalf of clients.
type Service struct {
	store   search.JobStore
	queue   search.Enqueuer
	emitter progress.Emitter
	clock   search.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Service. emitter may be nil.
func New(store search.JobStore, queue search.Enqueuer, emitter progress.Emitter, clock search.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = DefaultMaxQueries
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = DefaultMaxQueryLen
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, queue: queue, emitter: emitter, clock: clock, cfg: cfg, logger: logger}
}

// Submit associates fingerprint with a search for each query and schedules
// the ones that need running. Queries are trimmed and duplicates collapsed;
// the whole request is rejected if any query is blank. Results keep request
// order.
func (s *Service) Submit(ctx context.Context, fingerprint string, queries []string) ([]search.Search, error) {
	if err := requireFingerprint(fingerprint); err != nil {
		return nil, err
	}
	normalized, err := s.normalizeQueries(queries)
	if err != nil {
		return nil, err
	}

	out := make([]search.Search, 0, len(normalized))
	for _, query := range normalized {
		rec, enqueue, err := s.store.FindOrCreate(ctx, query, fingerprint)
		if err != nil {
			return out, fmt.Errorf("submit %q: %w", query, err)
		}
		if !enqueue {
			metrics.ObserveSubmission("deduped")
			out = append(out, rec)
			continue
		}
		if _, err := s.queue.Enqueue(ctx, rec.ID); err != nil {
			return out, fmt.Errorf("enqueue %q: %w", query, err)
		}
		metrics.ObserveSubmission("enqueued")
		s.logger.Info("search enqueued", zap.String("job_id", rec.ID), zap.String("query", query))
		s.emitter.Emit(progress.Event{
			JobID:      rec.ID,
			Query:      rec.Query,
			Requesters: rec.Requesters,
			TS:         s.clock.Now(),
			Stage:      progress.StageSubmitted,
		})
		out = append(out, rec)
	}
	return out, nil
}

// List returns one page of fingerprint's searches, oldest first. A zero
// page or size selects the defaults; sizes above MaxPageSize are clamped.
func (s *Service) List(ctx context.Context, fingerprint string, page, pageSize int) (search.Page, error) {
	if err := requireFingerprint(fingerprint); err != nil {
		return search.Page{}, err
	}
	if page < 0 {
		return search.Page{}, &search.ValidationError{Field: "page", Reason: "must be positive"}
	}
	if pageSize < 0 {
		return search.Page{}, &search.ValidationError{Field: "page_size", Reason: "must be positive"}
	}
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	result, err := s.store.ListByRequester(ctx, fingerprint, page, pageSize)
	if err != nil {
		return search.Page{}, fmt.Errorf("list searches: %w", err)
	}
	return result, nil
}

// Get returns the search if fingerprint is associated with it, and
// search.ErrNotFound otherwise.
func (s *Service) Get(ctx context.Context, id, fingerprint string) (search.Search, error) {
	if err := requireFingerprint(fingerprint); err != nil {
		return search.Search{}, err
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return search.Search{}, fmt.Errorf("get search %s: %w", id, err)
	}
	if !rec.HasRequester(fingerprint) {
		return search.Search{}, fmt.Errorf("get search %s: %w", id, search.ErrNotFound)
	}
	return rec, nil
}

// Remove disassociates fingerprint from one search. The search itself and
// any cached results stay available to other requesters.
func (s *Service) Remove(ctx context.Context, id, fingerprint string) error {
	if err := requireFingerprint(fingerprint); err != nil {
		return err
	}
	if err := s.store.RemoveRequester(ctx, id, fingerprint); err != nil {
		return fmt.Errorf("remove search %s: %w", id, err)
	}
	s.logger.Debug("requester removed", zap.String("job_id", id))
	return nil
}

// RemoveAll disassociates fingerprint from every search and reports how
// many associations were removed.
func (s *Service) RemoveAll(ctx context.Context, fingerprint string) (int, error) {
	if err := requireFingerprint(fingerprint); err != nil {
		return 0, err
	}
	n, err := s.store.RemoveAllForRequester(ctx, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("remove all searches: %w", err)
	}
	return n, nil
}

// Resume enqueues every PENDING search so that work survives a queue that
// lost its state. Already queued searches are left alone.
func (s *Service) Resume(ctx context.Context) (int, error) {
	ids, err := s.store.ListPendingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending searches: %w", err)
	}
	added := 0
	for _, id := range ids {
		ok, err := s.queue.Enqueue(ctx, id)
		if err != nil {
			return added, fmt.Errorf("resume %s: %w", id, err)
		}
		if ok {
			added++
		}
	}
	s.logger.Info("pending searches resumed", zap.Int("pending", len(ids)), zap.Int("enqueued", added))
	return added, nil
}

func (s *Service) normalizeQueries(queries []string) ([]string, error) {
	if len(queries) == 0 {
		return nil, &search.ValidationError{Field: "queries", Reason: "at least one query is required"}
	}
	if len(queries) > s.cfg.MaxQueries {
		return nil, &search.ValidationError{
			Field:  "queries",
			Reason: fmt.Sprintf("at most %d queries per request", s.cfg.MaxQueries),
		}
	}
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for i, raw := range queries {
		q := strings.TrimSpace(raw)
		if q == "" {
			return nil, &search.ValidationError{Field: fmt.Sprintf("queries[%d]", i), Reason: "must not be empty"}
		}
		if len(q) > s.cfg.MaxQueryLength {
			return nil, &search.ValidationError{
				Field:  fmt.Sprintf("queries[%d]", i),
				Reason: fmt.Sprintf("must be at most %d bytes", s.cfg.MaxQueryLength),
			}
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out, nil
}

func requireFingerprint(fingerprint string) error {
	if strings.TrimSpace(fingerprint) == "" {
		return &search.ValidationError{Field: "fingerprint", Reason: "must not be empty"}
	}
	return nil
}
