// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/serpqueue/internal/search"
)

// SearchStore keeps searches in maps guarded by a mutex. A single lock makes
// every operation atomic per search.
type SearchStore struct {
	mu      sync.RWMutex
	ids     search.IDGenerator
	clock   search.Clock
	byID    map[string]*search.Search
	byQuery map[string]string
}

var _ search.JobStore = (*SearchStore)(nil)

// NewSearchStore constructs an empty store.
func NewSearchStore(ids search.IDGenerator, clock search.Clock) *SearchStore {
	return &SearchStore{
		ids:     ids,
		clock:   clock,
		byID:    make(map[string]*search.Search),
		byQuery: make(map[string]string),
	}
}

// FindOrCreate associates requester with query's search, creating or
// reopening it when needed.
func (s *SearchStore) FindOrCreate(_ context.Context, query, requester string) (search.Search, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if id, ok := s.byQuery[query]; ok {
		rec := s.byID[id]
		enqueue := false
		if rec.Status == search.StatusFailed {
			rec.Status = search.StatusPending
			rec.FailedMessage = ""
			rec.FailedAttempts = 0
			rec.UpdatedAt = now
			enqueue = true
		}
		if !rec.HasRequester(requester) {
			rec.Requesters = append(rec.Requesters, requester)
		}
		return clone(rec), enqueue, nil
	}

	id, err := s.ids.NewID()
	if err != nil {
		return search.Search{}, false, fmt.Errorf("generate id: %w", err)
	}
	rec := &search.Search{
		ID:         id,
		Query:      query,
		Status:     search.StatusPending,
		Results:    []search.Result{},
		Requesters: []string{requester},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.byID[id] = rec
	s.byQuery[query] = id
	return clone(rec), true, nil
}

// Get returns a copy of the search.
func (s *SearchStore) Get(_ context.Context, id string) (search.Search, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return search.Search{}, search.ErrNotFound
	}
	return clone(rec), nil
}

// Complete marks the search COMPLETED with results.
func (s *SearchStore) Complete(_ context.Context, id string, results []search.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return search.ErrNotFound
	}
	rec.Status = search.StatusCompleted
	rec.Results = append([]search.Result{}, results...)
	rec.FailedMessage = ""
	rec.UpdatedAt = s.clock.Now()
	return nil
}

// RecordFailure notes a retryable failure.
func (s *SearchStore) RecordFailure(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return search.ErrNotFound
	}
	if rec.Status == search.StatusCompleted {
		return nil
	}
	rec.FailedMessage = message
	rec.FailedAttempts++
	rec.UpdatedAt = s.clock.Now()
	return nil
}

// Fail marks the search FAILED.
func (s *SearchStore) Fail(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return search.ErrNotFound
	}
	if rec.Status == search.StatusCompleted {
		return nil
	}
	rec.Status = search.StatusFailed
	rec.FailedMessage = message
	rec.FailedAttempts++
	rec.UpdatedAt = s.clock.Now()
	return nil
}

// ListByRequester pages through requester's searches, oldest first.
func (s *SearchStore) ListByRequester(_ context.Context, requester string, page, pageSize int) (search.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*search.Search
	out := search.Page{Page: page, PageSize: pageSize, Searches: []search.Search{}}
	for _, rec := range s.byID {
		if !rec.HasRequester(requester) {
			continue
		}
		matched = append(matched, rec)
		out.Counts.Add(rec.Status, 1)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	out.TotalCount = len(matched)

	start := (page - 1) * pageSize
	if start < 0 || start >= len(matched) {
		return out, nil
	}
	end := min(start+pageSize, len(matched))
	for _, rec := range matched[start:end] {
		out.Searches = append(out.Searches, clone(rec))
	}
	return out, nil
}

// RemoveRequester disassociates requester. The search itself is retained.
func (s *SearchStore) RemoveRequester(_ context.Context, id, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || !rec.HasRequester(requester) {
		return search.ErrNotFound
	}
	rec.Requesters = without(rec.Requesters, requester)
	return nil
}

// RemoveAllForRequester disassociates requester from every search.
func (s *SearchStore) RemoveAllForRequester(_ context.Context, requester string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, rec := range s.byID {
		if rec.HasRequester(requester) {
			rec.Requesters = without(rec.Requesters, requester)
			removed++
		}
	}
	return removed, nil
}

// ListPendingIDs returns PENDING searches, oldest first.
func (s *SearchStore) ListPendingIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*search.Search
	for _, rec := range s.byID {
		if rec.Status == search.StatusPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	ids := make([]string, 0, len(pending))
	for _, rec := range pending {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func clone(rec *search.Search) search.Search {
	out := *rec
	out.Results = append([]search.Result{}, rec.Results...)
	out.Requesters = append([]string(nil), rec.Requesters...)
	return out
}

func without(list []string, drop string) []string {
	out := list[:0]
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
