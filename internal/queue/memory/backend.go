// Package memory provides an in-process queue backend for local development
// and tests. Entries do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/serpqueue/internal/search"
)

type record struct {
	entry       search.QueueEntry
	leasedUntil time.Time
}

// Backend keeps queue entries in a map guarded by a mutex.
type Backend struct {
	mu      sync.Mutex
	entries map[string]*record
}

// NewBackend constructs an empty backend.
func NewBackend() *Backend {
	return &Backend{entries: make(map[string]*record)}
}

// Add stores entry unless the job is already queued.
func (b *Backend) Add(_ context.Context, entry search.QueueEntry) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[entry.JobID]; ok {
		return false, nil
	}
	b.entries[entry.JobID] = &record{entry: entry}
	return true, nil
}

// Claim leases the oldest available entry.
func (b *Backend) Claim(_ context.Context, now time.Time, lease time.Duration) (search.QueueEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *record
	for _, rec := range b.entries {
		if rec.entry.AvailableAt.After(now) || rec.leasedUntil.After(now) {
			continue
		}
		if best == nil || before(rec.entry, best.entry) {
			best = rec
		}
	}
	if best == nil {
		return search.QueueEntry{}, false, nil
	}
	best.leasedUntil = now.Add(lease)
	return best.entry, true, nil
}

// Reschedule updates attempt bookkeeping and releases the lease.
func (b *Backend) Reschedule(_ context.Context, entry search.QueueEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.entries[entry.JobID]
	if !ok {
		return search.ErrNotFound
	}
	rec.entry.Attempts = entry.Attempts
	rec.entry.AvailableAt = entry.AvailableAt
	rec.leasedUntil = time.Time{}
	return nil
}

// Remove deletes the entry for jobID.
func (b *Backend) Remove(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, jobID)
	return nil
}

// Len returns the number of queued entries, leased ones included.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Entries returns a snapshot ordered by availability.
func (b *Backend) Entries() []search.QueueEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]search.QueueEntry, 0, len(b.entries))
	for _, rec := range b.entries {
		out = append(out, rec.entry)
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

func before(a, b search.QueueEntry) bool {
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.JobID < b.JobID
}
