package search

import (
	"context"
	"time"
)

// JobStore persists searches and their requester associations.
type JobStore interface {
	// FindOrCreate associates requester with the search for query, creating
	// or reopening it as needed. enqueue reports whether the caller must
	// schedule the search for execution.
	FindOrCreate(ctx context.Context, query, requester string) (s Search, enqueue bool, err error)
	Get(ctx context.Context, id string) (Search, error)
	Complete(ctx context.Context, id string, results []Result) error
	// RecordFailure notes a failed attempt that will be retried.
	RecordFailure(ctx context.Context, id, message string) error
	Fail(ctx context.Context, id, message string) error
	ListByRequester(ctx context.Context, requester string, page, pageSize int) (Page, error)
	RemoveRequester(ctx context.Context, id, requester string) error
	RemoveAllForRequester(ctx context.Context, requester string) (int, error)
	ListPendingIDs(ctx context.Context) ([]string, error)
}

// Fetcher scrapes result links for a query. Failures are *ScrapeError.
type Fetcher interface {
	Fetch(ctx context.Context, query string) ([]Result, error)
}

// Enqueuer schedules searches for execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) (bool, error)
}

// Outcome is the decision taken for a failed queue entry.
type Outcome int

// Retry outcomes.
const (
	OutcomeRescheduled Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeFailed {
		return "failed"
	}
	return "rescheduled"
}

// Queue delivers queue entries to workers with bounded retries.
type Queue interface {
	Enqueuer
	Dequeue(ctx context.Context) (QueueEntry, error)
	Ack(ctx context.Context, entry QueueEntry) error
	Retry(ctx context.Context, entry QueueEntry, cause error) (Outcome, error)
	Release(ctx context.Context, entry QueueEntry) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal notifications to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter throttles outbound requests per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Hasher computes digests for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces search IDs.
type IDGenerator interface {
	NewID() (string, error)
}
