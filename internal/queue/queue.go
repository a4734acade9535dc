// Package queue implements the bounded-retry scheduling contract on top of a
// pluggable storage backend (memory, Postgres, or Redis).
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/search"
)

// Backend persists queue entries. Implementations must keep at most one entry
// per job ID and make Claim atomic with respect to concurrent callers.
type Backend interface {
	// Add stores entry unless one already exists for entry.JobID.
	Add(ctx context.Context, entry search.QueueEntry) (bool, error)
	// Claim leases the oldest entry available at now. Entries whose lease
	// has expired are claimable again.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (search.QueueEntry, bool, error)
	// Reschedule persists new Attempts/AvailableAt values and releases the lease.
	Reschedule(ctx context.Context, entry search.QueueEntry) error
	// Remove deletes the entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, jobID string) error
}

// FailureRecorder is the slice of the job store the queue writes failures to.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, id, message string) error
	Fail(ctx context.Context, id, message string) error
}

// Config controls retry and polling behavior.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	Lease        time.Duration
}

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultLease        = 5 * time.Minute
)

// Queue delivers entries to workers and owns attempt accounting.
type Queue struct {
	backend Backend
	store   FailureRecorder
	backoff search.ExponentialBackoff
	clock   search.Clock
	poll    time.Duration
	lease   time.Duration
	wake    chan struct{}
	logger  *zap.Logger
}

var _ search.Queue = (*Queue)(nil)

// New constructs a Queue.
func New(backend Backend, store FailureRecorder, clock search.Clock, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	return &Queue{
		backend: backend,
		store:   store,
		backoff: search.NewExponentialBackoff(cfg.MaxAttempts, cfg.BaseDelay, cfg.MaxDelay),
		clock:   clock,
		poll:    cfg.PollInterval,
		lease:   cfg.Lease,
		wake:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// Enqueue adds jobID if it is not already queued. It reports whether a new
// entry was created.
func (q *Queue) Enqueue(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, &search.ValidationError{Field: "job_id", Reason: "must not be empty"}
	}
	now := q.clock.Now()
	added, err := q.backend.Add(ctx, search.QueueEntry{
		JobID:       jobID,
		AvailableAt: now,
		EnqueuedAt:  now,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if added {
		q.notify()
		q.logger.Debug("entry enqueued", zap.String("job_id", jobID))
	}
	return added, nil
}

// Dequeue blocks until an entry is available and its backoff has elapsed.
func (q *Queue) Dequeue(ctx context.Context) (search.QueueEntry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return search.QueueEntry{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		entry, ok, err := q.backend.Claim(ctx, q.clock.Now(), q.lease)
		if err != nil {
			return search.QueueEntry{}, fmt.Errorf("claim entry: %w", err)
		}
		if ok {
			return entry, nil
		}
		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return search.QueueEntry{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack removes a successfully processed entry.
func (q *Queue) Ack(ctx context.Context, entry search.QueueEntry) error {
	if err := q.backend.Remove(ctx, entry.JobID); err != nil {
		return fmt.Errorf("ack %s: %w", entry.JobID, err)
	}
	return nil
}

// Retry records a failed attempt. While attempts remain the entry is
// rescheduled after an exponential delay; otherwise the search is marked
// FAILED and the entry removed for good.
func (q *Queue) Retry(ctx context.Context, entry search.QueueEntry, cause error) (search.Outcome, error) {
	failed := entry.Attempts + 1
	message := search.FailureMessage(cause)

	if search.Retryable(cause) && q.backoff.ShouldRetry(failed) {
		err := q.store.RecordFailure(ctx, entry.JobID, message)
		switch {
		case errors.Is(err, search.ErrNotFound):
			return q.drop(ctx, entry)
		case err != nil:
			return search.OutcomeRescheduled, fmt.Errorf("record failure %s: %w", entry.JobID, err)
		}
		delay := q.backoff.Delay(failed)
		entry.Attempts = failed
		entry.AvailableAt = q.clock.Now().Add(delay)
		if err := q.backend.Reschedule(ctx, entry); err != nil {
			return search.OutcomeRescheduled, fmt.Errorf("reschedule %s: %w", entry.JobID, err)
		}
		q.logger.Info("entry rescheduled",
			zap.String("job_id", entry.JobID),
			zap.Int("attempt", failed),
			zap.Duration("delay", delay),
			zap.String("reason", message),
		)
		return search.OutcomeRescheduled, nil
	}

	// Remove before Fail: a resubmit that reopens the FAILED search must find
	// no entry, or its Enqueue is a no-op and the search strands in PENDING.
	// A crash in between leaves a PENDING search without an entry, which
	// Resume re-enqueues.
	if err := q.backend.Remove(ctx, entry.JobID); err != nil {
		return search.OutcomeFailed, fmt.Errorf("remove %s: %w", entry.JobID, err)
	}
	if err := q.store.Fail(ctx, entry.JobID, message); err != nil && !errors.Is(err, search.ErrNotFound) {
		return search.OutcomeFailed, fmt.Errorf("fail %s: %w", entry.JobID, err)
	}
	q.logger.Warn("entry failed permanently",
		zap.String("job_id", entry.JobID),
		zap.Int("attempt", failed),
		zap.String("reason", message),
	)
	return search.OutcomeFailed, nil
}

// Release hands a claimed entry back without counting an attempt. It is
// immediately claimable again.
func (q *Queue) Release(ctx context.Context, entry search.QueueEntry) error {
	entry.AvailableAt = q.clock.Now()
	if err := q.backend.Reschedule(ctx, entry); err != nil {
		return fmt.Errorf("release %s: %w", entry.JobID, err)
	}
	q.notify()
	return nil
}

// MaxAttempts exposes the configured attempt ceiling.
func (q *Queue) MaxAttempts() int { return q.backoff.MaxAttempts() }

func (q *Queue) drop(ctx context.Context, entry search.QueueEntry) (search.Outcome, error) {
	q.logger.Warn("dropping entry for missing search", zap.String("job_id", entry.JobID))
	if err := q.backend.Remove(ctx, entry.JobID); err != nil {
		return search.OutcomeFailed, fmt.Errorf("remove %s: %w", entry.JobID, err)
	}
	return search.OutcomeFailed, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
