// Package worker drains the search queue: it fetches each job's results,
// records the outcome, and reports progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/clock/system"
	"github.com/JakeFAU/serpqueue/internal/metrics"
	"github.com/JakeFAU/serpqueue/internal/progress"
	"github.com/JakeFAU/serpqueue/internal/search"
	"github.com/JakeFAU/serpqueue/internal/telemetry"
)

// Notification topics.
const (
	TopicCompleted = "search.completed"
	TopicFailed    = "search.failed"
)

const (
	defaultFetchTimeout = 60 * time.Second
	defaultErrorBackoff = time.Second
	defaultContentType  = "text/html; charset=utf-8"
)

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds a single Fetch call.
	FetchTimeout time.Duration
	// ErrorBackoff is the pause after a failed Dequeue.
	ErrorBackoff time.Duration
	// Provider is the rate limiter key and metrics label, usually the
	// fetcher's search URL.
	Provider string
	// BlobPrefix roots archived snapshots.
	BlobPrefix  string
	ContentType string
	// Topics override the notification topics.
	CompletedTopic string
	FailedTopic    string
}

// Notification is published when a search reaches a terminal state.
type Notification struct {
	Event         string        `json:"event"`
	JobID         string        `json:"job_id"`
	Query         string        `json:"query"`
	Status        search.Status `json:"status"`
	Requesters    []string      `json:"requesters"`
	ResultCount   int           `json:"result_count"`
	Attempts      int           `json:"attempts"`
	FailedMessage string        `json:"failed_message,omitempty"`
	SnapshotURI   string        `json:"snapshot_uri,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Worker consumes queue entries one at a time.
type Worker struct {
	queue     search.Queue
	store     search.JobStore
	fetcher   search.Fetcher
	blobStore search.BlobStore
	publisher search.Publisher
	limiter   search.Limiter
	hasher    search.Hasher
	clock     search.Clock
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Worker)

// WithBlobStore archives failure snapshots; hasher names them.
func WithBlobStore(store search.BlobStore, hasher search.Hasher) Option {
	return func(w *Worker) {
		w.blobStore = store
		w.hasher = hasher
	}
}

// WithPublisher publishes terminal notifications.
func WithPublisher(p search.Publisher) Option {
	return func(w *Worker) { w.publisher = p }
}

// WithLimiter throttles fetches.
func WithLimiter(l search.Limiter) Option {
	return func(w *Worker) { w.limiter = l }
}

// WithEmitter reports progress events.
func WithEmitter(e progress.Emitter) Option {
	return func(w *Worker) { w.emitter = e }
}

// WithClock overrides the time source.
func WithClock(c search.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// New constructs a Worker.
func New(
	queue search.Queue,
	store search.JobStore,
	fetcher search.Fetcher,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if cfg.CompletedTopic == "" {
		cfg.CompletedTopic = TopicCompleted
	}
	if cfg.FailedTopic == "" {
		cfg.FailedTopic = TopicFailed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		queue:   queue,
		store:   store,
		fetcher: fetcher,
		emitter: progress.NopEmitter{},
		clock:   system.New(),
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, consuming entries until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		entry, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued entry", zap.String("job_id", entry.JobID), zap.Int("attempts", entry.Attempts))
		w.Process(ctx, entry)
	}
}

// Process runs one entry to a decision: ack, reschedule, or fail.
func (w *Worker) Process(ctx context.Context, entry search.QueueEntry) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	attempt := entry.Attempts + 1
	ctx, span := telemetry.Tracer().Start(ctx, "search.process")
	span.SetAttributes(attribute.String("job_id", entry.JobID), attribute.Int("attempt", attempt))
	defer span.End()

	logger := w.logger.With(zap.String("job_id", entry.JobID), zap.Int("attempt", attempt))

	job, err := w.store.Get(ctx, entry.JobID)
	switch {
	case errors.Is(err, search.ErrNotFound):
		logger.Warn("search no longer exists; dropping entry")
		w.ack(ctx, entry, logger)
		metrics.ObserveOutcome("dropped")
		return
	case err != nil:
		logger.Error("load search failed", zap.Error(err))
		w.retry(ctx, entry, search.Search{ID: entry.JobID}, err, "", logger)
		return
	case job.Status != search.StatusPending:
		logger.Info("search already settled; acknowledging", zap.String("status", string(job.Status)))
		w.ack(ctx, entry, logger)
		metrics.ObserveOutcome("dropped")
		return
	}
	logger = logger.With(zap.String("query", job.Query))

	w.emit(job, progress.StageFetchStart, attempt, func(*progress.Event) {})
	results, dur, err := w.fetch(ctx, job.Query)
	if err != nil && ctx.Err() != nil {
		logger.Info("fetch interrupted by shutdown; entry will be redelivered", zap.Error(err))
		return
	}
	if errors.Is(err, search.ErrFetcherBusy) {
		if rErr := w.queue.Release(ctx, entry); rErr != nil {
			logger.Error("release entry failed", zap.Error(rErr))
		}
		metrics.ObserveOutcome("deferred")
		logger.Info("fetcher busy; entry released", zap.Duration("waited", dur))
		return
	}
	if err == nil && results == nil {
		err = search.NewScrapeError(job.Query, "malformed results", nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, search.FailureMessage(err))
		logger.Warn("fetch failed", zap.Duration("dur", dur), zap.Error(err))
		uri := w.archiveSnapshot(ctx, entry.JobID, err, logger)
		w.retry(ctx, entry, job, err, uri, logger)
		return
	}
	w.emit(job, progress.StageFetchDone, attempt, func(e *progress.Event) {
		e.Results = len(results)
		e.Dur = dur
	})

	if err := w.store.Complete(ctx, job.ID, results); err != nil {
		if errors.Is(err, search.ErrNotFound) {
			logger.Warn("search removed during fetch; dropping entry")
			w.ack(ctx, entry, logger)
			metrics.ObserveOutcome("dropped")
			return
		}
		logger.Error("complete search failed", zap.Error(err))
		w.retry(ctx, entry, job, err, "", logger)
		return
	}
	w.ack(ctx, entry, logger)
	metrics.ObserveOutcome("completed")
	logger.Info("search completed", zap.Int("results", len(results)), zap.Duration("dur", dur))

	job = w.refresh(ctx, job, logger)
	w.emit(job, progress.StageCompleted, attempt, func(e *progress.Event) { e.Results = len(results) })
	w.publish(ctx, w.cfg.CompletedTopic, Notification{
		Event:       w.cfg.CompletedTopic,
		JobID:       job.ID,
		Query:       job.Query,
		Status:      search.StatusCompleted,
		Requesters:  job.Requesters,
		ResultCount: len(results),
		Attempts:    attempt,
		Timestamp:   w.clock.Now(),
	}, logger)
}

func (w *Worker) fetch(ctx context.Context, query string) ([]search.Result, time.Duration, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, w.cfg.Provider); err != nil {
			return nil, 0, fmt.Errorf("rate limit: %w", err)
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	results, err := w.fetcher.Fetch(fetchCtx, query)
	dur := time.Since(start)
	if !errors.Is(err, search.ErrFetcherBusy) {
		metrics.ObserveFetch(w.cfg.Provider, err == nil, dur)
	}
	return results, dur, err
}

// refresh re-reads job so events and notifications carry requesters that
// joined while the fetch was running. On error the old snapshot is kept.
func (w *Worker) refresh(ctx context.Context, job search.Search, logger *zap.Logger) search.Search {
	if job.ID == "" {
		return job
	}
	fresh, err := w.store.Get(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, search.ErrNotFound) {
			logger.Warn("reload search failed", zap.Error(err))
		}
		return job
	}
	return fresh
}

func (w *Worker) retry(
	ctx context.Context,
	entry search.QueueEntry,
	job search.Search,
	cause error,
	snapshotURI string,
	logger *zap.Logger,
) {
	attempt := entry.Attempts + 1
	message := search.FailureMessage(cause)
	outcome, err := w.queue.Retry(ctx, entry, cause)
	if err != nil {
		logger.Error("retry bookkeeping failed", zap.Error(err))
		return
	}
	metrics.ObserveOutcome(outcome.String())

	job = w.refresh(ctx, job, logger)
	if outcome == search.OutcomeRescheduled {
		w.emit(job, progress.StageRetrying, attempt, func(e *progress.Event) { e.Note = message })
		return
	}
	logger.Warn("search failed", zap.String("reason", message))
	w.emit(job, progress.StageFailed, attempt, func(e *progress.Event) { e.Note = message })
	w.publish(ctx, w.cfg.FailedTopic, Notification{
		Event:         w.cfg.FailedTopic,
		JobID:         entry.JobID,
		Query:         job.Query,
		Status:        search.StatusFailed,
		Requesters:    job.Requesters,
		Attempts:      attempt,
		FailedMessage: message,
		SnapshotURI:   snapshotURI,
		Timestamp:     w.clock.Now(),
	}, logger)
}

func (w *Worker) ack(ctx context.Context, entry search.QueueEntry, logger *zap.Logger) {
	if err := w.queue.Ack(ctx, entry); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
}

// archiveSnapshot stores the page captured with a scrape failure and returns
// its URI, or "" when there is nothing to store.
func (w *Worker) archiveSnapshot(ctx context.Context, jobID string, cause error, logger *zap.Logger) string {
	var scrapeErr *search.ScrapeError
	if w.blobStore == nil || w.hasher == nil || !errors.As(cause, &scrapeErr) || len(scrapeErr.Snapshot) == 0 {
		return ""
	}
	hash, err := w.hasher.Hash(scrapeErr.Snapshot)
	if err != nil {
		logger.Warn("hash snapshot failed", zap.Error(err))
		return ""
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(jobID, hash), w.cfg.ContentType, scrapeErr.Snapshot)
	if err != nil {
		logger.Warn("archive snapshot failed", zap.Error(err))
		return ""
	}
	logger.Debug("snapshot archived", zap.String("uri", uri))
	return uri
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) publish(ctx context.Context, topic string, n Notification, logger *zap.Logger) {
	if w.publisher == nil {
		return
	}
	id, err := w.publisher.Publish(ctx, topic, n)
	if err != nil {
		logger.Warn("publish notification failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	logger.Debug("notification published", zap.String("topic", topic), zap.String("message_id", id))
}

func (w *Worker) emit(job search.Search, stage progress.Stage, attempt int, fill func(*progress.Event)) {
	evt := progress.Event{
		JobID:      job.ID,
		Query:      job.Query,
		Requesters: job.Requesters,
		TS:         w.clock.Now(),
		Stage:      stage,
		Attempt:    attempt,
	}
	fill(&evt)
	w.emitter.Emit(evt)
}
