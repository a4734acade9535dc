package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/id/uuid"
	"github.com/JakeFAU/serpqueue/internal/progress"
	"github.com/JakeFAU/serpqueue/internal/search"
	"github.com/JakeFAU/serpqueue/internal/storage/memory"
)

type fixture struct {
	store   *memory.SearchStore
	queue   *fakeEnqueuer
	emitter *recordingEmitter
	svc     *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &tickingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := &fixture{
		store:   memory.NewSearchStore(uuid.New(), clock),
		queue:   newFakeEnqueuer(),
		emitter: &recordingEmitter{},
	}
	f.svc = New(f.store, f.queue, f.emitter, clock, cfg, zap.NewNop())
	return f
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxQueries: 2, MaxQueryLength: 8})
	tests := []struct {
		name        string
		fingerprint string
		queries     []string
		field       string
	}{
		{"missing fingerprint", " ", []string{"cats"}, "fingerprint"},
		{"no queries", "fp", nil, "queries"},
		{"blank query", "fp", []string{"cats", "  "}, "queries[1]"},
		{"too many", "fp", []string{"a", "b", "c"}, "queries"},
		{"too long", "fp", []string{"a very long query"}, "queries[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.fingerprint, tt.queries)
			var vErr *search.ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, tt.field, vErr.Field)
		})
	}
	require.Empty(t, f.queue.IDs(), "rejected requests never reach the queue")
}

func TestSubmitCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	got, err := f.svc.Submit(context.Background(), "alice", []string{"cats", " cats ", "dogs", "cats"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "cats", got[0].Query)
	require.Equal(t, "dogs", got[1].Query)
	require.Len(t, f.queue.IDs(), 2)
	require.Len(t, f.emitter.events, 2)
	require.Equal(t, progress.StageSubmitted, f.emitter.events[0].Stage)

	again, err := f.svc.Submit(context.Background(), "alice", []string{"cats"})
	require.NoError(t, err)
	require.Equal(t, got[0].ID, again[0].ID)
	require.Len(t, f.queue.IDs(), 2, "pending searches are not enqueued twice")
}

func TestSubmitSharesSearchAcrossRequesters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	a, err := f.svc.Submit(context.Background(), "alice", []string{"cats"})
	require.NoError(t, err)
	b, err := f.svc.Submit(context.Background(), "bob", []string{"cats"})
	require.NoError(t, err)
	require.Equal(t, a[0].ID, b[0].ID)
	require.Len(t, f.queue.IDs(), 1)

	require.NoError(t, f.store.Complete(context.Background(), a[0].ID, []search.Result{{Text: "meow"}}))
	c, err := f.svc.Submit(context.Background(), "carol", []string{"cats"})
	require.NoError(t, err)
	require.Equal(t, search.StatusCompleted, c[0].Status)
	require.Equal(t, "meow", c[0].Results[0].Text)
	require.Len(t, f.queue.IDs(), 1, "completed searches are served from cache")
}

func TestSubmitReopensFailedSearch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	got, err := f.svc.Submit(context.Background(), "alice", []string{"dogs"})
	require.NoError(t, err)
	require.NoError(t, f.store.Fail(context.Background(), got[0].ID, "no results found"))
	f.queue.Remove(got[0].ID)

	again, err := f.svc.Submit(context.Background(), "alice", []string{"dogs"})
	require.NoError(t, err)
	require.Equal(t, got[0].ID, again[0].ID)
	require.Equal(t, search.StatusPending, again[0].Status)
	require.Zero(t, again[0].FailedAttempts)
	require.Empty(t, again[0].FailedMessage)
	require.Equal(t, []string{got[0].ID}, f.queue.IDs())
}

func TestSubmitPropagatesEnqueueErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.queue.err = errors.New("queue down")
	_, err := f.svc.Submit(context.Background(), "alice", []string{"cats"})
	require.ErrorContains(t, err, "queue down")
}

func TestGetAndRemoveAreScopedToRequester(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	got, err := f.svc.Submit(ctx, "alice", []string{"cats"})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "bob", []string{"cats"})
	require.NoError(t, err)
	id := got[0].ID

	_, err = f.svc.Get(ctx, id, "mallory")
	require.ErrorIs(t, err, search.ErrNotFound)
	require.ErrorIs(t, f.svc.Remove(ctx, id, "mallory"), search.ErrNotFound)

	require.NoError(t, f.svc.Remove(ctx, id, "alice"))
	_, err = f.svc.Get(ctx, id, "alice")
	require.ErrorIs(t, err, search.ErrNotFound)

	rec, err := f.svc.Get(ctx, id, "bob")
	require.NoError(t, err)
	require.Equal(t, "cats", rec.Query)
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, "alice", []string{"cats", "dogs"})
	require.NoError(t, err)

	n, err := f.svc.RemoveAll(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	page, err := f.svc.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Zero(t, page.TotalCount)

	_, err = f.svc.RemoveAll(ctx, "")
	var vErr *search.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestListDefaultsAndClamps(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxQueries: 200})
	ctx := context.Background()
	queries := make([]string, 0, 12)
	for i := range 12 {
		queries = append(queries, "query-"+string(rune('a'+i)))
	}
	_, err := f.svc.Submit(ctx, "alice", queries)
	require.NoError(t, err)

	page, err := f.svc.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, DefaultPageSize, page.PageSize)
	require.Len(t, page.Searches, 10)
	require.Equal(t, 12, page.TotalCount)
	require.Equal(t, 12, page.Counts.Pending)
	require.Equal(t, "query-a", page.Searches[0].Query)

	page, err = f.svc.List(ctx, "alice", 2, 1000)
	require.NoError(t, err)
	require.Equal(t, MaxPageSize, page.PageSize)
	require.Empty(t, page.Searches)

	_, err = f.svc.List(ctx, "alice", -1, 10)
	var vErr *search.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestResumeEnqueuesPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, q := range []string{"cats", "dogs", "birds"} {
		_, _, err := f.store.FindOrCreate(ctx, q, "alice")
		require.NoError(t, err)
	}
	recs, err := f.store.ListByRequester(ctx, "alice", 1, 10)
	require.NoError(t, err)
	require.NoError(t, f.store.Complete(ctx, recs.Searches[0].ID, []search.Result{}))

	n, err := f.svc.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = f.svc.Resume(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
	set map[string]bool
	err error
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{set: map[string]bool{}}
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.set[id] {
		return false, nil
	}
	f.set[id] = true
	f.ids = append(f.ids, id)
	return true, nil
}

func (f *fakeEnqueuer) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.set, id)
	kept := f.ids[:0]
	for _, existing := range f.ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	f.ids = kept
}

func (f *fakeEnqueuer) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type recordingEmitter struct {
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.events = append(r.events, evt)
}

// tickingClock advances a millisecond per call so creation order is stable.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}
