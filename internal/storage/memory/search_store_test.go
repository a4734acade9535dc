package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serpqueue/internal/search"
)

func newStore() (*SearchStore, *tickClock) {
	clock := &tickClock{now: time.Unix(1000, 0)}
	return NewSearchStore(&seqIDs{}, clock), clock
}

func TestFindOrCreateDedupsByQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore()

	first, enqueue, err := store.FindOrCreate(ctx, "cats", "A")
	require.NoError(t, err)
	require.True(t, enqueue)
	require.Equal(t, search.StatusPending, first.Status)

	again, enqueue, err := store.FindOrCreate(ctx, "cats", "A")
	require.NoError(t, err)
	require.False(t, enqueue, "pending search must not be enqueued twice")
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, []string{"A"}, again.Requesters)

	shared, enqueue, err := store.FindOrCreate(ctx, "cats", "B")
	require.NoError(t, err)
	require.False(t, enqueue)
	require.Equal(t, first.ID, shared.ID)
	require.Equal(t, []string{"A", "B"}, shared.Requesters)
}

func TestFindOrCreateCompletedAssociatesOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore()
	rec, _, err := store.FindOrCreate(ctx, "cats", "A")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, rec.ID, []search.Result{{Text: "Cats - Wikipedia"}}))

	got, enqueue, err := store.FindOrCreate(ctx, "cats", "B")
	require.NoError(t, err)
	require.False(t, enqueue)
	require.Equal(t, search.StatusCompleted, got.Status)
	require.Equal(t, []string{"A", "B"}, got.Requesters)
	require.Equal(t, []search.Result{{Text: "Cats - Wikipedia"}}, got.Results)
}

func TestFindOrCreateReopensFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore()
	rec, _, _ := store.FindOrCreate(ctx, "dogs", "A")
	require.NoError(t, store.RecordFailure(ctx, rec.ID, "timeout"))
	require.NoError(t, store.RecordFailure(ctx, rec.ID, "timeout"))
	require.NoError(t, store.Fail(ctx, rec.ID, "timeout"))

	failed, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, search.StatusFailed, failed.Status)
	require.Equal(t, 3, failed.FailedAttempts)

	reopened, enqueue, err := store.FindOrCreate(ctx, "dogs", "A")
	require.NoError(t, err)
	require.True(t, enqueue)
	require.Equal(t, search.StatusPending, reopened.Status)
	require.Zero(t, reopened.FailedAttempts)
	require.Empty(t, reopened.FailedMessage)
}

func TestCompleteIsIdempotentAndSticky(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore()
	rec, _, _ := store.FindOrCreate(ctx, "cats", "A")
	results := []search.Result{{Text: "Cats - Wikipedia", Href: "https://en.wikipedia.org/wiki/Cat"}}

	require.NoError(t, store.Complete(ctx, rec.ID, results))
	require.NoError(t, store.Complete(ctx, rec.ID, results))
	require.NoError(t, store.Fail(ctx, rec.ID, "late failure"))
	require.NoError(t, store.RecordFailure(ctx, rec.ID, "late failure"))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, search.StatusCompleted, got.Status)
	require.Equal(t, results, got.Results)
	require.Zero(t, got.FailedAttempts)

	require.ErrorIs(t, store.Complete(ctx, "missing", nil), search.ErrNotFound)
	require.ErrorIs(t, store.Fail(ctx, "missing", "x"), search.ErrNotFound)
}

func TestListByRequesterPaginatesOldestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := newStore()
	var ids []string
	for _, q := range []string{"a", "b", "c", "d", "e"} {
		rec, _, err := store.FindOrCreate(ctx, q, "A")
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		clock.Advance(time.Second)
	}
	_, _, _ = store.FindOrCreate(ctx, "other", "B")
	require.NoError(t, store.Complete(ctx, ids[0], nil))
	require.NoError(t, store.Fail(ctx, ids[1], "boom"))

	page, err := store.ListByRequester(ctx, "A", 2, 2)
	require.NoError(t, err)
	require.Equal(t, 5, page.TotalCount)
	require.Equal(t, search.StatusCounts{Pending: 3, Completed: 1, Failed: 1}, page.Counts)
	require.Len(t, page.Searches, 2)
	require.Equal(t, "c", page.Searches[0].Query)
	require.Equal(t, "d", page.Searches[1].Query)

	last, err := store.ListByRequester(ctx, "A", 3, 2)
	require.NoError(t, err)
	require.Len(t, last.Searches, 1)

	beyond, err := store.ListByRequester(ctx, "A", 9, 2)
	require.NoError(t, err)
	require.Empty(t, beyond.Searches)
	require.Equal(t, 5, beyond.TotalCount)
}

func TestRemoveRequesterRetainsSearch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore()
	rec, _, _ := store.FindOrCreate(ctx, "cats", "A")
	_, _, _ = store.FindOrCreate(ctx, "dogs", "A")
	require.NoError(t, store.Complete(ctx, rec.ID, []search.Result{{Text: "Cats"}}))

	require.NoError(t, store.RemoveRequester(ctx, rec.ID, "A"))
	require.ErrorIs(t, store.RemoveRequester(ctx, rec.ID, "A"), search.ErrNotFound)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, got.Requesters)
	require.Equal(t, []search.Result{{Text: "Cats"}}, got.Results)

	n, err := store.RemoveAllForRequester(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, enqueue, err := store.FindOrCreate(ctx, "cats", "C")
	require.NoError(t, err)
	require.False(t, enqueue, "cached result serves new requesters")
	require.Equal(t, rec.ID, again.ID)
}

func TestListPendingIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := newStore()
	a, _, _ := store.FindOrCreate(ctx, "a", "A")
	clock.Advance(time.Second)
	b, _, _ := store.FindOrCreate(ctx, "b", "A")
	clock.Advance(time.Second)
	c, _, _ := store.FindOrCreate(ctx, "c", "A")
	require.NoError(t, store.Complete(ctx, b.ID, nil))

	ids, err := store.ListPendingIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{a.ID, c.ID}, ids)
}

func TestFindOrCreateConcurrentSingleEnqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		enqueues int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, enqueue, err := store.FindOrCreate(ctx, "cats", fmt.Sprintf("fp-%d", i))
			require.NoError(t, err)
			if enqueue {
				mu.Lock()
				enqueues++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, enqueues)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tickClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
