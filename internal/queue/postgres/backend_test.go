package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serpqueue/internal/search"
)

func TestNewBackendValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewBackend(mock, "bad;name")
	require.Error(t, err)

	b, err := NewBackend(mock, "")
	require.NoError(t, err)
	require.Equal(t, DefaultTable, b.table)
}

func TestAddReportsConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	b, err := NewBackend(mock, "search_queue")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	entry := search.QueueEntry{JobID: "job-1", AvailableAt: now, EnqueuedAt: now}

	mock.ExpectExec("INSERT INTO search_queue").
		WithArgs("job-1", 0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO search_queue").
		WithArgs("job-1", 0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	added, err := b.Add(context.Background(), entry)
	require.NoError(t, err)
	require.True(t, added)

	added, err = b.Add(context.Background(), entry)
	require.NoError(t, err)
	require.False(t, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsLeasedEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	b, err := NewBackend(mock, "search_queue")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	lease := time.Minute

	mock.ExpectQuery("UPDATE search_queue SET leased_until").
		WithArgs(now, now.Add(lease)).
		WillReturnRows(pgxmock.NewRows([]string{"job_id", "attempts", "available_at", "enqueued_at"}).
			AddRow("job-1", 2, now.Add(-time.Second), now.Add(-time.Hour)))
	mock.ExpectQuery("UPDATE search_queue SET leased_until").
		WithArgs(now, now.Add(lease)).
		WillReturnError(pgx.ErrNoRows)

	entry, ok, err := b.Claim(context.Background(), now, lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", entry.JobID)
	require.Equal(t, 2, entry.Attempts)

	_, ok, err = b.Claim(context.Background(), now, lease)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRescheduleAndRemove(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	b, err := NewBackend(mock, "search_queue")
	require.NoError(t, err)

	at := time.Unix(1700000002, 0).UTC()
	mock.ExpectExec("UPDATE search_queue SET attempts").
		WithArgs("job-1", 1, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE search_queue SET attempts").
		WithArgs("gone", 1, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("DELETE FROM search_queue").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM search_queue").
		WithArgs("job-2").
		WillReturnError(errors.New("conn reset"))

	require.NoError(t, b.Reschedule(context.Background(), search.QueueEntry{JobID: "job-1", Attempts: 1, AvailableAt: at}))
	require.ErrorIs(t, b.Reschedule(context.Background(), search.QueueEntry{JobID: "gone", Attempts: 1, AvailableAt: at}), search.ErrNotFound)
	require.NoError(t, b.Remove(context.Background(), "job-1"))
	require.ErrorContains(t, b.Remove(context.Background(), "job-2"), "conn reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	b, err := NewBackend(mock, "search_queue")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS search_queue").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, b.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
