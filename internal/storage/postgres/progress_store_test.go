package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/store"
)

func newMockStore(t *testing.T) (*ProgressStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewProgressStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

var runCols = []string{
	"id", "source", "started_at", "finished_at", "status",
	"saved", "searched", "unsearched", "batches", "error_message",
}

func TestUpsertRunStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(id, "related_artists", at, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRunStart(context.Background(), id, "related_artists", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCheckpoint(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000100, 0).UTC()
	counts := store.RunCounts{Saved: 10000, Searched: 42, Unsearched: 7}

	mock.ExpectExec("UPDATE harvest_runs").
		WithArgs(int64(10000), int64(42), int64(7), int64(3), at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.RecordCheckpoint(context.Background(), id, counts, 3, at))

	mock.ExpectExec("UPDATE harvest_runs").
		WithArgs(int64(10000), int64(42), int64(7), int64(0), at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, s.RecordCheckpoint(context.Background(), id, counts, 0, at), store.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000200, 0).UTC()
	msg := "retry exhausted"

	mock.ExpectExec("UPDATE harvest_runs").
		WithArgs(at, store.RunFailed, &msg, id).
		WillReturnError(errors.New("conn reset"))
	require.Error(t, s.CompleteRun(context.Background(), id, at, store.RunFailed, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT .* FROM harvest_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(id, "artist_info", started, nil, store.RunRunning, int64(1), int64(2), int64(3), int64(4), nil))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "artist_info", run.Source)
	require.Equal(t, store.RunCounts{Saved: 1, Searched: 2, Unsearched: 3}, run.Counts)
	require.Equal(t, int64(4), run.Batches)
	require.Nil(t, run.FinishedAt)

	mock.ExpectQuery("SELECT .* FROM harvest_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runCols))
	_, err = s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	source := "top_tracks"
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Hour)

	mock.ExpectQuery("SELECT .* FROM harvest_runs").
		WithArgs(&source, 10, 0).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(uuid.New(), source, started, &finished, store.RunComplete, int64(5), int64(0), int64(0), int64(9), nil).
			AddRow(uuid.New(), source, started.Add(-time.Hour), nil, store.RunInterrupted, int64(0), int64(1), int64(2), int64(1), nil))

	runs, err := s.ListRuns(context.Background(), &source, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, store.RunComplete, runs[0].Status)
	require.Equal(t, finished, *runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewProgressStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewProgressStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewProgressStoreWithPool(nil)
	require.Error(t, err)
}
