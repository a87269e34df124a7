package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/store"
)

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "progress; DROP TABLE x")
	require.Error(t, err)

	_, err = NewWithPool(nil, "")
	require.Error(t, err)
}

func TestReadAllScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"id", "status", "updated_at", "location", "last_error", "attempts"}).
		AddRow("a", "completed", now, "gs://bucket/a", "", int32(1)).
		AddRow("b", "failed", now, "", "not-found", int32(1))
	mock.ExpectQuery("SELECT id, status, updated_at").WillReturnRows(rows)

	got, err := backend.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, harvest.StatusCompleted, got["a"].Status)
	require.Equal(t, "gs://bucket/a", got["a"].Location)
	require.Equal(t, "not-found", got["b"].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadAllRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"id", "status", "updated_at", "location", "last_error", "attempts"}).
		AddRow("a", "exploded", time.Now(), "", "", int32(0))
	mock.ExpectQuery("SELECT id, status").WillReturnRows(rows)

	_, err = backend.ReadAll(context.Background())
	require.ErrorContains(t, err, "unknown status")
}

func TestPersistWritesOnlyDirtyRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "harvest_progress")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	done := harvest.ProgressRecord{Status: harvest.StatusCompleted, UpdatedAt: now, Location: "loc-a", Attempts: 1}
	failed := harvest.ProgressRecord{Status: harvest.StatusFailed, UpdatedAt: now, LastError: "blocked", Attempts: 1}
	snap := store.Snapshot{
		All: map[string]harvest.ProgressRecord{
			"a": done, "b": failed, "c": {Status: harvest.StatusCompleted, UpdatedAt: now},
		},
		Dirty: map[string]harvest.ProgressRecord{"a": done, "b": failed},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO harvest_progress").
		WithArgs("a", "completed", now, "loc-a", "", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO harvest_progress").
		WithArgs("b", "failed", now, "", "blocked", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, backend.Persist(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)

	rec := harvest.ProgressRecord{Status: harvest.StatusFailed, UpdatedAt: time.Unix(1, 0).UTC()}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO harvest_progress").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = backend.Persist(context.Background(), store.Snapshot{Dirty: map[string]harvest.ProgressRecord{"x": rec}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistSkipsEmptyFlush(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)
	require.NoError(t, backend.Persist(context.Background(), store.Snapshot{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_progress").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, backend.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
