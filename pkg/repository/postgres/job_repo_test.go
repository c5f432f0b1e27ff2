package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
)

func newMockStore(t *testing.T) (*JobStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &JobStore{base: &base{db: db}}, mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "project_id", "name", "keywords", "target_images", "priority", "status",
		"progress_percent", "downloaded_images", "valid_images", "duplicate_images", "failed_images",
		"total_chunks", "active_chunks", "completed_chunks", "failed_chunks", "task_ids",
		"created_at", "updated_at", "started_at", "completed_at",
	})
}

func TestStore_GetForUpdate_LocksRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE jobs\.id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(jobRows().AddRow(
			int64(42), int64(1), "cats", "cat,kitten", 1000, 5, "running",
			10, 100, 90, 5, 5, 20, 3, 2, 0, "task-1,task-2",
			now, now, nil, nil,
		))

	job, err := store.GetForUpdate(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.ID)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, []string{"cat", "kitten"}, job.Keywords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetForUpdate_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE jobs\.id = \$1 FOR UPDATE`).
		WithArgs(int64(99)).
		WillReturnRows(jobRows())

	_, err := store.GetForUpdate(context.Background(), 99)
	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindNotFound, kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_CommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := &orcherr.InvalidInputError{Field: "status", Message: "bad transition"}
	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListByStatus(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE jobs\.status IN \(\$1,\$2\) ORDER BY jobs\.created_at DESC`).
		WithArgs("failed", "cancelled").
		WillReturnRows(jobRows().AddRow(
			int64(7), int64(1), "dogs", "dog", 500, 0, "failed",
			40, 200, 190, 2, 10, 1, 0, 0, 1, "task-9",
			now, now, nil, nil,
		))

	jobs, err := store.ListByStatus(context.Background(), []domain.JobStatus{domain.JobStatusFailed, domain.JobStatusCancelled})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(7), jobs[0].ID)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListByStatus_Empty(t *testing.T) {
	store, _ := newMockStore(t)

	jobs, err := store.ListByStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, jobs)
}

func TestStore_SumActiveChunksAcrossAllJobs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(active_chunks\), 0\) FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(57))

	sum, err := store.SumActiveChunksAcrossAllJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 57, sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountRunningJobsByUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobs\s+JOIN projects ON projects\.id = jobs\.project_id\s+WHERE projects\.user_id = \$1 AND jobs\.id <> \$2 AND jobs\.status IN \('pending', 'running'\)`).
		WithArgs(int64(5), int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.CountRunningJobsByUser(context.Background(), 5, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountJobsStartedSinceByUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobs\s+JOIN projects ON projects\.id = jobs\.project_id\s+WHERE projects\.user_id = \$1 AND jobs\.id <> \$2 AND jobs\.created_at >= \$3`).
		WithArgs(int64(5), int64(0), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := store.CountJobsStartedSinceByUser(context.Background(), 5, time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
