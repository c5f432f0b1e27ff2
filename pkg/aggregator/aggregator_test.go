package aggregator

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/queue/memqueue"
	"github.com/imagehive/orchestrator/pkg/repository"
)

type fakeJobRepo struct {
	repository.JobRepository
	job     *domain.Job
	updated *domain.Job
}

func (f *fakeJobRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeJobRepo) GetForUpdate(ctx context.Context, id int64) (*domain.Job, error) {
	return f.job, nil
}

func (f *fakeJobRepo) Update(ctx context.Context, job *domain.Job) error {
	f.updated = job
	return nil
}

type fakeChunkRepo struct {
	repository.ChunkRepository
	chunk   *domain.Chunk
	updated *domain.Chunk
}

func (f *fakeChunkRepo) GetByIndex(ctx context.Context, jobID int64, index int) (*domain.Chunk, error) {
	return f.chunk, nil
}

func (f *fakeChunkRepo) Update(ctx context.Context, chunk *domain.Chunk) error {
	f.updated = chunk
	return nil
}

type fakeImageRepo struct {
	repository.ImageRepository
	created []*domain.Image
}

func (f *fakeImageRepo) BulkCreate(ctx context.Context, images []*domain.Image) error {
	f.created = append(f.created, images...)
	return nil
}

// testConfig opts in to chunk retry; the stock default disables it so
// a chunk's first failure is terminal.
func testConfig() domain.ResourceConfig {
	cfg := domain.DefaultResourceConfig()
	cfg.MaxChunkRetries = 2
	return cfg
}

func TestAggregator_HandleCompletion_SuccessCompletesLastChunk(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 1, ActiveChunks: 1}
	chunk := &domain.Chunk{JobID: 1, Index: 0, Status: domain.ChunkStatusProcessing}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}
	images := &fakeImageRepo{}
	a := New(jobs, chunks, images, memqueue.New(), testConfig(), "selenium", logr.Discard())

	err := a.HandleCompletion(context.Background(), 1, 0, "task-1", Result{
		OK:              true,
		DownloadedCount: 5,
		Images: []ImageResult{
			{SourceURL: "http://a", IsValid: true},
			{SourceURL: "http://b", IsValid: true, IsDuplicate: true},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusCompleted, chunks.updated.Status)
	assert.Equal(t, domain.JobStatusCompleted, jobs.updated.Status)
	assert.Equal(t, 0, jobs.updated.ActiveChunks)
	assert.Equal(t, 1, jobs.updated.CompletedChunks)
	assert.Equal(t, 5, jobs.updated.DownloadedImages)
	assert.Equal(t, 2, jobs.updated.ValidImages)
	assert.Equal(t, 1, jobs.updated.DuplicateImages)
	assert.NotNil(t, jobs.updated.CompletedAt)
	require.Len(t, images.created, 2)
}

func TestAggregator_HandleCompletion_DuplicateDeliveryIsNoOp(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 1, ActiveChunks: 0, CompletedChunks: 1}
	chunk := &domain.Chunk{JobID: 1, Index: 0, Status: domain.ChunkStatusCompleted}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}
	a := New(jobs, chunks, &fakeImageRepo{}, memqueue.New(), testConfig(), "selenium", logr.Discard())

	err := a.HandleCompletion(context.Background(), 1, 0, "task-1", Result{OK: true})

	require.Error(t, err)
	var conflict *orcherr.ConflictIdempotent
	require.ErrorAs(t, err, &conflict)
	assert.Nil(t, jobs.updated, "must not mutate the job on a duplicate delivery")
}

func TestAggregator_HandleCompletion_FailureUnderRetryBudgetResubmitsInPlace(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 2, ActiveChunks: 2}
	chunk := &domain.Chunk{JobID: 1, Index: 0, Status: domain.ChunkStatusProcessing, RetryCount: 0}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}
	q := memqueue.New()
	a := New(jobs, chunks, &fakeImageRepo{}, q, testConfig(), "selenium", logr.Discard())

	err := a.HandleCompletion(context.Background(), 1, 0, "task-1", Result{OK: false, Error: "timeout"})

	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusProcessing, chunks.updated.Status, "chunk must go back to processing, not terminal failed")
	assert.Equal(t, 1, chunks.updated.RetryCount)
	assert.Equal(t, 2, jobs.updated.ActiveChunks, "active count must be unchanged while the chunk is retried in place")
	assert.Equal(t, 0, jobs.updated.FailedChunks)
	assert.Equal(t, 1, q.Len(), "a replacement task must have been submitted")
}

func TestAggregator_HandleCompletion_FailureWithDefaultConfigIsTerminal(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 3, ActiveChunks: 1, CompletedChunks: 2}
	chunk := &domain.Chunk{JobID: 1, Index: 1, Status: domain.ChunkStatusProcessing}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}
	q := memqueue.New()
	a := New(jobs, chunks, &fakeImageRepo{}, q, domain.DefaultResourceConfig(), "selenium", logr.Discard())

	err := a.HandleCompletion(context.Background(), 1, 1, "task-2", Result{OK: false, Error: "no results"})

	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusFailed, chunks.updated.Status, "with retries disabled the first failure is terminal")
	assert.Equal(t, 1, jobs.updated.FailedChunks)
	assert.Equal(t, 2, jobs.updated.CompletedChunks)
	assert.Equal(t, 0, jobs.updated.ActiveChunks)
	assert.Equal(t, domain.JobStatusCompleted, jobs.updated.Status, "partial success still completes")
	assert.Equal(t, 0, q.Len(), "no replacement task may be submitted when retries are disabled")
}

func TestAggregator_HandleCompletion_FailureExhaustingRetriesIsTerminal(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 1, ActiveChunks: 1}
	chunk := &domain.Chunk{JobID: 1, Index: 0, Status: domain.ChunkStatusProcessing, RetryCount: 2}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}
	a := New(jobs, chunks, &fakeImageRepo{}, memqueue.New(), testConfig(), "selenium", logr.Discard())

	err := a.HandleCompletion(context.Background(), 1, 0, "task-1", Result{OK: false, Error: "still failing"})

	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusFailed, chunks.updated.Status)
	assert.Equal(t, domain.JobStatusFailed, jobs.updated.Status, "all-failed job must be terminal Failed")
	assert.Equal(t, 1, jobs.updated.FailedChunks)
}

func TestAggregator_HandleCompletion_TerminalTransitionRecordsActivity(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 1, ActiveChunks: 1}
	chunk := &domain.Chunk{JobID: 1, Index: 0, Status: domain.ChunkStatusProcessing}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}

	var actions []string
	a := New(jobs, chunks, &fakeImageRepo{}, memqueue.New(), testConfig(), "selenium", logr.Discard()).
		WithActivityRecorder(func(ctx context.Context, action string, job *domain.Job) {
			actions = append(actions, action)
		})

	err := a.HandleCompletion(context.Background(), 1, 0, "task-1", Result{OK: true, DownloadedCount: 1})

	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "job.completed", actions[0])
}

func TestAggregator_HandleCompletion_NonTerminalRecordsNothing(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 2, ActiveChunks: 2}
	chunk := &domain.Chunk{JobID: 1, Index: 0, Status: domain.ChunkStatusProcessing}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}

	recorded := false
	a := New(jobs, chunks, &fakeImageRepo{}, memqueue.New(), testConfig(), "selenium", logr.Discard()).
		WithActivityRecorder(func(context.Context, string, *domain.Job) { recorded = true })

	err := a.HandleCompletion(context.Background(), 1, 0, "task-1", Result{OK: true})

	require.NoError(t, err)
	assert.False(t, recorded, "no audit entry until the job reaches a terminal state")
}

func TestAggregator_HandleCompletion_PartialSuccessStillCompletes(t *testing.T) {
	job := &domain.Job{ID: 1, TotalChunks: 2, ActiveChunks: 1, FailedChunks: 1, CompletedChunks: 0}
	chunk := &domain.Chunk{JobID: 1, Index: 1, Status: domain.ChunkStatusProcessing, RetryCount: 2}
	jobs := &fakeJobRepo{job: job}
	chunks := &fakeChunkRepo{chunk: chunk}
	a := New(jobs, chunks, &fakeImageRepo{}, memqueue.New(), testConfig(), "selenium", logr.Discard())

	err := a.HandleCompletion(context.Background(), 1, 1, "task-2", Result{OK: true, DownloadedCount: 3})

	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, jobs.updated.Status, "any completed chunk wins over failures")
}
