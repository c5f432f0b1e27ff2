package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagehive/orchestrator/pkg/aggregator"
	"github.com/imagehive/orchestrator/pkg/capacity"
	"github.com/imagehive/orchestrator/pkg/dispatcher"
	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/objectstore"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/planner"
	"github.com/imagehive/orchestrator/pkg/queue/memqueue"
	"github.com/imagehive/orchestrator/pkg/quota"
	"github.com/imagehive/orchestrator/pkg/repository"
	"github.com/imagehive/orchestrator/pkg/statemachine"
)

type fakeJobRepo struct {
	repository.JobRepository
	byID    map[int64]*domain.Job
	created *domain.Job
	nextID  int64
}

func (f *fakeJobRepo) Create(ctx context.Context, job *domain.Job) error {
	f.nextID++
	job.ID = f.nextID
	f.created = job
	if f.byID == nil {
		f.byID = map[int64]*domain.Job{}
	}
	f.byID[job.ID] = job
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	job, ok := f.byID[id]
	if !ok {
		return nil, &orcherr.NotFoundError{Entity: "job", ID: id}
	}
	return job, nil
}

// ListByFilter mirrors the postgres join: a UserID filter matches jobs
// whose project is owned by that user. Test fixtures use a project ID
// equal to its owning user ID, so matching on ProjectID stands in for
// the join without needing a fakeProjectRepo lookup here too.
func (f *fakeJobRepo) ListByFilter(ctx context.Context, filter repository.JobFilter) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.byID {
		if filter.ProjectID != 0 && j.ProjectID != filter.ProjectID {
			continue
		}
		if filter.UserID != 0 && j.ProjectID != filter.UserID {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeJobRepo) GetForUpdate(ctx context.Context, id int64) (*domain.Job, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeJobRepo) Update(ctx context.Context, job *domain.Job) error {
	f.byID[job.ID] = job
	return nil
}

func (f *fakeJobRepo) SumActiveChunksAcrossAllJobs(ctx context.Context) (int, error) { return 0, nil }

// CountRunningJobsByUser mirrors the postgres concurrency query: Pending and
// Running jobs owned by the user, minus the one being admitted. Test
// fixtures map project id == owning user id.
func (f *fakeJobRepo) CountRunningJobsByUser(ctx context.Context, userID, excludeJobID int64) (int, error) {
	count := 0
	for _, j := range f.byID {
		if j.ID == excludeJobID || j.ProjectID != userID {
			continue
		}
		if j.Status == domain.JobStatusPending || j.Status == domain.JobStatusRunning {
			count++
		}
	}
	return count, nil
}

func (f *fakeJobRepo) CountJobsStartedSinceByUser(ctx context.Context, userID int64, since time.Time, excludeJobID int64) (int, error) {
	return 0, nil
}

// fakeProjectRepo owns a fixed projectID -> userID map; test fixtures
// use a project ID equal to its owning user ID unless stated otherwise.
type fakeProjectRepo struct {
	repository.ProjectRepository
	owners map[int64]int64
}

func (f *fakeProjectRepo) GetByID(ctx context.Context, id int64) (*domain.Project, error) {
	userID, ok := f.owners[id]
	if !ok {
		return nil, &orcherr.NotFoundError{Entity: "project", ID: id}
	}
	return &domain.Project{ID: id, UserID: userID}, nil
}

type fakeChunkRepo struct {
	repository.ChunkRepository
	chunks []*domain.Chunk
}

func (f *fakeChunkRepo) BulkCreate(ctx context.Context, chunks []*domain.Chunk) error {
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeChunkRepo) ListByStatus(ctx context.Context, jobID int64, status domain.ChunkStatus) ([]*domain.Chunk, error) {
	var out []*domain.Chunk
	for _, c := range f.chunks {
		if c.JobID == jobID && c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChunkRepo) GetByIndex(ctx context.Context, jobID int64, index int) (*domain.Chunk, error) {
	for _, c := range f.chunks {
		if c.JobID == jobID && c.Index == index {
			return c, nil
		}
	}
	return nil, &orcherr.NotFoundError{Entity: "chunk", ID: int64(index)}
}

func (f *fakeChunkRepo) Update(ctx context.Context, chunk *domain.Chunk) error { return nil }

type fakeImageRepo struct {
	repository.ImageRepository
}

func (f *fakeImageRepo) BulkCreate(ctx context.Context, images []*domain.Image) error { return nil }

type fakeProfile struct{ tier domain.Tier }

func (f fakeProfile) Profile(ctx context.Context, userID int64) (domain.Tier, error) {
	return f.tier, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeJobRepo) {
	return newTestOrchestratorWithTier(t, domain.TierEnterprise)
}

func newTestOrchestratorWithTier(t *testing.T, tier domain.Tier) (*Orchestrator, *fakeJobRepo) {
	t.Helper()
	cfg := domain.DefaultResourceConfig()
	cfg.GlobalChunkCeiling = 50

	jobs := &fakeJobRepo{byID: map[int64]*domain.Job{}}
	projects := &fakeProjectRepo{owners: map[int64]int64{1: 1, 2: 2}}
	chunks := &fakeChunkRepo{}
	images := &fakeImageRepo{}
	q := memqueue.New()
	store, err := objectstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	mon := capacity.New(jobs, cfg, logr.Discard())
	pl := planner.New(chunks, jobs)
	qt := quota.New(jobs, nil, fakeProfile{tier: tier}, nil, logr.Discard())
	disp := dispatcher.New(jobs, chunks, mon, q, cfg, "selenium", 4, logr.Discard())
	sm := statemachine.New(jobs, pl, qt, disp, q, store, cfg, logr.Discard(), nil)
	agg := aggregator.New(jobs, chunks, images, q, cfg, "selenium", logr.Discard())

	return New(jobs, projects, sm, agg, logr.Discard()), jobs
}

func TestOrchestrator_CreateJob_ValidatesKeywords(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: nil, TargetImages: 100})
	require.Error(t, err)

	var ie *orcherr.InvalidInputError
	require.ErrorAs(t, err, &ie)
}

func TestOrchestrator_CreateJob_Succeeds(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	job, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: []string{"cat"}, TargetImages: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.TotalChunks, "CreateJob must not plan chunks; that happens on Start")
}

func TestOrchestrator_CreateJob_WrongOwnerIsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 999, ProjectID: 1, Keywords: []string{"cat"}, TargetImages: 100})
	require.Error(t, err)
	var nf *orcherr.NotFoundError
	require.ErrorAs(t, err, &nf, "creating a job under a project owned by another user must surface as NotFound")
}

func TestOrchestrator_StartJob_WrongOwnerIsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: []string{"cat"}, TargetImages: 100})
	require.NoError(t, err)

	_, err = o.StartJob(context.Background(), job.ID, 999)
	require.Error(t, err)
	var nf *orcherr.NotFoundError
	require.ErrorAs(t, err, &nf, "ownership mismatch must surface as NotFound, never a distinct Forbidden")
}

func TestOrchestrator_StartJob_OwnedJobDispatches(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: []string{"cat"}, TargetImages: 1000})
	require.NoError(t, err)

	ids, err := o.StartJob(context.Background(), job.ID, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
}

func TestOrchestrator_FreeTier_FirstJobStarts(t *testing.T) {
	o, jobs := newTestOrchestratorWithTier(t, domain.TierFree)
	job, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: []string{"cat"}, TargetImages: 1000})
	require.NoError(t, err)

	ids, err := o.StartJob(context.Background(), job.ID, 1)

	require.NoError(t, err, "a user's only job must not count against its own concurrency limit")
	assert.Len(t, ids, 2)
	assert.Equal(t, domain.JobStatusRunning, jobs.byID[job.ID].Status)
}

func TestOrchestrator_FreeTier_SecondConcurrentJobIsQuotaExceeded(t *testing.T) {
	o, jobs := newTestOrchestratorWithTier(t, domain.TierFree)
	first, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: []string{"cat"}, TargetImages: 1000})
	require.NoError(t, err)
	_, err = o.StartJob(context.Background(), first.ID, 1)
	require.NoError(t, err)

	second, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: []string{"dog"}, TargetImages: 1000})
	require.NoError(t, err)

	_, err = o.StartJob(context.Background(), second.ID, 1)
	require.Error(t, err)

	var qe *orcherr.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "max_concurrent_jobs", qe.LimitName)
	assert.Equal(t, 1, qe.LimitValue)
	assert.Equal(t, 1, qe.CurrentValue, "only the already-running job counts, not the one being admitted")
	assert.Equal(t, domain.JobStatusPending, jobs.byID[second.ID].Status, "the refused job must stay Pending with no chunks planned")
	assert.Equal(t, 0, jobs.byID[second.ID].TotalChunks)
}

func TestOrchestrator_ListJobs_ScopedToUser(t *testing.T) {
	o, jobs := newTestOrchestrator(t)
	jobs.byID[1] = &domain.Job{ID: 1, ProjectID: 1}
	jobs.byID[2] = &domain.Job{ID: 2, ProjectID: 2}
	jobs.nextID = 2

	got, err := o.ListJobs(context.Background(), 1, Paging{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
}

func TestOrchestrator_ReportCompletion_DelegatesToAggregator(t *testing.T) {
	o, jobs := newTestOrchestrator(t)
	job, err := o.CreateJob(context.Background(), CreateJobRequest{UserID: 1, ProjectID: 1, Keywords: []string{"cat"}, TargetImages: 1000})
	require.NoError(t, err)
	_, err = o.StartJob(context.Background(), job.ID, 1)
	require.NoError(t, err)

	err = o.ReportCompletion(context.Background(), job.ID, 0, "t-1", aggregator.Result{OK: true, DownloadedCount: 10})
	require.NoError(t, err)
	assert.Greater(t, jobs.byID[job.ID].CompletedChunks, 0)
}
