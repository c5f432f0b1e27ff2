package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/objectstore"
	"github.com/imagehive/orchestrator/pkg/repository"
)

func newEngine(repo *fakeJobRepo, store objectstore.Store) *Engine {
	return New(repo, store, domain.DefaultResourceConfig(), logr.Discard())
}

type fakeJobRepo struct {
	repository.JobRepository
	byID map[int64]*domain.Job
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	return f.byID[id], nil
}

func (f *fakeJobRepo) ListByStatus(ctx context.Context, statuses []domain.JobStatus) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.byID {
		for _, want := range statuses {
			if j.Status == want {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

// testStore wraps a LocalStore and lets tests backdate a key's mtime
// past the engine's one-minute safety margin.
type testStore struct {
	*objectstore.LocalStore
	root string
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	root := t.TempDir()
	s, err := objectstore.NewLocal(root)
	require.NoError(t, err)
	return &testStore{LocalStore: s, root: root}
}

func (s *testStore) putOld(t *testing.T, key string, age time.Duration) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, []byte("data")))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(filepath.Join(s.root, key), old, old))
}

func TestEngine_ChunkCompletion_DeletesOwnedFiles(t *testing.T) {
	store := newTestStore(t)
	store.putOld(t, "job_1_chunk_0_a.jpg", 2*time.Hour)
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerChunkCompletion, JobID: 1, Files: []string{"job_1_chunk_0_a.jpg"}})

	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesDeleted)
	assert.Empty(t, stats.Errors)
}

func TestEngine_ChunkCompletion_RefusesMismatchedJobID(t *testing.T) {
	store := newTestStore(t)
	store.putOld(t, "job_2_chunk_0_a.jpg", 2*time.Hour)
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerChunkCompletion, JobID: 1, Files: []string{"job_2_chunk_0_a.jpg"}})

	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesDeleted)
	assert.Len(t, stats.Errors, 1)
}

func TestEngine_ChunkCompletion_RecentFileSafetyMargin(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put(context.Background(), "job_1_chunk_0_a.jpg", []byte("data")))
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerChunkCompletion, JobID: 1, Files: []string{"job_1_chunk_0_a.jpg"}})

	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesDeleted, "a file written moments ago must never be deleted regardless of trigger")
}

func TestEngine_CrashRecovery_DeletesFilesForFailedJobs(t *testing.T) {
	store := newTestStore(t)
	store.putOld(t, "job_5_chunk_0_a.jpg", 2*time.Hour)
	store.putOld(t, "job_6_chunk_0_b.jpg", 2*time.Hour)
	repo := &fakeJobRepo{byID: map[int64]*domain.Job{
		5: {ID: 5, Status: domain.JobStatusFailed},
		6: {ID: 6, Status: domain.JobStatusRunning},
	}}
	e := newEngine(repo, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerCrashRecovery})

	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesDeleted, "only the failed job's file should be deleted")
}

func TestEngine_Orphaned_DeletesOldUnmappableAndTerminalJobFiles(t *testing.T) {
	store := newTestStore(t)
	store.putOld(t, "unmappable-stray.tmp", 48*time.Hour)
	store.putOld(t, "job_9_chunk_0_a.jpg", 2*time.Hour)
	repo := &fakeJobRepo{byID: map[int64]*domain.Job{
		9: {ID: 9, Status: domain.JobStatusCancelled},
	}}
	e := newEngine(repo, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerOrphaned, MaxAge: 24 * time.Hour})

	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesDeleted)
}

func TestEngine_Orphaned_KeepsRecentUnmappableFile(t *testing.T) {
	store := newTestStore(t)
	store.putOld(t, "unmappable-stray.tmp", time.Hour)
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerOrphaned, MaxAge: 24 * time.Hour})

	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesDeleted)
}

func TestEngine_Scheduled_RunsOrphanedThenCrashRecovery(t *testing.T) {
	store := newTestStore(t)
	store.putOld(t, "unmappable-stray.tmp", 48*time.Hour)
	store.putOld(t, "job_3_chunk_0_a.jpg", 2*time.Hour)
	repo := &fakeJobRepo{byID: map[int64]*domain.Job{
		3: {ID: 3, Status: domain.JobStatusFailed},
	}}
	e := newEngine(repo, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerScheduled})

	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesDeleted)
}

func TestEngine_UnknownTriggerKindErrors(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, store)

	_, err := e.Run(context.Background(), Trigger{Kind: "bogus"})
	assert.Error(t, err)
}

// meteredStore reports a scripted usage percentage that drops by a
// fixed step on every delete, so emergency runs can be driven through
// their stop condition deterministically.
type meteredStore struct {
	objectstore.Store
	usage   float64
	step    float64
	deleted []string
}

func (s *meteredStore) Delete(ctx context.Context, key string) error {
	if err := s.Store.Delete(ctx, key); err != nil {
		return err
	}
	s.deleted = append(s.deleted, key)
	s.usage -= s.step
	return nil
}

func (s *meteredStore) UsagePercent(ctx context.Context) (float64, bool) {
	return s.usage, true
}

func TestEngine_Emergency_BelowThresholdDeletesNothing(t *testing.T) {
	local := newTestStore(t)
	local.putOld(t, "unmappable-stray.tmp", 48*time.Hour)
	store := &meteredStore{Store: local.LocalStore, usage: 80}
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerEmergency})

	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesDeleted)
	assert.Empty(t, store.deleted, "no delete primitive may be called when usage is under the threshold")
}

func TestEngine_Emergency_DrainsUntilUnderTarget(t *testing.T) {
	local := newTestStore(t)
	local.putOld(t, "unmappable-old-a.tmp", 48*time.Hour)
	local.putOld(t, "unmappable-old-b.tmp", 48*time.Hour)
	local.putOld(t, "unmappable-old-c.tmp", 48*time.Hour)
	store := &meteredStore{Store: local.LocalStore, usage: 97, step: 4}
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, store)

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerEmergency})

	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesDeleted, "must stop deleting once usage reaches threshold minus 5")
	assert.Len(t, store.deleted, 2)
}

func TestEngine_Emergency_UnreadableUsageDeletesNothing(t *testing.T) {
	local := newTestStore(t)
	local.putOld(t, "unmappable-stray.tmp", 48*time.Hour)
	e := newEngine(&fakeJobRepo{byID: map[int64]*domain.Job{}}, &blindStore{Store: local.LocalStore})

	stats, err := e.Run(context.Background(), Trigger{Kind: TriggerEmergency})

	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesDeleted, "an emergency run that cannot read usage must not delete blindly")
}

// blindStore is a Store whose usage metric is unavailable.
type blindStore struct {
	objectstore.Store
}

func (s *blindStore) UsagePercent(ctx context.Context) (float64, bool) { return 0, false }
