// Package repository defines the persistence boundary for the
// orchestrator's entities. Components depend on the interfaces here,
// never on pkg/repository/postgres directly, so the dispatcher and
// aggregator tests can run against an in-memory or sqlmock double.
package repository

import (
	"context"
	"time"

	"github.com/imagehive/orchestrator/pkg/domain"
)

// JobFilter narrows ListJobs to a project and/or the user who owns it,
// and optionally a status. ProjectID and UserID may be combined; a
// zero value on either leaves that dimension unfiltered.
type JobFilter struct {
	ProjectID int64
	UserID    int64
	Status    *domain.JobStatus
}

// JobRepository persists Job rows and the row-level locking primitive
// every state-changing operation is built on.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	ListByFilter(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error

	// ListByStatus is a project-agnostic global scan, backing the
	// cleanup engine's crash-recovery and orphan-detection triggers,
	// which reason about every job in the system, not one tenant.
	ListByStatus(ctx context.Context, statuses []domain.JobStatus) ([]*domain.Job, error)

	// GetForUpdate locks the Job row for the lifetime of the caller's
	// transaction (SELECT ... FOR UPDATE), the hinge every idempotent,
	// exactly-once operation in this system is built on.
	GetForUpdate(ctx context.Context, id int64) (*domain.Job, error)

	// SumActiveChunksAcrossAllJobs backs the capacity monitor: a
	// single global figure, not scoped to one job or tenant.
	SumActiveChunksAcrossAllJobs(ctx context.Context) (int, error)

	// CountRunningJobsByUser and CountJobsStartedSinceByUser back the
	// quota enforcer's concurrency and daily-rate checks. Both count
	// across every project the user owns, not one project at a time,
	// since tier limits are assigned to the user. excludeJobID omits
	// one job from the count (0 omits nothing): the quota check runs
	// while the subject job already sits in Pending, and a job must
	// never count against its own admission.
	CountRunningJobsByUser(ctx context.Context, userID, excludeJobID int64) (int, error)
	CountJobsStartedSinceByUser(ctx context.Context, userID int64, since time.Time, excludeJobID int64) (int, error)

	// WithTx runs fn inside a single database transaction and commits
	// or rolls back depending on whether fn returns an error.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ChunkRepository persists Chunk rows, scoped by (JobID, Index).
type ChunkRepository interface {
	BulkCreate(ctx context.Context, chunks []*domain.Chunk) error
	GetByIndex(ctx context.Context, jobID int64, index int) (*domain.Chunk, error)
	ListByJob(ctx context.Context, jobID int64) ([]*domain.Chunk, error)
	ListByStatus(ctx context.Context, jobID int64, status domain.ChunkStatus) ([]*domain.Chunk, error)
	Update(ctx context.Context, chunk *domain.Chunk) error

	// ListOrphaned returns chunks stuck in Processing whose job has not
	// been updated for longer than maxAge, for the crash-recovery
	// cleanup trigger. The queue is not consulted for a live task.
	ListOrphaned(ctx context.Context, maxAge time.Duration) ([]*domain.Chunk, error)
}

// ImageRepository persists per-image records and their validation metadata.
type ImageRepository interface {
	BulkCreate(ctx context.Context, images []*domain.Image) error
	ListByChunk(ctx context.Context, jobID int64, chunkIndex int) ([]*domain.Image, error)
	MergeValidationMeta(ctx context.Context, jobID int64, chunk int, seqNo int64, meta map[string]string) error
}

// ActivityRepository appends the append-only audit trail: one entry
// per user-visible state transition.
type ActivityRepository interface {
	Append(ctx context.Context, entry *domain.ActivityEntry) error
	ListBySubject(ctx context.Context, subjectType string, subjectID int64) ([]*domain.ActivityEntry, error)
}

// ProjectRepository persists Project rows. A Project is owned by
// exactly one user and exclusively owns its Jobs; GetByID is the
// primitive every ownership check in the orchestration façade is
// built on.
type ProjectRepository interface {
	Create(ctx context.Context, project *domain.Project) error
	GetByID(ctx context.Context, id int64) (*domain.Project, error)

	// Delete removes the project; jobs, chunks, and images under it go
	// with it via the store's cascade rules.
	Delete(ctx context.Context, id int64) error

	// CountByUser backs the quota enforcer's create_project check.
	CountByUser(ctx context.Context, userID int64) (int, error)
}

// Repository is the aggregate persistence handle components are wired
// against, one capability interface per entity.
type Repository interface {
	Jobs() JobRepository
	Chunks() ChunkRepository
	Images() ImageRepository
	Activity() ActivityRepository
	Projects() ProjectRepository
}
