// Package statemachine implements the job state machine: the
// authoritative lifecycle, exposing idempotent Start/Cancel/Retry/
// Status. Named phase constants and a switch over the current status
// drive each transition, with the new status recorded back through
// the same repository call that advanced it.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/imagehive/orchestrator/pkg/dispatcher"
	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/objectstore"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/planner"
	"github.com/imagehive/orchestrator/pkg/queue"
	"github.com/imagehive/orchestrator/pkg/quota"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// StatusSnapshot is Status()'s response: a read-only view of counters,
// chunk statistics, and timestamps.
type StatusSnapshot struct {
	JobID           int64
	Status          domain.JobStatus
	ProgressPercent int

	DownloadedImages int
	ValidImages      int
	DuplicateImages  int
	FailedImages     int

	TotalChunks     int
	ActiveChunks    int
	QueuedChunks    int
	CompletedChunks int
	FailedChunks    int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ActivityRecorder appends an audit entry; failures are logged, never
// propagated, since the audit trail is fire-and-forget.
type ActivityRecorder func(ctx context.Context, action string, job *domain.Job)

// StateMachine implements Start/Cancel/Retry/Status, the four
// operations the orchestration façade drives a job through.
type StateMachine struct {
	jobs     repository.JobRepository
	planner  *planner.Planner
	quota    *quota.Enforcer
	dispatch *dispatcher.Dispatcher
	q        queue.Queue
	store    objectstore.Store
	config   domain.ResourceConfig
	log      logr.Logger
	record   ActivityRecorder
}

func New(
	jobs repository.JobRepository,
	pl *planner.Planner,
	qt *quota.Enforcer,
	disp *dispatcher.Dispatcher,
	q queue.Queue,
	store objectstore.Store,
	config domain.ResourceConfig,
	log logr.Logger,
	record ActivityRecorder,
) *StateMachine {
	if record == nil {
		record = func(context.Context, string, *domain.Job) {}
	}
	return &StateMachine{jobs: jobs, planner: pl, quota: qt, dispatch: disp, q: q, store: store, config: config, log: log, record: record}
}

// Start verifies quota, plans chunks, and dispatches. A job already
// Running or Cancelling is a no-op: dispatch.Dispatch already returns
// the existing task set unchanged for a non-Pending job. The audit
// entry is written after the transaction commits, never inside it.
func (sm *StateMachine) Start(ctx context.Context, jobID, userID int64) ([]queue.TaskID, error) {
	var taskIDs []queue.TaskID
	var started *domain.Job
	err := sm.jobs.WithTx(ctx, func(ctx context.Context) error {
		job, err := sm.jobs.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		switch job.Status {
		case domain.JobStatusCompleted, domain.JobStatusCancelled, domain.JobStatusFailed:
			return &orcherr.InvalidInputError{Field: "status", Message: fmt.Sprintf("cannot start a job in terminal state %s", job.Status)}
		case domain.JobStatusRunning, domain.JobStatusCancelling:
			ids, err := sm.dispatch.Dispatch(ctx, job)
			taskIDs = ids
			return err
		}

		if err := sm.quota.Validate(ctx, userID, quota.Request{
			Kind:         quota.RequestCreateJob,
			TargetImages: job.TargetImages,
			SubjectJobID: job.ID,
		}); err != nil {
			return err
		}

		if job.TotalChunks == 0 {
			if _, err := sm.planner.Plan(ctx, job, sm.config.ChunkSizeImages, job.Priority); err != nil {
				return err
			}
		}

		ids, err := sm.dispatch.Dispatch(ctx, job)
		if err != nil {
			return err
		}
		taskIDs = ids
		started = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started != nil {
		sm.record(ctx, "job.started", started)
	}
	return taskIDs, nil
}

// Cancel moves any non-terminal job through Cancelling to Cancelled,
// revoking every recorded task along the way. It is a no-op on an
// already-terminal job. Revocation failures never block the
// transition.
func (sm *StateMachine) Cancel(ctx context.Context, jobID, userID int64) (revokedCount int, err error) {
	var cancelled *domain.Job
	err = sm.jobs.WithTx(ctx, func(ctx context.Context) error {
		job, err := sm.jobs.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status.IsTerminal() {
			return nil
		}

		job.Status = domain.JobStatusCancelling
		if err := sm.jobs.Update(ctx, job); err != nil {
			return err
		}

		for _, id := range job.TaskIDs {
			if revokeErr := sm.q.Revoke(ctx, queue.TaskID(id), true); revokeErr != nil {
				sm.log.Error(revokeErr, "statemachine: task revocation failed, continuing cancel", "job", jobID, "task", id)
				continue
			}
			revokedCount++
		}

		sm.deleteTempStorage(ctx, job.ID)

		job.Status = domain.JobStatusCancelled
		if err := sm.jobs.Update(ctx, job); err != nil {
			return err
		}
		cancelled = job
		return nil
	})
	if err != nil {
		return 0, err
	}
	if cancelled != nil {
		sm.record(ctx, "job.cancelled", cancelled)
	}
	return revokedCount, nil
}

// Retry resets every counter to zero and re-plans before invoking
// Start.
func (sm *StateMachine) Retry(ctx context.Context, jobID, userID int64) ([]queue.TaskID, error) {
	var reset *domain.Job
	err := sm.jobs.WithTx(ctx, func(ctx context.Context) error {
		job, err := sm.jobs.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusFailed && job.Status != domain.JobStatusCancelled {
			return &orcherr.InvalidInputError{Field: "status", Message: "retry requires a Failed or Cancelled job"}
		}

		job.DownloadedImages = 0
		job.ValidImages = 0
		job.DuplicateImages = 0
		job.FailedImages = 0
		job.TotalChunks = 0
		job.ActiveChunks = 0
		job.CompletedChunks = 0
		job.FailedChunks = 0
		job.ProgressPercent = 0
		job.TaskIDs = nil
		job.StartedAt = nil
		job.CompletedAt = nil
		job.Status = domain.JobStatusPending

		if err := sm.jobs.Update(ctx, job); err != nil {
			return err
		}
		reset = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reset != nil {
		sm.record(ctx, "job.retried", reset)
	}
	return sm.Start(ctx, jobID, userID)
}

// deleteTempStorage best-effort deletes every temp object under
// job_{id}/. Object-store errors here never block the Cancelled
// transition.
func (sm *StateMachine) deleteTempStorage(ctx context.Context, jobID int64) {
	if sm.store == nil {
		return
	}
	prefix := fmt.Sprintf("job_%d/", jobID)
	objects, err := sm.store.List(ctx, prefix)
	if err != nil {
		sm.log.Error(err, "statemachine: list temp storage for cancel failed", "job", jobID)
		return
	}
	for _, obj := range objects {
		if err := sm.store.Delete(ctx, obj.Key); err != nil {
			sm.log.Error(err, "statemachine: delete temp object failed", "job", jobID, "key", obj.Key)
		}
	}
}

// Status returns a point-in-time snapshot of a job's counters.
func (sm *StateMachine) Status(ctx context.Context, jobID int64) (*StatusSnapshot, error) {
	job, err := sm.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{
		JobID:            job.ID,
		Status:           job.Status,
		ProgressPercent:  job.ProgressPercent,
		DownloadedImages: job.DownloadedImages,
		ValidImages:      job.ValidImages,
		DuplicateImages:  job.DuplicateImages,
		FailedImages:     job.FailedImages,
		TotalChunks:      job.TotalChunks,
		ActiveChunks:     job.ActiveChunks,
		QueuedChunks:     job.QueuedChunks(),
		CompletedChunks:  job.CompletedChunks,
		FailedChunks:     job.FailedChunks,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}, nil
}
