// Package orchestrator implements the orchestration façade: the thin
// composition layer an HTTP or gRPC boundary calls, composing quota,
// planning, dispatch, and cleanup behind CreateJob/Start/Cancel/Retry/
// GetProgress/ListJobs.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/imagehive/orchestrator/pkg/aggregator"
	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/queue"
	"github.com/imagehive/orchestrator/pkg/repository"
	"github.com/imagehive/orchestrator/pkg/statemachine"
)

// CreateJobRequest is the inbound CreateJob command.
type CreateJobRequest struct {
	UserID       int64
	ProjectID    int64
	Name         string
	Keywords     []string
	TargetImages int
	Priority     int
}

// Paging narrows ListJobs.
type Paging struct {
	Page int
	Size int
}

// Orchestrator implements the public job lifecycle operations.
type Orchestrator struct {
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	sm       *statemachine.StateMachine
	agg      *aggregator.Aggregator
	log      logr.Logger
}

func New(jobs repository.JobRepository, projects repository.ProjectRepository, sm *statemachine.StateMachine, agg *aggregator.Aggregator, log logr.Logger) *Orchestrator {
	return &Orchestrator{jobs: jobs, projects: projects, sm: sm, agg: agg, log: log}
}

// verifyProjectOwner resolves projectID's owning user and compares it
// against userID. Ownership failures surface as NotFound, never
// Forbidden, so a caller can never infer the existence of a project or
// job it doesn't own.
func (o *Orchestrator) verifyProjectOwner(ctx context.Context, projectID, userID int64, entity string, entityID int64) error {
	project, err := o.projects.GetByID(ctx, projectID)
	if err != nil {
		if _, ok := orcherr.KindOf(err); ok {
			return &orcherr.NotFoundError{Entity: entity, ID: entityID}
		}
		return err
	}
	if project.UserID != userID {
		return &orcherr.NotFoundError{Entity: entity, ID: entityID}
	}
	return nil
}

// CreateJob validates the command, confirms the caller owns the
// target project, and persists a new Pending job. It does not plan or
// dispatch; that happens on the subsequent Start call.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*domain.Job, error) {
	if len(req.Keywords) == 0 || len(req.Keywords) > 10 {
		return nil, &orcherr.InvalidInputError{Field: "keywords", Message: "must list between 1 and 10 keywords"}
	}
	if req.TargetImages <= 0 || req.TargetImages > 50000 {
		return nil, &orcherr.InvalidInputError{Field: "target_images", Message: "must be between 1 and 50000"}
	}
	if req.Priority < 0 || req.Priority > 10 {
		return nil, &orcherr.InvalidInputError{Field: "priority", Message: "must be between 0 and 10"}
	}
	if err := o.verifyProjectOwner(ctx, req.ProjectID, req.UserID, "project", req.ProjectID); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		Keywords:     req.Keywords,
		TargetImages: req.TargetImages,
		Priority:     req.Priority,
		Status:       domain.JobStatusPending,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("orchestrator: create job: %w", err)
	}
	return job, nil
}

// StartJob requires the job belongs to a project the caller owns,
// then delegates to the state machine.
func (o *Orchestrator) StartJob(ctx context.Context, jobID, userID int64) ([]queue.TaskID, error) {
	job, err := o.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	return o.sm.Start(ctx, job.ID, userID)
}

// CancelJob requires ownership, then delegates to the state machine.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, userID int64) (int, error) {
	job, err := o.ownedJob(ctx, jobID, userID)
	if err != nil {
		return 0, err
	}
	return o.sm.Cancel(ctx, job.ID, userID)
}

// RetryJob requires ownership, then delegates to the state machine.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID, userID int64) ([]queue.TaskID, error) {
	job, err := o.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	return o.sm.Retry(ctx, job.ID, userID)
}

// GetJob requires ownership and returns the raw job row.
func (o *Orchestrator) GetJob(ctx context.Context, jobID, userID int64) (*domain.Job, error) {
	return o.ownedJob(ctx, jobID, userID)
}

// GetProgress requires ownership and returns a derived status
// snapshot.
func (o *Orchestrator) GetProgress(ctx context.Context, jobID, userID int64) (*statemachine.StatusSnapshot, error) {
	if _, err := o.ownedJob(ctx, jobID, userID); err != nil {
		return nil, err
	}
	return o.sm.Status(ctx, jobID)
}

// ListJobs lists every job owned by the caller, across every project
// they own, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, userID int64, paging Paging) ([]*domain.Job, error) {
	jobs, err := o.jobs.ListByFilter(ctx, repository.JobFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list jobs: %w", err)
	}
	return paginate(jobs, paging), nil
}

// ReportCompletion has no ownership check: it is the worker/queue
// callback path, authenticated by the caller's possession of the
// opaque task id, not by end-user identity.
func (o *Orchestrator) ReportCompletion(ctx context.Context, jobID int64, chunkIndex int, taskID string, result aggregator.Result) error {
	return o.agg.HandleCompletion(ctx, jobID, chunkIndex, taskID, result)
}

func (o *Orchestrator) ownedJob(ctx context.Context, jobID, userID int64) (*domain.Job, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := o.verifyProjectOwner(ctx, job.ProjectID, userID, "job", job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

func paginate(jobs []*domain.Job, p Paging) []*domain.Job {
	if p.Size <= 0 {
		return jobs
	}
	start := p.Page * p.Size
	if start >= len(jobs) {
		return nil
	}
	end := start + p.Size
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[start:end]
}

// CleanupTicker is the single ticking background task that
// periodically invokes the cleanup engine with the Scheduled trigger.
// The engine itself stays pure given its inputs; only this loop is
// stateful.
type CleanupTicker struct {
	interval time.Duration
	run      func(ctx context.Context) error
	log      logr.Logger
}

func NewCleanupTicker(interval time.Duration, run func(ctx context.Context) error, log logr.Logger) *CleanupTicker {
	return &CleanupTicker{interval: interval, run: run, log: log}
}

// Start runs the ticker until ctx is cancelled.
func (t *CleanupTicker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.run(ctx); err != nil {
				t.log.Error(err, "cleanup ticker: scheduled run failed")
			}
		}
	}
}
