package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// JobStore implements repository.JobRepository against Postgres.
type JobStore struct {
	*base
}

func (r *JobStore) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (project_id, name, keywords, target_images, priority, status,
			progress_percent, downloaded_images, valid_images, duplicate_images, failed_images,
			total_chunks, active_chunks, completed_chunks, failed_chunks, task_ids,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := r.q(ctx).QueryRowContext(ctx, query,
		job.ProjectID,
		job.Name,
		strings.Join(job.Keywords, ","),
		job.TargetImages,
		job.Priority,
		string(job.Status),
		job.ProgressPercent,
		job.DownloadedImages,
		job.ValidImages,
		job.DuplicateImages,
		job.FailedImages,
		job.TotalChunks,
		job.ActiveChunks,
		job.CompletedChunks,
		job.FailedChunks,
		strings.Join(job.TaskIDs, ","),
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create job: %w", err)
	}
	return nil
}

const jobColumns = `jobs.id, jobs.project_id, jobs.name, jobs.keywords, jobs.target_images, jobs.priority, jobs.status,
	jobs.progress_percent, jobs.downloaded_images, jobs.valid_images, jobs.duplicate_images, jobs.failed_images,
	jobs.total_chunks, jobs.active_chunks, jobs.completed_chunks, jobs.failed_chunks, jobs.task_ids,
	jobs.created_at, jobs.updated_at, jobs.started_at, jobs.completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*domain.Job, error) {
	job := &domain.Job{}
	var status, keywords, taskIDs string
	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&job.Name,
		&keywords,
		&job.TargetImages,
		&job.Priority,
		&status,
		&job.ProgressPercent,
		&job.DownloadedImages,
		&job.ValidImages,
		&job.DuplicateImages,
		&job.FailedImages,
		&job.TotalChunks,
		&job.ActiveChunks,
		&job.CompletedChunks,
		&job.FailedChunks,
		&taskIDs,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if keywords != "" {
		job.Keywords = strings.Split(keywords, ",")
	}
	if taskIDs != "" {
		job.TaskIDs = strings.Split(taskIDs, ",")
	}
	return job, nil
}

func (r *JobStore) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE jobs.id = $1"
	job, err := scanJob(r.q(ctx).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &orcherr.NotFoundError{Entity: "job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return job, nil
}

// GetForUpdate locks the job row for the duration of the caller's
// transaction. Every state-changing operation in the state machine
// opens with this call inside repository.WithTx.
func (r *JobStore) GetForUpdate(ctx context.Context, id int64) (*domain.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE jobs.id = $1 FOR UPDATE"
	job, err := scanJob(r.q(ctx).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &orcherr.NotFoundError{Entity: "job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job for update: %w", err)
	}
	return job, nil
}

// ListByFilter lists jobs matching filter. ProjectID and UserID may be
// combined; a UserID filter joins through projects, since tier and
// ownership are both resolved at the user level, not per project.
func (r *JobStore) ListByFilter(ctx context.Context, filter repository.JobFilter) ([]*domain.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var conditions []string
	var args []interface{}

	if filter.UserID != 0 {
		query += " JOIN projects ON projects.id = jobs.project_id"
		conditions = append(conditions, fmt.Sprintf("projects.user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.ProjectID != 0 {
		conditions = append(conditions, fmt.Sprintf("jobs.project_id = $%d", len(args)+1))
		args = append(args, filter.ProjectID)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("jobs.status = $%d", len(args)+1))
		args = append(args, string(*filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY jobs.created_at DESC"

	rows, err := r.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobStore) Update(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE jobs
		SET status = $1, progress_percent = $2,
		    downloaded_images = $3, valid_images = $4, duplicate_images = $5, failed_images = $6,
		    total_chunks = $7, active_chunks = $8, completed_chunks = $9, failed_chunks = $10,
		    task_ids = $11, started_at = $12, completed_at = $13, updated_at = NOW()
		WHERE id = $14
	`
	_, err := r.q(ctx).ExecContext(ctx, query,
		string(job.Status),
		job.ProgressPercent,
		job.DownloadedImages,
		job.ValidImages,
		job.DuplicateImages,
		job.FailedImages,
		job.TotalChunks,
		job.ActiveChunks,
		job.CompletedChunks,
		job.FailedChunks,
		strings.Join(job.TaskIDs, ","),
		job.StartedAt,
		job.CompletedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update job: %w", err)
	}
	return nil
}

// ListByStatus returns every job in any of statuses, across all
// projects, for the cleanup engine's global scan.
func (r *JobStore) ListByStatus(ctx context.Context, statuses []domain.JobStatus) ([]*domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}
	query := "SELECT " + jobColumns + " FROM jobs WHERE jobs.status IN (" + strings.Join(placeholders, ",") + ") ORDER BY jobs.created_at DESC"

	rows, err := r.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobStore) SumActiveChunksAcrossAllJobs(ctx context.Context) (int, error) {
	var sum int
	query := `SELECT COALESCE(SUM(active_chunks), 0) FROM jobs WHERE status = 'running' OR status = 'cancelling'`
	if err := r.q(ctx).QueryRowContext(ctx, query).Scan(&sum); err != nil {
		return 0, fmt.Errorf("postgres: sum active chunks: %w", err)
	}
	return sum, nil
}

// CountRunningJobsByUser counts Pending and Running jobs across every
// project the user owns, since tier concurrency limits are assigned
// per user, not per project. excludeJobID keeps the job whose Start
// is being validated out of its own count (0 excludes nothing).
func (r *JobStore) CountRunningJobsByUser(ctx context.Context, userID, excludeJobID int64) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM jobs
		JOIN projects ON projects.id = jobs.project_id
		WHERE projects.user_id = $1 AND jobs.id <> $2 AND jobs.status IN ('pending', 'running')
	`
	if err := r.q(ctx).QueryRowContext(ctx, query, userID, excludeJobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count running jobs by user: %w", err)
	}
	return count, nil
}

// CountJobsStartedSinceByUser counts jobs created since since across
// every project the user owns, again leaving excludeJobID out of the
// count.
func (r *JobStore) CountJobsStartedSinceByUser(ctx context.Context, userID int64, since time.Time, excludeJobID int64) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM jobs
		JOIN projects ON projects.id = jobs.project_id
		WHERE projects.user_id = $1 AND jobs.id <> $2 AND jobs.created_at >= $3
	`
	if err := r.q(ctx).QueryRowContext(ctx, query, userID, excludeJobID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count jobs started since by user: %w", err)
	}
	return count, nil
}
