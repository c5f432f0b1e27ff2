package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
)

// ChunkStore implements repository.ChunkRepository against Postgres.
type ChunkStore struct {
	*base
}

const chunkColumns = `job_id, chunk_index, status, priority, range_start, range_end, retry_count, error_message, task_id`

func scanChunk(row interface{ Scan(...interface{}) error }) (*domain.Chunk, error) {
	c := &domain.Chunk{}
	var status string
	if err := row.Scan(
		&c.JobID, &c.Index, &status, &c.Priority,
		&c.RangeStart, &c.RangeEnd, &c.RetryCount, &c.ErrorMessage, &c.TaskID,
	); err != nil {
		return nil, err
	}
	c.Status = domain.ChunkStatus(status)
	return c, nil
}

// BulkCreate inserts the full chunk plan produced by pkg/planner, one
// INSERT per chunk; chunk counts run into the hundreds per job.
func (r *ChunkStore) BulkCreate(ctx context.Context, chunks []*domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	query := `INSERT INTO chunks (` + chunkColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, c := range chunks {
		_, err := r.q(ctx).ExecContext(ctx, query,
			c.JobID, c.Index, string(c.Status), c.Priority,
			c.RangeStart, c.RangeEnd, c.RetryCount, c.ErrorMessage, c.TaskID,
		)
		if err != nil {
			return fmt.Errorf("postgres: bulk create chunk %d/%d: %w", c.JobID, c.Index, err)
		}
	}
	return nil
}

func (r *ChunkStore) GetByIndex(ctx context.Context, jobID int64, index int) (*domain.Chunk, error) {
	query := "SELECT " + chunkColumns + " FROM chunks WHERE job_id = $1 AND chunk_index = $2"
	c, err := scanChunk(r.q(ctx).QueryRowContext(ctx, query, jobID, index))
	if err == sql.ErrNoRows {
		return nil, &orcherr.NotFoundError{Entity: "chunk", ID: fmt.Sprintf("%d/%d", jobID, index)}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get chunk: %w", err)
	}
	return c, nil
}

func (r *ChunkStore) ListByJob(ctx context.Context, jobID int64) ([]*domain.Chunk, error) {
	query := "SELECT " + chunkColumns + " FROM chunks WHERE job_id = $1 ORDER BY chunk_index ASC"
	return r.queryChunks(ctx, query, jobID)
}

func (r *ChunkStore) ListByStatus(ctx context.Context, jobID int64, status domain.ChunkStatus) ([]*domain.Chunk, error) {
	query := "SELECT " + chunkColumns + " FROM chunks WHERE job_id = $1 AND status = $2 ORDER BY chunk_index ASC"
	return r.queryChunks(ctx, query, jobID, string(status))
}

// ListOrphaned backs the crash-recovery cleanup trigger: chunks still
// in Processing whose job row has not been updated for longer than
// maxAge, implying their worker died without reporting completion.
// The queue is not consulted for a live task.
func (r *ChunkStore) ListOrphaned(ctx context.Context, maxAge time.Duration) ([]*domain.Chunk, error) {
	query := `
		SELECT c.job_id, c.chunk_index, c.status, c.priority, c.range_start, c.range_end,
		       c.retry_count, c.error_message, c.task_id
		FROM chunks c
		JOIN jobs j ON j.id = c.job_id
		WHERE c.status = $1 AND j.updated_at < $2
	`
	cutoff := time.Now().Add(-maxAge)
	return r.queryChunks(ctx, query, string(domain.ChunkStatusProcessing), cutoff)
}

func (r *ChunkStore) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*domain.Chunk, error) {
	rows, err := r.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *ChunkStore) Update(ctx context.Context, chunk *domain.Chunk) error {
	query := `
		UPDATE chunks
		SET status = $1, priority = $2, retry_count = $3, error_message = $4, task_id = $5
		WHERE job_id = $6 AND chunk_index = $7
	`
	_, err := r.q(ctx).ExecContext(ctx, query,
		string(chunk.Status), chunk.Priority, chunk.RetryCount, chunk.ErrorMessage, chunk.TaskID,
		chunk.JobID, chunk.Index,
	)
	if err != nil {
		return fmt.Errorf("postgres: update chunk: %w", err)
	}
	return nil
}
