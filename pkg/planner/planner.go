// Package planner explodes a job's target image count into a
// partition of fixed-size Chunk records ready for dispatch.
package planner

import (
	"context"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// Planner produces the chunk partition for one job.
type Planner struct {
	chunks repository.ChunkRepository
	jobs   repository.JobRepository
}

func New(chunks repository.ChunkRepository, jobs repository.JobRepository) *Planner {
	return &Planner{chunks: chunks, jobs: jobs}
}

// Plan computes N = ceil(target/chunkSize) chunk records covering
// [0, target) and persists them alongside the job's updated chunk
// counters. The caller is expected to have already opened the
// transaction this runs inside (the state machine calls Plan from
// within repository.JobRepository.WithTx).
func (p *Planner) Plan(ctx context.Context, job *domain.Job, chunkSize int, priority int) (int, error) {
	if job.TargetImages <= 0 {
		return 0, &orcherr.InvalidInputError{Field: "target_images", Message: "must be greater than zero"}
	}
	if chunkSize <= 0 {
		chunkSize = domain.DefaultChunkSize
	}

	n := ceilDiv(job.TargetImages, chunkSize)

	chunks := make([]*domain.Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := (i + 1) * chunkSize
		if end > job.TargetImages {
			end = job.TargetImages
		}
		chunks = append(chunks, &domain.Chunk{
			JobID:      job.ID,
			Index:      i,
			Status:     domain.ChunkStatusPending,
			Priority:   priority,
			RangeStart: start,
			RangeEnd:   end - 1,
		})
	}

	if err := p.chunks.BulkCreate(ctx, chunks); err != nil {
		return 0, err
	}

	job.TotalChunks = n
	job.ActiveChunks = n
	if err := p.jobs.Update(ctx, job); err != nil {
		return 0, err
	}

	return n, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
