// Package aggregator consumes per-chunk completion events, updating
// counters and artifact rows under the job row lock and absorbing the
// duplicate deliveries an at-least-once queue produces.
package aggregator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/metrics"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/queue"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// ImageResult is one reported image within a chunk completion.
type ImageResult struct {
	SourceURL      string
	Filename       string
	StorageKey     string
	ContentType    string
	SizeBytes      int64
	IsValid        bool
	IsDuplicate    bool
	ValidationMeta map[string]string
}

// Result is the payload a worker (or the k8sjob watcher) reports for
// one chunk: outcome, downloaded count, per-image records, and the
// error message on failure.
type Result struct {
	OK              bool
	DownloadedCount int
	Images          []ImageResult
	Error           string
}

// Aggregator merges chunk results into the owning job exactly once.
type Aggregator struct {
	jobs    repository.JobRepository
	chunks  repository.ChunkRepository
	images  repository.ImageRepository
	q       queue.Queue
	config  domain.ResourceConfig
	engine  string
	log     logr.Logger
	metrics *metrics.Collectors
	record  func(ctx context.Context, action string, job *domain.Job)
}

// WithMetrics attaches the ambient instrumentation collectors; nil is
// safe, matching pkg/dispatcher.Dispatcher.WithMetrics.
func (a *Aggregator) WithMetrics(c *metrics.Collectors) *Aggregator {
	a.metrics = c
	return a
}

// WithActivityRecorder attaches the fire-and-forget audit hook invoked
// after a completion commits a terminal transition. The hook runs
// outside the transaction, so an audit failure can never roll back the
// counter update it describes.
func (a *Aggregator) WithActivityRecorder(fn func(ctx context.Context, action string, job *domain.Job)) *Aggregator {
	a.record = fn
	return a
}

// New builds an Aggregator. q is used only for bounded chunk retry:
// a chunk under its retry budget is resubmitted to the queue
// immediately rather than waiting for a future Dispatch call to
// notice it sitting Pending in a Running job.
func New(jobs repository.JobRepository, chunks repository.ChunkRepository, images repository.ImageRepository, q queue.Queue, config domain.ResourceConfig, engine string, log logr.Logger) *Aggregator {
	return &Aggregator{jobs: jobs, chunks: chunks, images: images, q: q, config: config, engine: engine, log: log}
}

// HandleCompletion records one chunk's outcome. The whole call runs
// inside one transaction via jobs.WithTx; GetForUpdate inside it
// serialises every completion for the same job, so per-job counter
// arithmetic is linearisable.
func (a *Aggregator) HandleCompletion(ctx context.Context, jobID int64, chunkIndex int, taskID string, result Result) error {
	var terminal *domain.Job
	err := a.jobs.WithTx(ctx, func(ctx context.Context) error {
		job, err := a.jobs.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		chunk, err := a.chunks.GetByIndex(ctx, jobID, chunkIndex)
		if err != nil {
			return err
		}

		switch chunk.Status {
		case domain.ChunkStatusCompleted, domain.ChunkStatusFailed:
			// Duplicate delivery: the queue redelivered, no-op.
			a.log.V(1).Info("aggregator: duplicate completion ignored", "job", jobID, "chunk", chunkIndex)
			return &orcherr.ConflictIdempotent{Operation: "ReportCompletion", Reason: "chunk already terminal"}
		case domain.ChunkStatusPending:
			a.log.Info("aggregator: completion observed before dispatch; treating as processing", "job", jobID, "chunk", chunkIndex)
		case domain.ChunkStatusProcessing:
			// expected path
		}

		records := toDomainImages(jobID, chunkIndex, result.Images)
		if len(records) > 0 {
			if err := a.images.BulkCreate(ctx, records); err != nil {
				return fmt.Errorf("aggregator: persist images: %w", err)
			}
		}

		retried, err := a.applyChunkOutcome(ctx, job, chunk, result)
		if err != nil {
			return err
		}

		applyJobCounters(job, result, records, retried)

		if job.ActiveChunks == 0 && job.TotalChunks > 0 {
			finalizeTerminal(job)
			terminal = job
		}

		if err := a.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("aggregator: update job: %w", err)
		}

		return nil
	})
	if err == nil && terminal != nil && a.record != nil {
		a.record(ctx, "job."+string(terminal.Status), terminal)
	}
	return err
}

// applyChunkOutcome updates the chunk row for this delivery. A
// failed chunk under its retry budget is resubmitted to the queue in
// place rather than consuming a terminal failed_chunks slot, and the
// return value tells the caller not to decrement active_chunks for
// it.
func (a *Aggregator) applyChunkOutcome(ctx context.Context, job *domain.Job, chunk *domain.Chunk, result Result) (retriedInPlace bool, err error) {
	if result.OK {
		chunk.Status = domain.ChunkStatusCompleted
		chunk.ErrorMessage = ""
	} else if chunk.RetryCount < a.config.MaxChunkRetries {
		chunk.RetryCount++
		chunk.ErrorMessage = result.Error
		retriedInPlace = true

		taskID, enqErr := a.q.Enqueue(ctx, queue.TaskSignature{
			Operation:   "crawl_chunk",
			TargetQueue: "crawl-chunks",
			Priority:    chunk.Priority,
			Parameters: queue.TaskParameters{
				JobID:      job.ID,
				ChunkIndex: chunk.Index,
				RangeStart: chunk.RangeStart,
				RangeEnd:   chunk.RangeEnd,
				Keywords:   job.Keywords,
				Engine:     a.engine,
			},
		})
		if enqErr != nil {
			// Resubmission failed: fall back to terminal Failed rather
			// than stranding the chunk in Processing forever.
			a.log.Error(enqErr, "aggregator: chunk retry resubmission failed, failing chunk", "job", job.ID, "chunk", chunk.Index)
			chunk.Status = domain.ChunkStatusFailed
			retriedInPlace = false
		} else {
			chunk.Status = domain.ChunkStatusProcessing
			chunk.TaskID = string(taskID)
			job.TaskIDs = append(job.TaskIDs, string(taskID))
			if a.metrics != nil {
				a.metrics.ChunkRetries.Inc()
			}
		}
	} else {
		chunk.Status = domain.ChunkStatusFailed
		chunk.ErrorMessage = result.Error
	}
	if err := a.chunks.Update(ctx, chunk); err != nil {
		return false, fmt.Errorf("aggregator: update chunk: %w", err)
	}
	return retriedInPlace, nil
}

func applyJobCounters(job *domain.Job, result Result, records []*domain.Image, retriedInPlace bool) {
	job.DownloadedImages += result.DownloadedCount
	for _, r := range records {
		if r.IsValid {
			job.ValidImages++
		}
		if r.IsDuplicate {
			job.DuplicateImages++
		}
	}
	if !result.OK {
		job.FailedImages += result.DownloadedCount
	}

	if retriedInPlace {
		// active_chunks unchanged: the chunk was resubmitted and is
		// back in Processing under its new task id, not counted as
		// completed or failed.
	} else if result.OK {
		job.ActiveChunks--
		job.CompletedChunks++
	} else {
		job.ActiveChunks--
		job.FailedChunks++
	}

	if job.TotalChunks > 0 {
		job.ProgressPercent = int(math.Round(100 * float64(job.CompletedChunks+job.FailedChunks) / float64(job.TotalChunks)))
	}
}

// finalizeTerminal applies the terminal rule: any completion at all
// wins over failures (partial success counts as Completed); only an
// all-failed job is Failed.
func finalizeTerminal(job *domain.Job) {
	now := time.Now()
	switch {
	case job.FailedChunks == 0:
		job.Status = domain.JobStatusCompleted
	case job.CompletedChunks == 0:
		job.Status = domain.JobStatusFailed
	default:
		job.Status = domain.JobStatusCompleted
	}
	job.CompletedAt = &now
}

func toDomainImages(jobID int64, chunkIndex int, results []ImageResult) []*domain.Image {
	out := make([]*domain.Image, 0, len(results))
	for i, r := range results {
		out = append(out, &domain.Image{
			JobID:          jobID,
			Chunk:          chunkIndex,
			SeqNo:          int64(i),
			SourceURL:      r.SourceURL,
			Filename:       r.Filename,
			StorageKey:     r.StorageKey,
			ContentType:    r.ContentType,
			SizeBytes:      r.SizeBytes,
			IsValid:        r.IsValid,
			IsDuplicate:    r.IsDuplicate,
			ValidationMeta: r.ValidationMeta,
		})
	}
	return out
}
