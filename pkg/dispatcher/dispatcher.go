// Package dispatcher submits a job's chunk signatures to the external
// task queue, gated by the capacity monitor, and tracks the returned
// task ids on the chunk and job rows.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/imagehive/orchestrator/pkg/capacity"
	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/metrics"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/queue"
	"github.com/imagehive/orchestrator/pkg/ratelimit"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// Dispatcher hands pending chunks to the queue in priority order.
type Dispatcher struct {
	jobs     repository.JobRepository
	chunks   repository.ChunkRepository
	capacity *capacity.Monitor
	q        queue.Queue
	limiter  ratelimit.Limiter
	config   domain.ResourceConfig
	log      logr.Logger
	metrics  *metrics.Collectors

	engine string // crawl engine name stamped on every task signature
}

// WithMetrics attaches the ambient instrumentation collectors; nil is
// safe (Dispatch then records nothing) so callers that don't need
// metrics (tests) can skip this entirely.
func (d *Dispatcher) WithMetrics(c *metrics.Collectors) *Dispatcher {
	d.metrics = c
	return d
}

// New builds a Dispatcher. maxConcurrentSubmissions bounds how many
// Enqueue calls are in flight against q at once.
func New(
	jobs repository.JobRepository,
	chunks repository.ChunkRepository,
	cap *capacity.Monitor,
	q queue.Queue,
	config domain.ResourceConfig,
	engine string,
	maxConcurrentSubmissions int,
	log logr.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		chunks:   chunks,
		capacity: cap,
		q:        q,
		limiter:  ratelimit.NewSubmissionLimiter(maxConcurrentSubmissions, 200*time.Millisecond, 10*time.Second),
		config:   config,
		log:      log,
		engine:   engine,
	}
}

// ErrCapacityExceeded is returned in strict-capacity mode when
// dispatch would exceed the effective chunk ceiling.
type ErrCapacityExceeded struct {
	Requested int
	Available int
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("dispatch: requested %d chunks, only %d available", e.Requested, e.Available)
}

// Dispatch submits every pending chunk of job to the queue and
// transitions the job to Running. The caller (the state machine)
// supplies the enclosing transaction and must have loaded job under
// GetForUpdate within it; that row lock is what makes the
// non-Pending early return a race-free idempotent no-op that hands
// back the already-recorded task set.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job) ([]queue.TaskID, error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if job.Status != domain.JobStatusPending {
		// Idempotent no-op: return the existing task set unchanged.
		existing := make([]queue.TaskID, len(job.TaskIDs))
		for i, id := range job.TaskIDs {
			existing[i] = queue.TaskID(id)
		}
		return existing, nil
	}

	chunks, err := d.chunks.ListByStatus(ctx, job.ID, domain.ChunkStatusPending)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list pending chunks: %w", err)
	}
	sortByPriorityThenIndex(chunks)

	if !d.capacity.CanAdmit(ctx, len(chunks)) {
		if d.config.StrictCapacityMode {
			return nil, &orcherr.ExternalDependencyError{
				Dependency: "capacity",
				Err:        &ErrCapacityExceeded{Requested: len(chunks), Available: d.capacity.Available(ctx)},
			}
		}
		d.log.Info("dispatcher: admitting over configured capacity ceiling",
			"job", job.ID, "requested", len(chunks), "available", d.capacity.Available(ctx))
		if d.metrics != nil {
			d.metrics.DispatchOverCapacity.Inc()
		}
	}

	taskIDs := make([]queue.TaskID, 0, len(chunks))
	for _, c := range chunks {
		id, err := d.submitWithBackoff(ctx, job, c)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: submit chunk %d: %w", c.Index, err)
		}

		c.TaskID = string(id)
		c.Status = domain.ChunkStatusProcessing
		if err := d.chunks.Update(ctx, c); err != nil {
			return nil, fmt.Errorf("dispatcher: persist chunk task id: %w", err)
		}

		taskIDs = append(taskIDs, id)
	}

	now := time.Now()
	job.TaskIDs = append(job.TaskIDs, taskIDsToStrings(taskIDs)...)
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	if err := d.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("dispatcher: transition job to running: %w", err)
	}

	return taskIDs, nil
}

func (d *Dispatcher) submitWithBackoff(ctx context.Context, job *domain.Job, c *domain.Chunk) (queue.TaskID, error) {
	if err := d.limiter.AcquireSlot(ctx); err != nil {
		return "", err
	}
	defer d.limiter.ReleaseSlot()

	if wait := d.limiter.NextBackoff(); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	sig := queue.TaskSignature{
		Operation:   "crawl_chunk",
		TargetQueue: "crawl-chunks",
		Priority:    c.Priority,
		Parameters: queue.TaskParameters{
			JobID:      job.ID,
			ChunkIndex: c.Index,
			RangeStart: c.RangeStart,
			RangeEnd:   c.RangeEnd,
			Keywords:   job.Keywords,
			Engine:     d.engine,
		},
	}

	id, err := d.q.Enqueue(ctx, sig)
	if err != nil {
		d.limiter.NoteFailure()
		return "", &orcherr.ExternalDependencyError{Dependency: "queue", Err: err}
	}
	d.limiter.NoteSuccess()
	return id, nil
}

func sortByPriorityThenIndex(chunks []*domain.Chunk) {
	// insertion sort: chunk batches are small (≤ GlobalChunkCeiling
	// scale, typically well under a few hundred), and keeping the
	// sort stable and allocation-free matters more than asymptotics.
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && less(chunks[j], chunks[j-1]); j-- {
			chunks[j], chunks[j-1] = chunks[j-1], chunks[j]
		}
	}
}

func less(a, b *domain.Chunk) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority // priority desc
	}
	return a.Index < b.Index // index asc
}

func taskIDsToStrings(ids []queue.TaskID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
