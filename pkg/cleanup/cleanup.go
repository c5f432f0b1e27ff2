// Package cleanup implements the temp-storage reclamation engine:
// five trigger-specific policies over pkg/objectstore, sharing one
// Stats result type and one error-accumulation idiom: a failure on
// one file is counted in Stats.Errors rather than aborting the run.
package cleanup

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/objectstore"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// TriggerKind discriminates the five cleanup triggers.
type TriggerKind string

const (
	TriggerChunkCompletion TriggerKind = "chunk_completion"
	TriggerCrashRecovery   TriggerKind = "crash_recovery"
	TriggerOrphaned        TriggerKind = "orphaned"
	TriggerEmergency       TriggerKind = "emergency"
	TriggerScheduled       TriggerKind = "scheduled"
)

// Trigger carries the parameters specific to one trigger kind.
type Trigger struct {
	Kind TriggerKind

	// ChunkCompletion
	JobID int64
	Chunk int
	Files []string

	// CrashRecovery: JobIDPtr narrows to one job; nil means "all
	// jobs whose status is Failed/Cancelled".
	JobIDPtr *int64

	// Orphaned / Scheduled
	MaxAge time.Duration
}

// Stats is the common result every trigger returns.
type Stats struct {
	Trigger          TriggerKind
	Start            time.Time
	End              time.Time
	FilesScanned     int
	FilesDeleted     int
	BytesFreed       int64
	StorageBeforePct float64
	StorageAfterPct  float64
	Errors           []string
}

// safetyMargin is the minimum file age the engine will ever delete,
// protecting against races with a worker still writing: a file whose
// mtime is within one minute of the run start is never a deletion
// candidate, regardless of trigger.
const safetyMargin = time.Minute

// jobIDPattern extracts a job id from a temp-storage key of either
// layout: the flat job_{id}_chunk_{c}_{filename} form or the nested
// job_{id}/chunk_{c}_{filename} form.
var jobIDPattern = regexp.MustCompile(`^job_(\d+)[_/]`)

// Engine runs one reclamation policy per trigger kind.
type Engine struct {
	store  repository.JobRepository
	obj    objectstore.Store
	config domain.ResourceConfig
	log    logr.Logger
}

func New(jobs repository.JobRepository, store objectstore.Store, config domain.ResourceConfig, log logr.Logger) *Engine {
	return &Engine{store: jobs, obj: store, config: config, log: log}
}

// Run dispatches to the trigger-specific policy and fills in the
// common Stats envelope.
func (e *Engine) Run(ctx context.Context, t Trigger) (*Stats, error) {
	stats := &Stats{Trigger: t.Kind, Start: time.Now()}
	if pct, ok := e.obj.UsagePercent(ctx); ok {
		stats.StorageBeforePct = pct
	}

	var err error
	switch t.Kind {
	case TriggerChunkCompletion:
		err = e.runChunkCompletion(ctx, t, stats)
	case TriggerCrashRecovery:
		err = e.runCrashRecovery(ctx, t, stats)
	case TriggerOrphaned:
		err = e.runOrphaned(ctx, t, stats)
	case TriggerEmergency:
		err = e.runEmergency(ctx, t, stats)
	case TriggerScheduled:
		err = e.runScheduled(ctx, t, stats)
	default:
		err = fmt.Errorf("cleanup: unknown trigger kind %q", t.Kind)
	}

	stats.End = time.Now()
	if pct, ok := e.obj.UsagePercent(ctx); ok {
		stats.StorageAfterPct = pct
	}
	return stats, err
}

// maxOrphanAge resolves the orphan cutoff: the trigger's own MaxAge if
// set, the configured CLEANUP_MAX_ORPHAN_AGE_HOURS otherwise.
func (e *Engine) maxOrphanAge(t Trigger) time.Duration {
	if t.MaxAge > 0 {
		return t.MaxAge
	}
	if e.config.MaxOrphanAgeHours > 0 {
		return time.Duration(e.config.MaxOrphanAgeHours) * time.Hour
	}
	return 24 * time.Hour
}

// runChunkCompletion deletes exactly the listed files for one chunk,
// refusing any file whose extracted job id differs from the supplied
// JobID. The file's real mtime is looked up from the store so the
// one-minute safety margin holds here like everywhere else.
func (e *Engine) runChunkCompletion(ctx context.Context, t Trigger, stats *Stats) error {
	cutoff := time.Now().Add(-safetyMargin)
	for _, filename := range t.Files {
		stats.FilesScanned++

		extracted, ok := extractJobID(filename)
		if ok && extracted != t.JobID {
			stats.Errors = append(stats.Errors, fmt.Sprintf("refused to delete %s: belongs to job %d, not %d", filename, extracted, t.JobID))
			continue
		}

		obj, found, err := e.statObject(ctx, filename)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("stat %s: %v", filename, err))
			continue
		}
		if !found {
			// Already gone; a redelivered completion event lists the
			// same files twice.
			continue
		}
		e.deleteIfSafe(ctx, stats, obj, cutoff)
	}
	return nil
}

// statObject resolves one key to its ObjectInfo via a prefix listing.
func (e *Engine) statObject(ctx context.Context, key string) (objectstore.ObjectInfo, bool, error) {
	objs, err := e.obj.List(ctx, key)
	if err != nil {
		return objectstore.ObjectInfo{}, false, err
	}
	for _, obj := range objs {
		if obj.Key == key {
			return obj, true, nil
		}
	}
	return objectstore.ObjectInfo{}, false, nil
}

// listJobFiles lists every temp object belonging to one job, covering
// both the flat job_{id}_* and the job_{id}/* key layouts.
func (e *Engine) listJobFiles(ctx context.Context, jobID int64) ([]objectstore.ObjectInfo, error) {
	flat, err := e.obj.List(ctx, fmt.Sprintf("job_%d_", jobID))
	if err != nil {
		return nil, err
	}
	nested, err := e.obj.List(ctx, fmt.Sprintf("job_%d/", jobID))
	if err != nil {
		return nil, err
	}
	return append(flat, nested...), nil
}

// runCrashRecovery deletes every temp file for jobs whose status is
// Failed/Cancelled (or for the one named job, if JobIDPtr is set and
// that job is in a failed state).
func (e *Engine) runCrashRecovery(ctx context.Context, t Trigger, stats *Stats) error {
	failedJobs, err := e.oldFailedJobIDs(ctx, t.JobIDPtr)
	if err != nil {
		return fmt.Errorf("cleanup: crash recovery: load jobs: %w", err)
	}

	cutoff := time.Now().Add(-safetyMargin)
	for jobID := range failedJobs {
		objs, err := e.listJobFiles(ctx, jobID)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("list job %d: %v", jobID, err))
			continue
		}
		for _, obj := range objs {
			stats.FilesScanned++
			e.deleteIfSafe(ctx, stats, obj, cutoff)
		}
	}
	return nil
}

// runOrphaned deletes files unmappable to any job once they are older
// than the orphan cutoff, and files mapped to a job id that no longer
// exists or to a Failed/Cancelled job whatever their age (the
// one-minute safety margin still applies to every file).
func (e *Engine) runOrphaned(ctx context.Context, t Trigger, stats *Stats) error {
	return e.runOrphanedUntil(ctx, t, stats, nil)
}

// runOrphanedUntil is the orphan sweep, stopping early once until()
// reports the goal is met (Emergency's iterative sub-pass); a nil
// until never stops early.
func (e *Engine) runOrphanedUntil(ctx context.Context, t Trigger, stats *Stats, until func() bool) error {
	ageCutoff := time.Now().Add(-e.maxOrphanAge(t))
	safetyCutoff := time.Now().Add(-safetyMargin)

	objs, err := e.obj.List(ctx, "")
	if err != nil {
		return fmt.Errorf("cleanup: orphaned: list: %w", err)
	}

	known, terminal, err := e.jobStatusSets(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: orphaned: load jobs: %w", err)
	}

	for _, obj := range objs {
		if until != nil && until() {
			return nil
		}
		stats.FilesScanned++
		jobID, ok := extractJobID(obj.Key)

		isOrphan := false
		switch {
		case !ok:
			isOrphan = obj.ModTime.Before(ageCutoff)
		case !known[jobID]:
			isOrphan = true
		case terminal[jobID]:
			isOrphan = true
		}
		if !isOrphan {
			continue
		}
		e.deleteIfSafe(ctx, stats, obj, safetyCutoff)
	}
	return nil
}

// runEmergency deletes orphans (1h age), then failed-job files, then
// oldest-first, stopping once usage drops 5% under the emergency
// threshold. If pre-run usage is already under the threshold, or usage
// cannot be read at all, nothing is deleted.
func (e *Engine) runEmergency(ctx context.Context, t Trigger, stats *Stats) error {
	threshold := e.config.EmergencyThresholdPercent
	if threshold <= 0 {
		threshold = 95
	}
	target := threshold - 5

	pct, ok := e.obj.UsagePercent(ctx)
	if !ok || pct < threshold {
		return nil
	}

	underTarget := func() bool {
		pct, ok := e.obj.UsagePercent(ctx)
		return ok && pct <= target
	}
	safetyCutoff := time.Now().Add(-safetyMargin)

	// pass 1: orphans older than 1h
	if err := e.runOrphanedUntil(ctx, Trigger{Kind: TriggerOrphaned, MaxAge: time.Hour}, stats, underTarget); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	}
	if underTarget() {
		return nil
	}

	// pass 2: files belonging to failed/cancelled jobs
	terminalJobs, err := e.oldFailedJobIDs(ctx, nil)
	if err == nil {
		for jobID := range terminalJobs {
			if underTarget() {
				return nil
			}
			objs, listErr := e.listJobFiles(ctx, jobID)
			if listErr != nil {
				stats.Errors = append(stats.Errors, listErr.Error())
				continue
			}
			for _, obj := range objs {
				if underTarget() {
					return nil
				}
				stats.FilesScanned++
				e.deleteIfSafe(ctx, stats, obj, safetyCutoff)
			}
		}
	}
	if underTarget() {
		return nil
	}

	// pass 3: everything else, oldest-first
	objs, err := e.obj.List(ctx, "")
	if err != nil {
		return fmt.Errorf("cleanup: emergency: list: %w", err)
	}
	sortByModTimeAsc(objs)
	for _, obj := range objs {
		if underTarget() {
			return nil
		}
		stats.FilesScanned++
		e.deleteIfSafe(ctx, stats, obj, safetyCutoff)
	}
	return nil
}

// runScheduled runs Emergency when usage is already at/above the
// emergency threshold; otherwise Orphaned then CrashRecovery.
func (e *Engine) runScheduled(ctx context.Context, t Trigger, stats *Stats) error {
	threshold := e.config.EmergencyThresholdPercent
	if threshold <= 0 {
		threshold = 95
	}
	if pct, ok := e.obj.UsagePercent(ctx); ok && pct >= threshold {
		return e.runEmergency(ctx, t, stats)
	}

	if err := e.runOrphaned(ctx, t, stats); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	}
	return e.runCrashRecovery(ctx, t, stats)
}

// deleteIfSafe refuses to delete a file whose mtime is newer than
// cutoff (the worker-write race guard), and accumulates individual
// delete errors into stats.Errors without aborting the run.
func (e *Engine) deleteIfSafe(ctx context.Context, stats *Stats, obj objectstore.ObjectInfo, cutoff time.Time) {
	if obj.ModTime.After(cutoff) {
		return
	}
	if err := e.obj.Delete(ctx, obj.Key); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("delete %s: %v", obj.Key, err))
		return
	}
	stats.FilesDeleted++
	stats.BytesFreed += obj.SizeBytes
}

// jobStatusSets loads every job once and splits the ids into "known at
// all" and "terminal failure" sets, the two questions orphan detection
// asks of each extracted id.
func (e *Engine) jobStatusSets(ctx context.Context) (known, terminal map[int64]bool, err error) {
	jobs, err := e.store.ListByStatus(ctx, []domain.JobStatus{
		domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusCancelling,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled,
	})
	if err != nil {
		return nil, nil, err
	}
	known = map[int64]bool{}
	terminal = map[int64]bool{}
	for _, j := range jobs {
		known[j.ID] = true
		if isTerminalFailure(j.Status) {
			terminal[j.ID] = true
		}
	}
	return known, terminal, nil
}

// oldFailedJobIDs returns the set of job ids whose status is
// Failed/Cancelled, optionally narrowed to one job id.
func (e *Engine) oldFailedJobIDs(ctx context.Context, only *int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	if only != nil {
		job, err := e.store.GetByID(ctx, *only)
		if err != nil {
			return nil, err
		}
		if isTerminalFailure(job.Status) {
			out[job.ID] = true
		}
		return out, nil
	}

	jobs, err := e.store.ListByStatus(ctx, []domain.JobStatus{domain.JobStatusFailed, domain.JobStatusCancelled})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		out[j.ID] = true
	}
	return out, nil
}

func isTerminalFailure(s domain.JobStatus) bool {
	return s == domain.JobStatusFailed || s == domain.JobStatusCancelled
}

func extractJobID(name string) (int64, bool) {
	m := jobIDPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func sortByModTimeAsc(objs []objectstore.ObjectInfo) {
	for i := 1; i < len(objs); i++ {
		for j := i; j > 0 && objs[j].ModTime.Before(objs[j-1].ModTime); j-- {
			objs[j], objs[j-1] = objs[j-1], objs[j]
		}
	}
}
