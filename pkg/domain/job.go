// Package domain holds the persisted entity types for the crawl-job
// orchestrator: Job, Chunk, Image, ActivityEntry, and the static
// tier/resource configuration they are scheduled against.
package domain

import "time"

// JobStatus is the authoritative lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCompleted  JobStatus = "completed"
)

// IsTerminal reports whether no further transition is permitted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is a user-submitted crawl request, owned by exactly one Project.
type Job struct {
	ID        int64
	ProjectID int64

	Name         string
	Keywords     []string // ordered, 1..10
	TargetImages int      // 1..50000
	Priority     int      // 0..10
	Status       JobStatus

	ProgressPercent int // 0..100

	// aggregate image counters
	DownloadedImages int
	ValidImages      int
	DuplicateImages  int
	FailedImages     int

	// chunk-tracking counters
	TotalChunks     int
	ActiveChunks    int
	CompletedChunks int
	FailedChunks    int

	TaskIDs []string // opaque external task identifiers, append-only

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// QueuedChunks is the derived count of chunks neither active, completed
// nor failed yet.
func (j *Job) QueuedChunks() int {
	q := j.TotalChunks - j.ActiveChunks - j.CompletedChunks - j.FailedChunks
	if q < 0 {
		return 0
	}
	return q
}

// CheckInvariants validates the universal per-job counter invariants.
func (j *Job) CheckInvariants() error {
	if j.ActiveChunks+j.CompletedChunks+j.FailedChunks > j.TotalChunks {
		return errInvariant("active + completed + failed chunks exceeds total")
	}
	if j.DownloadedImages < j.ValidImages {
		return errInvariant("downloaded images less than valid images")
	}
	if j.DownloadedImages < j.DuplicateImages {
		return errInvariant("downloaded images less than duplicate images")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "domain: invariant violated: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
