// Package quota implements the tenant-tier quota enforcer: one validate
// operation checked before a job, project, or team member is created.
// Tier limits are static configuration, optionally overridden from an
// on-disk YAML file.
package quota

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// RequestKind discriminates the operations Validate checks.
type RequestKind string

const (
	RequestCreateJob     RequestKind = "create_job"
	RequestCreateProject RequestKind = "create_project"
	RequestAddTeamMember RequestKind = "add_team_member"
)

// Request carries the parameters relevant to the kind being checked.
// Only the field(s) the kind needs are read.
type Request struct {
	Kind         RequestKind
	TargetImages int // create_job only

	// SubjectJobID is the job the check is admitting, left out of the
	// usage counts: the state machine validates quota after the job
	// row already exists in Pending, and a job must not count against
	// its own admission. Zero when no job exists yet.
	SubjectJobID int64
}

// ProfileProvider is the auth/profile service boundary: core consumes
// it verbatim and never caches a tier decision, so a tier change takes
// effect on the very next quota check.
type ProfileProvider interface {
	Profile(ctx context.Context, userID int64) (domain.Tier, error)
}

// Enforcer validates a user's tier limits before job and project
// creation. Every count it compares against is scoped to the user,
// never to a single project, since tiers are assigned per user and a
// user may own several projects.
type Enforcer struct {
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	profile  ProfileProvider
	limits   map[domain.Tier]domain.TierLimits
	log      logr.Logger
}

// New builds an Enforcer over the built-in tier table, optionally
// overridden by limits (see LoadLimitsFromYAML). projects may be nil,
// in which case create_project requests pass unchecked.
func New(jobs repository.JobRepository, projects repository.ProjectRepository, profile ProfileProvider, limits map[domain.Tier]domain.TierLimits, log logr.Logger) *Enforcer {
	if limits == nil {
		limits = domain.DefaultTierLimits()
	}
	return &Enforcer{jobs: jobs, projects: projects, profile: profile, limits: limits, log: log}
}

// Validate resolves the caller's tier (defaulting to Free if unknown),
// counts current usage against the repository, and compares it against
// the tier's numeric limits. Repository errors fail open, an
// availability-over-correctness trade-off for this soft quota and the
// mirror image of the capacity monitor's fail-closed posture.
func (e *Enforcer) Validate(ctx context.Context, userID int64, req Request) error {
	tier, err := e.profile.Profile(ctx, userID)
	if err != nil {
		e.log.V(1).Info("quota: profile lookup failed, failing open", "user", userID, "err", err)
		return nil
	}
	limits, ok := e.limits[tier]
	if !ok {
		tier = domain.TierFree
		limits = e.limits[domain.TierFree]
	}

	switch req.Kind {
	case RequestCreateJob:
		return e.validateCreateJob(ctx, userID, req, tier, limits)
	case RequestCreateProject:
		return e.validateCreateProject(ctx, userID, tier, limits)
	case RequestAddTeamMember:
		// No TeamMember entity exists yet to count against
		// limits.MaxTeamMembers, so this check passes unconditionally
		// until one is added.
		return nil
	default:
		return &orcherr.InvalidInputError{Field: "request_kind", Message: "unknown quota request kind"}
	}
}

func (e *Enforcer) validateCreateJob(ctx context.Context, userID int64, req Request, tier domain.Tier, limits domain.TierLimits) error {
	if req.TargetImages > limits.MaxImagesPerJob {
		return &orcherr.QuotaExceededError{
			Tier:         string(tier),
			LimitName:    "max_images_per_job",
			LimitValue:   limits.MaxImagesPerJob,
			CurrentValue: req.TargetImages,
		}
	}

	concurrent, err := e.jobs.CountRunningJobsByUser(ctx, userID, req.SubjectJobID)
	if err != nil {
		e.log.V(1).Info("quota: concurrency count failed, failing open", "user", userID, "err", err)
		return nil
	}
	if concurrent >= limits.MaxConcurrentJobs {
		return &orcherr.QuotaExceededError{
			Tier:         string(tier),
			LimitName:    "max_concurrent_jobs",
			LimitValue:   limits.MaxConcurrentJobs,
			CurrentValue: concurrent,
		}
	}

	midnightUTC := time.Now().UTC().Truncate(24 * time.Hour)
	today, err := e.jobs.CountJobsStartedSinceByUser(ctx, userID, midnightUTC, req.SubjectJobID)
	if err != nil {
		e.log.V(1).Info("quota: daily count failed, failing open", "user", userID, "err", err)
		return nil
	}
	if today >= limits.MaxJobsPerDay {
		return &orcherr.QuotaExceededError{
			Tier:         string(tier),
			LimitName:    "max_jobs_per_day",
			LimitValue:   limits.MaxJobsPerDay,
			CurrentValue: today,
		}
	}

	return nil
}

func (e *Enforcer) validateCreateProject(ctx context.Context, userID int64, tier domain.Tier, limits domain.TierLimits) error {
	if e.projects == nil {
		return nil
	}
	count, err := e.projects.CountByUser(ctx, userID)
	if err != nil {
		e.log.V(1).Info("quota: project count failed, failing open", "user", userID, "err", err)
		return nil
	}
	if count >= limits.MaxProjects {
		return &orcherr.QuotaExceededError{
			Tier:         string(tier),
			LimitName:    "max_projects",
			LimitValue:   limits.MaxProjects,
			CurrentValue: count,
		}
	}
	return nil
}
