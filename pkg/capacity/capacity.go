// Package capacity implements the global admission gate the
// dispatcher checks before submitting chunks, stateless over the
// repository the same way pkg/quota is, but opposite in failure
// posture: over-admission here risks exhausting temp storage, so a
// repository error fails closed rather than open.
package capacity

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/repository"
)

// Monitor answers how many chunks are in flight system-wide and how
// many more the configured ceiling admits.
type Monitor struct {
	repo   repository.JobRepository
	config domain.ResourceConfig
	log    logr.Logger
}

func New(repo repository.JobRepository, config domain.ResourceConfig, log logr.Logger) *Monitor {
	return &Monitor{repo: repo, config: config, log: log}
}

// ActiveCount returns the number of chunks currently in flight across
// every job in the system. On repository error it fails closed,
// returning the configured ceiling so Available reports zero headroom.
func (m *Monitor) ActiveCount(ctx context.Context) (int, error) {
	sum, err := m.repo.SumActiveChunksAcrossAllJobs(ctx)
	if err != nil {
		m.log.Error(err, "capacity: active count query failed, failing closed")
		return m.config.EffectiveMaxChunks(), fmt.Errorf("capacity: active count: %w", err)
	}
	return sum, nil
}

// Available is max(0, effective_max_chunks - active_count()). On
// repository error it returns 0 (no headroom) rather than propagating.
func (m *Monitor) Available(ctx context.Context) int {
	active, err := m.ActiveCount(ctx)
	if err != nil {
		return 0
	}
	avail := m.config.EffectiveMaxChunks() - active
	if avail < 0 {
		return 0
	}
	return avail
}

// CanAdmit reports whether k additional chunks can be admitted right now.
func (m *Monitor) CanAdmit(ctx context.Context, k int) bool {
	return m.Available(ctx) >= k
}
