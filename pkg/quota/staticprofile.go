package quota

import (
	"context"

	"github.com/imagehive/orchestrator/pkg/domain"
)

// StaticProfileProvider resolves every user to a fixed tier. It stands
// in for a real auth/profile service until one exists; swapping it for
// a client that calls the real service requires no change on this
// side, since ProfileProvider is the only contract Validate depends on.
type StaticProfileProvider struct {
	Tier domain.Tier
}

func NewStaticProfileProvider(tier domain.Tier) *StaticProfileProvider {
	return &StaticProfileProvider{Tier: tier}
}

func (p *StaticProfileProvider) Profile(ctx context.Context, userID int64) (domain.Tier, error) {
	return p.Tier, nil
}
