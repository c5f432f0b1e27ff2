package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/imagehive/orchestrator/pkg/domain"
)

// yamlTierLimits mirrors domain.TierLimits with yaml tags; kept
// separate from the domain type so the on-disk format can evolve
// without touching the in-memory one.
type yamlTierLimits struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	MaxImagesPerJob   int `yaml:"max_images_per_job"`
	MaxJobsPerDay     int `yaml:"max_jobs_per_day"`
	MaxProjects       int `yaml:"max_projects"`
	MaxTeamMembers    int `yaml:"max_team_members"`
}

type yamlTierFile struct {
	Tiers map[string]yamlTierLimits `yaml:"tiers"`
}

// LoadLimitsFromYAML reads an operator-supplied override file and
// layers it over the built-in defaults: a tier present in the file
// replaces the default entirely, a tier absent from the file keeps
// its built-in values.
func LoadLimitsFromYAML(path string) (map[domain.Tier]domain.TierLimits, error) {
	limits := domain.DefaultTierLimits()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("quota: read tier override file: %w", err)
	}

	var parsed yamlTierFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("quota: parse tier override file: %w", err)
	}

	for name, l := range parsed.Tiers {
		limits[domain.Tier(name)] = domain.TierLimits{
			MaxConcurrentJobs: l.MaxConcurrentJobs,
			MaxImagesPerJob:   l.MaxImagesPerJob,
			MaxJobsPerDay:     l.MaxJobsPerDay,
			MaxProjects:       l.MaxProjects,
			MaxTeamMembers:    l.MaxTeamMembers,
		}
	}

	return limits, nil
}
