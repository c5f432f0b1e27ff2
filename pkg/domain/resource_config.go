package domain

import "math"

// ResourceConfig is static, process-wide scheduling configuration.
// Loaded once at startup (pkg/config) and passed by reference into
// every component, with no module-level mutable state.
type ResourceConfig struct {
	GlobalChunkCeiling   int     // RESOURCE_MAX_CONCURRENT_CHUNKS
	TempStorageBudgetMB  int     // RESOURCE_MAX_TEMP_STORAGE_MB
	ChunkSizeImages      int     // RESOURCE_CHUNK_SIZE_IMAGES
	EstimatedImageSizeMB float64 // fixed per deployment, no env key
	StorageSafetyMargin  float64 // RESOURCE_STORAGE_SAFETY_MARGIN, 0..0.5

	// MaxChunkRetries bounds in-place resubmission of a failed chunk
	// before it is allowed to fail terminally. 0 (the default) makes a
	// chunk's first failure terminal; operators opt in via
	// RESOURCE_MAX_CHUNK_RETRIES.
	MaxChunkRetries int

	EmergencyThresholdPercent float64 // CLEANUP_EMERGENCY_THRESHOLD
	WarningThresholdPercent   float64 // CLEANUP_WARNING_THRESHOLD
	MaxOrphanAgeHours         int     // CLEANUP_MAX_ORPHAN_AGE_HOURS

	StrictCapacityMode bool // default false: dispatch admits over the ceiling with a warning
}

const DefaultChunkSize = 500

// DefaultResourceConfig returns the stock tuning values.
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		GlobalChunkCeiling:        35,
		TempStorageBudgetMB:       20000,
		ChunkSizeImages:           DefaultChunkSize,
		EstimatedImageSizeMB:      0.5,
		StorageSafetyMargin:       0.2,
		MaxChunkRetries:           0,
		EmergencyThresholdPercent: 95,
		WarningThresholdPercent:   85,
		MaxOrphanAgeHours:         24,
		StrictCapacityMode:        false,
	}
}

// EffectiveMaxChunks is the derived concurrency ceiling:
//
//	min(configured_ceiling, floor((budget*(1-margin)) / (chunk_size*image_size)))
func (c ResourceConfig) EffectiveMaxChunks() int {
	if c.ChunkSizeImages <= 0 || c.EstimatedImageSizeMB <= 0 {
		return c.GlobalChunkCeiling
	}
	storageDerived := math.Floor(
		(float64(c.TempStorageBudgetMB) * (1 - c.StorageSafetyMargin)) /
			(float64(c.ChunkSizeImages) * c.EstimatedImageSizeMB),
	)
	if storageDerived < 0 {
		storageDerived = 0
	}
	if int(storageDerived) < c.GlobalChunkCeiling {
		return int(storageDerived)
	}
	return c.GlobalChunkCeiling
}
