// Package metrics instruments the orchestrator's own operations:
// dispatch latency, active-chunk gauge, cleanup bytes freed. Named
// Histogram/Counter/Gauge and CounterVec/HistogramVec fields are initialized once and
// registered against the registry the process hands in.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every gauge/counter/histogram the orchestrator
// reports. Built once at process start and passed by reference into
// every component that needs to record something. No package-level
// collector state.
type Collectors struct {
	DispatchDuration     prometheus.Histogram
	DispatchOverCapacity prometheus.Counter
	ActiveChunks         prometheus.Gauge
	ChunkRetries         prometheus.Counter
	CleanupBytesFreed    prometheus.CounterVec
	CleanupFilesDeleted  prometheus.CounterVec
	CleanupRunDuration   prometheus.HistogramVec
	CleanupErrorsTotal   prometheus.CounterVec
}

// New builds and registers every collector against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_dispatch_duration_seconds",
			Help:    "Time to dispatch all chunks of one job.",
			Buckets: prometheus.DefBuckets,
		}),
		DispatchOverCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_dispatch_over_capacity_total",
			Help: "Dispatches admitted despite exceeding the effective chunk ceiling (permissive mode).",
		}),
		ActiveChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_chunks",
			Help: "Chunks currently active across all jobs (capacity monitor's reading).",
		}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_chunk_retries_total",
			Help: "Chunks resubmitted in place after a failed completion.",
		}),
		CleanupBytesFreed: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_cleanup_bytes_freed_total",
			Help: "Bytes reclaimed by the cleanup engine, by trigger.",
		}, []string{"trigger"}),
		CleanupFilesDeleted: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_cleanup_files_deleted_total",
			Help: "Files deleted by the cleanup engine, by trigger.",
		}, []string{"trigger"}),
		CleanupRunDuration: *prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_cleanup_run_duration_seconds",
			Help:    "Wall-clock duration of one cleanup run, by trigger.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),
		CleanupErrorsTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_cleanup_errors_total",
			Help: "Non-fatal per-file errors accumulated during a cleanup run, by trigger.",
		}, []string{"trigger"}),
	}

	reg.MustRegister(
		c.DispatchDuration,
		c.DispatchOverCapacity,
		c.ActiveChunks,
		c.ChunkRetries,
		&c.CleanupBytesFreed,
		&c.CleanupFilesDeleted,
		&c.CleanupRunDuration,
		&c.CleanupErrorsTotal,
	)
	return c
}

// RecordCleanup feeds one cleanup run's stats into the cleanup
// collectors. trigger is the TriggerKind string.
func (c *Collectors) RecordCleanup(trigger string, filesDeleted int, bytesFreed int64, errCount int, seconds float64) {
	c.CleanupFilesDeleted.WithLabelValues(trigger).Add(float64(filesDeleted))
	c.CleanupBytesFreed.WithLabelValues(trigger).Add(float64(bytesFreed))
	c.CleanupErrorsTotal.WithLabelValues(trigger).Add(float64(errCount))
	c.CleanupRunDuration.WithLabelValues(trigger).Observe(seconds)
}
