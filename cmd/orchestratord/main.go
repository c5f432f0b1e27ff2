// orchestratord is the long-running façade process: it wires the
// repository, queue, object store, and every core component together,
// then blocks running the cleanup ticker until signalled to stop. It
// exposes no network surface of its own; the orchestration façade is a
// plain library interface, consumed in-process by whatever HTTP/gRPC
// boundary a deployment puts in front of it.
//
// Logging and signal handling reuse the zap-logger and
// ctrl.SetLogger/ctrl.SetupSignalHandler wiring, even though this
// process manages no CRDs and runs no controller-runtime manager of
// its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/imagehive/orchestrator/pkg/aggregator"
	"github.com/imagehive/orchestrator/pkg/capacity"
	"github.com/imagehive/orchestrator/pkg/cleanup"
	"github.com/imagehive/orchestrator/pkg/config"
	"github.com/imagehive/orchestrator/pkg/dispatcher"
	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/metrics"
	"github.com/imagehive/orchestrator/pkg/objectstore"
	"github.com/imagehive/orchestrator/pkg/orchestrator"
	"github.com/imagehive/orchestrator/pkg/planner"
	"github.com/imagehive/orchestrator/pkg/queue"
	"github.com/imagehive/orchestrator/pkg/queue/k8sjob"
	"github.com/imagehive/orchestrator/pkg/queue/memqueue"
	"github.com/imagehive/orchestrator/pkg/quota"
	"github.com/imagehive/orchestrator/pkg/repository/postgres"
	"github.com/imagehive/orchestrator/pkg/statemachine"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// maxConcurrentSubmissions bounds the dispatcher's submission limiter,
// a pkg/ratelimit-derived gate on top of Kubernetes Job creation calls.
const maxConcurrentSubmissions = 10

// cleanupInterval is how often the ticker invokes the Scheduled trigger.
const cleanupInterval = 5 * time.Minute

func main() {
	var tierLimitsPath string
	flag.StringVar(&tierLimitsPath, "tier-limits", "", "optional path to a YAML tier-limit override file")
	flag.Parse()

	cfg, err := config.LoadFromCurrentDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: logger: %v\n", err)
		os.Exit(1)
	}
	ctrl.SetLogger(log)

	if err := run(cfg, tierLimitsPath, log); err != nil {
		log.Error(err, "orchestratord: fatal")
		os.Exit(1)
	}
}

func buildLogger(cfg *config.Config) (logr.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	zc.Level = level

	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("build zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

func run(cfg *config.Config, tierLimitsPath string, log logr.Logger) error {
	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	store := postgres.New(db)

	obj, err := objectstore.NewLocal(cfg.ObjectStoreRoot)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	q, err := buildQueue(cfg, log)
	if err != nil {
		return fmt.Errorf("build queue backend: %w", err)
	}

	limits := domain.DefaultTierLimits()
	if tierLimitsPath != "" {
		limits, err = quota.LoadLimitsFromYAML(tierLimitsPath)
		if err != nil {
			return fmt.Errorf("load tier limits: %w", err)
		}
	}
	profiles := quota.NewStaticProfileProvider(domain.TierFree)

	collectors := metrics.New(prometheus.DefaultRegisterer)

	enforcer := quota.New(store.Jobs(), store.Projects(), profiles, limits, log.WithName("quota"))
	monitor := capacity.New(store.Jobs(), cfg.Resource, log.WithName("capacity"))

	record := func(ctx context.Context, action string, job *domain.Job) {
		entry := &domain.ActivityEntry{
			SubjectType: "job",
			SubjectID:   job.ID,
			Action:      action,
		}
		if err := store.Activity().Append(ctx, entry); err != nil {
			log.Error(err, "orchestratord: activity append failed", "action", action, "job", job.ID)
		}
	}

	pl := planner.New(store.Chunks(), store.Jobs())
	disp := dispatcher.New(store.Jobs(), store.Chunks(), monitor, q, cfg.Resource, cfg.WorkerImage, maxConcurrentSubmissions, log.WithName("dispatcher")).WithMetrics(collectors)
	agg := aggregator.New(store.Jobs(), store.Chunks(), store.Images(), q, cfg.Resource, cfg.WorkerImage, log.WithName("aggregator")).
		WithMetrics(collectors).
		WithActivityRecorder(record)
	sm := statemachine.New(store.Jobs(), pl, enforcer, disp, q, obj, cfg.Resource, log.WithName("statemachine"), record)
	// orch is the library entry point a transport (HTTP/gRPC) would
	// register against; this process only drives the cleanup ticker itself.
	_ = orchestrator.New(store.Jobs(), store.Projects(), sm, agg, log.WithName("orchestrator"))

	cleanupEngine := cleanup.New(store.Jobs(), obj, cfg.Resource, log.WithName("cleanup"))
	ticker := orchestrator.NewCleanupTicker(cleanupInterval, func(ctx context.Context) error {
		if active, err := monitor.ActiveCount(ctx); err == nil {
			collectors.ActiveChunks.Set(float64(active))
		}

		stats, err := cleanupEngine.Run(ctx, cleanup.Trigger{Kind: cleanup.TriggerScheduled})
		if err != nil {
			return err
		}
		collectors.RecordCleanup(string(stats.Trigger), stats.FilesDeleted, stats.BytesFreed, len(stats.Errors), stats.End.Sub(stats.Start).Seconds())
		if v, ok := obj.UsagePercent(ctx); ok {
			log.V(1).Info("orchestratord: cleanup tick", "storage_pct", v, "files_deleted", stats.FilesDeleted, "bytes_freed", stats.BytesFreed)
		}
		return nil
	}, log.WithName("cleanup-ticker"))

	ctx := ctrl.SetupSignalHandler()
	log.Info("orchestratord: starting", "version", version, "commit", commit, "built", date,
		"queue_backend", cfg.QueueBackend, "object_store_root", cfg.ObjectStoreRoot)
	ticker.Start(ctx)
	log.Info("orchestratord: shutting down")
	return nil
}

func buildQueue(cfg *config.Config, log logr.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return memqueue.New(), nil
	case "kubernetes":
		kcfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
		return k8sjob.New(kcfg, cfg.QueueNamespace, cfg.WorkerImage, log.WithName("k8sjob"))
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
