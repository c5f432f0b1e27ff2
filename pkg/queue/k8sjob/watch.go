package k8sjob

import (
	"context"
	"strconv"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/imagehive/orchestrator/pkg/queue"
)

// CompletionHandler is invoked when a watched Job reaches a terminal
// Kubernetes state. It mirrors the ReportCompletion inbound command,
// so the watcher can feed completions back into the result aggregator
// for deployments that don't have workers calling back directly.
type CompletionHandler func(ctx context.Context, jobID int64, chunkIndex int, taskID queue.TaskID, succeeded bool)

// JobWatcher is a controller-runtime reconciler that watches batch/v1
// Jobs created by Adapter.Enqueue and reports terminal state through
// a CompletionHandler: a Reconciler struct embedding client.Client and
// a Log field, with a single Reconcile method per batch Job.
type JobWatcher struct {
	client.Client
	Log     logr.Logger
	OnEvent CompletionHandler
}

// SetupWithManager registers the watcher against mgr for every batch/v1
// Job; Reconcile skips Jobs that lack this package's app label.
func (w *JobWatcher) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&batchv1.Job{}).
		Complete(w)
}

// Reconcile implements reconcile.Reconciler.
func (w *JobWatcher) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var job batchv1.Job
	if err := w.Get(ctx, req.NamespacedName, &job); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if job.Labels["app"] != labelApp {
		return ctrl.Result{}, nil
	}

	jobID, chunkIndex, ok := parseLabels(job.Labels)
	if !ok {
		w.Log.V(1).Info("k8sjob: watcher skipped job with unparseable labels", "job", job.Name)
		return ctrl.Result{}, nil
	}

	switch {
	case job.Status.Succeeded > 0:
		w.OnEvent(ctx, jobID, chunkIndex, queue.TaskID(job.Name), true)
	case job.Status.Failed > 0:
		w.OnEvent(ctx, jobID, chunkIndex, queue.TaskID(job.Name), false)
	}

	return ctrl.Result{}, nil
}

func parseLabels(labels map[string]string) (jobID int64, chunkIndex int, ok bool) {
	jid, err := strconv.ParseInt(labels["job-id"], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	ci, err := strconv.Atoi(labels["chunk-index"])
	if err != nil {
		return 0, 0, false
	}
	return jid, ci, true
}
