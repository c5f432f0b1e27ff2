// Package k8sjob adapts pkg/queue.Queue onto Kubernetes Jobs: one
// external task id == one batchv1.Job name, one chunk == one pod. The
// Job object is built programmatically here rather than loaded from
// an on-disk template.
package k8sjob

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/imagehive/orchestrator/pkg/queue"
)

const (
	labelApp       = "image-crawl-orchestrator"
	containerName  = "crawl-worker"
	defaultBackoff = int32(0) // chunk retry is the aggregator's job, not the Job controller's
	defaultTimeout = int64(3600)
)

// Adapter implements queue.Queue over the Kubernetes batch/v1 Jobs API.
type Adapter struct {
	clientset    kubernetes.Interface
	namespace    string
	defaultImage string
	log          logr.Logger
}

// New builds an Adapter from an in-cluster or kubeconfig rest.Config,
// the namespace worker Jobs are created in, and the default crawler
// worker image.
func New(cfg *rest.Config, namespace, image string, log logr.Logger) (*Adapter, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8sjob: build clientset: %w", err)
	}
	return &Adapter{clientset: clientset, namespace: namespace, defaultImage: image, log: log}, nil
}

// NewFromClientset wraps an already-constructed clientset (used by
// tests against k8s.io/client-go/kubernetes/fake).
func NewFromClientset(clientset kubernetes.Interface, namespace, image string, log logr.Logger) *Adapter {
	return &Adapter{clientset: clientset, namespace: namespace, defaultImage: image, log: log}
}

// Enqueue submits one crawl_chunk task as a single-pod, no-retry
// Kubernetes Job; chunk-level retry is the result aggregator's
// responsibility, not the Job controller's backoffLimit.
func (a *Adapter) Enqueue(ctx context.Context, sig queue.TaskSignature) (queue.TaskID, error) {
	name := jobName(sig.Parameters.JobID, sig.Parameters.ChunkIndex)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.namespace,
			Labels:    jobLabels(sig),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptrInt32(defaultBackoff),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: jobLabels(sig)},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  containerName,
							Image: a.defaultImage,
							Args:  containerArgs(sig),
							Env:   containerEnv(sig),
						},
					},
				},
			},
		},
	}

	if sig.Parameters.TimeoutSec != nil {
		job.Spec.ActiveDeadlineSeconds = sig.Parameters.TimeoutSec
	} else {
		t := defaultTimeout
		job.Spec.ActiveDeadlineSeconds = &t
	}

	created, err := a.clientset.BatchV1().Jobs(a.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("k8sjob: create job %s: %w", name, err)
	}
	return queue.TaskID(created.Name), nil
}

// Revoke deletes the Job (and, via foreground propagation, its pods).
// terminate has no separate meaning here; Kubernetes Job deletion is
// always terminal.
func (a *Adapter) Revoke(ctx context.Context, id queue.TaskID, terminate bool) error {
	policy := metav1.DeletePropagationForeground
	err := a.clientset.BatchV1().Jobs(a.namespace).Delete(ctx, string(id), metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil {
		a.log.Error(err, "k8sjob: revoke failed", "task", id)
		return fmt.Errorf("k8sjob: revoke %s: %w", id, err)
	}
	return nil
}

func jobName(jobID int64, chunkIndex int) string {
	return fmt.Sprintf("crawl-job-%d-chunk-%d", jobID, chunkIndex)
}

func jobLabels(sig queue.TaskSignature) map[string]string {
	return map[string]string{
		"app":         labelApp,
		"job-id":      strconv.FormatInt(sig.Parameters.JobID, 10),
		"chunk-index": strconv.Itoa(sig.Parameters.ChunkIndex),
	}
}

func containerArgs(sig queue.TaskSignature) []string {
	args := []string{
		"crawl-chunk",
		"--range-start=" + strconv.Itoa(sig.Parameters.RangeStart),
		"--range-end=" + strconv.Itoa(sig.Parameters.RangeEnd),
		"--keywords=" + strings.Join(sig.Parameters.Keywords, ","),
	}
	if sig.Parameters.Engine != "" {
		args = append(args, "--engine="+sig.Parameters.Engine)
	}
	return args
}

func containerEnv(sig queue.TaskSignature) []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "CRAWL_JOB_ID", Value: strconv.FormatInt(sig.Parameters.JobID, 10)},
		{Name: "CRAWL_CHUNK_INDEX", Value: strconv.Itoa(sig.Parameters.ChunkIndex)},
		{Name: "CRAWL_PRIORITY", Value: strconv.Itoa(sig.Priority)},
	}
}

func ptrInt32(v int32) *int32 { return &v }
