// Package queue defines the external task queue capability: a tagged
// TaskSignature record and an Enqueue/Revoke interface concrete
// adapters implement. The dispatcher depends on this capability
// interface, never on a concrete queue runtime.
package queue

import "context"

// TaskID is opaque to the core: the dispatcher stores it on the
// chunk row and appends it to the job's task-id list without ever
// inspecting its shape.
type TaskID string

// TaskSignature is the serialisable record handed to the queue for
// one chunk: operation name, keyword parameters, target queue, and
// priority.
type TaskSignature struct {
	Operation   string
	TargetQueue string
	Priority    int
	Parameters  TaskParameters
}

// TaskParameters is the keyword-argument bag for a crawl_chunk task.
type TaskParameters struct {
	JobID      int64
	ChunkIndex int
	RangeStart int
	RangeEnd   int
	Keywords   []string
	Engine     string
	TimeoutSec *int64
}

// Queue is the capability the dispatcher depends on. Adapters wrap a
// concrete queue runtime (Kubernetes Jobs, an in-memory fake, a real
// broker) behind this interface.
type Queue interface {
	// Enqueue submits sig and returns the opaque task id the runtime
	// assigned it.
	Enqueue(ctx context.Context, sig TaskSignature) (TaskID, error)

	// Revoke asks the runtime to stop/remove a previously enqueued
	// task. terminate requests immediate termination of in-flight
	// work rather than just preventing future scheduling.
	Revoke(ctx context.Context, id TaskID, terminate bool) error
}
