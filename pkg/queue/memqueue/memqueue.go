// Package memqueue is an in-memory Queue adapter. It lets the
// dispatcher and aggregator be exercised without a cluster, the same
// role sqlmock plays for the repository layer, and it also backs
// orchestratord's "memory" queue backend.
package memqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/imagehive/orchestrator/pkg/queue"
)

// Queue is a goroutine-safe, process-local task queue. Enqueue always
// succeeds and assigns a monotonically increasing task id; Revoke
// marks the task revoked so tests can assert on it.
type Queue struct {
	mu        sync.Mutex
	next      int64
	tasks     map[queue.TaskID]queue.TaskSignature
	revoked   map[queue.TaskID]bool
	onEnqueue func(queue.TaskSignature)
}

func New() *Queue {
	return &Queue{
		tasks:   make(map[queue.TaskID]queue.TaskSignature),
		revoked: make(map[queue.TaskID]bool),
	}
}

// OnEnqueue installs a hook invoked synchronously after every
// successful Enqueue, useful in tests that want to simulate a worker
// immediately completing the chunk.
func (q *Queue) OnEnqueue(fn func(queue.TaskSignature)) {
	q.onEnqueue = fn
}

func (q *Queue) Enqueue(ctx context.Context, sig queue.TaskSignature) (queue.TaskID, error) {
	id := queue.TaskID(fmt.Sprintf("mem-%d", atomic.AddInt64(&q.next, 1)))

	q.mu.Lock()
	q.tasks[id] = sig
	q.mu.Unlock()

	if q.onEnqueue != nil {
		q.onEnqueue(sig)
	}
	return id, nil
}

func (q *Queue) Revoke(ctx context.Context, id queue.TaskID, terminate bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[id]; !ok {
		return fmt.Errorf("memqueue: unknown task %s", id)
	}
	q.revoked[id] = true
	return nil
}

// IsRevoked reports whether Revoke was ever called for id. Test helper.
func (q *Queue) IsRevoked(id queue.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.revoked[id]
}

// Signature returns the signature submitted for id, for test assertions.
func (q *Queue) Signature(id queue.TaskID) (queue.TaskSignature, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sig, ok := q.tasks[id]
	return sig, ok
}

// Len reports the number of tasks ever enqueued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
