package coordinator

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of one scheduled operation.
type Status string

const (
	// StatusPending covers everything before the action starts: debounce
	// timer running, dependencies resolving, or waiting for an executor
	// slot. Only pending operations can be cancelled.
	StatusPending Status = "pending"
	// StatusInProgress means the action is executing. Not preemptible.
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Action is the opaque async write supplied by the caller. The coordinator
// schedules and tracks it; it has no idea what the action talks to.
type Action func(ctx context.Context) error

// Mode selects when a scheduled operation runs.
type Mode string

const (
	// ModeImmediate runs on the next dispatch tick.
	ModeImmediate Mode = "immediate"
	// ModeDebounce runs after an idle window; rescheduling within the
	// window replaces the pending operation.
	ModeDebounce Mode = "debounce"
)

// Options shape one Persist call.
type Options struct {
	// Mode defaults to ModeImmediate when empty.
	Mode Mode
	// Window overrides the coordinator's debounce window for this call.
	Window time.Duration
	// Dependencies are awaited before the action executes.
	Dependencies []Dependency
	// Priority breaks ties among operations that become ready together.
	// Higher runs first when the executor is saturated. Advisory only.
	Priority int
}

// operation is the coordinator's internal record of one scheduled write.
// Status transitions are guarded by the owning coordinator's mutex; done and
// cancelled are closed exactly once, under that same mutex.
type operation struct {
	id          string
	nodeID      string
	action      Action
	mode        Mode
	window      time.Duration
	priority    int
	deps        []Dependency
	scheduledAt time.Time

	mu     sync.Mutex
	status Status
	err    error

	timer     *time.Timer
	done      chan struct{}
	cancelled chan struct{}

	readySeq uint64
}

func (op *operation) currentStatus() Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

func (op *operation) setStatus(s Status) {
	op.mu.Lock()
	op.status = s
	op.mu.Unlock()
}

// finish records the terminal state and releases waiters. The error must be
// set before done closes so Handle.Err never races.
func (op *operation) finish(s Status, err error) {
	op.mu.Lock()
	op.status = s
	op.err = err
	op.mu.Unlock()
	close(op.done)
}

// Handle is the caller-facing view of a scheduled operation: an awaitable
// outcome plus cheap status checks for UI indicators.
type Handle struct {
	op *operation
}

// OperationID returns the operation's unique id, useful in logs.
func (h *Handle) OperationID() string {
	return h.op.id
}

// NodeID returns the node the operation targets.
func (h *Handle) NodeID() string {
	return h.op.nodeID
}

// Done is closed when the operation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.op.done
}

// Wait blocks until the operation finishes or ctx expires. A cancelled
// operation returns its cancellation error; callers treat that as expected,
// not exceptional.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.op.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the terminal error, or nil if the operation succeeded or has
// not finished yet.
func (h *Handle) Err() error {
	h.op.mu.Lock()
	defer h.op.mu.Unlock()
	return h.op.err
}

// Status returns the operation's current lifecycle state.
func (h *Handle) Status() Status {
	return h.op.currentStatus()
}

// Persisted reports, without blocking, whether the action completed
// successfully.
func (h *Handle) Persisted() bool {
	select {
	case <-h.op.done:
		return h.op.currentStatus() == StatusCompleted
	default:
		return false
	}
}

// readyQueue orders ready operations by priority, then arrival. Guarded by
// the coordinator's mutex; implements container/heap.
type readyQueue []*operation

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].readySeq < q[j].readySeq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*operation))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return op
}
