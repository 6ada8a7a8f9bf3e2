// Package coordinator schedules, sequences and tracks asynchronous durable
// writes. It is given opaque actions and declarative dependencies; what a
// write actually talks to is the caller's business. Debounced scheduling
// coalesces rapid rewrites of the same node, dependency resolution orders
// parent-before-child style writes, and every operation is observable
// through a Handle.
package coordinator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"lattice-core/pkg/errors"
	"lattice-core/pkg/observability"
)

const (
	DefaultDebounceWindow    = 500 * time.Millisecond
	DefaultDependencyTimeout = 10 * time.Second
	DefaultActionTimeout     = 30 * time.Second
	DefaultMaxConcurrent     = 4
)

// Config tunes the coordinator.
type Config struct {
	// DebounceWindow is the idle delay for ModeDebounce operations that
	// do not override it per call.
	DebounceWindow time.Duration
	// DependencyTimeout bounds dependency resolution; a dependency that
	// never resolves fails the operation instead of wedging it.
	DependencyTimeout time.Duration
	// ActionTimeout bounds a single action execution. Negative disables
	// the bound.
	ActionTimeout time.Duration
	// MaxConcurrent bounds how many actions execute at once.
	MaxConcurrent int64
	// TestMode short-circuits actions with a no-op success while leaving
	// all scheduling, dependency and status logic live.
	TestMode bool
}

// DefaultConfig returns the tuning used by the daemon.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:    DefaultDebounceWindow,
		DependencyTimeout: DefaultDependencyTimeout,
		ActionTimeout:     DefaultActionTimeout,
		MaxConcurrent:     DefaultMaxConcurrent,
	}
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.DependencyTimeout <= 0 {
		c.DependencyTimeout = DefaultDependencyTimeout
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// nodeState tracks the per-node operation chain: at most one active
// operation (pending or in-progress) and at most one queued successor
// waiting behind an in-progress action.
type nodeState struct {
	active     *operation
	queued     *operation
	lastStatus Status
	lastErr    error
}

// Coordinator is the write scheduler. One instance serves one store.
type Coordinator struct {
	mu    sync.Mutex
	cond  *sync.Cond
	nodes map[string]*nodeState
	ready readyQueue

	debounceWindow time.Duration
	depTimeout     time.Duration
	actionTimeout  time.Duration
	testMode       bool
	closed         bool
	readySeq       uint64

	sem            *semaphore.Weighted
	running        sync.WaitGroup
	dispatcherDone chan struct{}

	logger  *zap.Logger
	metrics *observability.Collector
}

// New creates a coordinator and starts its dispatcher.
func New(cfg Config, logger *zap.Logger, metrics *observability.Collector) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		nodes:          make(map[string]*nodeState),
		debounceWindow: cfg.DebounceWindow,
		depTimeout:     cfg.DependencyTimeout,
		actionTimeout:  cfg.ActionTimeout,
		testMode:       cfg.TestMode,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		dispatcherDone: make(chan struct{}),
		logger:         logger.Named("coordinator"),
		metrics:        metrics,
	}
	c.cond = sync.NewCond(&c.mu)
	go c.dispatch()
	return c
}

// Persist schedules an opaque write for nodeID and returns its handle.
//
// Scheduling again for the same node before the prior operation has started
// cancels the prior pending operation and replaces it; that is what makes
// debounced typing coalesce. An operation whose action is already executing
// is never cancelled; the new request queues behind it, and a third request
// replaces the queued one.
func (c *Coordinator) Persist(nodeID string, action Action, opts Options) *Handle {
	mode := opts.Mode
	if mode == "" {
		mode = ModeImmediate
	}

	op := &operation{
		id:          ulid.Make().String(),
		nodeID:      nodeID,
		action:      action,
		mode:        mode,
		priority:    opts.Priority,
		deps:        opts.Dependencies,
		scheduledAt: time.Now(),
		status:      StatusPending,
		done:        make(chan struct{}),
		cancelled:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		op.finish(StatusCancelled, errors.NewCancelled("coordinator closed"))
		return &Handle{op: op}
	}

	op.window = opts.Window
	if op.window <= 0 {
		op.window = c.debounceWindow
	}

	ns := c.nodes[nodeID]
	if ns == nil {
		ns = &nodeState{}
		c.nodes[nodeID] = ns
	}

	switch {
	case ns.active == nil:
		ns.active = op
		c.scheduleLocked(op)
	case ns.active.currentStatus() == StatusPending:
		c.cancelLocked(ns.active, "superseded by newer write")
		ns.active = op
		c.scheduleLocked(op)
	default:
		// Active action is executing; queue behind it.
		if ns.queued != nil {
			c.cancelLocked(ns.queued, "superseded by newer write")
		}
		ns.queued = op
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.PendingOperations.Inc()
	}
	c.logger.Debug("scheduled persistence operation",
		zap.String("operation_id", op.id),
		zap.String("node_id", nodeID),
		zap.String("mode", string(mode)),
		zap.Duration("window", op.window),
		zap.Int("dependencies", len(op.deps)),
		zap.Int("priority", op.priority),
	)

	return &Handle{op: op}
}

// scheduleLocked arms the operation. Debounced operations wait out their
// window on a timer; immediate ones head straight for dependency resolution.
func (c *Coordinator) scheduleLocked(op *operation) {
	if op.mode == ModeDebounce {
		op.timer = time.AfterFunc(op.window, func() { c.fire(op) })
		return
	}
	go c.fire(op)
}

// fire moves a pending operation through dependency resolution and into the
// ready queue. It runs on the operation's own goroutine so executor slots
// never block on another operation's completion.
func (c *Coordinator) fire(op *operation) {
	if len(op.deps) > 0 {
		if err := c.resolveDependencies(op); err != nil {
			select {
			case <-op.cancelled:
				// The cancellation already settled the handle.
				return
			default:
			}
			c.mu.Lock()
			if op.currentStatus() == StatusPending {
				c.completeLocked(op, StatusFailed, err)
			}
			c.mu.Unlock()
			c.logger.Warn("persistence operation failed before execution",
				zap.String("operation_id", op.id),
				zap.String("node_id", op.nodeID),
				zap.Error(err),
			)
			return
		}
	}

	c.mu.Lock()
	select {
	case <-op.cancelled:
		c.mu.Unlock()
		return
	default:
	}
	op.readySeq = c.readySeq
	c.readySeq++
	heap.Push(&c.ready, op)
	c.cond.Signal()
	c.mu.Unlock()

	if op.mode == ModeDebounce && c.metrics != nil {
		c.metrics.DebounceDelay.Observe(time.Since(op.scheduledAt).Seconds())
	}
}

// resolveDependencies awaits every declared dependency, bounded by the
// dependency timeout and aborted early if the operation is cancelled while
// waiting.
func (c *Coordinator) resolveDependencies(op *operation) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.depTimeout)
	defer cancel()
	ctx = withRequester(ctx, op.nodeID)

	go func() {
		select {
		case <-op.cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, dep := range op.deps {
		if err := dep.await(ctx, c); err != nil {
			select {
			case <-op.cancelled:
				return err
			default:
			}
			if ctx.Err() == context.DeadlineExceeded {
				if c.metrics != nil {
					c.metrics.DependencyTimeouts.Inc()
				}
				return errors.NewTimeout(fmt.Sprintf(
					"dependency %s did not resolve within %s", dep, c.depTimeout))
			}
			return err
		}
	}
	return nil
}

// dispatch hands ready operations to the bounded executor, highest priority
// first. A slot is claimed before an operation is popped, so priority is
// decided at the moment a slot frees rather than when work arrives.
func (c *Coordinator) dispatch() {
	defer close(c.dispatcherDone)
	c.mu.Lock()
	defer c.mu.Unlock()

	holding := false
	for {
		for !c.closed {
			if len(c.ready) == 0 {
				c.cond.Wait()
				continue
			}
			if !holding {
				if !c.sem.TryAcquire(1) {
					c.cond.Wait()
					continue
				}
				holding = true
			}
			break
		}
		if c.closed && len(c.ready) == 0 {
			if holding {
				c.sem.Release(1)
			}
			return
		}

		op := heap.Pop(&c.ready).(*operation)
		select {
		case <-op.cancelled:
			// Keep the slot for the next operation.
			continue
		default:
		}

		op.setStatus(StatusInProgress)
		holding = false
		testMode := c.testMode
		actionTimeout := c.actionTimeout
		c.running.Add(1)
		c.mu.Unlock()
		go c.execute(op, testMode, actionTimeout)
		c.mu.Lock()
	}
}

// execute runs the action and settles the operation. Panics are contained
// and recorded as failures; the coordinator never retries.
func (c *Coordinator) execute(op *operation, testMode bool, actionTimeout time.Duration) {
	defer c.running.Done()

	start := time.Now()
	var err error
	if !testMode && op.action != nil {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if actionTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, actionTimeout)
		}
		func() {
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					err = errors.NewInternal(fmt.Sprintf("persistence action panicked: %v", r), nil)
				}
			}()
			err = op.action(ctx)
		}()
	}

	if c.metrics != nil {
		c.metrics.PersistDuration.WithLabelValues(string(op.mode)).Observe(time.Since(start).Seconds())
	}

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}

	// The slot release and the wakeup happen under the mutex; an unlocked
	// signal could land between the dispatcher's failed acquire and its
	// wait and be lost.
	c.mu.Lock()
	c.completeLocked(op, status, err)
	c.sem.Release(1)
	c.cond.Signal()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("persistence action failed",
			zap.String("operation_id", op.id),
			zap.String("node_id", op.nodeID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("persistence action completed",
		zap.String("operation_id", op.id),
		zap.String("node_id", op.nodeID),
		zap.Duration("duration", time.Since(start)),
	)
}

// completeLocked settles an operation, records the node's last result and
// promotes a queued successor. Caller holds c.mu.
func (c *Coordinator) completeLocked(op *operation, status Status, err error) {
	op.finish(status, err)
	if c.metrics != nil {
		c.metrics.PendingOperations.Dec()
		c.metrics.PersistOperations.WithLabelValues(string(op.mode), string(status)).Inc()
	}

	ns := c.nodes[op.nodeID]
	if ns == nil {
		return
	}
	ns.lastStatus = status
	ns.lastErr = err

	switch op {
	case ns.active:
		ns.active = nil
		if ns.queued != nil {
			promoted := ns.queued
			ns.queued = nil
			if c.closed {
				c.cancelLocked(promoted, "coordinator shutting down")
				return
			}
			ns.active = promoted
			c.scheduleLocked(promoted)
		}
	case ns.queued:
		ns.queued = nil
	}
}

// cancelLocked cancels a pending operation. In-progress operations are left
// alone. Caller holds c.mu.
func (c *Coordinator) cancelLocked(op *operation, reason string) bool {
	if op.currentStatus() != StatusPending {
		return false
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	close(op.cancelled)
	c.completeLocked(op, StatusCancelled, errors.NewCancelled(reason))
	c.logger.Debug("cancelled pending persistence operation",
		zap.String("operation_id", op.id),
		zap.String("node_id", op.nodeID),
		zap.String("reason", reason),
	)
	return true
}

// CancelPending cancels the node's pending work: the queued successor if one
// exists, and the active operation unless its action already started.
// Reports whether anything was cancelled.
func (c *Coordinator) CancelPending(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := c.nodes[nodeID]
	if ns == nil {
		return false
	}
	any := false
	if ns.queued != nil {
		any = c.cancelLocked(ns.queued, "cancelled by caller") || any
	}
	if ns.active != nil && ns.active.currentStatus() == StatusPending {
		any = c.cancelLocked(ns.active, "cancelled by caller") || any
	}
	return any
}

// pendingHandle returns a handle for the node's newest pending or
// in-progress operation, or nil when nothing is in flight.
func (c *Coordinator) pendingHandle(nodeID string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := c.nodes[nodeID]
	if ns == nil {
		return nil
	}
	if ns.queued != nil {
		return &Handle{op: ns.queued}
	}
	if ns.active != nil {
		return &Handle{op: ns.active}
	}
	return nil
}

// IsPending reports whether the node has an operation that has not reached a
// terminal state.
func (c *Coordinator) IsPending(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := c.nodes[nodeID]
	return ns != nil && (ns.active != nil || ns.queued != nil)
}

// IsPersisted reports whether the node's latest operation completed
// successfully and nothing newer is in flight.
func (c *Coordinator) IsPersisted(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := c.nodes[nodeID]
	return ns != nil && ns.active == nil && ns.queued == nil && ns.lastStatus == StatusCompleted
}

// GetStatus returns the node's current operation status. The second return
// is false when the coordinator has never seen the node.
func (c *Coordinator) GetStatus(nodeID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := c.nodes[nodeID]
	if ns == nil {
		return "", false
	}
	if ns.queued != nil {
		return StatusPending, true
	}
	if ns.active != nil {
		return ns.active.currentStatus(), true
	}
	if ns.lastStatus == "" {
		return "", false
	}
	return ns.lastStatus, true
}

// WaitForPersistence waits for the named nodes' pending operations and
// returns the ids that did not finish before the timeout. Nodes with
// nothing in flight resolve immediately; superseded operations are followed
// to their replacements. A non-positive timeout falls back to the
// dependency timeout.
func (c *Coordinator) WaitForPersistence(ctx context.Context, nodeIDs []string, timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = c.depTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	incomplete := make([]string, 0)
	seen := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		err := nodeDependency{nodeID: id}.await(waitCtx, c)
		if err != nil && waitCtx.Err() != nil {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete
}

// SetDebounceWindow retunes the default debounce window for future
// operations. Used by config hot reload.
func (c *Coordinator) SetDebounceWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.debounceWindow = d
	c.mu.Unlock()
}

// SetTestMode flips the action short-circuit at runtime.
func (c *Coordinator) SetTestMode(enabled bool) {
	c.mu.Lock()
	c.testMode = enabled
	c.mu.Unlock()
}

// Close stops intake, cancels all pending operations and waits for
// in-progress actions to finish, bounded by ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, ns := range c.nodes {
		if ns.queued != nil {
			c.cancelLocked(ns.queued, "coordinator shutting down")
		}
		if ns.active != nil && ns.active.currentStatus() == StatusPending {
			c.cancelLocked(ns.active, "coordinator shutting down")
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.dispatcherDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
