package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lattice-core/pkg/errors"
	"lattice-core/pkg/observability"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	observability.ResetForTesting()
	c := New(cfg, zap.NewNop(), observability.NewCollector("lattice_test"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPersistDebounceCoalescesRapidWrites(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: 50 * time.Millisecond})

	var mu sync.Mutex
	var executed []int
	record := func(n int) Action {
		return func(ctx context.Context) error {
			mu.Lock()
			executed = append(executed, n)
			mu.Unlock()
			return nil
		}
	}

	h1 := c.Persist("node-1", record(1), Options{Mode: ModeDebounce})
	h2 := c.Persist("node-1", record(2), Options{Mode: ModeDebounce})
	h3 := c.Persist("node-1", record(3), Options{Mode: ModeDebounce})

	require.NoError(t, h3.Wait(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3}, executed)
	assert.Equal(t, StatusCancelled, h1.Status())
	assert.Equal(t, StatusCancelled, h2.Status())
	assert.True(t, errors.IsCancelled(h1.Err()))
	assert.True(t, h3.Persisted())
}

func TestPersistSupersededWriteNeverExecutes(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: 50 * time.Millisecond})

	v1Ran := make(chan struct{}, 1)
	h1 := c.Persist("node-1", func(ctx context.Context) error {
		v1Ran <- struct{}{}
		return nil
	}, Options{Mode: ModeDebounce})

	h2 := c.Persist("node-1", func(ctx context.Context) error { return nil },
		Options{Mode: ModeDebounce})

	require.NoError(t, h2.Wait(waitCtx(t)))

	err := h1.Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.Contains(t, err.Error(), "superseded")

	select {
	case <-v1Ran:
		t.Fatal("superseded action must not execute")
	case <-time.After(120 * time.Millisecond):
	}
	assert.True(t, c.IsPersisted("node-1"))
}

func TestPersistImmediateSkipsDebounceWindow(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: 5 * time.Second})

	done := make(chan struct{})
	h := c.Persist("node-1", func(ctx context.Context) error {
		close(done)
		return nil
	}, Options{Mode: ModeImmediate})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("immediate operation did not execute promptly")
	}
	require.NoError(t, h.Wait(waitCtx(t)))
	assert.True(t, h.Persisted())
}

func TestPersistQueuesBehindInProgressAction(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []int

	h1 := c.Persist("node-1", func(ctx context.Context) error {
		close(started)
		<-release
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil
	}, Options{Mode: ModeImmediate})

	<-started

	h2 := c.Persist("node-1", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil
	}, Options{Mode: ModeImmediate})
	h3 := c.Persist("node-1", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		return nil
	}, Options{Mode: ModeImmediate})

	// In-progress work is never cancelled; the queued successor is.
	assert.Equal(t, StatusInProgress, h1.Status())
	assert.Equal(t, StatusCancelled, h2.Status())

	close(release)
	require.NoError(t, h1.Wait(waitCtx(t)))
	require.NoError(t, h3.Wait(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 3}, order)
}

func TestDependencyOrderingRunsUpstreamFirst(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: 50 * time.Millisecond})

	var mu sync.Mutex
	var order []string
	record := func(id string) Action {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	hA := c.Persist("node-a", record("a"), Options{Mode: ModeDebounce})
	hB := c.Persist("node-b", record("b"), Options{
		Mode:         ModeImmediate,
		Dependencies: []Dependency{OnNode("node-a")},
	})

	require.NoError(t, hA.Wait(waitCtx(t)))
	require.NoError(t, hB.Wait(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestNodeDependencyFollowsSupersededWrite(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: 50 * time.Millisecond})

	var mu sync.Mutex
	var order []string
	record := func(id string) Action {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	c.Persist("node-a", record("a1"), Options{Mode: ModeDebounce})
	hB := c.Persist("node-b", record("b"), Options{
		Mode:         ModeImmediate,
		Dependencies: []Dependency{OnNode("node-a")},
	})
	hA2 := c.Persist("node-a", record("a2"), Options{Mode: ModeDebounce})

	require.NoError(t, hA2.Wait(waitCtx(t)))
	require.NoError(t, hB.Wait(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a2", "b"}, order)
}

func TestDependencyTimeoutFailsOperation(t *testing.T) {
	c := newTestCoordinator(t, Config{
		DebounceWindow:    time.Hour,
		DependencyTimeout: 40 * time.Millisecond,
	})

	// node-a never leaves pending within this test.
	c.Persist("node-a", func(ctx context.Context) error { return nil },
		Options{Mode: ModeDebounce})

	h := c.Persist("node-b", func(ctx context.Context) error { return nil }, Options{
		Mode:         ModeImmediate,
		Dependencies: []Dependency{OnNode("node-a")},
	})

	err := h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, StatusFailed, h.Status())

	status, ok := c.GetStatus("node-b")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)
}

func TestHandleDependencyFailsWhenTargetCancelled(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: time.Hour})

	target := c.Persist("node-a", func(ctx context.Context) error { return nil },
		Options{Mode: ModeDebounce})
	dependent := c.Persist("node-b", func(ctx context.Context) error { return nil }, Options{
		Mode:         ModeImmediate,
		Dependencies: []Dependency{OnHandle(target)},
	})

	require.True(t, c.CancelPending("node-a"))

	err := dependent.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, dependent.Status())
}

func TestConditionDependencyFailureFailsOperation(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	h := c.Persist("node-a", func(ctx context.Context) error { return nil }, Options{
		Mode: ModeImmediate,
		Dependencies: []Dependency{
			OnCondition("schema ready", func(ctx context.Context) error {
				return stderrors.New("migrations still running")
			}),
		},
	})

	err := h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema ready")
	assert.Equal(t, StatusFailed, h.Status())
}

func TestCancelPendingStopsDebouncedWrite(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: 50 * time.Millisecond})

	ran := make(chan struct{}, 1)
	h := c.Persist("node-1", func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}, Options{Mode: ModeDebounce})

	require.True(t, c.CancelPending("node-1"))
	assert.Equal(t, StatusCancelled, h.Status())
	assert.True(t, errors.IsCancelled(h.Err()))
	assert.False(t, c.IsPending("node-1"))

	select {
	case <-ran:
		t.Fatal("cancelled action must not execute")
	case <-time.After(120 * time.Millisecond):
	}

	assert.False(t, c.CancelPending("node-1"))
	assert.False(t, c.CancelPending("node-never-seen"))
}

func TestWaitForPersistenceReportsStragglers(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	release := make(chan struct{})
	slowStarted := make(chan struct{})

	c.Persist("node-fast", func(ctx context.Context) error { return nil },
		Options{Mode: ModeImmediate})
	c.Persist("node-slow", func(ctx context.Context) error {
		close(slowStarted)
		<-release
		return nil
	}, Options{Mode: ModeImmediate})

	<-slowStarted
	incomplete := c.WaitForPersistence(context.Background(),
		[]string{"node-fast", "node-slow", "node-unknown"}, 80*time.Millisecond)
	assert.Equal(t, []string{"node-slow"}, incomplete)

	close(release)
	incomplete = c.WaitForPersistence(context.Background(),
		[]string{"node-fast", "node-slow"}, time.Second)
	assert.Empty(t, incomplete)
}

func TestTestModeSkipsActions(t *testing.T) {
	c := newTestCoordinator(t, Config{TestMode: true})

	var calls atomic.Int32
	h := c.Persist("node-1", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, Options{Mode: ModeImmediate})

	require.NoError(t, h.Wait(waitCtx(t)))
	assert.True(t, h.Persisted())
	assert.True(t, c.IsPersisted("node-1"))
	assert.Equal(t, int32(0), calls.Load())
}

func TestPriorityOrdersReadyOperations(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []string

	c.Persist("node-hold", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, Options{Mode: ModeImmediate})
	<-started

	low := c.Persist("node-low", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
		return nil
	}, Options{Mode: ModeImmediate, Priority: 0})
	high := c.Persist("node-high", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		return nil
	}, Options{Mode: ModeImmediate, Priority: 10})

	// Let both reach the ready queue while the only slot is occupied.
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, low.Wait(waitCtx(t)))
	require.NoError(t, high.Wait(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestActionPanicBecomesFailure(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	h := c.Persist("node-1", func(ctx context.Context) error {
		panic("backend exploded")
	}, Options{Mode: ModeImmediate})

	err := h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
	assert.Equal(t, StatusFailed, h.Status())
	assert.False(t, c.IsPersisted("node-1"))
}

func TestStatusQueries(t *testing.T) {
	c := newTestCoordinator(t, Config{DebounceWindow: 50 * time.Millisecond})

	_, ok := c.GetStatus("node-1")
	assert.False(t, ok)
	assert.False(t, c.IsPending("node-1"))
	assert.False(t, c.IsPersisted("node-1"))

	h := c.Persist("node-1", func(ctx context.Context) error { return nil },
		Options{Mode: ModeDebounce})

	status, ok := c.GetStatus("node-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, status)
	assert.True(t, c.IsPending("node-1"))
	assert.False(t, c.IsPersisted("node-1"))

	require.NoError(t, h.Wait(waitCtx(t)))

	status, ok = c.GetStatus("node-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)
	assert.False(t, c.IsPending("node-1"))
	assert.True(t, c.IsPersisted("node-1"))
}

func TestIsPersistedReflectsLatestOutcome(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	bad := c.Persist("node-1", func(ctx context.Context) error {
		return stderrors.New("disk full")
	}, Options{Mode: ModeImmediate})
	require.Error(t, bad.Wait(waitCtx(t)))
	assert.False(t, c.IsPersisted("node-1"))

	status, ok := c.GetStatus("node-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)

	good := c.Persist("node-1", func(ctx context.Context) error { return nil },
		Options{Mode: ModeImmediate})
	require.NoError(t, good.Wait(waitCtx(t)))
	assert.True(t, c.IsPersisted("node-1"))
}

func TestConcurrentPersistAcrossNodes(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxConcurrent: 4})

	var completed atomic.Int32
	var wg sync.WaitGroup
	var hmu sync.Mutex
	handles := make([]*Handle, 0, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := c.Persist(fmt.Sprintf("node-%d", i), func(ctx context.Context) error {
				completed.Add(1)
				return nil
			}, Options{Mode: ModeImmediate})
			hmu.Lock()
			handles = append(handles, h)
			hmu.Unlock()
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx))
	}
	assert.Equal(t, int32(50), completed.Load())
}

func TestCloseCancelsPendingAndRejectsNewWork(t *testing.T) {
	observability.ResetForTesting()
	c := New(Config{DebounceWindow: time.Hour}, zap.NewNop(), observability.NewCollector("lattice_test"))

	pending := c.Persist("node-1", func(ctx context.Context) error { return nil },
		Options{Mode: ModeDebounce})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	assert.Equal(t, StatusCancelled, pending.Status())
	assert.True(t, errors.IsCancelled(pending.Err()))

	rejected := c.Persist("node-2", func(ctx context.Context) error { return nil },
		Options{Mode: ModeImmediate})
	assert.Equal(t, StatusCancelled, rejected.Status())
	require.Error(t, rejected.Err())

	require.NoError(t, c.Close(ctx))
}
