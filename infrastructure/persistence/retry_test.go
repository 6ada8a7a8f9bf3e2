package persistence

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lattice-core/domain/outline"
	"lattice-core/infrastructure/persistence/memory"
	"lattice-core/pkg/errors"
)

// flakyBackend fails the first N calls of an operation, then delegates.
type flakyBackend struct {
	*memory.Backend
	mu          sync.Mutex
	failLoads   int
	failCreates int
	loadCalls   int
	createCalls int
}

func (f *flakyBackend) Load(ctx context.Context, id string) (*outline.Node, error) {
	f.mu.Lock()
	f.loadCalls++
	fail := f.loadCalls <= f.failLoads
	f.mu.Unlock()
	if fail {
		return nil, errors.NewUnavailable("connection refused", nil)
	}
	return f.Backend.Load(ctx, id)
}

func (f *flakyBackend) Create(ctx context.Context, node *outline.Node) error {
	f.mu.Lock()
	f.createCalls++
	fail := f.createCalls <= f.failCreates
	f.mu.Unlock()
	if fail {
		return errors.NewUnavailable("connection refused", nil)
	}
	return f.Backend.Create(ctx, node)
}

func fastRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func seedNode(t *testing.T, b *memory.Backend, id string) {
	t.Helper()
	n, err := outline.NewNode(id, "text", "content", "", nil)
	require.NoError(t, err)
	require.NoError(t, b.Create(context.Background(), n))
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	inner := memory.New()
	seedNode(t, inner, "n1")
	flaky := &flakyBackend{Backend: inner, failLoads: 2}
	rb := NewRetryBackend(flaky, fastRetryConfig(), zap.NewNop())

	node, err := rb.Load(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", node.ID)
	assert.Equal(t, 3, flaky.loadCalls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	flaky := &flakyBackend{Backend: memory.New(), failLoads: 100}
	cfg := fastRetryConfig()
	cfg.MaxRetries = 2
	rb := NewRetryBackend(flaky, cfg, zap.NewNop())

	_, err := rb.Load(context.Background(), "n1")
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err), "the wrapped error must keep its kind")
	assert.Equal(t, 3, flaky.loadCalls)
}

func TestRetrySkipsNonRetryableKinds(t *testing.T) {
	inner := memory.New()
	rb := NewRetryBackend(inner, fastRetryConfig(), zap.NewNop())

	_, err := rb.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, []string{"load:ghost"}, inner.Calls())
}

func TestCreateIsNeverRetried(t *testing.T) {
	flaky := &flakyBackend{Backend: memory.New(), failCreates: 100}
	rb := NewRetryBackend(flaky, fastRetryConfig(), zap.NewNop())

	n, err := outline.NewNode("n1", "text", "x", "", nil)
	require.NoError(t, err)

	err = rb.Create(context.Background(), n)
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err))
	assert.Equal(t, 1, flaky.createCalls)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	flaky := &flakyBackend{Backend: memory.New(), failLoads: 100}
	cfg := fastRetryConfig()
	cfg.InitialDelay = 200 * time.Millisecond
	rb := NewRetryBackend(flaky, cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rb.Load(ctx, "n1")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, flaky.loadCalls)
}
