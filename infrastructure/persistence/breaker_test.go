package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lattice-core/infrastructure/persistence/memory"
	"lattice-core/pkg/errors"
)

func testBreakerConfig() BreakerConfig {
	cfg := DefaultBreakerConfig("memory")
	cfg.MaxRequests = 1
	cfg.MinRequests = 3
	cfg.FailureThreshold = 0.5
	cfg.Timeout = time.Hour
	return cfg
}

func countCalls(calls []string, key string) int {
	n := 0
	for _, c := range calls {
		if c == key {
			n++
		}
	}
	return n
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	inner := memory.New()
	seedNode(t, inner, "n1")
	inner.InjectError(memory.OpLoad, "", errors.NewUnavailable("connection refused", nil))
	bb := NewBreakerBackend(inner, testBreakerConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := bb.Load(context.Background(), "n1")
		require.Error(t, err)
		assert.True(t, errors.IsUnavailable(err))
	}
	assert.Equal(t, 3, countCalls(inner.Calls(), "load:n1"))

	// The breaker is open now; the backend must not see this call.
	_, err := bb.Load(context.Background(), "n1")
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, 3, countCalls(inner.Calls(), "load:n1"))
}

func TestBreakerIgnoresSemanticOutcomes(t *testing.T) {
	inner := memory.New()
	bb := NewBreakerBackend(inner, testBreakerConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := bb.Load(context.Background(), "ghost")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	}

	seedNode(t, inner, "n1")
	node, err := bb.Load(context.Background(), "n1")
	require.NoError(t, err, "missing nodes are answers, not failures; the breaker must stay closed")
	assert.Equal(t, "n1", node.ID)
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	inner := memory.New()
	seedNode(t, inner, "n1")
	inner.InjectError(memory.OpLoad, "", errors.NewUnavailable("connection refused", nil))

	cfg := testBreakerConfig()
	cfg.Timeout = 50 * time.Millisecond
	bb := NewBreakerBackend(inner, cfg, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := bb.Load(context.Background(), "n1")
		require.Error(t, err)
	}
	_, err := bb.Load(context.Background(), "n1")
	require.Error(t, err)
	assert.Equal(t, 3, countCalls(inner.Calls(), "load:n1"), "open breaker must shed load")

	inner.ClearErrors()
	time.Sleep(80 * time.Millisecond)

	node, err := bb.Load(context.Background(), "n1")
	require.NoError(t, err, "the half-open probe should reach the recovered backend")
	assert.Equal(t, "n1", node.ID)

	_, err = bb.Load(context.Background(), "n1")
	require.NoError(t, err, "a successful probe closes the breaker again")
}
