// Package persistence decorates node backends with the transport-level
// resilience the coordinator deliberately does not own: retries with
// backoff, a circuit breaker, and call metrics. Decorators compose; the
// store only ever sees ports.NodeBackend.
package persistence

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"lattice-core/application/ports"
	"lattice-core/domain/outline"
	"lattice-core/pkg/errors"
)

// RetryConfig configures retry behavior for backend calls.
type RetryConfig struct {
	MaxRetries    int           // retry attempts after the first try
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // cap for the backoff curve
	BackoffFactor float64       // multiplier per attempt
	JitterFactor  float64       // random variation, 0.0 to 1.0
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryBackend retries transient backend failures with exponential backoff
// and jitter. Only kinds errors.IsRetryable accepts are retried; conflicts,
// validation failures and missing nodes fail the same way again. Create is
// never retried: an ambiguous first attempt may have landed, and a second
// one would misreport the outcome as a conflict.
type RetryBackend struct {
	inner  ports.NodeBackend
	config RetryConfig
	logger *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewRetryBackend wraps inner with retry behavior.
func NewRetryBackend(inner ports.NodeBackend, config RetryConfig, logger *zap.Logger) *RetryBackend {
	return &RetryBackend{
		inner:  inner,
		config: config,
		logger: logger.Named("retry"),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *RetryBackend) Create(ctx context.Context, node *outline.Node) error {
	return r.executeWithRetry(ctx, "create", false, func() error {
		return r.inner.Create(ctx, node)
	})
}

func (r *RetryBackend) Update(ctx context.Context, node *outline.Node) error {
	return r.executeWithRetry(ctx, "update", true, func() error {
		return r.inner.Update(ctx, node)
	})
}

func (r *RetryBackend) Delete(ctx context.Context, id string) error {
	return r.executeWithRetry(ctx, "delete", true, func() error {
		return r.inner.Delete(ctx, id)
	})
}

func (r *RetryBackend) Load(ctx context.Context, id string) (*outline.Node, error) {
	var result *outline.Node
	err := r.executeWithRetry(ctx, "load", true, func() error {
		var err error
		result, err = r.inner.Load(ctx, id)
		return err
	})
	return result, err
}

func (r *RetryBackend) LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error) {
	var result []*outline.Node
	err := r.executeWithRetry(ctx, "load_children", true, func() error {
		var err error
		result, err = r.inner.LoadChildren(ctx, parentID)
		return err
	})
	return result, err
}

func (r *RetryBackend) List(ctx context.Context) ([]*outline.Node, error) {
	var result []*outline.Node
	err := r.executeWithRetry(ctx, "list", true, func() error {
		var err error
		result, err = r.inner.List(ctx)
		return err
	})
	return result, err
}

func (r *RetryBackend) Close() error {
	return r.inner.Close()
}

func (r *RetryBackend) executeWithRetry(ctx context.Context, operation string, idempotent bool, fn func() error) error {
	maxRetries := r.config.MaxRetries
	if !idempotent {
		maxRetries = 0
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context ended before attempt %d: %w", attempt+1, err)
		}

		attempts++
		err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt+1),
				)
			}
			return nil
		}
		lastErr = err

		if attempt >= maxRetries || !errors.IsRetryable(err) {
			break
		}

		delay := r.calculateDelay(attempt)
		r.logger.Warn("retrying backend operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context ended during retry delay: %w", ctx.Err())
		}
	}

	if attempts <= 1 {
		return lastErr
	}
	return errors.Wrap(lastErr, fmt.Sprintf("%s failed after %d attempts", operation, attempts))
}

func (r *RetryBackend) calculateDelay(attempt int) time.Duration {
	baseDelay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt))
	if baseDelay > float64(r.config.MaxDelay) {
		baseDelay = float64(r.config.MaxDelay)
	}

	r.randMu.Lock()
	jitter := r.config.JitterFactor * baseDelay * (r.rand.Float64()*2 - 1)
	r.randMu.Unlock()

	finalDelay := baseDelay + jitter
	if finalDelay < 0 {
		finalDelay = 0
	}
	return time.Duration(finalDelay)
}
