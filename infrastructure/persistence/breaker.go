package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"lattice-core/application/ports"
	"lattice-core/domain/outline"
	"lattice-core/pkg/errors"
)

// BreakerConfig configures the circuit breaker around a backend.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state stat reset period
	Timeout          time.Duration // open duration before half-open
	FailureThreshold float64       // failure ratio that trips the breaker
	MinRequests      uint32        // requests needed before evaluating the ratio
}

// DefaultBreakerConfig returns a default configuration for a backend breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerBackend stops calling a failing backend once the failure ratio
// trips, so a dead database does not soak up every debounced write's action
// timeout. Semantic outcomes like conflicts and missing nodes never count as
// failures; only transport-level faults move the breaker.
type BreakerBackend struct {
	inner  ports.NodeBackend
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
}

// NewBreakerBackend wraps inner with a circuit breaker.
func NewBreakerBackend(inner ports.NodeBackend, config BreakerConfig, logger *zap.Logger) *BreakerBackend {
	log := logger.Named("breaker")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch errors.Classify(err) {
			case errors.KindUnavailable, errors.KindTimeout, errors.KindInternal:
				return false
			default:
				return true
			}
		},
	})

	return &BreakerBackend{
		inner:  inner,
		cb:     cb,
		name:   config.Name,
		logger: log,
	}
}

func (b *BreakerBackend) Create(ctx context.Context, node *outline.Node) error {
	return b.execute("create", func() error {
		return b.inner.Create(ctx, node)
	})
}

func (b *BreakerBackend) Update(ctx context.Context, node *outline.Node) error {
	return b.execute("update", func() error {
		return b.inner.Update(ctx, node)
	})
}

func (b *BreakerBackend) Delete(ctx context.Context, id string) error {
	return b.execute("delete", func() error {
		return b.inner.Delete(ctx, id)
	})
}

func (b *BreakerBackend) Load(ctx context.Context, id string) (*outline.Node, error) {
	var result *outline.Node
	err := b.execute("load", func() error {
		var err error
		result, err = b.inner.Load(ctx, id)
		return err
	})
	return result, err
}

func (b *BreakerBackend) LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error) {
	var result []*outline.Node
	err := b.execute("load_children", func() error {
		var err error
		result, err = b.inner.LoadChildren(ctx, parentID)
		return err
	})
	return result, err
}

func (b *BreakerBackend) List(ctx context.Context) ([]*outline.Node, error) {
	var result []*outline.Node
	err := b.execute("list", func() error {
		var err error
		result, err = b.inner.List(ctx)
		return err
	})
	return result, err
}

func (b *BreakerBackend) Close() error {
	return b.inner.Close()
}

func (b *BreakerBackend) execute(operation string, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return errors.NewUnavailable(fmt.Sprintf("%s rejected %s: circuit breaker is open", b.name, operation), err)
	}
	return err
}
