package persistence

import (
	"context"
	"time"

	"lattice-core/application/ports"
	"lattice-core/domain/outline"
	"lattice-core/pkg/observability"
)

// InstrumentedBackend records duration and outcome for every backend call.
// It sits innermost in the decorator chain so retries count individually.
type InstrumentedBackend struct {
	inner   ports.NodeBackend
	name    string
	metrics *observability.Collector
}

// NewInstrumentedBackend wraps inner with call metrics. name labels the
// series, usually the backend name from config.
func NewInstrumentedBackend(inner ports.NodeBackend, name string, metrics *observability.Collector) *InstrumentedBackend {
	return &InstrumentedBackend{inner: inner, name: name, metrics: metrics}
}

func (i *InstrumentedBackend) Create(ctx context.Context, node *outline.Node) error {
	start := time.Now()
	err := i.inner.Create(ctx, node)
	i.metrics.ObserveBackendCall(i.name, "create", time.Since(start), err)
	return err
}

func (i *InstrumentedBackend) Update(ctx context.Context, node *outline.Node) error {
	start := time.Now()
	err := i.inner.Update(ctx, node)
	i.metrics.ObserveBackendCall(i.name, "update", time.Since(start), err)
	return err
}

func (i *InstrumentedBackend) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := i.inner.Delete(ctx, id)
	i.metrics.ObserveBackendCall(i.name, "delete", time.Since(start), err)
	return err
}

func (i *InstrumentedBackend) Load(ctx context.Context, id string) (*outline.Node, error) {
	start := time.Now()
	node, err := i.inner.Load(ctx, id)
	i.metrics.ObserveBackendCall(i.name, "load", time.Since(start), err)
	return node, err
}

func (i *InstrumentedBackend) LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error) {
	start := time.Now()
	nodes, err := i.inner.LoadChildren(ctx, parentID)
	i.metrics.ObserveBackendCall(i.name, "load_children", time.Since(start), err)
	return nodes, err
}

func (i *InstrumentedBackend) List(ctx context.Context) ([]*outline.Node, error) {
	start := time.Now()
	nodes, err := i.inner.List(ctx)
	i.metrics.ObserveBackendCall(i.name, "list", time.Since(start), err)
	return nodes, err
}

func (i *InstrumentedBackend) Close() error {
	return i.inner.Close()
}
