// Package memory provides an in-process node backend. It is the default
// when no database is configured and the double every store and coordinator
// test runs against: deterministic, aliasing-safe, with injectable failures
// and latency.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lattice-core/domain/outline"
	"lattice-core/pkg/errors"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpLoad   = "load"
	OpList   = "list"
)

// Backend keeps records in a map. All methods are safe for concurrent use.
type Backend struct {
	mu      sync.RWMutex
	nodes   map[string]*outline.Node
	errs    map[string]error
	calls   []string
	latency time.Duration
	closed  bool
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		nodes: make(map[string]*outline.Node),
		errs:  make(map[string]error),
	}
}

// InjectError makes op fail with err for the given id; an empty id applies
// to every call of that op. Injections persist until ClearErrors.
func (b *Backend) InjectError(op, id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[errKey(op, id)] = err
}

// ClearErrors removes all injected failures.
func (b *Backend) ClearErrors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = make(map[string]error)
}

// SetLatency delays every call by d, honoring context cancellation.
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// Calls returns the ordered op:id log of every attempted call.
func (b *Backend) Calls() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// Len returns the number of stored records.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// Snapshot returns a copy of the stored record, bypassing injected errors.
func (b *Backend) Snapshot(id string) (*outline.Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.nodes[id]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

func (b *Backend) Create(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("node with id is required")
	}
	if err := b.begin(ctx, OpCreate, node.ID); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.nodes[node.ID]; exists {
		return errors.NewConflict(fmt.Sprintf("node already exists: %s", node.ID))
	}
	b.nodes[node.ID] = node.Clone()
	return nil
}

func (b *Backend) Update(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("node with id is required")
	}
	if err := b.begin(ctx, OpUpdate, node.ID); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.nodes[node.ID]; !exists {
		return errors.NewNotFound(fmt.Sprintf("node not found: %s", node.ID))
	}
	b.nodes[node.ID] = node.Clone()
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := b.begin(ctx, OpDelete, id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, id)
	return nil
}

func (b *Backend) Load(ctx context.Context, id string) (*outline.Node, error) {
	if err := b.begin(ctx, OpLoad, id); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.nodes[id]
	if !ok {
		return nil, errors.NewNotFound(fmt.Sprintf("node not found: %s", id))
	}
	return node.Clone(), nil
}

func (b *Backend) LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error) {
	if err := b.begin(ctx, OpList, parentID); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*outline.Node, 0)
	for _, node := range b.nodes {
		if node.ParentID == parentID {
			out = append(out, node.Clone())
		}
	}
	sortNodes(out)
	return out, nil
}

func (b *Backend) List(ctx context.Context) ([]*outline.Node, error) {
	if err := b.begin(ctx, OpList, ""); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*outline.Node, 0, len(b.nodes))
	for _, node := range b.nodes {
		out = append(out, node.Clone())
	}
	sortNodes(out)
	return out, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// begin logs the call, applies latency and returns any injected or
// lifecycle error.
func (b *Backend) begin(ctx context.Context, op, id string) error {
	b.mu.Lock()
	b.calls = append(b.calls, errKey(op, id))
	latency := b.latency
	closed := b.closed
	err, injected := b.errs[errKey(op, id)]
	if !injected {
		err, injected = b.errs[errKey(op, "")]
	}
	b.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if closed {
		return errors.NewUnavailable("memory backend closed", nil)
	}
	if injected {
		return err
	}
	return ctx.Err()
}

func errKey(op, id string) string {
	if id == "" {
		return op
	}
	return op + ":" + id
}

func sortNodes(nodes []*outline.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
}
