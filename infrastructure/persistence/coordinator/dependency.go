package coordinator

import (
	"context"
	"fmt"
	"strings"

	"lattice-core/pkg/errors"
)

// Dependency is a precondition a scheduled operation awaits before its
// action may execute. Dependencies are resolved at execution time, after the
// debounce window, so they always observe the freshest pending work.
type Dependency interface {
	await(ctx context.Context, c *Coordinator) error
	String() string
}

// OnNode waits for the identified node's currently pending operation, if
// any. If that operation is superseded while we wait, the wait follows the
// replacement; a node with nothing pending resolves immediately.
func OnNode(nodeID string) Dependency {
	return nodeDependency{nodeID: nodeID}
}

// OnNodes waits for every named node's pending operation.
func OnNodes(nodeIDs ...string) Dependency {
	return batchDependency{nodeIDs: nodeIDs}
}

// OnHandle waits for one specific operation. Unlike OnNode, a cancellation
// of that exact operation fails the dependency; the caller asked for that
// operation, not for whatever the node is doing now.
func OnHandle(h *Handle) Dependency {
	return handleDependency{handle: h}
}

// OnCondition waits for an arbitrary async precondition.
func OnCondition(name string, fn func(ctx context.Context) error) Dependency {
	return conditionDependency{name: name, fn: fn}
}

// requesterKey carries the awaiting operation's own node id so a dependency
// on that same node resolves immediately instead of deadlocking on itself.
type requesterKey struct{}

func withRequester(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, requesterKey{}, nodeID)
}

type nodeDependency struct {
	nodeID string
}

func (d nodeDependency) await(ctx context.Context, c *Coordinator) error {
	if requester, ok := ctx.Value(requesterKey{}).(string); ok && requester == d.nodeID {
		return nil
	}
	for {
		h := c.pendingHandle(d.nodeID)
		if h == nil {
			return nil
		}
		if err := h.Wait(ctx); err != nil {
			if errors.IsCancelled(err) {
				// Superseded by a newer write for the same node;
				// wait for whatever replaced it.
				continue
			}
			return errors.Wrap(err, fmt.Sprintf("dependency on node %s failed", d.nodeID))
		}
		return nil
	}
}

func (d nodeDependency) String() string {
	return "node:" + d.nodeID
}

type batchDependency struct {
	nodeIDs []string
}

func (d batchDependency) await(ctx context.Context, c *Coordinator) error {
	for _, id := range d.nodeIDs {
		if err := (nodeDependency{nodeID: id}).await(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (d batchDependency) String() string {
	return "nodes:" + strings.Join(d.nodeIDs, ",")
}

type handleDependency struct {
	handle *Handle
}

func (d handleDependency) await(ctx context.Context, c *Coordinator) error {
	if d.handle == nil {
		return nil
	}
	if err := d.handle.Wait(ctx); err != nil {
		return errors.Wrap(err, fmt.Sprintf("dependency on operation %s failed", d.handle.OperationID()))
	}
	return nil
}

func (d handleDependency) String() string {
	if d.handle == nil {
		return "handle:nil"
	}
	return "handle:" + d.handle.OperationID()
}

type conditionDependency struct {
	name string
	fn   func(ctx context.Context) error
}

func (d conditionDependency) await(ctx context.Context, _ *Coordinator) error {
	if err := d.fn(ctx); err != nil {
		return errors.Wrap(err, fmt.Sprintf("precondition %s failed", d.name))
	}
	return nil
}

func (d conditionDependency) String() string {
	return "condition:" + d.name
}
