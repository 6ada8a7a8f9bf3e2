// Package ports declares the interfaces the application layer consumes.
// Implementations live under infrastructure; the core never learns a wire
// format through these.
package ports

import (
	"context"

	"lattice-core/domain/outline"
)

// NodeBackend is the opaque async RPC boundary the sync core persists
// through. Every method either succeeds or returns an error the caller can
// classify; the coordinator wraps these calls into scheduled actions and
// never invokes a backend directly.
//
// Update carries the full record, not a diff: debounced writes coalesce many
// edits into one call, so the backend always receives the latest state.
type NodeBackend interface {
	// Create persists a brand new node.
	Create(ctx context.Context, node *outline.Node) error

	// Update replaces the stored record with the given state.
	Update(ctx context.Context, node *outline.Node) error

	// Delete removes the node. Deleting an absent node is not an error;
	// deletes race debounce windows, so the record may already be gone.
	Delete(ctx context.Context, id string) error

	// Load fetches one node. Returns a NOT_FOUND kind error when the
	// node does not exist.
	Load(ctx context.Context, id string) (*outline.Node, error)

	// LoadChildren fetches the children of a parent in stored order. An
	// empty parentID lists the roots.
	LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error)

	// List fetches every stored node for startup hydration. Order is
	// backend-defined; the store rebuilds sibling order itself.
	List(ctx context.Context) ([]*outline.Node, error)

	// Close releases the backend's resources.
	Close() error
}
