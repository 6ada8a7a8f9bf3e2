package store

import "lattice-core/infrastructure/persistence/coordinator"

// SetOptions controls a full-record upsert.
type SetOptions struct {
	// SkipPersistence keeps the write in memory only. Used when the
	// record came from the backend in the first place.
	SkipPersistence bool

	// MarkDurable records the written state as the node's last known
	// persisted state, the baseline rollbacks restore to.
	MarkDurable bool

	// Debounce coalesces the write through the debounce window instead
	// of persisting immediately.
	Debounce bool

	// Position inserts the node at this index among its siblings; nil or
	// out of range appends.
	Position *int

	// Dependencies must resolve before the persistence action runs.
	Dependencies []coordinator.Dependency
}

// UpdateOptions controls a partial update.
type UpdateOptions struct {
	// MergeProperties deep-merges the change's properties into the
	// current ones instead of replacing the whole map.
	MergeProperties bool

	// SkipConflictCheck applies the change even when the caller's base
	// version is stale.
	SkipConflictCheck bool

	// Computed marks a derived recalculation. It applies without conflict
	// detection on top of whatever state is current and stays in memory;
	// derived fields ride along on the next real write.
	Computed bool

	// SkipPersistence keeps the update in memory only.
	SkipPersistence bool

	// Immediate persists right away instead of through the debounce
	// window.
	Immediate bool

	// WithRollback restores the last durable state if the persistence
	// action fails. Structural moves opt in; cancellations never roll
	// back.
	WithRollback bool

	// Position re-inserts the node at this index among its siblings,
	// also within an unchanged parent.
	Position *int

	// Dependencies must resolve before the persistence action runs.
	Dependencies []coordinator.Dependency
}

// DeleteOptions controls a removal.
type DeleteOptions struct {
	// SkipPersistence keeps the removal in memory only. Used when the
	// backend already knows the record is gone.
	SkipPersistence bool

	// Dependencies must resolve before the delete action runs.
	Dependencies []coordinator.Dependency
}
