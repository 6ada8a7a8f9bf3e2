package outline

// EventKind distinguishes the three shapes of store notification.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	// EventDeleted is its own kind, never an update in disguise, so
	// subscribers can tell "value changed" from "node gone".
	EventDeleted EventKind = "deleted"
)

// Event is delivered to wildcard subscribers on every mutation. Node is a
// copy; for deletions it carries the last known record as a tombstone.
type Event struct {
	Kind   EventKind `json:"kind"`
	Node   *Node     `json:"node"`
	Source Source    `json:"source"`
}

// Deleted reports whether the event is a tombstone.
func (e Event) Deleted() bool {
	return e.Kind == EventDeleted
}
