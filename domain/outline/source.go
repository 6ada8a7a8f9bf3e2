package outline

import "fmt"

// SourceKind tags where a mutation came from.
type SourceKind string

const (
	// SourceViewer marks interactive edits from an open pane or tab.
	SourceViewer SourceKind = "viewer"
	// SourceDatabase marks trusted loads and reconciliations from the
	// persistence layer.
	SourceDatabase SourceKind = "database"
	// SourceExternalSync marks writes from agents and remote clients.
	SourceExternalSync SourceKind = "external-sync"
)

// Source is the provenance attached to every mutation. It decides whether
// conflict detection applies and feeds diagnostics; scheduling behavior is
// chosen by explicit options, never inferred from provenance.
type Source struct {
	Kind     SourceKind `json:"kind"`
	ViewerID string     `json:"viewerId,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	AgentID  string     `json:"agentId,omitempty"`
}

// ViewerSource tags a mutation as coming from the identified viewer.
func ViewerSource(viewerID string) Source {
	return Source{Kind: SourceViewer, ViewerID: viewerID}
}

// DatabaseSource tags a mutation as a trusted load or reconciliation.
func DatabaseSource(reason string) Source {
	return Source{Kind: SourceDatabase, Reason: reason}
}

// ExternalSyncSource tags a mutation as coming from a sync agent.
func ExternalSyncSource(agentID string) Source {
	return Source{Kind: SourceExternalSync, AgentID: agentID}
}

// Trusted reports whether conflict detection should be skipped for this
// source. Only the persistence layer itself qualifies.
func (s Source) Trusted() bool {
	return s.Kind == SourceDatabase
}

// String renders the source for log fields.
func (s Source) String() string {
	switch s.Kind {
	case SourceViewer:
		return fmt.Sprintf("viewer:%s", s.ViewerID)
	case SourceDatabase:
		return fmt.Sprintf("database:%s", s.Reason)
	case SourceExternalSync:
		return fmt.Sprintf("external-sync:%s", s.AgentID)
	default:
		return string(s.Kind)
	}
}
