package services

import (
	"fmt"
	"strings"

	"lattice-core/domain/outline"
)

// ConflictStrategy names the outcome of a conflict resolution attempt.
type ConflictStrategy string

const (
	// StrategyMerged means both sides were combined automatically.
	StrategyMerged ConflictStrategy = "merged"
	// StrategyLastWriteWins means the local value replaced the current one
	// as a concession, not a true merge.
	StrategyLastWriteWins ConflictStrategy = "last-write-wins"
	// StrategyManual means the resolver refused to guess; both candidates
	// are returned for a human to choose.
	StrategyManual ConflictStrategy = "manual"
)

// Resolution is the outcome of comparing a locally attempted change against
// the authoritative record. Merged is populated for the automatic
// strategies; Current and Proposed are always populated so callers can build
// a choice UI for the manual case. Applied is stamped by the store once an
// automatic outcome has been written back.
type Resolution struct {
	Strategy      ConflictStrategy `json:"strategy"`
	Merged        *outline.Node    `json:"merged,omitempty"`
	Current       *outline.Node    `json:"current"`
	Proposed      *outline.Node    `json:"proposed"`
	ChangedFields []string         `json:"changedFields"`
	Explanation   string           `json:"explanation"`
	Applied       bool             `json:"applied"`
}

// RequiresManual reports whether a human has to pick a winner.
func (r *Resolution) RequiresManual() bool {
	return r.Strategy == StrategyManual
}

// structurallySafe lists the top-level fields assumed mergeable when both
// sides raced: hierarchy linkage and namespaced properties. Content is the
// one field two writers genuinely collide on.
var structurallySafe = map[string]bool{
	outline.FieldType:       true,
	outline.FieldParentID:   true,
	outline.FieldProperties: true,
}

// ConflictResolver decides whether a version conflict can be resolved
// without asking the user. It is a stateless domain service: every call is
// a pure function of the current record and the attempted change.
type ConflictResolver struct{}

// NewConflictResolver creates a conflict resolver.
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Resolve compares the attempted change against the authoritative current
// record. change.BaseVersion is the version the caller believed current.
// mergeProperties carries the caller's property-merge preference and only
// shapes the Proposed candidate; automatic merges always deep-merge, since
// replacing wholesale would silently drop the concurrent writer's fields.
//
// The rules run in priority order, first match wins. A version gap other
// than exactly one always routes to manual resolution: the resolver cannot
// see intermediate history and must not assume it was safe. Note the gap-1
// union merge is a heuristic, not a provably safe merge; disjoint fields
// with semantically dependent values can still be combined wrongly.
func (r *ConflictResolver) Resolve(current *outline.Node, change outline.Change, mergeProperties bool) *Resolution {
	changed := change.Fields()
	gap := current.Version - change.BaseVersion

	res := &Resolution{
		Current:       current.Clone(),
		Proposed:      current.Apply(change, mergeProperties),
		ChangedFields: changed,
	}

	if len(changed) == 0 {
		res.Strategy = StrategyManual
		res.Explanation = "change set is empty; nothing to merge automatically"
		return res
	}

	if gap != 1 {
		res.Strategy = StrategyManual
		res.Explanation = fmt.Sprintf(
			"version gap is %d (expected %d, current %d); intermediate history is unknown, manual resolution required for fields [%s]",
			gap, change.BaseVersion, current.Version, strings.Join(changed, ", "))
		return res
	}

	if !change.Touches(outline.FieldContent) && allStructurallySafe(changed) {
		res.Strategy = StrategyMerged
		res.Merged = current.Apply(change, true)
		res.Explanation = fmt.Sprintf(
			"auto-merged non-overlapping fields [%s] onto version %d; local property values won on key collision",
			strings.Join(changed, ", "), current.Version)
		return res
	}

	if len(changed) == 1 && changed[0] == outline.FieldProperties {
		res.Strategy = StrategyMerged
		res.Merged = current.Apply(change, true)
		res.Explanation = fmt.Sprintf(
			"deep-merged properties onto version %d; local values won on key collision", current.Version)
		return res
	}

	if len(changed) == 1 && changed[0] == outline.FieldContent {
		res.Strategy = StrategyLastWriteWins
		res.Merged = current.Apply(change, true)
		res.Explanation = fmt.Sprintf(
			"kept local content over version %d (last-write-wins); the concurrent content edit was discarded, not merged",
			current.Version)
		return res
	}

	res.Strategy = StrategyManual
	res.Explanation = fmt.Sprintf(
		"fields [%s] overlap with concurrent edits; manual resolution required",
		strings.Join(changed, ", "))
	return res
}

func allStructurallySafe(fields []string) bool {
	for _, f := range fields {
		if !structurallySafe[f] {
			return false
		}
	}
	return true
}
