// Package outline defines the node records the synchronization core moves
// around: the record itself, partial change sets, update provenance, and the
// change events fanned out to subscribers. Everything here is plain data;
// no I/O, no store knowledge.
package outline

import (
	"time"

	"lattice-core/pkg/errors"
)

// Node is the unit of storage: one entry in the outline graph.
//
// Version is the optimistic-concurrency token. Every durable mutation from a
// trusted writer increments it; a write proposing an older version than the
// current record is a conflict candidate. Mentions are derived from Content
// and never participate in conflict detection.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"nodeType"`
	Content    string         `json:"content"`
	ParentID   string         `json:"parentId,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"createdAt"`
	ModifiedAt time.Time      `json:"modifiedAt"`
	Mentions   []string       `json:"mentions,omitempty"`
}

// NewNode creates a node record with version 1 and fresh timestamps.
// ParentID may reference a node that does not exist durably yet; the
// persistence layer orders dependent writes so the reference resolves
// before it matters.
func NewNode(id, nodeType, content, parentID string, properties map[string]any) (*Node, error) {
	if id == "" {
		return nil, errors.NewValidation("node id cannot be empty")
	}
	if nodeType == "" {
		return nil, errors.NewValidation("node type cannot be empty")
	}

	now := time.Now().UTC()
	return &Node{
		ID:         id,
		Type:       nodeType,
		Content:    content,
		ParentID:   parentID,
		Properties: copyPropertyMap(properties),
		Version:    1,
		CreatedAt:  now,
		ModifiedAt: now,
		Mentions:   ExtractMentions(content),
	}, nil
}

// Clone returns a deep copy. Properties and Mentions are copied so callers
// can never alias the authoritative record held by the store.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Properties = copyPropertyMap(n.Properties)
	if n.Mentions != nil {
		out.Mentions = append([]string(nil), n.Mentions...)
	}
	return &out
}

// Touch stamps the modification time.
func (n *Node) Touch(now time.Time) {
	n.ModifiedAt = now.UTC()
}

// NextVersion advances the optimistic-concurrency token.
func (n *Node) NextVersion() {
	n.Version++
}

// IsRoot reports whether the node sits at the top of the outline.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Apply returns a copy of n with the change set applied. Top-level fields
// are replaced when the change carries them; Properties are deep-merged when
// mergeProperties is set, otherwise replaced wholesale. Mentions are
// re-derived when content changes. Version and ModifiedAt are untouched;
// stamping is the store's job.
func (n *Node) Apply(change Change, mergeProperties bool) *Node {
	out := n.Clone()
	if change.Type != nil {
		out.Type = *change.Type
	}
	if change.ParentID != nil {
		out.ParentID = *change.ParentID
	}
	if change.Properties != nil {
		if mergeProperties {
			out.Properties = MergePropertyMaps(out.Properties, change.Properties)
		} else {
			out.Properties = copyPropertyMap(change.Properties)
		}
	}
	if change.Content != nil {
		out.Content = *change.Content
		out.Mentions = ExtractMentions(out.Content)
	}
	return out
}

// MergePropertyMaps deep-merges overlay into base and returns a new map.
// Only plain maps merge recursively; arrays, nil and every other value are
// atomic and overwrite the base entry, so ordered lists and typed values
// never end up half-merged.
func MergePropertyMaps(base, overlay map[string]any) map[string]any {
	out := copyPropertyMap(base)
	if out == nil {
		out = make(map[string]any, len(overlay))
	}
	for key, overlayVal := range overlay {
		baseVal, exists := out[key]
		baseMap, baseIsMap := baseVal.(map[string]any)
		overlayMap, overlayIsMap := overlayVal.(map[string]any)
		if exists && baseIsMap && overlayIsMap {
			out[key] = MergePropertyMaps(baseMap, overlayMap)
			continue
		}
		out[key] = copyValue(overlayVal)
	}
	return out
}

func copyPropertyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyPropertyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
