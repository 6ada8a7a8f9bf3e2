package outline

// Field names as they appear on the wire and in conflict diffs.
const (
	FieldType       = "nodeType"
	FieldContent    = "content"
	FieldParentID   = "parentId"
	FieldProperties = "properties"
)

// Change is a partial update to a node. Nil pointers mean "leave as is";
// a pointer to the empty string on ParentID moves the node to the root.
//
// BaseVersion is the version the caller believed was current when it built
// the change. Zero means the caller did not know, which skips conflict
// detection entirely.
type Change struct {
	Type        *string        `json:"nodeType,omitempty"`
	Content     *string        `json:"content,omitempty"`
	ParentID    *string        `json:"parentId,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	BaseVersion int64          `json:"baseVersion,omitempty"`
}

// Fields returns the names of the top-level fields this change touches, in
// a fixed order suitable for human-readable conflict diffs.
func (c Change) Fields() []string {
	fields := make([]string, 0, 4)
	if c.Type != nil {
		fields = append(fields, FieldType)
	}
	if c.Content != nil {
		fields = append(fields, FieldContent)
	}
	if c.ParentID != nil {
		fields = append(fields, FieldParentID)
	}
	if c.Properties != nil {
		fields = append(fields, FieldProperties)
	}
	return fields
}

// Touches reports whether the change carries the named field.
func (c Change) Touches(field string) bool {
	switch field {
	case FieldType:
		return c.Type != nil
	case FieldContent:
		return c.Content != nil
	case FieldParentID:
		return c.ParentID != nil
	case FieldProperties:
		return c.Properties != nil
	default:
		return false
	}
}

// IsEmpty reports whether the change would leave the record untouched.
func (c Change) IsEmpty() bool {
	return c.Type == nil && c.Content == nil && c.ParentID == nil && c.Properties == nil
}

// ContentChange builds the most common change: new content at a known base
// version.
func ContentChange(content string, baseVersion int64) Change {
	return Change{Content: &content, BaseVersion: baseVersion}
}

// ReparentChange builds a structural move. An empty newParentID moves the
// node to the root.
func ReparentChange(newParentID string, baseVersion int64) Change {
	return Change{ParentID: &newParentID, BaseVersion: baseVersion}
}
