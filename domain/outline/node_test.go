package outline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string {
	return &s
}

func TestNewNode_StampsDefaults(t *testing.T) {
	// Act
	node, err := NewNode("node-1", "text", "hello [[node-2]]", "", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.ID)
	assert.Equal(t, int64(1), node.Version)
	assert.False(t, node.CreatedAt.IsZero())
	assert.Equal(t, node.CreatedAt, node.ModifiedAt)
	assert.Equal(t, []string{"node-2"}, node.Mentions)
	assert.True(t, node.IsRoot())
}

func TestNewNode_RequiresIDAndType(t *testing.T) {
	_, err := NewNode("", "text", "", "", nil)
	assert.Error(t, err)

	_, err = NewNode("node-1", "", "", "", nil)
	assert.Error(t, err)
}

func TestClone_DoesNotAliasProperties(t *testing.T) {
	// Arrange
	node, err := NewNode("node-1", "task", "", "", map[string]any{
		"task": map[string]any{"status": "open"},
		"tags": []any{"a", "b"},
	})
	require.NoError(t, err)

	// Act
	clone := node.Clone()
	clone.Properties["task"].(map[string]any)["status"] = "done"
	clone.Properties["tags"].([]any)[0] = "z"
	clone.Mentions = append(clone.Mentions, "node-9")

	// Assert
	assert.Equal(t, "open", node.Properties["task"].(map[string]any)["status"])
	assert.Equal(t, "a", node.Properties["tags"].([]any)[0])
	assert.Empty(t, node.Mentions)
}

func TestApply_ReplacesTopLevelFields(t *testing.T) {
	// Arrange
	node, err := NewNode("node-1", "text", "old", "parent-1", nil)
	require.NoError(t, err)

	// Act
	next := node.Apply(Change{
		Type:     strPtr("task"),
		Content:  strPtr("see [[node-7]]"),
		ParentID: strPtr(""),
	}, false)

	// Assert
	assert.Equal(t, "task", next.Type)
	assert.Equal(t, "see [[node-7]]", next.Content)
	assert.True(t, next.IsRoot())
	assert.Equal(t, []string{"node-7"}, next.Mentions)
	// the original record is untouched
	assert.Equal(t, "old", node.Content)
	assert.Equal(t, "parent-1", node.ParentID)
}

func TestApply_PropertiesMergeVersusReplace(t *testing.T) {
	// Arrange
	node, err := NewNode("node-1", "task", "", "", map[string]any{
		"task": map[string]any{"status": "open", "priority": 2},
	})
	require.NoError(t, err)
	change := Change{Properties: map[string]any{
		"task": map[string]any{"status": "done"},
	}}

	// Act
	merged := node.Apply(change, true)
	replaced := node.Apply(change, false)

	// Assert
	assert.Equal(t, map[string]any{"status": "done", "priority": 2}, merged.Properties["task"])
	assert.Equal(t, map[string]any{"status": "done"}, replaced.Properties["task"])
}

func TestMergePropertyMaps(t *testing.T) {
	tests := []struct {
		name    string
		base    map[string]any
		overlay map[string]any
		want    map[string]any
	}{
		{
			name:    "nested maps merge with overlay winning",
			base:    map[string]any{"p": map[string]any{"a": 1}},
			overlay: map[string]any{"p": map[string]any{"b": 2}},
			want:    map[string]any{"p": map[string]any{"a": 1, "b": 2}},
		},
		{
			name:    "arrays are atomic",
			base:    map[string]any{"tags": []any{"a", "b"}},
			overlay: map[string]any{"tags": []any{"c"}},
			want:    map[string]any{"tags": []any{"c"}},
		},
		{
			name:    "nil overwrites",
			base:    map[string]any{"due": "tomorrow"},
			overlay: map[string]any{"due": nil},
			want:    map[string]any{"due": nil},
		},
		{
			name:    "map over scalar overwrites",
			base:    map[string]any{"p": "flat"},
			overlay: map[string]any{"p": map[string]any{"x": 1}},
			want:    map[string]any{"p": map[string]any{"x": 1}},
		},
		{
			name:    "nil base",
			base:    nil,
			overlay: map[string]any{"a": 1},
			want:    map[string]any{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergePropertyMaps(tt.base, tt.overlay)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergePropertyMaps_DoesNotMutateInputs(t *testing.T) {
	// Arrange
	base := map[string]any{"p": map[string]any{"a": 1}}
	overlay := map[string]any{"p": map[string]any{"b": 2}}

	// Act
	MergePropertyMaps(base, overlay)

	// Assert
	assert.Equal(t, map[string]any{"a": 1}, base["p"])
	assert.Equal(t, map[string]any{"b": 2}, overlay["p"])
}

func TestTouchAndNextVersion(t *testing.T) {
	node, err := NewNode("node-1", "text", "", "", nil)
	require.NoError(t, err)
	before := node.ModifiedAt

	node.Touch(before.Add(2 * time.Second))
	node.NextVersion()

	assert.Equal(t, before.Add(2*time.Second), node.ModifiedAt)
	assert.Equal(t, int64(2), node.Version)
}
