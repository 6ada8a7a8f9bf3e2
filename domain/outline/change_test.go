package outline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChange_Fields(t *testing.T) {
	tests := []struct {
		name   string
		change Change
		want   []string
	}{
		{"empty", Change{}, []string{}},
		{"content only", ContentChange("x", 3), []string{FieldContent}},
		{"reparent only", ReparentChange("parent-2", 3), []string{FieldParentID}},
		{
			"everything",
			Change{
				Type:       strPtr("task"),
				Content:    strPtr("x"),
				ParentID:   strPtr(""),
				Properties: map[string]any{"a": 1},
			},
			[]string{FieldType, FieldContent, FieldParentID, FieldProperties},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.change.Fields())
		})
	}
}

func TestChange_TouchesAndIsEmpty(t *testing.T) {
	change := Change{Properties: map[string]any{"a": 1}}

	assert.True(t, change.Touches(FieldProperties))
	assert.False(t, change.Touches(FieldContent))
	assert.False(t, change.Touches("unknown"))
	assert.False(t, change.IsEmpty())
	assert.True(t, Change{BaseVersion: 9}.IsEmpty())
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"none", "plain text", nil},
		{"single", "see [[node-2]]", []string{"node-2"}},
		{"deduplicated in order", "[[b]] then [[a]] then [[b]]", []string{"b", "a"}},
		{"unclosed ignored", "[[broken and [[ok]]", []string{"ok"}},
		{"empty content", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.content))
		})
	}
}
