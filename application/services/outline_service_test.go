package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lattice-core/application/store"
	"lattice-core/domain/outline"
	"lattice-core/infrastructure/persistence/coordinator"
	"lattice-core/infrastructure/persistence/memory"
	"lattice-core/pkg/errors"
	"lattice-core/pkg/observability"
)

func newTestService(t *testing.T) (*OutlineService, *store.Store, *memory.Backend) {
	t.Helper()
	observability.ResetForTesting()
	metrics := observability.NewCollector("lattice_test")
	logger := zap.NewNop()
	backend := memory.New()
	coord := coordinator.New(coordinator.Config{DebounceWindow: 50 * time.Millisecond}, logger, metrics)
	st := store.New(backend, coord, logger, metrics)
	svc := NewOutlineService(st, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = st.Close(ctx)
	})
	return svc, st, backend
}

func create(t *testing.T, svc *OutlineService, id, parentID string) *outline.Node {
	t.Helper()
	node, err := svc.CreateNode(context.Background(), outline.ViewerSource("tab-1"), CreateNodeRequest{
		ID:       id,
		Type:     "text",
		Content:  "content of " + id,
		ParentID: parentID,
	})
	require.NoError(t, err)
	return node
}

func childIDs(s *store.Store, parentID string) []string {
	out := []string{}
	for _, n := range s.GetChildren(parentID) {
		out = append(out, n.ID)
	}
	return out
}

func callIndex(calls []string, want string) int {
	for i, call := range calls {
		if call == want {
			return i
		}
	}
	return -1
}

func TestCreateNodeValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	viewer := outline.ViewerSource("tab-1")

	_, err := svc.CreateNode(ctx, viewer, CreateNodeRequest{Content: "no type"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	neg := -1
	_, err = svc.CreateNode(ctx, viewer, CreateNodeRequest{Type: "text", Position: &neg})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCreateNodeGeneratesIDAndPersists(t *testing.T) {
	svc, st, backend := newTestService(t)
	ctx := context.Background()

	node, err := svc.CreateNode(ctx, outline.ViewerSource("tab-1"), CreateNodeRequest{
		Type:    "text",
		Content: "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, node.ID)
	assert.Equal(t, int64(1), node.Version)

	stored, ok := st.GetNode(node.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", stored.Content)

	require.Empty(t, svc.WaitForSaves(ctx, []string{node.ID}, 2*time.Second))
	_, ok = backend.Snapshot(node.ID)
	assert.True(t, ok)
}

func TestCreateNodeRejectsMissingParentAndDuplicateID(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	viewer := outline.ViewerSource("tab-1")

	_, err := svc.CreateNode(ctx, viewer, CreateNodeRequest{Type: "text", ParentID: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	create(t, svc, "taken", "")
	_, err = svc.CreateNode(ctx, viewer, CreateNodeRequest{ID: "taken", Type: "text"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestCreateChildWritesAfterParentWrite(t *testing.T) {
	svc, _, backend := newTestService(t)
	ctx := context.Background()
	viewer := outline.ViewerSource("tab-1")

	// The parent's write is still in flight when the child is created.
	backend.SetLatency(80 * time.Millisecond)
	create(t, svc, "parent", "")
	_, err := svc.CreateChild(ctx, viewer, "parent", CreateNodeRequest{ID: "child", Type: "text"})
	require.NoError(t, err)

	require.Empty(t, svc.WaitForSaves(ctx, []string{"parent", "child"}, 3*time.Second))

	calls := backend.Calls()
	parentIdx := callIndex(calls, "create:parent")
	childIdx := callIndex(calls, "create:child")
	require.GreaterOrEqual(t, parentIdx, 0)
	require.GreaterOrEqual(t, childIdx, 0)
	assert.Less(t, parentIdx, childIdx)
}

func TestMoveUpdatesHierarchy(t *testing.T) {
	svc, st, backend := newTestService(t)
	ctx := context.Background()
	viewer := outline.ViewerSource("tab-1")

	create(t, svc, "a", "")
	create(t, svc, "b", "")
	require.Empty(t, svc.WaitForSaves(ctx, []string{"a", "b"}, 2*time.Second))

	require.NoError(t, svc.Move(ctx, viewer, "a", "b", nil))

	assert.Equal(t, []string{"a"}, childIDs(st, "b"))
	assert.Equal(t, []string{"b"}, childIDs(st, ""))
	moved, _ := st.GetNode("a")
	assert.Equal(t, int64(2), moved.Version)

	require.Empty(t, svc.WaitForSaves(ctx, []string{"a"}, 2*time.Second))
	stored, ok := backend.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, "b", stored.ParentID)
}

func TestMoveRejectsCyclesAndMissingTargets(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	viewer := outline.ViewerSource("tab-1")

	create(t, svc, "p", "")
	create(t, svc, "c", "p")
	create(t, svc, "g", "c")

	err := svc.Move(ctx, viewer, "p", "g", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	err = svc.Move(ctx, viewer, "p", "p", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	err = svc.Move(ctx, viewer, "ghost", "p", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	err = svc.Move(ctx, viewer, "p", "ghost", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestIndentAndOutdent(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	viewer := outline.ViewerSource("tab-1")

	create(t, svc, "p", "")
	create(t, svc, "a", "p")
	create(t, svc, "b", "p")

	require.NoError(t, svc.Indent(ctx, viewer, "b"))
	assert.Equal(t, []string{"a"}, childIDs(st, "p"))
	assert.Equal(t, []string{"b"}, childIDs(st, "a"))

	require.NoError(t, svc.Outdent(ctx, viewer, "b"))
	assert.Equal(t, []string{"a", "b"}, childIDs(st, "p"))
	assert.Empty(t, childIDs(st, "a"))

	err := svc.Indent(ctx, viewer, "a")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err), "first sibling cannot indent")

	err = svc.Outdent(ctx, viewer, "p")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err), "roots cannot outdent")
}

func TestDeleteSubtreeRemovesEverythingLeavesFirst(t *testing.T) {
	svc, st, backend := newTestService(t)
	ctx := context.Background()
	viewer := outline.ViewerSource("tab-1")

	create(t, svc, "p", "")
	create(t, svc, "c1", "p")
	create(t, svc, "c2", "p")
	create(t, svc, "g1", "c1")
	ids := []string{"p", "c1", "c2", "g1"}
	require.Empty(t, svc.WaitForSaves(ctx, ids, 2*time.Second))

	require.NoError(t, svc.DeleteSubtree(ctx, viewer, "p"))

	assert.Equal(t, 0, st.Count())
	require.Empty(t, svc.WaitForSaves(ctx, ids, 2*time.Second))
	assert.Equal(t, 0, backend.Len())

	calls := backend.Calls()
	assert.Less(t, callIndex(calls, "delete:g1"), callIndex(calls, "delete:c1"))
	assert.Less(t, callIndex(calls, "delete:c1"), callIndex(calls, "delete:p"))
	assert.Less(t, callIndex(calls, "delete:c2"), callIndex(calls, "delete:p"))

	// Idempotent: the subtree is already gone.
	require.NoError(t, svc.DeleteSubtree(ctx, viewer, "p"))
}
