// Package services composes store primitives into the outliner's structural
// edits: creation, reparenting, indentation and subtree removal, the
// operations that need dependency ordering and rollback.
package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lattice-core/application/store"
	"lattice-core/domain/outline"
	"lattice-core/infrastructure/persistence/coordinator"
	"lattice-core/pkg/errors"
)

// CreateNodeRequest carries a node creation. ID is optional; a fresh UUID is
// assigned when empty.
type CreateNodeRequest struct {
	ID         string         `json:"id,omitempty" validate:"omitempty,max=128"`
	Type       string         `json:"nodeType" validate:"required,max=64"`
	Content    string         `json:"content" validate:"max=102400"`
	ParentID   string         `json:"parentId,omitempty" validate:"omitempty,max=128"`
	Properties map[string]any `json:"properties,omitempty"`
	Position   *int           `json:"position,omitempty" validate:"omitempty,min=0"`
}

// OutlineService drives structural outline edits through the store.
type OutlineService struct {
	store    *store.Store
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOutlineService builds the service.
func NewOutlineService(s *store.Store, logger *zap.Logger) *OutlineService {
	return &OutlineService{
		store:    s,
		validate: validator.New(),
		logger:   logger.Named("outline"),
	}
}

// CreateNode validates and creates a node. A child creation declares a
// dependency on the parent's pending save, so the backend never sees a child
// before its parent exists durably.
func (s *OutlineService) CreateNode(ctx context.Context, source outline.Source, req CreateNodeRequest) (*outline.Node, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	if req.ParentID != "" {
		if _, ok := s.store.GetNode(req.ParentID); !ok {
			return nil, errors.NewNotFound(fmt.Sprintf("parent node not found: %s", req.ParentID))
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, exists := s.store.GetNode(id); exists {
		return nil, errors.NewConflict(fmt.Sprintf("node already exists: %s", id))
	}

	node, err := outline.NewNode(id, req.Type, req.Content, req.ParentID, req.Properties)
	if err != nil {
		return nil, err
	}

	opts := store.SetOptions{Position: req.Position}
	if req.ParentID != "" {
		opts.Dependencies = []coordinator.Dependency{coordinator.OnNode(req.ParentID)}
	}
	if err := s.store.SetNode(node, source, opts); err != nil {
		return nil, err
	}

	s.logger.Debug("created node",
		zap.String("node_id", id),
		zap.String("parent_id", req.ParentID),
		zap.String("source", source.String()),
	)
	return node, nil
}

// CreateChild creates a node under the given parent.
func (s *OutlineService) CreateChild(ctx context.Context, source outline.Source, parentID string, req CreateNodeRequest) (*outline.Node, error) {
	req.ParentID = parentID
	return s.CreateNode(ctx, source, req)
}

// Move reparents a node. The write persists immediately, depends on the
// target parent's pending save and rolls back to the last durable state if
// the backend rejects it.
func (s *OutlineService) Move(ctx context.Context, source outline.Source, nodeID, newParentID string, position *int) error {
	node, ok := s.store.GetNode(nodeID)
	if !ok {
		return errors.NewNotFound(fmt.Sprintf("node not found: %s", nodeID))
	}
	if newParentID != "" {
		if _, ok := s.store.GetNode(newParentID); !ok {
			return errors.NewNotFound(fmt.Sprintf("target parent not found: %s", newParentID))
		}
		if nodeID == newParentID || s.wouldCreateCycle(nodeID, newParentID) {
			return errors.NewValidation("cannot move a node under itself or its own descendant")
		}
	}

	opts := store.UpdateOptions{
		Immediate:    true,
		WithRollback: true,
		Position:     position,
	}
	if newParentID != "" {
		opts.Dependencies = []coordinator.Dependency{coordinator.OnNode(newParentID)}
	}

	res, err := s.store.UpdateNode(nodeID, outline.ReparentChange(newParentID, node.Version), source, opts)
	if err != nil {
		return err
	}
	if res != nil && res.RequiresManual() {
		return errors.NewConflict(fmt.Sprintf("node %s changed concurrently; re-read and retry the move", nodeID))
	}

	s.logger.Debug("moved node",
		zap.String("node_id", nodeID),
		zap.String("new_parent_id", newParentID),
		zap.String("source", source.String()),
	)
	return nil
}

// Indent reparents a node under its previous sibling, the outliner's Tab
// gesture. The first sibling has nowhere to go.
func (s *OutlineService) Indent(ctx context.Context, source outline.Source, nodeID string) error {
	node, ok := s.store.GetNode(nodeID)
	if !ok {
		return errors.NewNotFound(fmt.Sprintf("node not found: %s", nodeID))
	}

	siblings := s.store.GetChildren(node.ParentID)
	idx := -1
	for i, sib := range siblings {
		if sib.ID == nodeID {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return errors.NewValidation("cannot indent the first sibling")
	}
	return s.Move(ctx, source, nodeID, siblings[idx-1].ID, nil)
}

// Outdent reparents a node under its grandparent, positioned right after its
// old parent, the outliner's Shift+Tab gesture.
func (s *OutlineService) Outdent(ctx context.Context, source outline.Source, nodeID string) error {
	node, ok := s.store.GetNode(nodeID)
	if !ok {
		return errors.NewNotFound(fmt.Sprintf("node not found: %s", nodeID))
	}
	if node.ParentID == "" {
		return errors.NewValidation("cannot outdent a root node")
	}

	parent, ok := s.store.GetNode(node.ParentID)
	if !ok {
		return errors.NewNotFound(fmt.Sprintf("parent node not found: %s", node.ParentID))
	}

	uncles := s.store.GetChildren(parent.ParentID)
	position := (*int)(nil)
	for i, sib := range uncles {
		if sib.ID == parent.ID {
			after := i + 1
			position = &after
			break
		}
	}
	return s.Move(ctx, source, nodeID, parent.ParentID, position)
}

// DeleteSubtree removes a node and all its descendants, leaves first so the
// backend deletes children before their parents. Deleting an unknown node is
// a no-op, matching the store.
func (s *OutlineService) DeleteSubtree(ctx context.Context, source outline.Source, nodeID string) error {
	if _, ok := s.store.GetNode(nodeID); !ok {
		return nil
	}

	var deleteFrom func(id string) error
	deleteFrom = func(id string) error {
		children := s.store.GetChildren(id)
		childIDs := make([]string, 0, len(children))
		for _, child := range children {
			if err := deleteFrom(child.ID); err != nil {
				return err
			}
			childIDs = append(childIDs, child.ID)
		}
		opts := store.DeleteOptions{}
		if len(childIDs) > 0 {
			opts.Dependencies = []coordinator.Dependency{coordinator.OnNodes(childIDs...)}
		}
		return s.store.DeleteNode(id, source, opts)
	}

	if err := deleteFrom(nodeID); err != nil {
		return err
	}
	s.logger.Debug("deleted subtree",
		zap.String("node_id", nodeID),
		zap.String("source", source.String()),
	)
	return nil
}

// WaitForSaves blocks until the named nodes' pending writes finish and
// returns the ids that did not make it before the timeout.
func (s *OutlineService) WaitForSaves(ctx context.Context, ids []string, timeout time.Duration) []string {
	return s.store.WaitForNodeSaves(ctx, ids, timeout)
}

// wouldCreateCycle walks the parent chain from the move target; hitting the
// moved node means the move would detach its subtree into a loop. Broken or
// looping chains must not hang the walk.
func (s *OutlineService) wouldCreateCycle(nodeID, newParentID string) bool {
	hops := 0
	for cursor := newParentID; cursor != ""; {
		if cursor == nodeID {
			return true
		}
		parent, ok := s.store.GetNode(cursor)
		if !ok {
			return false
		}
		cursor = parent.ParentID
		if hops++; hops > 10000 {
			return true
		}
	}
	return false
}

func (s *OutlineService) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return errors.NewValidation(fmt.Sprintf("field %s failed %s validation", first.Field(), first.Tag()))
	}
	return errors.NewValidation(err.Error())
}
