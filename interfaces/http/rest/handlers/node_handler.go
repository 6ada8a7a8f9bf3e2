package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lattice-core/application/services"
	"lattice-core/application/store"
	"lattice-core/domain/outline"
	domainservices "lattice-core/domain/services"
	"lattice-core/interfaces/http/rest/middleware"
	"lattice-core/pkg/errors"
)

// NodeHandler serves the node CRUD and structural edit endpoints.
type NodeHandler struct {
	service *services.OutlineService
	store   *store.Store
	logger  *zap.Logger
}

// NewNodeHandler creates a node handler.
func NewNodeHandler(service *services.OutlineService, st *store.Store, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{service: service, store: st, logger: logger}
}

// UpdateNodeRequest is the PATCH body: a partial change plus merge policy.
type UpdateNodeRequest struct {
	outline.Change
	MergeProperties bool `json:"mergeProperties,omitempty"`
}

// UpdateNodeResponse returns the node after an applied update, with the
// resolution when the write raced another one.
type UpdateNodeResponse struct {
	Node       *outline.Node              `json:"node"`
	Resolution *domainservices.Resolution `json:"resolution,omitempty"`
}

// ConflictResponse is the 409 body for updates that need a human: both
// candidates and the fields that diverged.
type ConflictResponse struct {
	Error      bool                       `json:"error"`
	Message    string                     `json:"message"`
	Code       int                        `json:"code"`
	Resolution *domainservices.Resolution `json:"resolution"`
}

// MoveNodeRequest names the new parent; empty parentId moves to the root.
type MoveNodeRequest struct {
	ParentID string `json:"parentId" validate:"omitempty,max=128"`
	Position *int   `json:"position,omitempty" validate:"omitempty,min=0"`
}

// NodeListResponse wraps node collections.
type NodeListResponse struct {
	Nodes []*outline.Node `json:"nodes"`
	Count int             `json:"count"`
}

// CreateNode handles POST /nodes.
func (h *NodeHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req services.CreateNodeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(h.logger, w, err)
		return
	}

	source := outline.ViewerSource(middleware.ViewerFrom(r.Context()))
	node, err := h.service.CreateNode(r.Context(), source, req)
	if err != nil {
		respondError(h.logger, w, err)
		return
	}
	respondJSON(h.logger, w, http.StatusCreated, node)
}

// GetNode handles GET /nodes/{nodeID}.
func (h *NodeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	node, ok := h.store.GetNode(nodeID)
	if !ok {
		respondErrorMessage(h.logger, w, http.StatusNotFound, "node not found: "+nodeID)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, node)
}

// UpdateNode handles PATCH /nodes/{nodeID}. A partial change at a stale
// base version goes through conflict resolution; a manual outcome comes
// back as 409 carrying both candidates.
func (h *NodeHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if _, ok := h.store.GetNode(nodeID); !ok {
		respondErrorMessage(h.logger, w, http.StatusNotFound, "node not found: "+nodeID)
		return
	}

	var req UpdateNodeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(h.logger, w, err)
		return
	}
	if req.Change.IsEmpty() {
		respondError(h.logger, w, errors.NewValidation("change carries no fields"))
		return
	}

	source := outline.ViewerSource(middleware.ViewerFrom(r.Context()))
	res, err := h.store.UpdateNode(nodeID, req.Change, source, store.UpdateOptions{
		MergeProperties: req.MergeProperties,
	})
	if err != nil {
		respondError(h.logger, w, err)
		return
	}
	if res != nil && res.RequiresManual() {
		respondJSON(h.logger, w, http.StatusConflict, ConflictResponse{
			Error:      true,
			Message:    "node changed concurrently; pick a winner and retry with the current version",
			Code:       http.StatusConflict,
			Resolution: res,
		})
		return
	}

	node, _ := h.store.GetNode(nodeID)
	respondJSON(h.logger, w, http.StatusOK, UpdateNodeResponse{Node: node, Resolution: res})
}

// DeleteNode handles DELETE /nodes/{nodeID}. The whole subtree goes;
// deleting an unknown node succeeds quietly.
func (h *NodeHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	source := outline.ViewerSource(middleware.ViewerFrom(r.Context()))
	if err := h.service.DeleteSubtree(r.Context(), source, nodeID); err != nil {
		respondError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNodes handles GET /nodes.
func (h *NodeHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.store.GetAllNodes()
	if nodes == nil {
		nodes = []*outline.Node{}
	}
	respondJSON(h.logger, w, http.StatusOK, NodeListResponse{Nodes: nodes, Count: len(nodes)})
}

// GetChildren handles GET /nodes/{nodeID}/children in sibling order.
func (h *NodeHandler) GetChildren(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if _, ok := h.store.GetNode(nodeID); !ok {
		respondErrorMessage(h.logger, w, http.StatusNotFound, "node not found: "+nodeID)
		return
	}
	children := h.store.GetChildren(nodeID)
	if children == nil {
		children = []*outline.Node{}
	}
	respondJSON(h.logger, w, http.StatusOK, NodeListResponse{Nodes: children, Count: len(children)})
}

// GetParents handles GET /nodes/{nodeID}/parents: the chain from direct
// parent up to the root. Roots answer with an empty chain.
func (h *NodeHandler) GetParents(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	node, ok := h.store.GetNode(nodeID)
	if !ok {
		respondErrorMessage(h.logger, w, http.StatusNotFound, "node not found: "+nodeID)
		return
	}

	parents := []*outline.Node{}
	seen := map[string]bool{nodeID: true}
	for cursor := node.ParentID; cursor != ""; {
		if seen[cursor] {
			// A cycle in the parent chain; stop rather than loop.
			break
		}
		seen[cursor] = true
		parent, ok := h.store.GetNode(cursor)
		if !ok {
			break
		}
		parents = append(parents, parent)
		cursor = parent.ParentID
	}
	respondJSON(h.logger, w, http.StatusOK, NodeListResponse{Nodes: parents, Count: len(parents)})
}

// MoveNode handles POST /nodes/{nodeID}/move.
func (h *NodeHandler) MoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req MoveNodeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(h.logger, w, err)
		return
	}

	source := outline.ViewerSource(middleware.ViewerFrom(r.Context()))
	if err := h.service.Move(r.Context(), source, nodeID, req.ParentID, req.Position); err != nil {
		respondError(h.logger, w, err)
		return
	}
	node, _ := h.store.GetNode(nodeID)
	respondJSON(h.logger, w, http.StatusOK, node)
}

// IndentNode handles POST /nodes/{nodeID}/indent.
func (h *NodeHandler) IndentNode(w http.ResponseWriter, r *http.Request) {
	h.structuralEdit(w, r, h.service.Indent)
}

// OutdentNode handles POST /nodes/{nodeID}/outdent.
func (h *NodeHandler) OutdentNode(w http.ResponseWriter, r *http.Request) {
	h.structuralEdit(w, r, h.service.Outdent)
}

func (h *NodeHandler) structuralEdit(
	w http.ResponseWriter,
	r *http.Request,
	edit func(ctx context.Context, source outline.Source, nodeID string) error,
) {
	nodeID := chi.URLParam(r, "nodeID")
	source := outline.ViewerSource(middleware.ViewerFrom(r.Context()))
	if err := edit(r.Context(), source, nodeID); err != nil {
		respondError(h.logger, w, err)
		return
	}
	node, _ := h.store.GetNode(nodeID)
	respondJSON(h.logger, w, http.StatusOK, node)
}
