package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lattice-core/application/services"
	"lattice-core/application/store"
)

// defaultWaitTimeout bounds a wait request that does not name its own.
const defaultWaitTimeout = 5 * time.Second

// PersistenceHandler exposes save-state queries so viewers can render
// unsaved-changes indicators and flush before exit.
type PersistenceHandler struct {
	service *services.OutlineService
	store   *store.Store
	logger  *zap.Logger
}

// NewPersistenceHandler creates a persistence handler.
func NewPersistenceHandler(service *services.OutlineService, st *store.Store, logger *zap.Logger) *PersistenceHandler {
	return &PersistenceHandler{service: service, store: st, logger: logger}
}

// PersistenceStatusResponse reports one node's save state.
type PersistenceStatusResponse struct {
	NodeID    string `json:"nodeId"`
	Status    string `json:"status"`
	Pending   bool   `json:"pending"`
	Persisted bool   `json:"persisted"`
}

// WaitRequest asks to block until the named nodes' writes finish.
type WaitRequest struct {
	IDs       []string `json:"ids" validate:"required,min=1,max=1000"`
	TimeoutMs int      `json:"timeoutMs,omitempty" validate:"omitempty,min=0,max=60000"`
}

// WaitResponse lists the ids whose writes did not finish in time.
type WaitResponse struct {
	Complete   bool     `json:"complete"`
	Incomplete []string `json:"incomplete"`
}

// GetStatus handles GET /persistence/{nodeID}.
func (h *PersistenceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	_, exists := h.store.GetNode(nodeID)
	status, tracked := h.store.PersistenceStatus(nodeID)

	if !tracked && !exists {
		respondErrorMessage(h.logger, w, http.StatusNotFound, "node not found: "+nodeID)
		return
	}

	resp := PersistenceStatusResponse{
		NodeID:    nodeID,
		Status:    string(status),
		Pending:   h.store.IsNodePending(nodeID),
		Persisted: h.store.IsNodePersisted(nodeID),
	}
	if !tracked {
		// Hydrated at startup and never written since; durable by
		// definition.
		resp.Status = "none"
		resp.Persisted = true
	}
	respondJSON(h.logger, w, http.StatusOK, resp)
}

// Wait handles POST /persistence/wait.
func (h *PersistenceHandler) Wait(w http.ResponseWriter, r *http.Request) {
	var req WaitRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(h.logger, w, err)
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	incomplete := h.service.WaitForSaves(r.Context(), req.IDs, timeout)
	if incomplete == nil {
		incomplete = []string{}
	}
	respondJSON(h.logger, w, http.StatusOK, WaitResponse{
		Complete:   len(incomplete) == 0,
		Incomplete: incomplete,
	})
}
