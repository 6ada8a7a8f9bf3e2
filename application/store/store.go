// Package store implements the shared node store: the single authoritative
// in-memory copy of the outline that every viewer, the persistence layer and
// external sync agents read from and write through. Mutations are serialized,
// subscribers are notified synchronously in mutation order, and durable
// writes are handed off to the persistence coordinator.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lattice-core/application/ports"
	"lattice-core/domain/outline"
	"lattice-core/domain/services"
	"lattice-core/infrastructure/persistence/coordinator"
	"lattice-core/pkg/errors"
	"lattice-core/pkg/observability"
)

// Store holds the authoritative node map. Construct one per open outline
// with New; there is no package-level instance.
type Store struct {
	// mu serializes mutations end to end, fan-out included, so every
	// subscriber observes events in the order mutations were applied.
	mu sync.Mutex

	// stateMu guards the maps alone. Reads take only this, which lets a
	// subscriber read the store from inside its callback.
	stateMu    sync.RWMutex
	nodes      map[string]*outline.Node
	durable    map[string]*outline.Node
	childOrder map[string][]string

	subMu       sync.RWMutex
	subscribers map[Token]Subscriber
	nextToken   int

	resolver *services.ConflictResolver
	coord    *coordinator.Coordinator
	backend  ports.NodeBackend

	logger  *zap.Logger
	metrics *observability.Collector
}

// rollbackState is the restore point captured before a write that opted into
// rollback: the last durable record plus its place among its siblings, and
// the version the optimistic write will carry.
type rollbackState struct {
	node    *outline.Node
	index   int
	version int64
}

// New builds a store wired to its backend and coordinator.
func New(backend ports.NodeBackend, coord *coordinator.Coordinator, logger *zap.Logger, metrics *observability.Collector) *Store {
	return &Store{
		nodes:       make(map[string]*outline.Node),
		durable:     make(map[string]*outline.Node),
		childOrder:  make(map[string][]string),
		subscribers: make(map[Token]Subscriber),
		resolver:    services.NewConflictResolver(),
		coord:       coord,
		backend:     backend,
		logger:      logger.Named("store"),
		metrics:     metrics,
	}
}

// Hydrate replaces the in-memory state with the backend's contents. Sibling
// order is rebuilt by creation time since the wire format does not carry it.
// Meant for startup, before subscribers attach; it emits no notifications.
func (s *Store) Hydrate(ctx context.Context) (int, error) {
	nodes, err := s.backend.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "hydrating node store")
	}

	byParent := make(map[string][]*outline.Node)
	for _, n := range nodes {
		if n == nil || n.ID == "" {
			continue
		}
		byParent[n.ParentID] = append(byParent[n.ParentID], n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	s.nodes = make(map[string]*outline.Node, len(nodes))
	s.durable = make(map[string]*outline.Node, len(nodes))
	s.childOrder = make(map[string][]string, len(byParent))
	for parent, siblings := range byParent {
		sort.SliceStable(siblings, func(i, j int) bool {
			if siblings[i].CreatedAt.Equal(siblings[j].CreatedAt) {
				return siblings[i].ID < siblings[j].ID
			}
			return siblings[i].CreatedAt.Before(siblings[j].CreatedAt)
		})
		order := make([]string, 0, len(siblings))
		for _, n := range siblings {
			record := n.Clone()
			s.nodes[record.ID] = record
			s.durable[record.ID] = record.Clone()
			order = append(order, record.ID)
		}
		s.childOrder[parent] = order
	}
	resident := len(s.nodes)
	s.stateMu.Unlock()

	if s.metrics != nil {
		s.metrics.NodesResident.Set(float64(resident))
	}
	s.logger.Info("hydrated node store", zap.Int("nodes", resident))
	return resident, nil
}

// GetNode returns a copy of the node, or false when it is not resident.
func (s *Store) GetNode(id string) (*outline.Node, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

// GetNodes returns copies of the requested nodes in input order, silently
// skipping ids that are not resident.
func (s *Store) GetNodes(ids []string) []*outline.Node {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	out := make([]*outline.Node, 0, len(ids))
	for _, id := range ids {
		if node, ok := s.nodes[id]; ok {
			out = append(out, node.Clone())
		}
	}
	return out
}

// GetAllNodes returns copies of every resident node in outline order: a
// depth-first walk of the sibling lists from the roots, with unreachable
// nodes appended by id.
func (s *Store) GetAllNodes() []*outline.Node {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	out := make([]*outline.Node, 0, len(s.nodes))
	seen := make(map[string]struct{}, len(s.nodes))
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, id := range s.childOrder[parentID] {
			node, ok := s.nodes[id]
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, node.Clone())
			walk(id)
		}
	}
	walk("")

	if len(out) < len(s.nodes) {
		orphans := make([]string, 0, len(s.nodes)-len(out))
		for id := range s.nodes {
			if _, ok := seen[id]; !ok {
				orphans = append(orphans, id)
			}
		}
		sort.Strings(orphans)
		for _, id := range orphans {
			out = append(out, s.nodes[id].Clone())
		}
	}
	return out
}

// GetChildren returns copies of the parent's children in sibling order. An
// empty parentID lists the roots.
func (s *Store) GetChildren(parentID string) []*outline.Node {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	ids := s.childOrder[parentID]
	out := make([]*outline.Node, 0, len(ids))
	for _, id := range ids {
		if node, ok := s.nodes[id]; ok {
			out = append(out, node.Clone())
		}
	}
	return out
}

// GetParents returns copies of the node's parents. The slice holds at most
// the direct parent today; a multi-parent outline would widen it without
// changing the signature.
func (s *Store) GetParents(id string) []*outline.Node {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	node, ok := s.nodes[id]
	if !ok || node.ParentID == "" {
		return nil
	}
	parent, ok := s.nodes[node.ParentID]
	if !ok {
		return nil
	}
	return []*outline.Node{parent.Clone()}
}

// Count returns the number of resident nodes.
func (s *Store) Count() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return len(s.nodes)
}

// NodeIDs returns every resident node id, in no particular order.
func (s *Store) NodeIDs() []string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	return ids
}

// SetNode upserts a full record, notifies subscribers and, unless told
// otherwise, schedules a durable write. It is the entry point for creations
// and for records arriving whole from the backend or an external agent.
func (s *Store) SetNode(node *outline.Node, source outline.Source, opts SetOptions) error {
	if node == nil {
		return errors.NewValidation("node is required")
	}
	if node.ID == "" {
		return errors.NewValidation("node id is required")
	}

	record := node.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	prev, exists := s.nodes[record.ID]
	switch {
	case !exists:
		s.insertChildLocked(record.ParentID, record.ID, opts.Position)
	case prev.ParentID != record.ParentID:
		s.removeFromParentLocked(prev.ParentID, record.ID)
		s.insertChildLocked(record.ParentID, record.ID, opts.Position)
	case opts.Position != nil:
		s.removeFromParentLocked(record.ParentID, record.ID)
		s.insertChildLocked(record.ParentID, record.ID, opts.Position)
	}
	s.nodes[record.ID] = record
	if opts.MarkDurable {
		s.durable[record.ID] = record.Clone()
	}
	resident := len(s.nodes)
	s.stateMu.Unlock()

	kind := outline.EventUpdated
	if !exists {
		kind = outline.EventCreated
	}
	if s.metrics != nil {
		s.metrics.StoreOperations.WithLabelValues("set", string(source.Kind)).Inc()
		s.metrics.NodesResident.Set(float64(resident))
	}
	s.logger.Debug("stored node",
		zap.String("node_id", record.ID),
		zap.String("event", string(kind)),
		zap.String("source", source.String()),
	)

	s.notify(outline.Event{Kind: kind, Node: record, Source: source})

	if !opts.SkipPersistence {
		mode := coordinator.ModeImmediate
		if opts.Debounce {
			mode = coordinator.ModeDebounce
		}
		s.coord.Persist(record.ID, s.persistWrite(record.ID), coordinator.Options{
			Mode:         mode,
			Dependencies: opts.Dependencies,
		})
	}
	return nil
}

// UpdateNode applies a partial change optimistically. A stale BaseVersion
// from an untrusted source goes through conflict resolution first: automatic
// outcomes are applied and returned, manual ones are returned unapplied with
// both candidates for the caller to surface. Updating an unknown node is a
// no-op that returns (nil, nil).
func (s *Store) UpdateNode(id string, change outline.Change, source outline.Source, opts UpdateOptions) (*services.Resolution, error) {
	if id == "" {
		return nil, errors.NewValidation("node id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.RLock()
	current, ok := s.nodes[id]
	s.stateMu.RUnlock()
	if !ok {
		// Stale updates arrive after deletes; dropping them beats
		// resurrecting ghosts.
		s.logger.Debug("ignored update for unknown node", zap.String("node_id", id))
		return nil, nil
	}
	if change.IsEmpty() {
		return nil, nil
	}

	var resolution *services.Resolution
	var applied *outline.Node

	conflicted := change.BaseVersion > 0 && change.BaseVersion != current.Version &&
		!source.Trusted() && !opts.SkipConflictCheck && !opts.Computed
	if conflicted {
		resolution = s.resolver.Resolve(current, change, opts.MergeProperties)
		if s.metrics != nil {
			s.metrics.Conflicts.WithLabelValues(string(resolution.Strategy)).Inc()
		}
		if resolution.RequiresManual() {
			s.logger.Warn("update needs manual conflict resolution",
				zap.String("node_id", id),
				zap.Int64("base_version", change.BaseVersion),
				zap.Int64("current_version", current.Version),
				zap.String("source", source.String()),
			)
			return resolution, nil
		}
		applied = resolution.Merged.Clone()
		s.logger.Info("auto-resolved concurrent update",
			zap.String("node_id", id),
			zap.String("strategy", string(resolution.Strategy)),
			zap.Strings("fields", resolution.ChangedFields),
		)
	} else {
		applied = current.Apply(change, opts.MergeProperties)
	}

	// Derived recalculations leave Version and ModifiedAt alone; bumping
	// the token for them would turn every viewer's next edit into a
	// spurious conflict.
	if !opts.Computed {
		applied.NextVersion()
		applied.Touch(time.Now().UTC())
	}
	if resolution != nil {
		resolution.Applied = true
		resolution.Merged = applied.Clone()
	}

	// Derived recalculations are not user intent; they never reach the
	// backend on their own.
	skipPersist := opts.SkipPersistence || opts.Computed

	var rb *rollbackState
	if opts.WithRollback && !skipPersist {
		rb = s.captureRollbackState(id, current, applied.Version)
	}

	prevParent := current.ParentID

	s.stateMu.Lock()
	switch {
	case applied.ParentID != prevParent:
		s.removeFromParentLocked(prevParent, id)
		s.insertChildLocked(applied.ParentID, id, opts.Position)
	case opts.Position != nil:
		s.removeFromParentLocked(prevParent, id)
		s.insertChildLocked(prevParent, id, opts.Position)
	}
	s.nodes[id] = applied
	s.stateMu.Unlock()

	if s.metrics != nil {
		s.metrics.StoreOperations.WithLabelValues("update", string(source.Kind)).Inc()
	}
	s.logger.Debug("updated node",
		zap.String("node_id", id),
		zap.Int64("version", applied.Version),
		zap.Strings("fields", change.Fields()),
		zap.String("source", source.String()),
	)

	s.notify(outline.Event{Kind: outline.EventUpdated, Node: applied, Source: source})

	if !skipPersist {
		mode := coordinator.ModeDebounce
		if opts.Immediate {
			mode = coordinator.ModeImmediate
		}
		h := s.coord.Persist(id, s.persistWrite(id), coordinator.Options{
			Mode:         mode,
			Dependencies: opts.Dependencies,
		})
		if rb != nil {
			s.watchRollback(id, rb, h)
		}
	}
	return resolution, nil
}

// DeleteNode removes a node, notifies subscribers with a tombstone event
// and schedules the backend delete immediately, cancelling any write still
// pending for the node. Deleting an unknown node is a no-op.
func (s *Store) DeleteNode(id string, source outline.Source, opts DeleteOptions) error {
	if id == "" {
		return errors.NewValidation("node id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	current, ok := s.nodes[id]
	if !ok {
		s.stateMu.Unlock()
		return nil
	}
	tombstone := current.Clone()
	delete(s.nodes, id)
	s.removeFromParentLocked(current.ParentID, id)
	resident := len(s.nodes)
	s.stateMu.Unlock()

	if s.metrics != nil {
		s.metrics.StoreOperations.WithLabelValues("delete", string(source.Kind)).Inc()
		s.metrics.NodesResident.Set(float64(resident))
	}
	s.logger.Debug("deleted node",
		zap.String("node_id", id),
		zap.String("source", source.String()),
	)

	s.notify(outline.Event{Kind: outline.EventDeleted, Node: tombstone, Source: source})

	if !opts.SkipPersistence {
		// A write still in the debounce window must not resurrect the
		// node after the delete lands.
		s.coord.CancelPending(id)
		s.coord.Persist(id, s.persistDelete(id), coordinator.Options{
			Mode:         coordinator.ModeImmediate,
			Dependencies: opts.Dependencies,
		})
	}
	return nil
}

// WaitForNodeSaves blocks until the named nodes' pending writes finish and
// returns the ids that did not make it before the timeout.
func (s *Store) WaitForNodeSaves(ctx context.Context, ids []string, timeout time.Duration) []string {
	return s.coord.WaitForPersistence(ctx, ids, timeout)
}

// IsNodePersisted reports whether the node's latest write completed.
func (s *Store) IsNodePersisted(id string) bool {
	return s.coord.IsPersisted(id)
}

// IsNodePending reports whether a write for the node is still in flight.
func (s *Store) IsNodePending(id string) bool {
	return s.coord.IsPending(id)
}

// PersistenceStatus returns the node's current write status; false when the
// coordinator has never seen the node.
func (s *Store) PersistenceStatus(id string) (coordinator.Status, bool) {
	return s.coord.GetStatus(id)
}

// CancelPendingSave cancels the node's not-yet-started write, if any.
func (s *Store) CancelPendingSave(id string) bool {
	return s.coord.CancelPending(id)
}

// Close shuts down the persistence pipeline, bounded by ctx.
func (s *Store) Close(ctx context.Context) error {
	return s.coord.Close(ctx)
}

// ResetForTesting drops every node, durable snapshot, sibling list and
// subscriber. Tests that share a store call this between cases.
func (s *Store) ResetForTesting() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	s.nodes = make(map[string]*outline.Node)
	s.durable = make(map[string]*outline.Node)
	s.childOrder = make(map[string][]string)
	s.stateMu.Unlock()

	s.subMu.Lock()
	s.subscribers = make(map[Token]Subscriber)
	s.subMu.Unlock()

	if s.metrics != nil {
		s.metrics.NodesResident.Set(0)
		s.metrics.Subscribers.Set(0)
	}
}

// persistWrite builds the durable-write action for a node. The record is
// read at execution time, so a debounced action persists the final coalesced
// state, and the create/update choice follows what the backend has actually
// seen rather than what the caller believed at scheduling time.
func (s *Store) persistWrite(id string) coordinator.Action {
	return func(ctx context.Context) error {
		s.stateMu.RLock()
		current, ok := s.nodes[id]
		var snapshot *outline.Node
		if ok {
			snapshot = current.Clone()
		}
		_, wasDurable := s.durable[id]
		s.stateMu.RUnlock()
		if !ok {
			// Deleted while this write waited; the delete action owns
			// the backend state now.
			return nil
		}

		var err error
		if wasDurable {
			err = s.backend.Update(ctx, snapshot)
		} else {
			err = s.backend.Create(ctx, snapshot)
		}
		if err != nil {
			return err
		}

		s.stateMu.Lock()
		s.durable[id] = snapshot
		s.stateMu.Unlock()
		return nil
	}
}

// persistDelete builds the durable-delete action for a node.
func (s *Store) persistDelete(id string) coordinator.Action {
	return func(ctx context.Context) error {
		if err := s.backend.Delete(ctx, id); err != nil {
			return err
		}
		s.stateMu.Lock()
		delete(s.durable, id)
		s.stateMu.Unlock()
		return nil
	}
}

// captureRollbackState records the restore point for a rollback-enabled
// write: the last durable record (the pre-change in-memory record when the
// node was never persisted) and its current sibling slot.
func (s *Store) captureRollbackState(id string, current *outline.Node, appliedVersion int64) *rollbackState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	base := s.durable[id]
	if base == nil {
		base = current
	}
	return &rollbackState{
		node:    base.Clone(),
		index:   s.childIndexLocked(base.ParentID, id),
		version: appliedVersion,
	}
}

// watchRollback restores the captured state if the handle settles with a
// real failure. Cancellation means a newer write superseded this one, and a
// version moved on means a newer edit owns the node; neither rolls back.
func (s *Store) watchRollback(id string, rb *rollbackState, h *coordinator.Handle) {
	go func() {
		<-h.Done()
		err := h.Err()
		if err == nil || errors.IsCancelled(err) {
			return
		}
		s.rollback(id, rb, err)
	}()
}

func (s *Store) rollback(id string, rb *rollbackState, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	current, ok := s.nodes[id]
	if !ok || current.Version != rb.version {
		s.stateMu.Unlock()
		return
	}
	restored := rb.node.Clone()
	if current.ParentID != restored.ParentID || rb.index >= 0 {
		s.removeFromParentLocked(current.ParentID, id)
		var pos *int
		if rb.index >= 0 {
			p := rb.index
			pos = &p
		}
		s.insertChildLocked(restored.ParentID, id, pos)
	}
	s.nodes[id] = restored
	s.stateMu.Unlock()

	if s.metrics != nil {
		s.metrics.Rollbacks.Inc()
	}
	s.logger.Warn("rolled back node to last durable state",
		zap.String("node_id", id),
		zap.Int64("restored_version", restored.Version),
		zap.Error(cause),
	)

	s.notify(outline.Event{
		Kind:   outline.EventUpdated,
		Node:   restored,
		Source: outline.DatabaseSource("rollback"),
	})
}

// insertChildLocked places id under parentID at the given position; nil or
// out-of-range appends. Caller holds stateMu.
func (s *Store) insertChildLocked(parentID, id string, position *int) {
	siblings := s.childOrder[parentID]
	idx := len(siblings)
	if position != nil && *position >= 0 && *position < len(siblings) {
		idx = *position
	}
	siblings = append(siblings, "")
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = id
	s.childOrder[parentID] = siblings
}

// removeFromParentLocked drops id from parentID's sibling list. Caller holds
// stateMu.
func (s *Store) removeFromParentLocked(parentID, id string) {
	siblings := s.childOrder[parentID]
	for i, sid := range siblings {
		if sid != id {
			continue
		}
		siblings = append(siblings[:i], siblings[i+1:]...)
		if len(siblings) == 0 {
			delete(s.childOrder, parentID)
			return
		}
		s.childOrder[parentID] = siblings
		return
	}
}

// childIndexLocked returns id's index under parentID, -1 when absent. Caller
// holds stateMu.
func (s *Store) childIndexLocked(parentID, id string) int {
	for i, sid := range s.childOrder[parentID] {
		if sid == id {
			return i
		}
	}
	return -1
}
