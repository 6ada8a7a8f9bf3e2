// Package badger persists outline nodes in an embedded BadgerDB key-value
// store. It suits installs that want a pure-Go embedded database with
// snapshot-isolated transactions instead of SQL.
//
// Key layout:
//   - 0x01 + nodeID                      -> JSON(node)
//   - 0x02 + parentID + 0x00 + nodeID    -> empty (child index)
package badger

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"lattice-core/domain/outline"
	"lattice-core/pkg/errors"
)

const (
	prefixNode   = byte(0x01)
	prefixParent = byte(0x02)
	keySeparator = byte(0x00)
)

// Options configures the Badger backend.
type Options struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites forces an fsync per write. Slower, but a crash cannot
	// lose an acknowledged save.
	SyncWrites bool
}

// Backend implements ports.NodeBackend on BadgerDB.
type Backend struct {
	db     *badger.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database described by opts.
func Open(opts Options, logger *zap.Logger) (*Backend, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		// Badger rejects disk-less mode with a directory set.
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// Badger's own logger writes to stderr; keep logging on our side.
	// The reduced buffer sizes fit a desktop outline, not a server workload.
	badgerOpts = badgerOpts.
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	b := &Backend{db: db, logger: logger.Named("badger")}
	b.logger.Info("opened badger database",
		zap.String("path", opts.Path),
		zap.Bool("inMemory", opts.InMemory),
	)
	return b, nil
}

// Close closes the database. Further calls on the backend fail with an
// unavailable error.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *Backend) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.NewUnavailable("badger backend closed", nil)
	}
	return nil
}

func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, id...)
}

func parentIndexKey(parentID, nodeID string) []byte {
	key := make([]byte, 0, 1+len(parentID)+1+len(nodeID))
	key = append(key, prefixParent)
	key = append(key, parentID...)
	key = append(key, keySeparator)
	key = append(key, nodeID...)
	return key
}

func parentIndexPrefix(parentID string) []byte {
	key := make([]byte, 0, 1+len(parentID)+1)
	key = append(key, prefixParent)
	key = append(key, parentID...)
	key = append(key, keySeparator)
	return key
}

// childIDFromIndexKey returns the nodeID suffix of a child index key.
func childIDFromIndexKey(key []byte, parentID string) string {
	offset := 1 + len(parentID) + 1
	if offset > len(key) {
		return ""
	}
	return string(key[offset:])
}

// Create stores a brand new node and indexes it under its parent.
func (b *Backend) Create(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("cannot create a node without an id")
	}
	if err := b.guard(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(node.ID)
		_, err := txn.Get(key)
		if err == nil {
			return errors.NewConflict(fmt.Sprintf("node %s already exists", node.ID))
		}
		if !stderrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encoding node %s: %w", node.ID, err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(parentIndexKey(node.ParentID, node.ID), nil)
	})
}

// Update replaces the stored record, moving the child index entry when the
// node changed parents.
func (b *Backend) Update(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("cannot update a node without an id")
	}
	if err := b.guard(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(node.ID)
		item, err := txn.Get(key)
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return errors.NewNotFound(fmt.Sprintf("node %s does not exist", node.ID))
		}
		if err != nil {
			return err
		}

		var existing outline.Node
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		}); err != nil {
			return fmt.Errorf("decoding node %s: %w", node.ID, err)
		}

		if existing.ParentID != node.ParentID {
			if err := txn.Delete(parentIndexKey(existing.ParentID, node.ID)); err != nil {
				return err
			}
			if err := txn.Set(parentIndexKey(node.ParentID, node.ID), nil); err != nil {
				return err
			}
		}

		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encoding node %s: %w", node.ID, err)
		}
		return txn.Set(key, data)
	})
}

// Delete removes the node and its child index entry. Deleting an absent node
// is not an error.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(id)
		item, err := txn.Get(key)
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var existing outline.Node
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		}); err != nil {
			return fmt.Errorf("decoding node %s: %w", id, err)
		}

		if err := txn.Delete(parentIndexKey(existing.ParentID, id)); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// Load fetches one node by id.
func (b *Backend) Load(ctx context.Context, id string) (*outline.Node, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var node *outline.Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return errors.NewNotFound(fmt.Sprintf("node %s does not exist", id))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var n outline.Node
			if err := json.Unmarshal(val, &n); err != nil {
				return fmt.Errorf("decoding node %s: %w", id, err)
			}
			node = &n
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// LoadChildren walks the child index of a parent and returns the children in
// creation order. An empty parentID lists the roots.
func (b *Backend) LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var nodes []*outline.Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := parentIndexPrefix(parentID)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			childID := childIDFromIndexKey(it.Item().KeyCopy(nil), parentID)
			if childID == "" {
				continue
			}

			item, err := txn.Get(nodeKey(childID))
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				// A stale index entry; the record owns the truth.
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				var n outline.Node
				if err := json.Unmarshal(val, &n); err != nil {
					return fmt.Errorf("decoding node %s: %w", childID, err)
				}
				nodes = append(nodes, &n)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortNodes(nodes)
	return nodes, nil
}

// List returns every stored node for startup hydration.
func (b *Backend) List(ctx context.Context) ([]*outline.Node, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var nodes []*outline.Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixNode}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				var n outline.Node
				if err := json.Unmarshal(val, &n); err != nil {
					return fmt.Errorf("decoding node: %w", err)
				}
				nodes = append(nodes, &n)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortNodes(nodes)
	return nodes, nil
}

// sortNodes orders by creation time, then id, matching the other backends so
// hydration sees the same sibling order everywhere.
func sortNodes(nodes []*outline.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
