// Package sqlite persists outline nodes in an embedded SQLite database, the
// default backend for desktop installs. The driver is pure Go, so the daemon
// ships as a single binary without cgo.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"lattice-core/domain/outline"
	"lattice-core/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const selectColumns = `SELECT id, node_type, content, parent_id, properties, version, created_at, modified_at, mentions FROM nodes`

// Backend implements ports.NodeBackend on a single SQLite database file.
type Backend struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and applies pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string, logger *zap.Logger) (*Backend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite allows one writer, and the coordinator already serializes
	// writes per node; a second connection only adds "database is locked"
	// churn. A single connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	// Concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps reads unblocked while a debounced write lands.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	b := &Backend{db: db, logger: logger.Named("sqlite")}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	b.logger.Info("opened sqlite database", zap.String("path", path))
	return b, nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet, recording each in schema_version.
func (b *Backend) migrate() error {
	if _, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := b.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := b.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}

		b.logger.Debug("applied migration", zap.Int("version", version))
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending
// order.
func (b *Backend) AppliedMigrations() ([]int, error) {
	rows, err := b.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Create inserts a brand new node. A duplicate id is a conflict; the insert
// is conditional so duplicate detection never depends on driver error text.
func (b *Backend) Create(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("cannot create a node without an id")
	}

	properties, err := encodeJSON(node.Properties)
	if err != nil {
		return fmt.Errorf("encoding properties for node %s: %w", node.ID, err)
	}
	mentions, err := encodeJSON(node.Mentions)
	if err != nil {
		return fmt.Errorf("encoding mentions for node %s: %w", node.ID, err)
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO nodes (id, node_type, content, parent_id, properties, version, created_at, modified_at, mentions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		node.ID, node.Type, node.Content, node.ParentID, properties, node.Version,
		node.CreatedAt.UTC().Format(time.RFC3339Nano),
		node.ModifiedAt.UTC().Format(time.RFC3339Nano),
		mentions,
	)
	if err != nil {
		return fmt.Errorf("inserting node %s: %w", node.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking inserted rows for node %s: %w", node.ID, err)
	}
	if n == 0 {
		return errors.NewConflict(fmt.Sprintf("node %s already exists", node.ID))
	}
	return nil
}

// Update replaces the stored record with the given state. created_at is
// immutable; everything else follows the write.
func (b *Backend) Update(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("cannot update a node without an id")
	}

	properties, err := encodeJSON(node.Properties)
	if err != nil {
		return fmt.Errorf("encoding properties for node %s: %w", node.ID, err)
	}
	mentions, err := encodeJSON(node.Mentions)
	if err != nil {
		return fmt.Errorf("encoding mentions for node %s: %w", node.ID, err)
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE nodes
		SET node_type = ?, content = ?, parent_id = ?, properties = ?, version = ?, modified_at = ?, mentions = ?
		WHERE id = ?`,
		node.Type, node.Content, node.ParentID, properties, node.Version,
		node.ModifiedAt.UTC().Format(time.RFC3339Nano),
		mentions, node.ID,
	)
	if err != nil {
		return fmt.Errorf("updating node %s: %w", node.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows for node %s: %w", node.ID, err)
	}
	if n == 0 {
		return errors.NewNotFound(fmt.Sprintf("node %s does not exist", node.ID))
	}
	return nil
}

// Delete removes the node. Deleting an absent row is fine; deletes race
// debounce windows, so the record may already be gone.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

// Load fetches one node by id.
func (b *Backend) Load(ctx context.Context, id string) (*outline.Node, error) {
	node, err := scanNode(b.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(fmt.Sprintf("node %s does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading node %s: %w", id, err)
	}
	return node, nil
}

// LoadChildren fetches the children of a parent in creation order. An empty
// parentID lists the roots.
func (b *Backend) LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error) {
	rows, err := b.db.QueryContext(ctx, selectColumns+" WHERE parent_id = ? ORDER BY created_at ASC, id ASC", parentID)
	if err != nil {
		return nil, fmt.Errorf("loading children of %q: %w", parentID, err)
	}
	return collectNodes(rows)
}

// List fetches every stored node for startup hydration.
func (b *Backend) List(ctx context.Context) ([]*outline.Node, error) {
	rows, err := b.db.QueryContext(ctx, selectColumns+" ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return collectNodes(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*outline.Node, error) {
	var (
		n                     outline.Node
		properties, mentions  sql.NullString
		createdAt, modifiedAt string
	)
	if err := row.Scan(&n.ID, &n.Type, &n.Content, &n.ParentID, &properties, &n.Version, &createdAt, &modifiedAt, &mentions); err != nil {
		return nil, err
	}

	var err error
	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for node %s: %w", n.ID, err)
	}
	if n.ModifiedAt, err = time.Parse(time.RFC3339Nano, modifiedAt); err != nil {
		return nil, fmt.Errorf("parsing modified_at for node %s: %w", n.ID, err)
	}
	if properties.Valid {
		if err := json.Unmarshal([]byte(properties.String), &n.Properties); err != nil {
			return nil, fmt.Errorf("decoding properties for node %s: %w", n.ID, err)
		}
	}
	if mentions.Valid {
		if err := json.Unmarshal([]byte(mentions.String), &n.Mentions); err != nil {
			return nil, fmt.Errorf("decoding mentions for node %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

func collectNodes(rows *sql.Rows) ([]*outline.Node, error) {
	defer rows.Close()

	var nodes []*outline.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// encodeJSON stores nil collections as NULL so a reloaded node compares
// equal to the one written.
func encodeJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
