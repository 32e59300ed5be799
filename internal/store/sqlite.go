// ABOUTME: SQLite implementation of the document DataStore using modernc.org/sqlite
// ABOUTME: Stores one JSON document per row and filters with json_extract

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// SQLiteStore implements DataStore over a single SQLite database. Each
// collection maps to its own table of (id, doc) rows.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	created map[string]bool
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for an ephemeral store in tests. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers so concurrent component setup never
	// sees SQLITE_BUSY; the document workload doesn't need a pool.
	db.SetMaxOpenConns(1)

	// WAL improves concurrent reader behavior; a single writer is enough
	// for the document workload.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		created: make(map[string]bool),
	}

	logger.Info("SQLite store opened", "path", path)
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Collection returns a handle for the named collection. The name must match
// [A-Za-z0-9_.-]+; anything else panics since collection names are
// compile-time constants composed with component namespaces.
func (s *SQLiteStore) Collection(name string) Collection {
	if !collectionNameRe.MatchString(name) {
		panic(fmt.Sprintf("store: invalid collection name %q", name))
	}
	return &sqliteCollection{store: s, name: name}
}

// tableName converts a collection name into a safe SQL identifier.
func tableName(collection string) string {
	return "col_" + strings.NewReplacer(".", "_", "-", "_").Replace(collection)
}

// ensureTable creates the backing table for a collection once per process.
func (s *SQLiteStore) ensureTable(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created[collection] {
		return nil
	}

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, doc TEXT NOT NULL)`,
		tableName(collection),
	)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}

	s.created[collection] = true
	return nil
}

type sqliteCollection struct {
	store *SQLiteStore
	name  string
}

// documentID marshals v and extracts its "id" field.
func documentID(v any) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling document: %w", err)
	}

	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ID == "" {
		return "", nil, ErrMissingID
	}
	return probe.ID, data, nil
}

// whereClause builds the filter predicate and bind values. Filter keys are
// sorted so generated SQL is deterministic.
func whereClause(filter Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []string
	var args []any
	for _, k := range keys {
		preds = append(preds, fmt.Sprintf("json_extract(doc, '$.%s') = ?", k))
		v := filter[k]
		// json_extract yields 0/1 for JSON booleans.
		if b, ok := v.(bool); ok {
			if b {
				v = 1
			} else {
				v = 0
			}
		}
		args = append(args, v)
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

func (c *sqliteCollection) InsertOne(ctx context.Context, v any) error {
	id, data, err := documentID(v)
	if err != nil {
		return err
	}
	if err := c.store.ensureTable(ctx, c.name); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %q (id, doc) VALUES (?, ?)`, tableName(c.name))
	if _, err := c.store.db.ExecContext(ctx, query, id, string(data)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		return fmt.Errorf("inserting into %s: %w", c.name, err)
	}
	return nil
}

func (c *sqliteCollection) FindOne(ctx context.Context, filter Filter, out any) error {
	if err := c.store.ensureTable(ctx, c.name); err != nil {
		return err
	}

	where, args := whereClause(filter)
	query := fmt.Sprintf(`SELECT doc FROM %q%s ORDER BY id LIMIT 1`, tableName(c.name), where)

	var doc string
	err := c.store.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying %s: %w", c.name, err)
	}

	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("decoding document from %s: %w", c.name, err)
	}
	return nil
}

func (c *sqliteCollection) Find(ctx context.Context, filter Filter) ([]json.RawMessage, error) {
	if err := c.store.ensureTable(ctx, c.name); err != nil {
		return nil, err
	}

	where, args := whereClause(filter)
	query := fmt.Sprintf(`SELECT doc FROM %q%s ORDER BY id`, tableName(c.name), where)

	rows, err := c.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.name, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", c.name, err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	return docs, rows.Err()
}

func (c *sqliteCollection) ReplaceOne(ctx context.Context, filter Filter, v any) (bool, error) {
	id, data, err := documentID(v)
	if err != nil {
		return false, err
	}
	if err := c.store.ensureTable(ctx, c.name); err != nil {
		return false, err
	}

	where, args := whereClause(filter)
	query := fmt.Sprintf(
		`UPDATE %q SET id = ?, doc = ? WHERE id IN (SELECT id FROM %q%s ORDER BY id LIMIT 1)`,
		tableName(c.name), tableName(c.name), where,
	)
	res, err := c.store.db.ExecContext(ctx, query, append([]any{id, string(data)}, args...)...)
	if err != nil {
		return false, fmt.Errorf("replacing in %s: %w", c.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *sqliteCollection) DeleteOne(ctx context.Context, filter Filter) (bool, error) {
	if err := c.store.ensureTable(ctx, c.name); err != nil {
		return false, err
	}

	where, args := whereClause(filter)
	query := fmt.Sprintf(
		`DELETE FROM %q WHERE id IN (SELECT id FROM %q%s ORDER BY id LIMIT 1)`,
		tableName(c.name), tableName(c.name), where,
	)
	res, err := c.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting from %s: %w", c.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *sqliteCollection) Discard(ctx context.Context) error {
	c.store.mu.Lock()
	delete(c.store.created, c.name)
	c.store.mu.Unlock()

	query := fmt.Sprintf(`DROP TABLE IF EXISTS %q`, tableName(c.name))
	if _, err := c.store.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("discarding %s: %w", c.name, err)
	}
	return nil
}
