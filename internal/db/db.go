// Package db provides the embedded SQLite storage used by tether.
//
// It backs two things:
//
//   - the key/value blob table holding session markers such as the
//     "last processed event" timestamp (the only state tether persists)
//   - the rows table of the reference remote store (internal/remote/sqlstore)
//     used by `tether serve`, the load generator and integration tests
//
// The database runs in embedded mode through ncruces/go-sqlite3 with WAL for
// concurrent readers during writes.
//
// Example:
//
//	database, err := db.Open(".tether/tether.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/tether/internal/remote"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// Pragmas are passed in the DSN so every pooled connection gets them, and
// transactions begin IMMEDIATE so read-modify-write procedures never fail
// with a lock upgrade error.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn: conn,
		path: path,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rows (
		resource TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON object
		updated_at TEXT NOT NULL,
		PRIMARY KEY (resource, id)
	);

	CREATE INDEX IF NOT EXISTS idx_rows_updated ON rows(resource, updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// GetBlob returns the value stored under key. The bool is false when the key
// is absent.
func (db *DB) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return value, true, nil
}

// PutBlob stores value under key, replacing any previous value.
func (db *DB) PutBlob(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	return nil
}

// DeleteBlob removes key. Returns nil if the key doesn't exist (idempotent).
func (db *DB) DeleteBlob(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// RowChange describes the outcome of a row write.
type RowChange struct {
	Row     remote.Row
	Created bool
	Deleted bool
}

// UpsertRowsContext writes rows into resource in a single transaction.
//
// Every row must carry an id. The updated_at field is stamped with the write
// time, which makes it the authoritative timestamp seen by subscribers.
func (db *DB) UpsertRowsContext(ctx context.Context, resource string, rows []remote.Row) ([]RowChange, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	changes := make([]RowChange, 0, len(rows))
	for _, row := range rows {
		id := row.ID()
		if id == "" {
			return nil, fmt.Errorf("%w: row in %s has no id", remote.ErrValidation, resource)
		}

		existing, err := getRowTx(ctx, tx, resource, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return nil, err
		}

		merged := row.Clone()
		if existing != nil {
			merged = existing.Merge(row)
			// A mutation id only describes the write that carried it.
			if _, ok := row[remote.FieldMutationID]; !ok {
				delete(merged, remote.FieldMutationID)
			}
		}
		if err := putRowTx(ctx, tx, resource, merged); err != nil {
			return nil, err
		}
		changes = append(changes, RowChange{Row: merged, Created: existing == nil})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return changes, nil
}

// UpdateRowContext applies fn to the current version of a row inside one
// transaction. fn receives nil when the row does not exist; returning a nil
// row deletes it.
func (db *DB) UpdateRowContext(ctx context.Context, resource, id string, fn func(remote.Row) (remote.Row, error)) (RowChange, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return RowChange{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getRowTx(ctx, tx, resource, id)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return RowChange{}, err
	}

	next, err := fn(current.Clone())
	if err != nil {
		return RowChange{}, err
	}

	change := RowChange{Created: current == nil}
	if next == nil {
		if current == nil {
			return RowChange{}, fmt.Errorf("%w: %s:%s", remote.ErrNotFound, resource, id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE resource = ? AND id = ?`, resource, id); err != nil {
			return RowChange{}, fmt.Errorf("failed to delete row %s:%s: %w", resource, id, err)
		}
		change.Row = remote.Row{
			remote.FieldID:        id,
			remote.FieldUpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}
		change.Deleted = true
	} else {
		next[remote.FieldID] = id
		if err := putRowTx(ctx, tx, resource, next); err != nil {
			return RowChange{}, err
		}
		change.Row = next
	}

	if err := tx.Commit(); err != nil {
		return RowChange{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return change, nil
}

// GetRowContext returns a single row, or an error wrapping remote.ErrNotFound.
func (db *DB) GetRowContext(ctx context.Context, resource, id string) (remote.Row, error) {
	var data string
	err := db.conn.QueryRowContext(ctx,
		`SELECT data FROM rows WHERE resource = ? AND id = ?`, resource, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s:%s", remote.ErrNotFound, resource, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query row %s:%s: %w", resource, id, err)
	}
	return decodeRow(data)
}

// ListRowsContext returns every row of resource ordered by updated_at.
func (db *DB) ListRowsContext(ctx context.Context, resource string) ([]remote.Row, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT data FROM rows WHERE resource = ? ORDER BY updated_at ASC, id ASC`, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows of %s: %w", resource, err)
	}
	defer rows.Close()

	var out []remote.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// ResourceCounts returns the number of rows per resource.
func (db *DB) ResourceCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT resource, COUNT(*) FROM rows GROUP BY resource`)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var resource string
		var n int
		if err := rows.Scan(&resource, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[resource] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

func getRowTx(ctx context.Context, tx *sql.Tx, resource, id string) (remote.Row, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM rows WHERE resource = ? AND id = ?`, resource, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s:%s", remote.ErrNotFound, resource, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query row %s:%s: %w", resource, id, err)
	}
	return decodeRow(data)
}

func putRowTx(ctx context.Context, tx *sql.Tx, resource string, row remote.Row) error {
	updatedAt := time.Now().UTC().Format(time.RFC3339Nano)
	row[remote.FieldUpdatedAt] = updatedAt

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("%w: row %s:%s is not JSON-encodable: %v", remote.ErrValidation, resource, row.ID(), err)
	}

	query := `
	INSERT INTO rows (resource, id, data, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(resource, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, resource, row.ID(), string(data), updatedAt); err != nil {
		return fmt.Errorf("failed to upsert row %s:%s: %w", resource, row.ID(), err)
	}
	return nil
}

func decodeRow(data string) (remote.Row, error) {
	var row remote.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	return row, nil
}
