// Package db provides the embedded SQLite record store for the token catalog.
//
// The store is a single file holding the tokens table and a PRAGMA
// user_version counter that external consumers read as the catalog
// generation. The mobile app ships the file as a read-only asset; this
// package is the only writer.
//
// Architecture:
//   - Driver: ncruces/go-sqlite3 (pure Go, embedded)
//   - WAL mode, synchronous=NORMAL, 30s busy timeout on every connection
//   - Schema: tokens table, symbol and name indexes (see package schema)
//   - SchemaGuard runs inside Open, before any other statement touches
//     the table
//
// Writes are single-record primitives (UpsertSeed, UpsertDetails) that can
// run directly on the store or inside a Batch, which groups them into
// transactions of bounded size.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/logging"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultBatchSize is the number of writes grouped into one transaction.
const DefaultBatchSize = 500

var (
	// ErrStoreNotFound is returned when resume mode targets a missing file.
	ErrStoreNotFound = errors.New("store not found")

	// ErrSchemaIncompatible is returned by Open when the table layout cannot
	// be brought in line with the catalog layout.
	ErrSchemaIncompatible = errors.New("schema incompatible")
)

// Mode selects how Open treats an existing store.
type Mode int

const (
	// Fresh creates the store if needed. With Force, the table is dropped
	// and recreated first.
	Fresh Mode = iota
	// Resume requires an existing store and keeps its rows.
	Resume
)

func (m Mode) String() string {
	if m == Resume {
		return "resume"
	}
	return "fresh"
}

// Options configures Open.
type Options struct {
	Mode  Mode
	Force bool

	// BatchSize bounds the writes per transaction in a Batch.
	// Zero means DefaultBatchSize.
	BatchSize int

	Logger *logging.Logger
}

// DB wraps the SQLite connection pool with catalog operations.
type DB struct {
	conn      *sql.DB
	path      string
	batchSize int
	logger    *logging.Logger
	repaired  bool
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) the store at path and reconciles its layout.
//
// The caller MUST call Close() when done so the WAL is checkpointed into
// the main file before it is shipped.
//
// Example:
//
//	store, err := db.Open(ctx, "out/tokens.db", db.Options{Mode: db.Resume})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if opts.Mode == Resume {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("cannot resume %s: %w", path, ErrStoreNotFound)
		}
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	db := &DB{
		conn:      conn,
		path:      path,
		batchSize: batchSize,
		logger:    opts.Logger,
	}

	if opts.Mode == Fresh && opts.Force {
		if err := db.dropTable(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		db.logger.Info("dropped catalog table for forced rebuild", "path", path)
	}

	report, err := Ensure(ctx, conn)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrSchemaIncompatible, err)
	}
	db.repaired = report.Rebuilt
	if report.Created || report.Rebuilt || len(report.IndexesCreated) > 0 {
		db.logger.Info("schema reconciled",
			"created", report.Created,
			"rebuilt", report.Rebuilt,
			"indexes", report.IndexesCreated,
			"reasons", report.Reasons)
	}

	return db, nil
}

// dropTable removes the catalog table and any leftover shadow. The
// generation counter lives in the file header and survives.
func (db *DB) dropTable(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS " + shadowTable,
		"DROP TABLE IF EXISTS " + schema.TableName,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Path returns the store file path.
func (db *DB) Path() string {
	return db.path
}

// Rebuilt reports whether Open had to rebuild the table.
func (db *DB) Rebuilt() bool {
	return db.repaired
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", "error", err.Error())
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Backup writes a consistent copy of the store to dest using VACUUM INTO.
// dest must not exist.
func (db *DB) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup target %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

// BackupPath returns a timestamped sibling path for a backup of the store,
// e.g. tokens.db.bak-patch-20240101-150405.
func (db *DB) BackupPath(tag string, now time.Time) string {
	return fmt.Sprintf("%s.bak-%s-%s", db.path, tag, now.Format("20060102-150405"))
}
