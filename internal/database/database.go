// Package database provides the SQLite substrate shared by the metadata
// store and the search index.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aerostudio/mailcore/internal/logging"
	_ "modernc.org/sqlite"
)

// Connection pool constants.
const (
	// MaxOpenConns limits concurrent database connections. SQLite with WAL
	// mode only supports one writer at a time, so having many connections
	// just increases lock contention. Keep this modest.
	MaxOpenConns = 8

	// BaseIdleConns is the minimum number of idle connections to keep.
	BaseIdleConns = 2

	// MaxIdleConns is the maximum number of idle connections to keep.
	MaxIdleConns = 4

	// IdleConnsPerAccount is how many additional idle connections to keep
	// per registered account.
	IdleConnsPerAccount = 1

	// CheckpointInterval is how often to run automatic WAL checkpoints.
	CheckpointInterval = 5 * time.Minute
)

// memDBSeq gives each ":memory:" Open its own named in-memory database.
var memDBSeq atomic.Int64

// DB wraps the SQL database connection used by the metadata store and the
// search index (both share one file so a single transaction can, in
// principle, span both — see searchindex for why it doesn't in practice).
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path, applying the
// pragmas every pooled connection needs via the DSN (PRAGMAs are
// per-connection, and database/sql creates connections lazily, so the
// DSN is the only way to guarantee every connection gets busy_timeout).
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	pragmas := "_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)"
	dsn := fmt.Sprintf("file:%s?%s", path, pragmas)
	if path == ":memory:" {
		// A plain in-memory database is private to one connection; a named
		// shared-cache one is seen by every connection in this pool.
		dsn = fmt.Sprintf("file:mailcore-mem-%d?mode=memory&cache=shared&%s", memDBSeq.Add(1), pragmas)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(BaseIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set database permissions: %w", err)
		}
	}

	return &DB{DB: db, path: path}, nil
}

// UpdateIdleConns adjusts the number of idle connections based on account
// count. Formula: BaseIdleConns + (numAccounts * IdleConnsPerAccount),
// capped at MaxIdleConns.
func (db *DB) UpdateIdleConns(numAccounts int) {
	log := logging.WithComponent("database")

	idleConns := BaseIdleConns + numAccounts*IdleConnsPerAccount
	if idleConns < BaseIdleConns {
		idleConns = BaseIdleConns
	}
	if idleConns > MaxIdleConns {
		idleConns = MaxIdleConns
	}

	db.SetMaxIdleConns(idleConns)
	log.Debug().Int("accounts", numAccounts).Int("idleConns", idleConns).Msg("updated connection pool")
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Checkpoint runs a passive WAL checkpoint, merging the write-ahead log
// back into the main database file without blocking writers.
func (db *DB) Checkpoint() error {
	_, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs Checkpoint on CheckpointInterval until ctx is
// cancelled. Call once at host startup.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	log := logging.WithComponent("database")

	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate runs all pending migrations in order, each in its own
// transaction, recording the applied version.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
			}
		}
	}

	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
