// Package database owns the durable collections of the engine: memory
// records keyed by id, workflow checkpoints keyed by workflow id, and
// coordination plans. It supports SQLite for local use and PostgreSQL for
// shared deployments.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the SQL connection for the engine's durable state.
type Database struct {
	db       *sql.DB
	postgres bool
}

// New creates a SQLite-backed database and initializes the schema.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent workflow checkpointing.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &Database{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *Database) Ping() error {
	return d.db.Ping()
}

// initSchema creates the database tables.
func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		situation TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		metrics TEXT,
		lesson TEXT,
		tags TEXT,
		relevance_prior REAL NOT NULL DEFAULT 0.5,
		memory_class TEXT NOT NULL,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_memories_worker ON memories(worker_id);
	CREATE INDEX IF NOT EXISTS idx_memories_class ON memories(memory_class);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		workflow_id TEXT PRIMARY KEY,
		step_index INTEGER NOT NULL,
		state TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		plan_id TEXT PRIMARY KEY,
		work_item_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_work_item ON plans(work_item_id);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Best-effort migrations for existing databases.
	// SQLite doesn't support IF NOT EXISTS on ADD COLUMN.
	_, _ = d.db.Exec("ALTER TABLE memories ADD COLUMN lesson TEXT")
	_, _ = d.db.Exec("ALTER TABLE memories ADD COLUMN tags TEXT")

	return nil
}
