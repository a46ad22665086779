package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// rebind converts '?' placeholders to PostgreSQL's $N form when the
// underlying database is Postgres. Queries are written once with '?' and
// rebound per backend.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (d *Database) rebind(query string) string {
	if d.postgres {
		return rebind(query)
	}
	return query
}

// NewPostgres creates a PostgreSQL database connection and initializes the
// schema.
func NewPostgres(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	d := &Database{db: db, postgres: true}
	if err := d.initSchemaPostgres(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

func (d *Database) initSchemaPostgres() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		situation TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		metrics TEXT,
		lesson TEXT,
		tags TEXT,
		relevance_prior DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		memory_class TEXT NOT NULL,
		expires_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_memories_worker ON memories(worker_id);
	CREATE INDEX IF NOT EXISTS idx_memories_class ON memories(memory_class);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		workflow_id TEXT PRIMARY KEY,
		step_index INTEGER NOT NULL,
		state TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		plan_id TEXT PRIMARY KEY,
		work_item_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_work_item ON plans(work_item_id);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
