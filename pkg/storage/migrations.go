package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one ordered, idempotent step in the schema history. The
// split between 0001 and 0002 mirrors the original project's own
// alembic history, where the idempotency columns were added onto an
// already-shipped containers table rather than being part of the
// original schema.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "baseline",
		sql: `
CREATE TABLE IF NOT EXISTS containers (
	id               TEXT PRIMARY KEY,
	runtime_id       TEXT NOT NULL DEFAULT '',
	alias            TEXT NOT NULL DEFAULT '',
	image_ref        TEXT NOT NULL,
	digest           TEXT NOT NULL DEFAULT '',
	persistent       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	last_seen        DATETIME NOT NULL,
	ttl_seconds      INTEGER NOT NULL DEFAULT 0,
	volume_name      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'stopped'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_containers_alias
	ON containers(alias) WHERE alias != '';

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	container_id TEXT NOT NULL REFERENCES containers(id),
	client_name  TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	attached_at  DATETIME NOT NULL,
	detached_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_attachments_container
	ON attachments(container_id);

CREATE TABLE IF NOT EXISTS execs (
	exec_id       TEXT PRIMARY KEY,
	container_id  TEXT NOT NULL REFERENCES containers(id),
	argv_json     TEXT NOT NULL,
	cwd           TEXT NOT NULL DEFAULT '',
	env_json      TEXT NOT NULL DEFAULT '{}',
	as_root       INTEGER NOT NULL DEFAULT 0,
	started_at    DATETIME NOT NULL,
	ended_at      DATETIME,
	exit_code     INTEGER,
	wall_ms       INTEGER NOT NULL DEFAULT 0,
	stdout_size   INTEGER NOT NULL DEFAULT 0,
	stderr_size   INTEGER NOT NULL DEFAULT 0,
	timed_out     INTEGER NOT NULL DEFAULT 0,
	cancelled     INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_execs_container
	ON execs(container_id);
`,
	},
	{
		version: 2,
		name:    "add idempotency key + unique index",
		sql: `
ALTER TABLE containers ADD COLUMN idempotency_key TEXT NOT NULL DEFAULT '';
ALTER TABLE containers ADD COLUMN idempotency_key_created_at DATETIME;

CREATE UNIQUE INDEX IF NOT EXISTS idx_containers_idempotency_key
	ON containers(idempotency_key) WHERE idempotency_key != '';
`,
	},
}

// AppliedMigrations lists the schema versions already recorded against
// conn, without applying anything. Used by the migration CLI's dry-run
// mode to report what Open would do.
func AppliedMigrations(ctx context.Context, conn *sql.DB) (applied []int, pending []int, err error) {
	if _, err = conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
		return nil, nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	have := map[int]bool{}
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, nil, err
		}
		have[v] = true
		applied = append(applied, v)
	}
	rows.Close()

	for _, m := range migrations {
		if !have[m.version] {
			pending = append(pending, m.version)
		}
	}
	return applied, pending, nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %04d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
			m.version, m.name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
