package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteOptions mirrors the pragma string podman's sqlite-backed state
// opens with: WAL journaling, foreign keys enforced, and exclusive
// transaction locking so concurrent repository calls serialize cleanly
// instead of retrying under SQLITE_BUSY.
const sqliteOptions = "?_journal_mode=WAL&_foreign_keys=1&_txlock=immediate&_busy_timeout=30000"

// DB wraps the raw *sql.DB connection and exposes repositories as the
// only way callers touch the database.
type DB struct {
	conn *sql.DB

	Containers   *ContainerRepo
	Execs        *ExecRepo
	Attachments  *AttachmentRepo
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending schema migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // SQLite plus exclusive tx-lock: one writer at a time.

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}

	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &DB{
		conn:        conn,
		Containers:  &ContainerRepo{conn: conn},
		Execs:       &ExecRepo{conn: conn},
		Attachments: &AttachmentRepo{conn: conn},
	}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Vacuum compacts the database file, the reconciliation engine's final
// step.
func (d *DB) Vacuum(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("storage: vacuum: %w", err)
	}
	return nil
}

// WithTx runs fn inside a single exclusive transaction, committing on a
// nil return and rolling back otherwise. Callers never see or nest
// *sql.Tx directly; every multi-step mutation goes through this.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("storage: rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}
