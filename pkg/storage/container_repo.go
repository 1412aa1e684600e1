package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// ContainerRepo is the only entry point for reading or writing the
// containers table.
type ContainerRepo struct {
	conn *sql.DB
}

const containerColumns = `id, runtime_id, alias, image_ref, digest, persistent,
	created_at, last_seen, ttl_seconds, volume_name, status,
	idempotency_key, idempotency_key_created_at`

func scanContainer(row interface{ Scan(...any) error }) (*types.Container, error) {
	var c types.Container
	var alias, digest, volumeName, idempotencyKey sql.NullString
	var idempotencyKeyCreatedAt sql.NullTime
	var persistent int

	err := row.Scan(
		&c.ID, &c.RuntimeID, &alias, &c.ImageRef, &digest, &persistent,
		&c.CreatedAt, &c.LastSeen, &c.TTLSeconds, &volumeName, &c.Status,
		&idempotencyKey, &idempotencyKeyCreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Alias = alias.String
	c.Digest = digest.String
	c.VolumeName = volumeName.String
	c.Persistent = persistent != 0
	c.IdempotencyKey = idempotencyKey.String
	if idempotencyKeyCreatedAt.Valid {
		c.IdempotencyKeyCreatedAt = idempotencyKeyCreatedAt.Time
	}
	return &c, nil
}

// Create inserts a new container row. A collision on the alias unique
// index or the idempotency_key unique index is surfaced as a typed
// error so the Container Manager can decide whether to retry step (1)
// of Create or return the existing winner.
func (r *ContainerRepo) Create(ctx context.Context, tx *sql.Tx, c *types.Container) error {
	exec := r.execer(tx)
	_, err := exec.ExecContext(ctx, `
INSERT INTO containers (`+containerColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RuntimeID, c.Alias, c.ImageRef, c.Digest,
		boolToInt(c.Persistent), c.CreatedAt, c.LastSeen, c.TTLSeconds,
		c.VolumeName, string(c.Status),
		c.IdempotencyKey, nullableTime(c.IdempotencyKeyCreatedAt),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("storage: container create: %w", errAlreadyExists(err))
		}
		return fmt.Errorf("storage: container create: %w", err)
	}
	return nil
}

// GetByID returns the container with the given id, or nil if absent.
func (r *ContainerRepo) GetByID(ctx context.Context, id string) (*types.Container, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+containerColumns+` FROM containers WHERE id = ?`, id)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: container get: %w", err)
	}
	return c, nil
}

// GetByAlias returns the container with the given alias, or nil if absent.
func (r *ContainerRepo) GetByAlias(ctx context.Context, alias string) (*types.Container, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+containerColumns+` FROM containers WHERE alias = ?`, alias)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: container get by alias: %w", err)
	}
	return c, nil
}

// GetByIdempotencyKey returns the container that currently holds key, or
// nil if none does.
func (r *ContainerRepo) GetByIdempotencyKey(ctx context.Context, key string) (*types.Container, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+containerColumns+` FROM containers WHERE idempotency_key = ?`, key)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: container get by idempotency key: %w", err)
	}
	return c, nil
}

// List returns all containers, optionally restricted to status=running.
func (r *ContainerRepo) List(ctx context.Context, includeStopped bool) ([]*types.Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers`
	var args []any
	if !includeStopped {
		query += ` WHERE status = ?`
		args = append(args, string(types.ContainerRunning))
	}

	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: container list: %w", err)
	}
	defer rows.Close()

	var out []*types.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: container list scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStatus sets status and bumps last_seen.
func (r *ContainerRepo) UpdateStatus(ctx context.Context, tx *sql.Tx, id string, status types.ContainerStatus, lastSeen time.Time) error {
	exec := r.execer(tx)
	_, err := exec.ExecContext(ctx,
		`UPDATE containers SET status = ?, last_seen = ? WHERE id = ?`,
		string(status), lastSeen, id)
	if err != nil {
		return fmt.Errorf("storage: container update status: %w", err)
	}
	return nil
}

// SetAlias assigns alias to an existing container. Returns a wrapped
// ErrAlreadyExists if alias collides with another container's unique
// alias index entry.
func (r *ContainerRepo) SetAlias(ctx context.Context, id, alias string) error {
	_, err := r.conn.ExecContext(ctx, `UPDATE containers SET alias = ? WHERE id = ?`, alias, id)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errAlreadyExists(err)
		}
		return fmt.Errorf("storage: container set alias: %w", err)
	}
	return nil
}

// Touch bumps last_seen without changing status.
func (r *ContainerRepo) Touch(ctx context.Context, tx *sql.Tx, id string, lastSeen time.Time) error {
	exec := r.execer(tx)
	_, err := exec.ExecContext(ctx, `UPDATE containers SET last_seen = ? WHERE id = ?`, lastSeen, id)
	if err != nil {
		return fmt.Errorf("storage: container touch: %w", err)
	}
	return nil
}

// Delete removes the container row.
func (r *ContainerRepo) Delete(ctx context.Context, tx *sql.Tx, id string) error {
	exec := r.execer(tx)
	_, err := exec.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: container delete: %w", err)
	}
	return nil
}

// ListTransientsOlderThan returns transient containers whose last_seen
// is older than cutoff, for reconciliation's aged-transient GC step.
func (r *ContainerRepo) ListTransientsOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Container, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT `+containerColumns+` FROM containers WHERE persistent = 0 AND last_seen < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: container list aged transients: %w", err)
	}
	defer rows.Close()

	var out []*types.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ContainerRepo) execer(tx *sql.Tx) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return r.conn
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ErrAlreadyExists is returned (wrapped) when a unique-index collision
// occurs on create.
var ErrAlreadyExists = errors.New("storage: already exists")

func errAlreadyExists(cause error) error {
	return fmt.Errorf("%w: %v", ErrAlreadyExists, cause)
}
