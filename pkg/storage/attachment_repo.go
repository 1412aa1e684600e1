package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// AttachmentRepo is the only entry point for reading or writing the
// attachments table.
type AttachmentRepo struct {
	conn *sql.DB
}

// Create records a new active attachment and returns its assigned id.
func (r *AttachmentRepo) Create(ctx context.Context, a *types.Attachment) (int64, error) {
	res, err := r.conn.ExecContext(ctx, `
INSERT INTO attachments (container_id, client_name, session_id, attached_at, detached_at)
VALUES (?, ?, ?, ?, NULL)`,
		a.ContainerID, a.ClientName, a.SessionID, a.AttachedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: attachment create: %w", err)
	}
	return res.LastInsertId()
}

// DetachAllActive sets detached_at on every still-active attachment for
// containerID. Used by Container Manager's Remove, in the same
// transaction as the container row's deletion.
func (r *AttachmentRepo) DetachAllActive(ctx context.Context, tx *sql.Tx, containerID string, detachedAt time.Time) error {
	var exec interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	} = r.conn
	if tx != nil {
		exec = tx
	}
	_, err := exec.ExecContext(ctx,
		`UPDATE attachments SET detached_at = ? WHERE container_id = ? AND detached_at IS NULL`,
		detachedAt, containerID)
	if err != nil {
		return fmt.Errorf("storage: attachment detach all: %w", err)
	}
	return nil
}

// Detach sets detached_at on one attachment.
func (r *AttachmentRepo) Detach(ctx context.Context, id int64, detachedAt time.Time) error {
	_, err := r.conn.ExecContext(ctx,
		`UPDATE attachments SET detached_at = ? WHERE id = ? AND detached_at IS NULL`,
		detachedAt, id)
	if err != nil {
		return fmt.Errorf("storage: attachment detach: %w", err)
	}
	return nil
}

// ListActive returns every attachment for containerID that has not yet
// been detached.
func (r *AttachmentRepo) ListActive(ctx context.Context, containerID string) ([]*types.Attachment, error) {
	rows, err := r.conn.QueryContext(ctx, `
SELECT id, container_id, client_name, session_id, attached_at, detached_at
FROM attachments WHERE container_id = ? AND detached_at IS NULL`, containerID)
	if err != nil {
		return nil, fmt.Errorf("storage: attachment list active: %w", err)
	}
	defer rows.Close()

	var out []*types.Attachment
	for rows.Next() {
		var a types.Attachment
		var detachedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.ContainerID, &a.ClientName, &a.SessionID, &a.AttachedAt, &detachedAt); err != nil {
			return nil, err
		}
		if detachedAt.Valid {
			a.DetachedAt = detachedAt.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
