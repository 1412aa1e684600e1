package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// ExecRepo is the only entry point for reading or writing the execs
// table.
type ExecRepo struct {
	conn *sql.DB
}

const execColumns = `exec_id, container_id, argv_json, cwd, env_json, as_root,
	started_at, ended_at, exit_code, wall_ms, stdout_size, stderr_size,
	timed_out, cancelled, error`

func scanExec(row interface{ Scan(...any) error }) (*types.Exec, error) {
	var e types.Exec
	var argvJSON, envJSON string
	var asRoot, timedOut, cancelled int
	var endedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(
		&e.ExecID, &e.ContainerID, &argvJSON, &e.Command.Cwd, &envJSON, &asRoot,
		&e.StartedAt, &endedAt, &exitCode, &e.Usage.WallMS, &e.Usage.StdoutSize,
		&e.Usage.StderrSize, &timedOut, &cancelled, &e.Usage.Error,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argvJSON), &e.Command.Argv); err != nil {
		return nil, fmt.Errorf("decoding argv: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &e.Command.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}

	e.AsRoot = asRoot != 0
	e.Usage.Timeout = timedOut != 0
	e.Usage.Cancelled = cancelled != 0
	if endedAt.Valid {
		e.EndedAt = endedAt.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	return &e, nil
}

// Create inserts a new, still-running exec row.
func (r *ExecRepo) Create(ctx context.Context, e *types.Exec) error {
	argvJSON, err := json.Marshal(e.Command.Argv)
	if err != nil {
		return err
	}
	env := e.Command.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_, err = r.conn.ExecContext(ctx, `
INSERT INTO execs (`+execColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, 0, 0, 0, 0, '')`,
		e.ExecID, e.ContainerID, string(argvJSON), e.Command.Cwd, string(envJSON),
		boolToInt(e.AsRoot), e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: exec create: %w", err)
	}
	return nil
}

// GetByID returns the exec with the given id, or nil if absent.
func (r *ExecRepo) GetByID(ctx context.Context, execID string) (*types.Exec, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+execColumns+` FROM execs WHERE exec_id = ?`, execID)
	e, err := scanExec(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: exec get: %w", err)
	}
	return e, nil
}

// Complete records the terminal state of an exec: ended_at, exit_code,
// and the final usage snapshot. Called exactly once per exec.
func (r *ExecRepo) Complete(ctx context.Context, execID string, endedAt time.Time, exitCode int, usage types.ExecUsage) error {
	_, err := r.conn.ExecContext(ctx, `
UPDATE execs SET ended_at = ?, exit_code = ?, wall_ms = ?, stdout_size = ?,
	stderr_size = ?, timed_out = ?, cancelled = ?, error = ?
WHERE exec_id = ?`,
		endedAt, exitCode, usage.WallMS, usage.StdoutSize, usage.StderrSize,
		boolToInt(usage.Timeout), boolToInt(usage.Cancelled), usage.Error, execID,
	)
	if err != nil {
		return fmt.Errorf("storage: exec complete: %w", err)
	}
	return nil
}

// ListActiveIn returns all execs for containerID whose ended_at is null.
func (r *ExecRepo) ListActiveIn(ctx context.Context, containerID string) ([]*types.Exec, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT `+execColumns+` FROM execs WHERE container_id = ? AND ended_at IS NULL`, containerID)
	if err != nil {
		return nil, fmt.Errorf("storage: exec list active: %w", err)
	}
	defer rows.Close()

	var out []*types.Exec
	for rows.Next() {
		e, err := scanExec(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCompletedBefore returns the exec ids completed before cutoff, so
// callers can free associated resources (output buffers, idempotency
// entries) before the rows themselves are deleted.
func (r *ExecRepo) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT exec_id FROM execs WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: exec list completed before: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCompletedBefore deletes exec rows whose ended_at predates cutoff,
// the exec-retention half of reconciliation's retention step.
func (r *ExecRepo) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.conn.ExecContext(ctx,
		`DELETE FROM execs WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: exec retention delete: %w", err)
	}
	return res.RowsAffected()
}
