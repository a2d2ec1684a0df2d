package store

import (
	"context"
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/jackc/pgx/v5"
)

// CommandRepo persists the per-device command queue.
type CommandRepo struct {
	db Querier
}

const commandColumns = `id, device_id, org_id, type, payload, status, exit_code, stdout,
	stderr, issued_by, issued_at, started_at, completed_at, expires_at, job_run_id, attempt`

func scanCommand(row pgx.Row) (*models.DeviceCommand, error) {
	var c models.DeviceCommand
	err := row.Scan(&c.ID, &c.DeviceID, &c.OrgID, &c.Type, &c.Payload, &c.Status,
		&c.ExitCode, &c.Stdout, &c.Stderr, &c.IssuedBy, &c.IssuedAt, &c.StartedAt,
		&c.CompletedAt, &c.ExpiresAt, &c.JobRunID, &c.Attempt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create queues a command for a device. Serialized kinds (reboot, patch,
// upgrade) are limited to one in-flight command per device by a partial
// unique index; violating it surfaces as Conflict.
func (r *CommandRepo) Create(ctx context.Context, q Querier, c *models.DeviceCommand) error {
	_, err := q.Exec(ctx, `
		INSERT INTO device_commands (id, device_id, org_id, type, payload, status, issued_by,
			issued_at, expires_at, job_run_id, serialized)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.DeviceID, c.OrgID, c.Type, c.Payload, c.Status, c.IssuedBy,
		c.IssuedAt, c.ExpiresAt, c.JobRunID, models.SerializedCommandType(c.Type))
	if database.IsUniqueViolation(err, "device_commands_serialized_key") {
		return httperr.Conflict("device already has a serialized command in flight")
	}
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// Get returns a scoped command.
func (r *CommandRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.DeviceCommand, error) {
	args := []any{id}
	q := `SELECT ` + commandColumns + ` FROM device_commands WHERE id = $1` +
		scope.orgCondition("org_id", &args)
	c, err := scanCommand(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("command")
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return c, nil
}

// GetForAgent returns a command only when it belongs to the given device.
// Missing and mismatched IDs are indistinguishable, so agents cannot probe
// other tenants' command IDs.
func (r *CommandRepo) GetForAgent(ctx context.Context, commandID, deviceID string) (*models.DeviceCommand, error) {
	c, err := scanCommand(r.db.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM device_commands WHERE id = $1 AND device_id = $2`,
		commandID, deviceID))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("command")
	}
	if err != nil {
		return nil, fmt.Errorf("get command for agent: %w", err)
	}
	return c, nil
}

// ListForDevice returns a device's commands, newest first.
func (r *CommandRepo) ListForDevice(ctx context.Context, scope OrgScope, deviceID string, page Page) ([]*models.DeviceCommand, error) {
	args := []any{deviceID, page.Bound()}
	q := `SELECT ` + commandColumns + ` FROM device_commands WHERE device_id = $1` +
		scope.orgCondition("org_id", &args) + ` ORDER BY issued_at DESC LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PickupPending atomically claims up to limit pending commands for a device,
// marking each sent. FIFO by issue time; the conditional status predicate
// serializes concurrent pickups.
func (r *CommandRepo) PickupPending(ctx context.Context, deviceID string, limit int, now time.Time) ([]*models.DeviceCommand, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE device_commands SET status = 'sent', attempt = attempt + 1
		WHERE id IN (
			SELECT id FROM device_commands
			WHERE device_id = $1 AND status IN ('pending', 'queued') AND expires_at > $2
			ORDER BY issued_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+commandColumns, deviceID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pickup commands: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan picked command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyResult finalizes a command from an agent result post inside q. The
// conditional status predicate makes replays idempotent: a second post with
// the same attempt leaves the terminal row untouched and reports false.
func (r *CommandRepo) ApplyResult(ctx context.Context, q Querier, commandID string, res *models.CommandResult, at time.Time) (bool, error) {
	status := models.CommandStatusCompleted
	if !res.Succeeded() {
		status = models.CommandStatusFailed
	}
	tag, err := q.Exec(ctx, `
		UPDATE device_commands SET status = $2, exit_code = $3, stdout = $4, stderr = $5,
			started_at = COALESCE(started_at, $6 - ($7 * interval '1 millisecond')),
			completed_at = $6
		WHERE id = $1 AND status IN ('sent', 'running')`,
		commandID, status, res.ExitCode, res.Stdout, res.Stderr, at, res.DurationMs)
	if err != nil {
		return false, fmt.Errorf("apply command result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel stops a command that has not reached a terminal state.
func (r *CommandRepo) Cancel(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE device_commands SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued', 'sent', 'running')` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("cancel command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("command")
	}
	return nil
}

// SweepExpired times out commands whose expiry passed before a result
// arrived, returning the affected rows for job-result reconciliation.
func (r *CommandRepo) SweepExpired(ctx context.Context, now time.Time) ([]*models.DeviceCommand, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE device_commands SET status = 'timeout', completed_at = $1
		WHERE status IN ('pending', 'queued', 'sent', 'running') AND expires_at <= $1
		RETURNING `+commandColumns, now)
	if err != nil {
		return nil, fmt.Errorf("sweep expired commands: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
