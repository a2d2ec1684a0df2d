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

// JobRepo persists durable background jobs. The Redis queue only carries
// IDs; these rows are the source of truth.
type JobRepo struct {
	db Querier
}

const jobColumns = `id, kind, org_id, payload, event_id, status, attempts, max_retries,
	next_retry_at, last_error, scheduled_for, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.JobRun, error) {
	var j models.JobRun
	err := row.Scan(&j.ID, &j.Kind, &j.OrgID, &j.Payload, &j.EventID, &j.Status,
		&j.Attempts, &j.MaxRetries, &j.NextRetryAt, &j.LastError, &j.ScheduledFor,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Create inserts a job row. A duplicate (kind, eventId) means the job was
// already enqueued; callers treat Conflict as success for idempotent fanout.
func (r *JobRepo) Create(ctx context.Context, j *models.JobRun) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO job_runs (id, kind, org_id, payload, event_id, status, max_retries,
			scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID, j.Kind, j.OrgID, j.Payload, j.EventID, j.Status, j.MaxRetries,
		j.ScheduledFor, j.CreatedAt)
	if database.IsUniqueViolation(err, "") {
		return httperr.Conflict("job already enqueued for event")
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a job by ID.
func (r *JobRepo) Get(ctx context.Context, id string) (*models.JobRun, error) {
	j, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_runs WHERE id = $1`, id))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("job")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimRunning moves a pending or retry-due job to running, bumping the
// attempt counter. Returns false when another worker already claimed it.
func (r *JobRepo) ClaimRunning(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_runs SET status = 'running', attempts = attempts + 1,
			started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status IN ('pending', 'failed') AND scheduled_for <= $2`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks a job done.
func (r *JobRepo) Complete(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE job_runs SET status = 'completed', completed_at = $2, last_error = ''
		WHERE id = $1 AND status = 'running'`, id, at)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// ScheduleRetry moves a running job back to failed with a retry time.
func (r *JobRepo) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE job_runs SET status = 'failed', next_retry_at = $2, scheduled_for = $2, last_error = $3
		WHERE id = $1 AND status = 'running'`, id, nextRetryAt, lastError)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// MoveToDead writes the dead-letter row and finalizes the job in one
// transaction-friendly pair of statements on q.
func (r *JobRepo) MoveToDead(ctx context.Context, q Querier, d *models.DeadLetter) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO job_dead_letters (id, job_run_id, kind, payload, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.JobRunID, d.Kind, d.Payload, d.Reason, d.CreatedAt); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := q.Exec(ctx, `
		UPDATE job_runs SET status = 'dead', completed_at = $2, last_error = $3
		WHERE id = $1`, d.JobRunID, d.CreatedAt, d.Reason); err != nil {
		return fmt.Errorf("mark job dead: %w", err)
	}
	return nil
}

// DueRetries returns failed jobs whose retry time has arrived, so the
// scheduler can requeue them.
func (r *JobRepo) DueRetries(ctx context.Context, kind models.JobKind, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM job_runs
		WHERE kind = $1 AND status = 'failed' AND attempts <= max_retries AND next_retry_at <= $2
		ORDER BY next_retry_at LIMIT $3`, kind, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
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

// UpsertResult records one device's outcome within a fan-out job. Runs on q
// so command creation and result tracking can share a transaction.
func (r *JobRepo) UpsertResult(ctx context.Context, q Querier, res *models.JobResult) error {
	_, err := q.Exec(ctx, `
		INSERT INTO job_results (job_run_id, device_id, command_id, status, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_run_id, device_id) DO UPDATE SET
			status = EXCLUDED.status, error = EXCLUDED.error, completed_at = EXCLUDED.completed_at`,
		res.JobRunID, res.DeviceID, res.CommandID, res.Status, res.Error, res.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert job result: %w", err)
	}
	return nil
}

// ResultsSummary reports, for a fan-out job, how many per-device commands
// exist and how many reached a terminal state.
func (r *JobRepo) ResultsSummary(ctx context.Context, jobRunID string) (total, terminal int, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status IN ('completed', 'failed', 'timeout', 'cancelled'))
		FROM job_results WHERE job_run_id = $1`, jobRunID).Scan(&total, &terminal)
	if err != nil {
		return 0, 0, fmt.Errorf("summarize job results: %w", err)
	}
	return total, terminal, nil
}

// Results lists per-device outcomes for a job.
func (r *JobRepo) Results(ctx context.Context, jobRunID string) ([]*models.JobResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT job_run_id, device_id, command_id, status, error, completed_at
		FROM job_results WHERE job_run_id = $1 ORDER BY device_id`, jobRunID)
	if err != nil {
		return nil, fmt.Errorf("list job results: %w", err)
	}
	defer rows.Close()

	var out []*models.JobResult
	for rows.Next() {
		var res models.JobResult
		if err := rows.Scan(&res.JobRunID, &res.DeviceID, &res.CommandID, &res.Status,
			&res.Error, &res.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}
