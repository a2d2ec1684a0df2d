package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/jackc/pgx/v5"
)

// RemoteRepo persists remote session signaling state and file transfer
// bookkeeping.
type RemoteRepo struct {
	db Querier
}

const sessionColumns = `id, device_id, user_id, org_id, type, status, offer, answer,
	ice_candidates, started_at, ended_at, last_activity_at, bytes_transferred`

func scanSession(row pgx.Row) (*models.RemoteSession, error) {
	var s models.RemoteSession
	var ice []byte
	err := row.Scan(&s.ID, &s.DeviceID, &s.UserID, &s.OrgID, &s.Type, &s.Status,
		&s.Offer, &s.Answer, &ice, &s.StartedAt, &s.EndedAt, &s.LastActivityAt,
		&s.BytesTransferred)
	if err != nil {
		return nil, err
	}
	s.ICECandidates = unmarshalJSON[[]json.RawMessage](ice)
	return &s, nil
}

// CreateSession inserts a session owned by the initiating user. It runs on
// the caller's querier so the insert can share a transaction with the
// connect command.
func (r *RemoteRepo) CreateSession(ctx context.Context, q Querier, s *models.RemoteSession) error {
	_, err := q.Exec(ctx, `
		INSERT INTO remote_sessions (id, device_id, user_id, org_id, type, status, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		s.ID, s.DeviceID, s.UserID, s.OrgID, s.Type, s.Status, s.StartedAt)
	if err != nil {
		return fmt.Errorf("insert remote session: %w", err)
	}
	return nil
}

// GetSession returns a scoped session.
func (r *RemoteRepo) GetSession(ctx context.Context, scope OrgScope, id string) (*models.RemoteSession, error) {
	args := []any{id}
	q := `SELECT ` + sessionColumns + ` FROM remote_sessions WHERE id = $1` +
		scope.orgCondition("org_id", &args)
	s, err := scanSession(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("remote session")
	}
	if err != nil {
		return nil, fmt.Errorf("get remote session: %w", err)
	}
	return s, nil
}

// GetSessionForAgent returns a session only when it targets the given
// device. Missing and mismatched IDs look identical to the agent.
func (r *RemoteRepo) GetSessionForAgent(ctx context.Context, sessionID, deviceID string) (*models.RemoteSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM remote_sessions WHERE id = $1 AND device_id = $2`,
		sessionID, deviceID))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("remote session")
	}
	if err != nil {
		return nil, fmt.Errorf("get session for agent: %w", err)
	}
	return s, nil
}

// ListSessions returns scoped sessions, newest first.
func (r *RemoteRepo) ListSessions(ctx context.Context, scope OrgScope, orgID string, page Page) ([]*models.RemoteSession, error) {
	args := []any{page.Bound()}
	q := `SELECT ` + sessionColumns + ` FROM remote_sessions WHERE TRUE`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $2`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY started_at DESC LIMIT $1`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list remote sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.RemoteSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetOffer stores the operator's SDP offer. Only the owning user of a
// pending session may post it.
func (r *RemoteRepo) SetOffer(ctx context.Context, sessionID, userID, offer string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE remote_sessions SET offer = $3, status = 'connecting', last_activity_at = $4
		WHERE id = $1 AND user_id = $2 AND status = 'pending'`,
		sessionID, userID, offer, at)
	if err != nil {
		return fmt.Errorf("set session offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("remote session")
	}
	return nil
}

// SetAnswer stores the agent's SDP answer and activates the session.
func (r *RemoteRepo) SetAnswer(ctx context.Context, sessionID, deviceID, answer string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE remote_sessions SET answer = $3, status = 'active', last_activity_at = $4
		WHERE id = $1 AND device_id = $2 AND status = 'connecting'`,
		sessionID, deviceID, answer, at)
	if err != nil {
		return fmt.Errorf("set session answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("remote session")
	}
	return nil
}

// AppendICE appends a trickle ICE candidate from the session's owner.
func (r *RemoteRepo) AppendICE(ctx context.Context, sessionID, userID string, candidate json.RawMessage, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE remote_sessions
		SET ice_candidates = ice_candidates || $3::jsonb, last_activity_at = $4
		WHERE id = $1 AND user_id = $2 AND status IN ('pending', 'connecting', 'active')`,
		sessionID, userID, []byte(candidate), at)
	if err != nil {
		return fmt.Errorf("append ice candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("remote session")
	}
	return nil
}

// Touch records data-channel activity reported by either leg.
func (r *RemoteRepo) Touch(ctx context.Context, sessionID string, bytes int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE remote_sessions
		SET last_activity_at = $2, bytes_transferred = bytes_transferred + $3
		WHERE id = $1 AND status IN ('connecting', 'active')`, sessionID, at, bytes)
	if err != nil {
		return fmt.Errorf("touch remote session: %w", err)
	}
	return nil
}

// EndSession closes a session. Only its owner may end it; ending an
// already-closed session is a no-op reported as NotFound.
func (r *RemoteRepo) EndSession(ctx context.Context, sessionID, userID string, status models.RemoteSessionStatus, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE remote_sessions SET status = $3, ended_at = $4, last_activity_at = $4
		WHERE id = $1 AND user_id = $2 AND status IN ('pending', 'connecting', 'active')`,
		sessionID, userID, status, at)
	if err != nil {
		return fmt.Errorf("end remote session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("remote session")
	}
	return nil
}

// SweepIdle disconnects sessions with no activity since the cutoff,
// returning them so the relay can drop the sockets.
func (r *RemoteRepo) SweepIdle(ctx context.Context, idleBefore, now time.Time) ([]*models.RemoteSession, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE remote_sessions SET status = 'disconnected', ended_at = $2
		WHERE status IN ('pending', 'connecting', 'active') AND last_activity_at < $1
		RETURNING `+sessionColumns, idleBefore, now)
	if err != nil {
		return nil, fmt.Errorf("sweep idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.RemoteSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SweepIdleInScope is the tenancy-filtered variant backing the partner
// cleanup endpoint. The unscoped sweep stays system-only.
func (r *RemoteRepo) SweepIdleInScope(ctx context.Context, scope OrgScope, idleBefore, now time.Time) ([]*models.RemoteSession, error) {
	args := []any{idleBefore, now}
	q := `UPDATE remote_sessions SET status = 'disconnected', ended_at = $2
		WHERE status IN ('pending', 'connecting', 'active') AND last_activity_at < $1` +
		scope.orgCondition("org_id", &args) + ` RETURNING ` + sessionColumns

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sweep idle sessions in scope: %w", err)
	}
	defer rows.Close()

	var out []*models.RemoteSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const transferColumns = `id, session_id, device_id, user_id, org_id, direction, remote_path,
	size, status, progress_percent, checksum, blob_key, created_at, updated_at`

func scanTransfer(row pgx.Row) (*models.FileTransfer, error) {
	var t models.FileTransfer
	err := row.Scan(&t.ID, &t.SessionID, &t.DeviceID, &t.UserID, &t.OrgID, &t.Direction,
		&t.RemotePath, &t.Size, &t.Status, &t.ProgressPercent, &t.Checksum, &t.BlobKey,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTransfer inserts a transfer record.
func (r *RemoteRepo) CreateTransfer(ctx context.Context, t *models.FileTransfer) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO file_transfers (id, session_id, device_id, user_id, org_id, direction,
			remote_path, size, status, blob_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		t.ID, t.SessionID, t.DeviceID, t.UserID, t.OrgID, t.Direction,
		t.RemotePath, t.Size, t.Status, t.BlobKey, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file transfer: %w", err)
	}
	return nil
}

// GetTransfer returns a scoped transfer.
func (r *RemoteRepo) GetTransfer(ctx context.Context, scope OrgScope, id string) (*models.FileTransfer, error) {
	args := []any{id}
	q := `SELECT ` + transferColumns + ` FROM file_transfers WHERE id = $1` +
		scope.orgCondition("org_id", &args)
	t, err := scanTransfer(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("file transfer")
	}
	if err != nil {
		return nil, fmt.Errorf("get file transfer: %w", err)
	}
	return t, nil
}

// ListTransfers returns scoped transfers, newest first.
func (r *RemoteRepo) ListTransfers(ctx context.Context, scope OrgScope, deviceID string, page Page) ([]*models.FileTransfer, error) {
	args := []any{page.Bound()}
	q := `SELECT ` + transferColumns + ` FROM file_transfers WHERE TRUE`
	if deviceID != "" {
		args = append(args, deviceID)
		q += ` AND device_id = $2`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list file transfers: %w", err)
	}
	defer rows.Close()

	var out []*models.FileTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateProgress records agent-reported progress. The device predicate keeps
// agents from touching other devices' transfers.
func (r *RemoteRepo) UpdateProgress(ctx context.Context, transferID, deviceID string, percent int, status models.TransferStatus, checksum string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE file_transfers
		SET progress_percent = $3, status = $4,
			checksum = CASE WHEN $5 <> '' THEN $5 ELSE checksum END,
			updated_at = $6
		WHERE id = $1 AND device_id = $2 AND status IN ('pending', 'active')`,
		transferID, deviceID, percent, status, checksum, at)
	if err != nil {
		return fmt.Errorf("update transfer progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("file transfer")
	}
	return nil
}

// CancelTransfer stops a transfer on behalf of its initiating user.
func (r *RemoteRepo) CancelTransfer(ctx context.Context, scope OrgScope, transferID, userID string, at time.Time) error {
	args := []any{transferID, userID, at}
	q := `UPDATE file_transfers SET status = 'cancelled', updated_at = $3
		WHERE id = $1 AND user_id = $2 AND status IN ('pending', 'active')` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("cancel file transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("file transfer")
	}
	return nil
}
