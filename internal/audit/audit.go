// Package audit records security-relevant actions to an append-only,
// tamper-evident log. Each entry carries an HMAC checksum chained over the
// previous entry's checksum, so deleting or editing a row breaks the chain.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog/log"
)

// ActorType identifies what kind of principal performed an action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAPIKey ActorType = "api_key"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Result classifies the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
)

// Entry is a single audit record.
type Entry struct {
	ID           string          `json:"id"`
	OrgID        *string         `json:"orgId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	ActorType    ActorType       `json:"actorType"`
	ActorID      string          `json:"actorId"`
	ActorEmail   string          `json:"actorEmail,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   *string         `json:"resourceId,omitempty"`
	ResourceName string          `json:"resourceName,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	Result       Result          `json:"result"`
	PrevChecksum string          `json:"prevChecksum"`
	Checksum     string          `json:"checksum"`
}

// Recorder writes chained audit entries to Postgres. Writes are serialized
// so the checksum chain stays linear under concurrent requests.
type Recorder struct {
	db  store.Querier
	key []byte

	mu   sync.Mutex
	tail string
}

// NewRecorder builds a recorder signing with key. The chain tail is loaded
// lazily on first write.
func NewRecorder(db store.Querier, key string) *Recorder {
	return &Recorder{db: db, key: []byte(key), tail: "unloaded"}
}

func (r *Recorder) loadTail(ctx context.Context) error {
	if r.tail != "unloaded" {
		return nil
	}
	err := r.db.QueryRow(ctx,
		`SELECT checksum FROM audit_logs ORDER BY ts DESC, id DESC LIMIT 1`).Scan(&r.tail)
	if err != nil {
		// No rows means a fresh chain.
		r.tail = ""
	}
	return nil
}

// Record appends an entry. Audit writes must not fail the audited operation;
// errors are returned for callers that care but are safe to log-and-drop.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	return r.RecordIn(ctx, r.db, e)
}

// RecordIn appends an entry on q, letting the audit row share a transaction
// with the mutation it describes. Callers must not roll back after a
// successful RecordIn, or the in-memory tail runs ahead of the table.
func (r *Recorder) RecordIn(ctx context.Context, q store.Querier, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadTail(ctx); err != nil {
		return err
	}

	e.ID = ids.New()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = json.RawMessage("{}")
	}
	e.PrevChecksum = r.tail
	e.Checksum = r.checksum(&e)

	_, err := q.Exec(ctx, `
		INSERT INTO audit_logs (id, org_id, ts, actor_type, actor_id, actor_email, action,
			resource_type, resource_id, resource_name, details, ip, user_agent, result,
			prev_checksum, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.OrgID, e.Timestamp, e.ActorType, e.ActorID, e.ActorEmail, e.Action,
		e.ResourceType, e.ResourceID, e.ResourceName, e.Details, e.IP, e.UserAgent,
		e.Result, e.PrevChecksum, e.Checksum)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	r.tail = e.Checksum
	return nil
}

// MustRecord records an entry and logs instead of failing. For call sites
// where the audited operation already succeeded.
func (r *Recorder) MustRecord(ctx context.Context, e Entry) {
	if err := r.Record(ctx, e); err != nil {
		log.Error().Err(err).Str("action", e.Action).Msg("Failed to write audit entry")
	}
}

// checksum computes hex(HMAC-SHA256(key, canonical entry fields)). The
// previous checksum is part of the signed payload, forming the chain.
func (r *Recorder) checksum(e *Entry) string {
	payload, _ := json.Marshal(struct {
		ID           string          `json:"id"`
		OrgID        *string         `json:"orgId"`
		Timestamp    int64           `json:"ts"`
		ActorType    ActorType       `json:"actorType"`
		ActorID      string          `json:"actorId"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resourceType"`
		ResourceID   *string         `json:"resourceId"`
		Details      json.RawMessage `json:"details"`
		Result       Result          `json:"result"`
		PrevChecksum string          `json:"prev"`
	}{e.ID, e.OrgID, e.Timestamp.UnixNano(), e.ActorType, e.ActorID, e.Action,
		e.ResourceType, e.ResourceID, e.Details, e.Result, e.PrevChecksum})
	return crypto.SignHMAC(r.key, payload)
}

// Filter narrows audit queries.
type Filter struct {
	OrgID        string
	ActorID      string
	Action       string
	ResourceType string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// List returns entries matching the filter within the caller's tenancy
// scope, newest first.
func (r *Recorder) List(ctx context.Context, scope store.OrgScope, f Filter) ([]Entry, error) {
	q := `SELECT id, org_id, ts, actor_type, actor_id, actor_email, action, resource_type,
		resource_id, resource_name, details, ip, user_agent, result, prev_checksum, checksum
		FROM audit_logs WHERE TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.Since != nil {
		add("ts >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("ts <= $%d", *f.Until)
	}
	if !scope.Unrestricted() {
		add("org_id = ANY($%d)", scope.AccessibleOrgIDs)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Timestamp, &e.ActorType, &e.ActorID,
			&e.ActorEmail, &e.Action, &e.ResourceType, &e.ResourceID, &e.ResourceName,
			&e.Details, &e.IP, &e.UserAgent, &e.Result, &e.PrevChecksum, &e.Checksum); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyChain walks entries oldest-first and reports the first entry whose
// checksum does not match, or empty when the chain is intact.
func (r *Recorder) VerifyChain(ctx context.Context, limit int) (brokenID string, err error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, org_id, ts, actor_type, actor_id, action, resource_type, resource_id,
			details, result, prev_checksum, checksum
		FROM audit_logs ORDER BY ts, id LIMIT $1`, limit)
	if err != nil {
		return "", fmt.Errorf("read audit chain: %w", err)
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Timestamp, &e.ActorType, &e.ActorID,
			&e.Action, &e.ResourceType, &e.ResourceID, &e.Details, &e.Result,
			&e.PrevChecksum, &e.Checksum); err != nil {
			return "", err
		}
		if e.PrevChecksum != prev || r.checksum(&e) != e.Checksum {
			return e.ID, nil
		}
		prev = e.Checksum
	}
	return "", rows.Err()
}
