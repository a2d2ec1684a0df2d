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

// AlertRepo persists alert rules, fired alerts, and escalation policies.
type AlertRepo struct {
	db Querier
}

const ruleColumns = `id, org_id, name, severity, enabled, targets, conditions, cooldown_minutes,
	escalation_policy_id, notification_channel_ids, auto_resolve, created_at, updated_at, deleted_at`

func scanRule(row pgx.Row) (*models.AlertRule, error) {
	var rule models.AlertRule
	var targets, conditions, channelIDs []byte
	err := row.Scan(&rule.ID, &rule.OrgID, &rule.Name, &rule.Severity, &rule.Enabled,
		&targets, &conditions, &rule.CooldownMinutes, &rule.EscalationPolicyID,
		&channelIDs, &rule.AutoResolve, &rule.CreatedAt, &rule.UpdatedAt, &rule.DeletedAt)
	if err != nil {
		return nil, err
	}
	rule.Targets = unmarshalJSON[models.AlertTargets](targets)
	rule.Conditions = unmarshalJSON[[]models.AlertCondition](conditions)
	rule.NotificationChannelIDs = unmarshalJSON[[]string](channelIDs)
	return &rule, nil
}

// CreateRule inserts an alert rule.
func (r *AlertRepo) CreateRule(ctx context.Context, scope OrgScope, rule *models.AlertRule) error {
	if !scope.Contains(rule.OrgID) {
		return httperr.NotFound("organization")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO alert_rules (id, org_id, name, severity, enabled, targets, conditions,
			cooldown_minutes, escalation_policy_id, notification_channel_ids, auto_resolve,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		rule.ID, rule.OrgID, rule.Name, rule.Severity, rule.Enabled,
		marshalJSON(rule.Targets), marshalJSON(rule.Conditions), rule.CooldownMinutes,
		rule.EscalationPolicyID, marshalJSON(rule.NotificationChannelIDs),
		rule.AutoResolve, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

// GetRule returns a scoped rule.
func (r *AlertRepo) GetRule(ctx context.Context, scope OrgScope, id string) (*models.AlertRule, error) {
	args := []any{id}
	q := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	rule, err := scanRule(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("alert rule")
	}
	if err != nil {
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	return rule, nil
}

// ListRules returns scoped rules.
func (r *AlertRepo) ListRules(ctx context.Context, scope OrgScope, orgID string, page Page) ([]*models.AlertRule, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE deleted_at IS NULL AND id > $1`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $3`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// EnabledRulesForOrg returns the enabled rules the engine evaluates against
// a device's telemetry. Engine-internal, unscoped.
func (r *AlertRepo) EnabledRulesForOrg(ctx context.Context, orgID string) ([]*models.AlertRule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE org_id = $1 AND enabled AND deleted_at IS NULL`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enabled rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpdateRule rewrites mutable rule fields.
func (r *AlertRepo) UpdateRule(ctx context.Context, scope OrgScope, rule *models.AlertRule) error {
	args := []any{rule.ID, rule.Name, rule.Severity, rule.Enabled, marshalJSON(rule.Targets),
		marshalJSON(rule.Conditions), rule.CooldownMinutes, rule.EscalationPolicyID,
		marshalJSON(rule.NotificationChannelIDs), rule.AutoResolve}
	q := `UPDATE alert_rules SET name = $2, severity = $3, enabled = $4, targets = $5,
		conditions = $6, cooldown_minutes = $7, escalation_policy_id = $8,
		notification_channel_ids = $9, auto_resolve = $10, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update alert rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("alert rule")
	}
	return nil
}

// SoftDeleteRule marks a rule deleted.
func (r *AlertRepo) SoftDeleteRule(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE alert_rules SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete alert rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("alert rule")
	}
	return nil
}

const alertColumns = `id, rule_id, org_id, device_id, severity, status, title, message,
	context, triggered_at, last_seen_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by`

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(&a.ID, &a.RuleID, &a.OrgID, &a.DeviceID, &a.Severity, &a.Status,
		&a.Title, &a.Message, &a.Context, &a.TriggeredAt, &a.LastSeenAt,
		&a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.ResolvedBy)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Fire inserts an alert, relying on the partial unique index to enforce one
// open alert per (rule, device). When the alert already exists its
// last_seen_at is extended instead and fired reports false.
func (r *AlertRepo) Fire(ctx context.Context, a *models.Alert) (fired bool, err error) {
	_, err = r.db.Exec(ctx, `
		INSERT INTO alerts (id, rule_id, org_id, device_id, severity, status, title, message,
			context, triggered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, $8, $9, $9)`,
		a.ID, a.RuleID, a.OrgID, a.DeviceID, a.Severity, a.Title, a.Message,
		a.Context, a.TriggeredAt)
	if database.IsUniqueViolation(err, "") {
		_, err = r.db.Exec(ctx, `
			UPDATE alerts SET last_seen_at = $3
			WHERE rule_id = $1 AND device_id = $2 AND status <> 'resolved'`,
			a.RuleID, a.DeviceID, a.TriggeredAt)
		if err != nil {
			return false, fmt.Errorf("extend alert: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fire alert: %w", err)
	}
	return true, nil
}

// Get returns a scoped alert.
func (r *AlertRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.Alert, error) {
	args := []any{id}
	q := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1` + scope.orgCondition("org_id", &args)
	a, err := scanAlert(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("alert")
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// List returns scoped alerts filtered by status.
func (r *AlertRepo) List(ctx context.Context, scope OrgScope, orgID string, status models.AlertStatus, page Page) ([]*models.Alert, error) {
	args := []any{page.Bound()}
	q := `SELECT ` + alertColumns + ` FROM alerts WHERE TRUE`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $2`
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY triggered_at DESC LIMIT $1`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Acknowledge moves an active alert to acknowledged, recording the actor.
func (r *AlertRepo) Acknowledge(ctx context.Context, scope OrgScope, id, userID string, at time.Time) error {
	args := []any{id, userID, at}
	q := `UPDATE alerts SET status = 'acknowledged', acknowledged_at = $3, acknowledged_by = $2
		WHERE id = $1 AND status = 'active'` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("alert")
	}
	return nil
}

// Resolve moves an alert to the terminal resolved state. resolvedBy is
// empty for auto-resolution.
func (r *AlertRepo) Resolve(ctx context.Context, scope OrgScope, id, resolvedBy string, at time.Time) error {
	args := []any{id, nullable(resolvedBy), at}
	q := `UPDATE alerts SET status = 'resolved', resolved_at = $3, resolved_by = $2
		WHERE id = $1 AND status <> 'resolved'` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("alert")
	}
	return nil
}

// Suppress moves an active alert to suppressed (operator or maintenance
// window).
func (r *AlertRepo) Suppress(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE alerts SET status = 'suppressed' WHERE id = $1 AND status = 'active'` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("suppress alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("alert")
	}
	return nil
}

// OpenAlert returns the open alert for (rule, device), or NotFound.
func (r *AlertRepo) OpenAlert(ctx context.Context, ruleID, deviceID string) (*models.Alert, error) {
	a, err := scanAlert(r.db.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE rule_id = $1 AND device_id = $2 AND status <> 'resolved'`, ruleID, deviceID))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("alert")
	}
	if err != nil {
		return nil, fmt.Errorf("get open alert: %w", err)
	}
	return a, nil
}

// CreatePolicy inserts an escalation policy.
func (r *AlertRepo) CreatePolicy(ctx context.Context, scope OrgScope, p *models.EscalationPolicy) error {
	if !scope.Contains(p.OrgID) {
		return httperr.NotFound("organization")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO escalation_policies (id, org_id, name, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		p.ID, p.OrgID, p.Name, marshalJSON(p.Steps), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert escalation policy: %w", err)
	}
	return nil
}

// GetPolicy returns a scoped escalation policy.
func (r *AlertRepo) GetPolicy(ctx context.Context, scope OrgScope, id string) (*models.EscalationPolicy, error) {
	args := []any{id}
	q := `SELECT id, org_id, name, steps, created_at, updated_at, deleted_at
		FROM escalation_policies WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	var p models.EscalationPolicy
	var steps []byte
	err := r.db.QueryRow(ctx, q, args...).
		Scan(&p.ID, &p.OrgID, &p.Name, &steps, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("escalation policy")
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation policy: %w", err)
	}
	p.Steps = unmarshalJSON[[]models.EscalationStep](steps)
	return &p, nil
}

// ListPolicies returns scoped escalation policies.
func (r *AlertRepo) ListPolicies(ctx context.Context, scope OrgScope, orgID string, page Page) ([]*models.EscalationPolicy, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT id, org_id, name, steps, created_at, updated_at, deleted_at
		FROM escalation_policies WHERE deleted_at IS NULL AND id > $1`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $3`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalation policies: %w", err)
	}
	defer rows.Close()

	var out []*models.EscalationPolicy
	for rows.Next() {
		var p models.EscalationPolicy
		var steps []byte
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &steps, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
			return nil, err
		}
		p.Steps = unmarshalJSON[[]models.EscalationStep](steps)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SoftDeletePolicy marks an escalation policy deleted.
func (r *AlertRepo) SoftDeletePolicy(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE escalation_policies SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete escalation policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("escalation policy")
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ChannelRepo persists notification channels.
type ChannelRepo struct {
	db Querier
}

const channelColumns = `id, org_id, type, name, config_encrypted, enabled, created_at, updated_at, deleted_at`

func scanChannel(row pgx.Row) (*models.NotificationChannel, error) {
	var c models.NotificationChannel
	err := row.Scan(&c.ID, &c.OrgID, &c.Type, &c.Name, &c.ConfigEncrypted, &c.Enabled,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a notification channel.
func (r *ChannelRepo) Create(ctx context.Context, scope OrgScope, c *models.NotificationChannel) error {
	if !scope.Contains(c.OrgID) {
		return httperr.NotFound("organization")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_channels (id, org_id, type, name, config_encrypted, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		c.ID, c.OrgID, c.Type, c.Name, c.ConfigEncrypted, c.Enabled, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// Get returns a scoped channel.
func (r *ChannelRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.NotificationChannel, error) {
	args := []any{id}
	q := `SELECT ` + channelColumns + ` FROM notification_channels WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	c, err := scanChannel(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("notification channel")
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

// List returns scoped channels.
func (r *ChannelRepo) List(ctx context.Context, scope OrgScope, orgID string, page Page) ([]*models.NotificationChannel, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT ` + channelColumns + ` FROM notification_channels WHERE deleted_at IS NULL AND id > $1`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $3`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*models.NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update rewrites mutable channel fields.
func (r *ChannelRepo) Update(ctx context.Context, scope OrgScope, c *models.NotificationChannel) error {
	args := []any{c.ID, c.Name, c.ConfigEncrypted, c.Enabled}
	q := `UPDATE notification_channels SET name = $2, config_encrypted = $3, enabled = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("notification channel")
	}
	return nil
}

// SoftDelete marks a channel deleted.
func (r *ChannelRepo) SoftDelete(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE notification_channels SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("notification channel")
	}
	return nil
}

// InAppRepo persists in-app notification feed entries.
type InAppRepo struct {
	db Querier
}

// Insert appends one feed entry.
func (r *InAppRepo) Insert(ctx context.Context, n *models.InAppNotification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO in_app_notifications (id, user_id, org_id, alert_id, title, message, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.OrgID, n.AlertID, n.Title, n.Message, n.Severity, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert in-app notification: %w", err)
	}
	return nil
}

// ListForUser returns a user's feed, newest first.
func (r *InAppRepo) ListForUser(ctx context.Context, userID string, unreadOnly bool, page Page) ([]*models.InAppNotification, error) {
	q := `SELECT id, user_id, org_id, alert_id, title, message, severity, read_at, created_at
		FROM in_app_notifications WHERE user_id = $1`
	if unreadOnly {
		q += ` AND read_at IS NULL`
	}
	q += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.Query(ctx, q, userID, page.Bound())
	if err != nil {
		return nil, fmt.Errorf("list in-app notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.InAppNotification
	for rows.Next() {
		var n models.InAppNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.OrgID, &n.AlertID, &n.Title, &n.Message,
			&n.Severity, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead stamps a feed entry as read by its owner.
func (r *InAppRepo) MarkRead(ctx context.Context, userID, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE in_app_notifications SET read_at = $3
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL`, id, userID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("notification")
	}
	return nil
}
