package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/jackc/pgx/v5"
)

// UserRepo persists global identities.
type UserRepo struct {
	db Querier
}

const userColumns = `id, email, name, password_hash, mfa_secret_encrypted, mfa_enabled,
	status, last_login_at, password_changed_at, created_at, updated_at, deleted_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var passwordHash, mfaSecret *string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &passwordHash, &mfaSecret, &u.MFAEnabled,
		&u.Status, &u.LastLoginAt, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt)
	if err != nil {
		return nil, err
	}
	if passwordHash != nil {
		u.PasswordHash = *passwordHash
	}
	if mfaSecret != nil {
		u.MFASecretEncrypted = *mfaSecret
	}
	return &u, nil
}

// Create inserts a user. Email uniqueness is case-insensitive.
func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $6)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Status, u.CreatedAt)
	if database.IsUniqueViolation(err, "") {
		return httperr.Conflict("email already registered")
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Get returns a user by ID.
func (r *UserRepo) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetByEmail looks up a user case-insensitively.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL`,
		strings.TrimSpace(email)))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// RecordLogin stamps last_login_at.
func (r *UserRepo) RecordLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// SetPassword replaces the password hash and stamps password_changed_at.
func (r *UserRepo) SetPassword(ctx context.Context, id, hash string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET password_hash = $2, password_changed_at = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, hash, at)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("user")
	}
	return nil
}

// SetMFA stores the encrypted TOTP secret and toggles enforcement.
func (r *UserRepo) SetMFA(ctx context.Context, id, secretEncrypted string, enabled bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET mfa_secret_encrypted = NULLIF($2, ''), mfa_enabled = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, secretEncrypted, enabled)
	if err != nil {
		return fmt.Errorf("set mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("user")
	}
	return nil
}

// ReplaceRecoveryCodes swaps the full recovery code set for a user.
func (r *UserRepo) ReplaceRecoveryCodes(ctx context.Context, userID string, codeHashes []string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM mfa_recovery_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear recovery codes: %w", err)
	}
	for _, h := range codeHashes {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO mfa_recovery_codes (user_id, code_hash) VALUES ($1, $2)`, userID, h); err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	return nil
}

// ConsumeRecoveryCode burns a single-use recovery code, returning whether it
// was valid and unused.
func (r *UserRepo) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE mfa_recovery_codes SET used_at = now()
		WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL`, userID, codeHash)
	if err != nil {
		return false, fmt.Errorf("consume recovery code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RoleRepo persists permission sets.
type RoleRepo struct {
	db Querier
}

const roleColumns = `id, partner_id, org_id, scope, name, is_system, permissions, created_at, updated_at`

func scanRole(row pgx.Row) (*models.Role, error) {
	var role models.Role
	var perms []byte
	err := row.Scan(&role.ID, &role.PartnerID, &role.OrgID, &role.Scope, &role.Name,
		&role.IsSystem, &perms, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, err
	}
	role.Permissions = unmarshalJSON[[]models.Permission](perms)
	return &role, nil
}

// Create inserts a role.
func (r *RoleRepo) Create(ctx context.Context, role *models.Role) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO roles (id, partner_id, org_id, scope, name, is_system, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		role.ID, role.PartnerID, role.OrgID, role.Scope, role.Name, role.IsSystem,
		marshalJSON(role.Permissions), role.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

// Get returns a role by ID.
func (r *RoleRepo) Get(ctx context.Context, id string) (*models.Role, error) {
	role, err := scanRole(r.db.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("role")
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	return role, nil
}

// MembershipRepo persists partner and organization user attachments.
type MembershipRepo struct {
	db Querier
}

// PartnerMembership returns a user's partner attachment, or NotFound.
func (r *MembershipRepo) PartnerMembership(ctx context.Context, userID string) (*models.PartnerUser, error) {
	var pu models.PartnerUser
	var orgIDs []byte
	err := r.db.QueryRow(ctx, `
		SELECT partner_id, user_id, role_id, org_access, org_ids, created_at
		FROM partner_users WHERE user_id = $1`, userID).
		Scan(&pu.PartnerID, &pu.UserID, &pu.RoleID, &pu.OrgAccess, &orgIDs, &pu.CreatedAt)
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("partner membership")
	}
	if err != nil {
		return nil, fmt.Errorf("get partner membership: %w", err)
	}
	pu.OrgIDs = unmarshalJSON[[]string](orgIDs)
	return &pu, nil
}

// OrgMembership returns a user's organization attachment, or NotFound.
func (r *MembershipRepo) OrgMembership(ctx context.Context, userID string) (*models.OrganizationUser, error) {
	var ou models.OrganizationUser
	var siteIDs, groupIDs []byte
	err := r.db.QueryRow(ctx, `
		SELECT org_id, user_id, role_id, site_ids, device_group_ids, created_at
		FROM organization_users WHERE user_id = $1`, userID).
		Scan(&ou.OrgID, &ou.UserID, &ou.RoleID, &siteIDs, &groupIDs, &ou.CreatedAt)
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("organization membership")
	}
	if err != nil {
		return nil, fmt.Errorf("get organization membership: %w", err)
	}
	ou.SiteIDs = unmarshalJSON[[]string](siteIDs)
	ou.DeviceGroupIDs = unmarshalJSON[[]string](groupIDs)
	return &ou, nil
}

// UpsertPartnerUser attaches or updates a user's partner membership.
func (r *MembershipRepo) UpsertPartnerUser(ctx context.Context, pu *models.PartnerUser) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO partner_users (partner_id, user_id, role_id, org_access, org_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (partner_id, user_id)
		DO UPDATE SET role_id = EXCLUDED.role_id, org_access = EXCLUDED.org_access, org_ids = EXCLUDED.org_ids`,
		pu.PartnerID, pu.UserID, pu.RoleID, pu.OrgAccess, marshalJSON(pu.OrgIDs))
	if err != nil {
		return fmt.Errorf("upsert partner user: %w", err)
	}
	return nil
}

// UpsertOrgUser attaches or updates a user's organization membership.
func (r *MembershipRepo) UpsertOrgUser(ctx context.Context, ou *models.OrganizationUser) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO organization_users (org_id, user_id, role_id, site_ids, device_group_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (org_id, user_id)
		DO UPDATE SET role_id = EXCLUDED.role_id, site_ids = EXCLUDED.site_ids, device_group_ids = EXCLUDED.device_group_ids`,
		ou.OrgID, ou.UserID, ou.RoleID, marshalJSON(ou.SiteIDs), marshalJSON(ou.DeviceGroupIDs))
	if err != nil {
		return fmt.Errorf("upsert organization user: %w", err)
	}
	return nil
}

// InAppRecipients computes the user IDs that should receive an in-app
// notification for an alert in orgID: the org's own users, plus partner
// users with org_access 'all' over the owning partner, plus partner users
// with org_access 'selected' whose org list contains the org. Partner users
// with org_access 'none' never receive alerts, regardless of role.
func (r *MembershipRepo) InAppRecipients(ctx context.Context, orgID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ou.user_id FROM organization_users ou
		JOIN users u ON u.id = ou.user_id AND u.deleted_at IS NULL AND u.status = 'active'
		WHERE ou.org_id = $1
		UNION
		SELECT pu.user_id FROM partner_users pu
		JOIN organizations o ON o.partner_id = pu.partner_id AND o.id = $1 AND o.deleted_at IS NULL
		JOIN users u ON u.id = pu.user_id AND u.deleted_at IS NULL AND u.status = 'active'
		WHERE pu.org_access = 'all'
		   OR (pu.org_access = 'selected' AND pu.org_ids ? $1)`, orgID)
	if err != nil {
		return nil, fmt.Errorf("compute in-app recipients: %w", err)
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

// SessionRepo persists refresh-token-backed login sessions.
type SessionRepo struct {
	db Querier
}

// Create inserts a session row.
func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, expires_at, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.TokenHash, s.ExpiresAt, s.IP, s.UserAgent, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByTokenHash returns the live session matching a refresh token hash.
func (r *SessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	var s models.Session
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, ip, user_agent, created_at, revoked_at
		FROM sessions WHERE token_hash = $1`, tokenHash).
		Scan(&s.ID, &s.UserID, &s.TokenHash, &s.ExpiresAt, &s.IP, &s.UserAgent, &s.CreatedAt, &s.RevokedAt)
	if database.IsNoRows(err) {
		return nil, httperr.Unauthenticated("invalid refresh token")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// Rotate swaps the refresh token hash in place, revoking the old token in
// the same conditional UPDATE so a replayed rotation fails cleanly.
func (r *SessionRepo) Rotate(ctx context.Context, sessionID, oldHash, newHash string, expiresAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sessions SET token_hash = $3, expires_at = $4
		WHERE id = $1 AND token_hash = $2 AND revoked_at IS NULL`,
		sessionID, oldHash, newHash, expiresAt)
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.Unauthenticated("refresh token already rotated or revoked")
	}
	return nil
}

// Revoke marks a session revoked.
func (r *SessionRepo) Revoke(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// APIKeyRepo persists programmatic credentials.
type APIKeyRepo struct {
	db Querier
}

const apiKeyColumns = `id, org_id, partner_id, user_id, name, key_prefix, key_hash,
	scopes, rate_limit, expires_at, last_used_at, usage_count, status, created_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	var scopes []byte
	err := row.Scan(&k.ID, &k.OrgID, &k.PartnerID, &k.UserID, &k.Name, &k.KeyPrefix,
		&k.KeyHash, &scopes, &k.RateLimit, &k.ExpiresAt, &k.LastUsedAt, &k.UsageCount,
		&k.Status, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	k.Scopes = unmarshalJSON[[]string](scopes)
	return &k, nil
}

// Create inserts an API key record.
func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO api_keys (id, org_id, partner_id, user_id, name, key_prefix, key_hash,
			scopes, rate_limit, expires_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		k.ID, k.OrgID, k.PartnerID, k.UserID, k.Name, k.KeyPrefix, k.KeyHash,
		marshalJSON(k.Scopes), k.RateLimit, k.ExpiresAt, k.Status, k.CreatedAt)
	if database.IsUniqueViolation(err, "") {
		return httperr.Conflict("api key prefix collision")
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetByPrefix looks up an API key by its public prefix.
func (r *APIKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1`, prefix))
	if database.IsNoRows(err) {
		return nil, httperr.Unauthenticated("invalid api key")
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// TouchUsage bumps usage_count and stamps last_used_at when the previous
// stamp is older than a minute, keeping the hot path write-light.
func (r *APIKeyRepo) TouchUsage(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE api_keys SET usage_count = usage_count + 1,
			last_used_at = CASE
				WHEN last_used_at IS NULL OR last_used_at < now() - interval '1 minute' THEN now()
				ELSE last_used_at
			END
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// Revoke disables an API key.
func (r *APIKeyRepo) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET status = 'revoked' WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("api key")
	}
	return nil
}

// EnrollmentKeyRepo persists agent enrollment keys.
type EnrollmentKeyRepo struct {
	db Querier
}

// Create inserts an enrollment key record.
func (r *EnrollmentKeyRepo) Create(ctx context.Context, k *models.EnrollmentKey) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO enrollment_keys (id, partner_id, org_id, site_id, key_hash, max_uses, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.PartnerID, k.OrgID, k.SiteID, k.KeyHash, k.MaxUses, k.ExpiresAt, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert enrollment key: %w", err)
	}
	return nil
}

// GetByHash looks up an enrollment key by its peppered hash.
func (r *EnrollmentKeyRepo) GetByHash(ctx context.Context, keyHash string) (*models.EnrollmentKey, error) {
	var k models.EnrollmentKey
	err := r.db.QueryRow(ctx, `
		SELECT id, partner_id, org_id, site_id, key_hash, max_uses, use_count, expires_at, revoked, created_at
		FROM enrollment_keys WHERE key_hash = $1`, keyHash).
		Scan(&k.ID, &k.PartnerID, &k.OrgID, &k.SiteID, &k.KeyHash, &k.MaxUses, &k.UseCount,
			&k.ExpiresAt, &k.Revoked, &k.CreatedAt)
	if database.IsNoRows(err) {
		return nil, httperr.Forbidden("invalid enrollment key")
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment key: %w", err)
	}
	return &k, nil
}

// ConsumeUse increments use_count, enforcing max_uses in the same UPDATE.
func (r *EnrollmentKeyRepo) ConsumeUse(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE enrollment_keys SET use_count = use_count + 1
		WHERE id = $1 AND NOT revoked
		  AND (max_uses IS NULL OR use_count < max_uses)
		  AND (expires_at IS NULL OR expires_at > now())`, id)
	if err != nil {
		return fmt.Errorf("consume enrollment key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.Forbidden("enrollment key exhausted or revoked")
	}
	return nil
}

// Revoke invalidates an enrollment key.
func (r *EnrollmentKeyRepo) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE enrollment_keys SET revoked = TRUE WHERE id = $1 AND NOT revoked`, id)
	if err != nil {
		return fmt.Errorf("revoke enrollment key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("enrollment key")
	}
	return nil
}
