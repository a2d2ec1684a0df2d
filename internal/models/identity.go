package models

import (
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInvited  UserStatus = "invited"
	UserStatusDisabled UserStatus = "disabled"
)

// User is a global identity; tenancy attaches through PartnerUser and
// OrganizationUser memberships. Email comparisons are case-insensitive.
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	PasswordHash       string     `json:"-"`
	MFASecretEncrypted string     `json:"-"`
	MFAEnabled         bool       `json:"mfaEnabled"`
	Status             UserStatus `json:"status"`
	LastLoginAt        *time.Time `json:"lastLoginAt,omitempty"`
	PasswordChangedAt  *time.Time `json:"passwordChangedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
}

// Scope is the tenancy level an actor operates at.
type Scope string

const (
	ScopeSystem       Scope = "system"
	ScopePartner      Scope = "partner"
	ScopeOrganization Scope = "organization"
)

// Permission is a (resource, action) pair. The wildcard "*" matches any
// segment, so "*:*" grants everything and "devices:*" every device action.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Allows reports whether this permission grants the requested pair.
func (p Permission) Allows(resource, action string) bool {
	return wildcard.Match(p.Resource, resource) && wildcard.Match(p.Action, action)
}

// ParsePermission parses "resource:action" notation.
func ParsePermission(s string) (Permission, bool) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" {
		return Permission{}, false
	}
	return Permission{Resource: resource, Action: action}, true
}

// Role names a permission set at system, partner, or organization scope.
type Role struct {
	ID          string       `json:"id"`
	PartnerID   *string      `json:"partnerId,omitempty"`
	OrgID       *string      `json:"orgId,omitempty"`
	Scope       Scope        `json:"scope"`
	Name        string       `json:"name"`
	IsSystem    bool         `json:"isSystem"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// OrgAccess controls which organizations a partner user may address.
type OrgAccess string

const (
	OrgAccessAll      OrgAccess = "all"
	OrgAccessSelected OrgAccess = "selected"
	OrgAccessNone     OrgAccess = "none"
)

// PartnerUser attaches a user to a partner with a role and org reach.
type PartnerUser struct {
	PartnerID string    `json:"partnerId"`
	UserID    string    `json:"userId"`
	RoleID    string    `json:"roleId"`
	OrgAccess OrgAccess `json:"orgAccess"`
	OrgIDs    []string  `json:"orgIds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrganizationUser attaches a user to a single organization, optionally
// restricted to sites or device groups.
type OrganizationUser struct {
	OrgID          string    `json:"orgId"`
	UserID         string    `json:"userId"`
	RoleID         string    `json:"roleId"`
	SiteIDs        []string  `json:"siteIds,omitempty"`
	DeviceGroupIDs []string  `json:"deviceGroupIds,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Session is a refresh-token-backed login session. TokenHash is the SHA-256
// digest of the opaque refresh token; the token itself is never stored.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expiresAt"`
	IP        string     `json:"ip"`
	UserAgent string     `json:"userAgent"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// APIKeyStatus is the lifecycle state of a programmatic credential.
type APIKeyStatus string

const (
	APIKeyStatusActive  APIKeyStatus = "active"
	APIKeyStatusRevoked APIKeyStatus = "revoked"
	APIKeyStatusExpired APIKeyStatus = "expired"
)

// APIKey is a programmatic credential in the form brz_<prefix>_<secret>.
// The prefix is stored in clear for lookup; only the peppered hash of the
// secret is persisted.
type APIKey struct {
	ID         string       `json:"id"`
	OrgID      *string      `json:"orgId,omitempty"`
	PartnerID  *string      `json:"partnerId,omitempty"`
	UserID     string       `json:"userId"`
	Name       string       `json:"name"`
	KeyPrefix  string       `json:"keyPrefix"`
	KeyHash    string       `json:"-"`
	Scopes     []string     `json:"scopes"`
	RateLimit  int          `json:"rateLimit"`
	ExpiresAt  *time.Time   `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time   `json:"lastUsedAt,omitempty"`
	UsageCount int64        `json:"usageCount"`
	Status     APIKeyStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// EnrollmentKey gates agent enrollment into a site. Key material is shown
// once at creation; only the peppered hash is stored.
type EnrollmentKey struct {
	ID        string     `json:"id"`
	PartnerID *string    `json:"partnerId,omitempty"`
	OrgID     string     `json:"orgId"`
	SiteID    string     `json:"siteId"`
	KeyHash   string     `json:"-"`
	MaxUses   *int       `json:"maxUses,omitempty"`
	UseCount  int        `json:"useCount"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Usable reports whether the key can still admit an agent.
func (k *EnrollmentKey) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	if k.MaxUses != nil && k.UseCount >= *k.MaxUses {
		return false
	}
	return true
}
