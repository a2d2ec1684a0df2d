package auth

import (
	"context"

	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
)

// ActorType distinguishes who is holding the credential.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAPIKey ActorType = "api_key"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// AuthContext is the materialized identity attached to a request. It is
// rebuilt from live memberships on every request, so permission and org
// access changes take effect immediately rather than at token expiry.
//
// AccessibleOrgIDs follows the store.OrgScope convention: nil means every
// organization (system scope), an empty slice means none, anything else is
// the concrete allow list.
type AuthContext struct {
	Actor     ActorType
	UserID    string
	APIKeyID  string
	SessionID string
	Email     string

	Scope     models.Scope
	PartnerID string
	OrgID     string

	AccessibleOrgIDs []string
	Permissions      []models.Permission
}

// OrgScope returns the tenancy filter for store queries.
func (a *AuthContext) OrgScope() store.OrgScope {
	return store.OrgScope{AccessibleOrgIDs: a.AccessibleOrgIDs}
}

// Can reports whether any held permission grants resource:action.
func (a *AuthContext) Can(resource, action string) bool {
	for _, p := range a.Permissions {
		if p.Allows(resource, action) {
			return true
		}
	}
	return false
}

// CanAccessOrg reports whether the actor may address orgID.
func (a *AuthContext) CanAccessOrg(orgID string) bool {
	return a.OrgScope().Contains(orgID)
}

type contextKey struct{}

// WithContext attaches the auth context to a request context.
func WithContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext extracts the auth context, if present.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(*AuthContext)
	return ac, ok
}
