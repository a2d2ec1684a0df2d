package auth

import (
	"context"
	"testing"

	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perms(t *testing.T, raw ...string) []models.Permission {
	t.Helper()
	out := make([]models.Permission, 0, len(raw))
	for _, s := range raw {
		p, ok := models.ParsePermission(s)
		require.True(t, ok, "bad permission %q", s)
		out = append(out, p)
	}
	return out
}

func TestAuthContextCan(t *testing.T) {
	ac := &AuthContext{Permissions: perms(t, "devices:read", "alerts:*")}

	assert.True(t, ac.Can("devices", "read"))
	assert.False(t, ac.Can("devices", "manage"))
	assert.True(t, ac.Can("alerts", "manage"))
	assert.False(t, ac.Can("webhooks", "read"))
}

func TestAuthContextOrgScope(t *testing.T) {
	system := &AuthContext{AccessibleOrgIDs: nil}
	assert.True(t, system.OrgScope().Unrestricted())
	assert.True(t, system.CanAccessOrg("org_anything"))

	scoped := &AuthContext{AccessibleOrgIDs: []string{"org_a", "org_b"}}
	assert.False(t, scoped.OrgScope().Unrestricted())
	assert.True(t, scoped.CanAccessOrg("org_a"))
	assert.False(t, scoped.CanAccessOrg("org_c"))

	// Empty slice means no orgs at all, not unrestricted.
	none := &AuthContext{AccessibleOrgIDs: []string{}}
	assert.False(t, none.OrgScope().Unrestricted())
	assert.False(t, none.CanAccessOrg("org_a"))
}

func TestAuthContextRoundTrip(t *testing.T) {
	ac := &AuthContext{Actor: ActorUser, UserID: "usr_1"}
	ctx := WithContext(context.Background(), ac)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, ac, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
