package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssueAndVerify(t *testing.T) {
	issuer := NewTokenIssuer("current-secret", "", 15*time.Minute)

	token, err := issuer.Issue("usr_1", "ses_1", "ops@example.com", time.Now())
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, "ses_1", claims.SessionID)
	assert.Equal(t, "ops@example.com", claims.Email)
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("current-secret", "", time.Minute)

	token, err := issuer.Issue("usr_1", "ses_1", "", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestTokenVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("secret-a", "", time.Minute)
	other := NewTokenIssuer("secret-b", "", time.Minute)

	token, err := issuer.Issue("usr_1", "ses_1", "", time.Now())
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestTokenSecretRotation(t *testing.T) {
	old := NewTokenIssuer("old-secret", "", 15*time.Minute)
	token, err := old.Issue("usr_1", "ses_1", "", time.Now())
	require.NoError(t, err)

	// Tokens signed with the previous secret stay valid through rotation.
	rotated := NewTokenIssuer("new-secret", "old-secret", 15*time.Minute)
	claims, err := rotated.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)

	// But a third rotation drops them.
	final := NewTokenIssuer("newer-secret", "new-secret", 15*time.Minute)
	_, err = final.Verify(token)
	assert.Error(t, err)
}

func TestRefreshTokensAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for range 50 {
		tok, err := NewRefreshToken()
		require.NoError(t, err)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestMintAndParseAPIKey(t *testing.T) {
	full, prefix, secret, err := MintAPIKey()
	require.NoError(t, err)

	gotPrefix, gotSecret, ok := ParseAPIKey(full)
	require.True(t, ok)
	assert.Equal(t, prefix, gotPrefix)
	assert.Equal(t, secret, gotSecret)
}

func TestParseAPIKeyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "brz", "brz_", "brz_abc", "brz_abc_", "brz__secret", "sk_abc_def"} {
		_, _, ok := ParseAPIKey(raw)
		assert.False(t, ok, "expected %q to be rejected", raw)
	}
}
