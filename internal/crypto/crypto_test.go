package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox(testKey(t))
	require.NoError(t, err)

	sealed, err := box.Encrypt("hunter2-totp-secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, EncPrefix))
	assert.True(t, IsEncrypted(sealed))

	plain, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2-totp-secret", plain)
}

func TestSecretBoxRejectsUnprefixed(t *testing.T) {
	box, err := NewSecretBox(testKey(t))
	require.NoError(t, err)

	_, err = box.Decrypt("just-plaintext")
	assert.Error(t, err)
}

func TestSecretBoxRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewSecretBox(testKey(t))
	require.NoError(t, err)

	sealed, err := box.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, EncPrefix))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := EncPrefix + base64.StdEncoding.EncodeToString(raw)

	_, err = box.Decrypt(tampered)
	assert.Error(t, err)
}

func TestNewSecretBoxRejectsBadKey(t *testing.T) {
	_, err := NewSecretBox("short")
	assert.Error(t, err)
	_, err = NewSecretBox("")
	assert.Error(t, err)
}

func TestTokenHasher(t *testing.T) {
	h := NewTokenHasher("pepper-1")
	digest := h.Hash("brz_abc_secret")

	assert.Len(t, digest, 64)
	assert.True(t, h.Verify("brz_abc_secret", digest))
	assert.False(t, h.Verify("brz_abc_wrong", digest))

	other := NewTokenHasher("pepper-2")
	assert.NotEqual(t, digest, other.Hash("brz_abc_secret"),
		"different peppers must yield different digests")
}

func TestHMACSignVerify(t *testing.T) {
	key := []byte("webhook-secret")
	payload := []byte(`{"id":"01J","type":"alert.triggered"}`)

	sig := SignHMAC(key, payload)
	assert.Len(t, sig, 64)
	assert.True(t, VerifyHMAC(key, payload, sig))
	assert.False(t, VerifyHMAC(key, []byte("other"), sig))
	assert.False(t, VerifyHMAC(key, payload, "zz"+sig[2:]))
}
