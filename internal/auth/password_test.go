package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, CheckPasswordHash("correct horse battery staple", hash))
	assert.False(t, CheckPasswordHash("wrong password entirely", hash))
}

func TestValidatePasswordComplexity(t *testing.T) {
	assert.Error(t, ValidatePasswordComplexity("short"))
	assert.Error(t, ValidatePasswordComplexity("elevenchars"))
	assert.NoError(t, ValidatePasswordComplexity("twelve chars!"))
}

func TestTOTPEnrollmentFlow(t *testing.T) {
	key, err := GenerateTOTPSecret("ops@example.com")
	require.NoError(t, err)
	assert.Contains(t, key.URL(), "otpauth://")

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	assert.True(t, ValidateTOTP(code, key.Secret()))
	assert.True(t, ValidateTOTP(" "+code+" ", key.Secret()))
	assert.False(t, ValidateTOTP("000000", key.Secret()))
}

func TestRecoveryCodes(t *testing.T) {
	codes, err := GenerateRecoveryCodes()
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := map[string]bool{}
	for _, c := range codes {
		assert.Regexp(t, `^[0-9a-f]{5}-[0-9a-f]{5}$`, c)
		assert.False(t, seen[c])
		seen[c] = true
	}
}

func TestNormalizeRecoveryCode(t *testing.T) {
	assert.Equal(t, "abcde12345", NormalizeRecoveryCode("  ABCDE-12345 "))
	assert.Equal(t, "abcde12345", NormalizeRecoveryCode("abcde12345"))
}
