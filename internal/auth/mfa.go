package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const recoveryCodeCount = 10

// GenerateTOTPSecret provisions a new TOTP secret for a user. The returned
// key carries the otpauth:// URL for QR display; the secret itself is
// encrypted before it touches the database.
func GenerateTOTPSecret(accountEmail string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Breeze",
		AccountName: accountEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return key, nil
}

// ValidateTOTP checks a 6-digit code against the decrypted secret.
func ValidateTOTP(code, secret string) bool {
	return totp.Validate(strings.TrimSpace(code), secret)
}

// GenerateRecoveryCodes returns a fresh set of single-use recovery codes in
// xxxxx-xxxxx form. Shown once at MFA enrollment; only peppered hashes are
// stored.
func GenerateRecoveryCodes() ([]string, error) {
	codes := make([]string, 0, recoveryCodeCount)
	for range recoveryCodeCount {
		buf := make([]byte, 5)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		raw := hex.EncodeToString(buf)
		codes = append(codes, raw[:5]+"-"+raw[5:])
	}
	return codes, nil
}

// NormalizeRecoveryCode strips whitespace and the display hyphen so lookups
// hash a canonical form.
func NormalizeRecoveryCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}
