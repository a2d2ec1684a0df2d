package auth

import (
	"strings"

	"github.com/breeze-rmm/breeze/internal/ids"
)

// API keys take the form brz_<prefix>_<secret>. The prefix is stored in
// clear for lookup; only the peppered hash of the secret persists.
const apiKeyScheme = "brz"

// MintAPIKey generates new API key material. The full key is shown once.
func MintAPIKey() (full, prefix, secret string, err error) {
	prefix, err = ids.NewToken(4)
	if err != nil {
		return "", "", "", err
	}
	secret, err = ids.NewToken(24)
	if err != nil {
		return "", "", "", err
	}
	return apiKeyScheme + "_" + prefix + "_" + secret, prefix, secret, nil
}

// ParseAPIKey splits a presented key into prefix and secret. Malformed keys
// report ok false without revealing which part failed.
func ParseAPIKey(raw string) (prefix, secret string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(raw), "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyScheme || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
