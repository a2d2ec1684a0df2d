// Package crypto provides the at-rest encryption and token hashing used for
// stored secrets: webhook signing keys, TOTP secrets, API key material and
// enrollment keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// EncPrefix tags every encrypted value so stored data is self-describing and
// future key-format versions can coexist.
const EncPrefix = "enc:v1:"

// SecretBox encrypts and decrypts small secrets with AES-256-GCM.
type SecretBox struct {
	key []byte
}

// NewSecretBox builds a SecretBox from a base64 or hex encoded 32-byte key.
func NewSecretBox(encodedKey string) (*SecretBox, error) {
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return &SecretBox{key: key}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := hex.DecodeString(encoded); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("encryption key must decode to 32 bytes (base64 or hex)")
}

// Encrypt seals plaintext and returns "enc:v1:" + base64(nonce || ciphertext).
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the enc:v1:
// prefix are rejected so plaintext can never be mistaken for ciphertext.
func (b *SecretBox) Decrypt(value string) (string, error) {
	payload, ok := strings.CutPrefix(value, EncPrefix)
	if !ok {
		return "", fmt.Errorf("value is not enc:v1 encrypted")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the enc:v1: prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncPrefix)
}

// TokenHasher produces peppered SHA-256 digests for high-entropy tokens
// (API key secrets, device bearer tokens, enrollment keys, recovery codes).
// bcrypt stays reserved for low-entropy user passwords.
type TokenHasher struct {
	pepper []byte
}

// NewTokenHasher builds a hasher around the given pepper. An empty pepper is
// allowed but weakens stolen-database resistance, so callers should treat it
// as a configuration error at startup.
func NewTokenHasher(pepper string) *TokenHasher {
	return &TokenHasher{pepper: []byte(pepper)}
}

// Hash returns hex(SHA-256(pepper || token)).
func (h *TokenHasher) Hash(token string) string {
	sum := sha256.Sum256(append(append([]byte{}, h.pepper...), []byte(token)...))
	return hex.EncodeToString(sum[:])
}

// Verify compares token against an expected digest in constant time.
func (h *TokenHasher) Verify(token, expectedHash string) bool {
	computed := h.Hash(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expectedHash)) == 1
}

// SignHMAC returns hex(HMAC-SHA256(key, payload)). Shared by webhook payload
// signing and audit checksums.
func SignHMAC(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex signature produced by SignHMAC in constant time.
func VerifyHMAC(key, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
