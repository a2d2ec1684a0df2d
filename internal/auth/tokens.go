package auth

import (
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access token payload. Subject carries the user ID; the
// session ID ties the short-lived JWT back to its revocable refresh session.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Email     string `json:"email,omitempty"`
}

// TokenIssuer mints and verifies HS256 access tokens. A previous secret may
// be configured so signing keys rotate without invalidating live tokens.
type TokenIssuer struct {
	secret   []byte
	previous []byte
	ttl      time.Duration
}

// NewTokenIssuer builds an issuer. previousSecret may be empty.
func NewTokenIssuer(secret, previousSecret string, ttl time.Duration) *TokenIssuer {
	ti := &TokenIssuer{secret: []byte(secret), ttl: ttl}
	if previousSecret != "" {
		ti.previous = []byte(previousSecret)
	}
	return ti
}

// TTL returns the access token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue signs an access token for a user session.
func (t *TokenIssuer) Issue(userID, sessionID, email string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "breeze",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        ids.New(),
		},
		SessionID: sessionID,
		Email:     email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an access token, trying the current secret and
// then the previous one.
func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims, err := t.verifyWith(tokenString, t.secret)
	if err != nil && t.previous != nil {
		claims, err = t.verifyWith(tokenString, t.previous)
	}
	if err != nil {
		return nil, httperr.Unauthenticated("invalid or expired token")
	}
	return claims, nil
}

func (t *TokenIssuer) verifyWith(tokenString string, secret []byte) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("breeze"))
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// NewRefreshToken returns a 256-bit opaque refresh token.
func NewRefreshToken() (string, error) {
	return ids.NewToken(32)
}
