package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/config"
	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Burned when login hits an unknown email, so the response time does not
// reveal whether the account exists.
var timingDummyHash, _ = bcrypt.GenerateFromPassword([]byte("breeze-timing-equalizer"), BcryptCost)

// TokenPair is the login/refresh response: a short-lived JWT plus an opaque
// rotating refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Service implements login, token refresh, MFA, and credential verification
// for both interactive users and API keys.
type Service struct {
	store  *store.Store
	cache  *cache.Client
	issuer *TokenIssuer

	refreshHasher  *crypto.TokenHasher
	apiKeyHasher   *crypto.TokenHasher
	recoveryHasher *crypto.TokenHasher
	mfaBox         *crypto.SecretBox

	refreshTTL      time.Duration
	loginRateLimit  int
	loginRateWindow time.Duration
}

// NewService wires the auth service from configuration.
func NewService(st *store.Store, ca *cache.Client, cfg *config.Config) (*Service, error) {
	mfaBox, err := crypto.NewSecretBox(cfg.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("mfa encryption key: %w", err)
	}
	return &Service{
		store:           st,
		cache:           ca,
		issuer:          NewTokenIssuer(cfg.JWTSecret, cfg.JWTSecretPrevious, cfg.AccessTokenTTL),
		refreshHasher:   crypto.NewTokenHasher(""),
		apiKeyHasher:    crypto.NewTokenHasher(cfg.APIKeyPepper),
		recoveryHasher:  crypto.NewTokenHasher(cfg.MFARecoveryCodePepper),
		mfaBox:          mfaBox,
		refreshTTL:      cfg.RefreshTokenTTL,
		loginRateLimit:  cfg.LoginRateLimit,
		loginRateWindow: cfg.LoginRateWindow,
	}, nil
}

// Issuer exposes the token issuer for middleware.
func (s *Service) Issuer() *TokenIssuer { return s.issuer }

// Login authenticates email+password (+MFA when enrolled) and opens a new
// session. Failures are uniformly "invalid credentials" regardless of cause.
func (s *Service) Login(ctx context.Context, email, password, mfaCode, ip, userAgent string) (*TokenPair, *models.User, error) {
	// Budget is per credential per source, so one noisy IP cannot lock a
	// user out globally.
	rl, err := s.cache.Allow(ctx, "auth:login:"+strings.ToLower(strings.TrimSpace(email))+":"+ip,
		s.loginRateLimit, s.loginRateWindow)
	if err != nil {
		return nil, nil, err
	}
	if !rl.Allowed {
		return nil, nil, httperr.RateLimited("too many login attempts", rl.RetryAfter)
	}

	user, err := s.store.Users.GetByEmail(ctx, email)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			_ = bcrypt.CompareHashAndPassword(timingDummyHash, []byte(password))
			return nil, nil, httperr.Unauthenticated("invalid credentials")
		}
		return nil, nil, err
	}
	if user.Status != models.UserStatusActive || user.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(timingDummyHash, []byte(password))
		return nil, nil, httperr.Unauthenticated("invalid credentials")
	}
	if !CheckPasswordHash(password, user.PasswordHash) {
		return nil, nil, httperr.Unauthenticated("invalid credentials")
	}

	if user.MFAEnabled {
		if err := s.verifyMFA(ctx, user, mfaCode); err != nil {
			return nil, nil, err
		}
	}

	pair, err := s.openSession(ctx, user, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.Users.RecordLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to record login timestamp")
	}
	return pair, user, nil
}

// LoginSSO opens a session for a user already authenticated by the identity
// provider. The email must map to an existing active user; there is no
// just-in-time provisioning.
func (s *Service) LoginSSO(ctx context.Context, email, ip, userAgent string) (*TokenPair, *models.User, error) {
	user, err := s.store.Users.GetByEmail(ctx, email)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return nil, nil, httperr.Unauthenticated("no account for this identity")
		}
		return nil, nil, err
	}
	if user.Status != models.UserStatusActive {
		return nil, nil, httperr.Unauthenticated("no account for this identity")
	}

	pair, err := s.openSession(ctx, user, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.Users.RecordLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to record login timestamp")
	}
	return pair, user, nil
}

func (s *Service) verifyMFA(ctx context.Context, user *models.User, code string) error {
	if code == "" {
		return httperr.Unauthenticated("mfa code required")
	}
	secret, err := s.mfaBox.Decrypt(user.MFASecretEncrypted)
	if err != nil {
		return httperr.Internal(fmt.Errorf("decrypt mfa secret: %w", err))
	}
	if ValidateTOTP(code, secret) {
		return nil
	}
	// Not a valid TOTP; maybe a recovery code.
	used, err := s.store.Users.ConsumeRecoveryCode(ctx, user.ID,
		s.recoveryHasher.Hash(NormalizeRecoveryCode(code)))
	if err != nil {
		return err
	}
	if !used {
		return httperr.Unauthenticated("invalid mfa code")
	}
	log.Info().Str("user_id", user.ID).Msg("Recovery code consumed for login")
	return nil
}

func (s *Service) openSession(ctx context.Context, user *models.User, ip, userAgent string) (*TokenPair, error) {
	now := time.Now().UTC()
	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, httperr.Internal(err)
	}
	session := &models.Session{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: s.refreshHasher.Hash(refresh),
		ExpiresAt: now.Add(s.refreshTTL),
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	if err := s.store.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	access, err := s.issuer.Issue(user.ID, session.ID, user.Email, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.issuer.TTL().Seconds()),
	}, nil
}

// Refresh rotates the refresh token and mints a new access token. A reused
// or revoked token fails; rotation is atomic so a race between two refreshes
// leaves exactly one winner.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	now := time.Now().UTC()
	oldHash := s.refreshHasher.Hash(refreshToken)

	session, err := s.store.Sessions.GetByTokenHash(ctx, oldHash)
	if err != nil {
		return nil, err
	}
	if session.RevokedAt != nil || now.After(session.ExpiresAt) {
		return nil, httperr.Unauthenticated("session expired or revoked")
	}

	next, err := NewRefreshToken()
	if err != nil {
		return nil, httperr.Internal(err)
	}
	if err := s.store.Sessions.Rotate(ctx, session.ID, oldHash,
		s.refreshHasher.Hash(next), now.Add(s.refreshTTL)); err != nil {
		return nil, err
	}

	user, err := s.store.Users.Get(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != models.UserStatusActive {
		return nil, httperr.Unauthenticated("account disabled")
	}

	access, err := s.issuer.Issue(user.ID, session.ID, user.Email, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: next,
		ExpiresIn:    int(s.issuer.TTL().Seconds()),
	}, nil
}

// Logout revokes the session and plants a Redis revocation marker so the
// outstanding access token dies before its natural expiry.
func (s *Service) Logout(ctx context.Context, ac *AuthContext) error {
	if ac.SessionID == "" {
		return nil
	}
	if err := s.store.Sessions.Revoke(ctx, ac.SessionID); err != nil {
		return err
	}
	if err := s.cache.MarkRevoked(ctx, ac.UserID, ac.SessionID, s.issuer.TTL()); err != nil {
		// The session row is already revoked; refresh will fail. Only the
		// in-flight JWT window is affected.
		log.Warn().Err(err).Str("session_id", ac.SessionID).Msg("Failed to plant revocation marker")
	}
	return nil
}

// Authenticate verifies a bearer access token and materializes the caller's
// identity from live memberships.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*AuthContext, error) {
	claims, err := s.issuer.Verify(bearer)
	if err != nil {
		return nil, err
	}
	revoked, err := s.cache.IsRevoked(ctx, claims.Subject, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, httperr.Unauthenticated("session revoked")
	}

	user, err := s.store.Users.Get(ctx, claims.Subject)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return nil, httperr.Unauthenticated("account no longer exists")
		}
		return nil, err
	}
	if user.Status != models.UserStatusActive {
		return nil, httperr.Unauthenticated("account disabled")
	}

	ac, err := s.resolveMemberships(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	ac.Actor = ActorUser
	ac.SessionID = claims.SessionID
	ac.Email = user.Email
	return ac, nil
}

// AuthenticateAPIKey verifies a brz_ key and materializes its standing
// grants. Key permissions come from the key's own scopes, not from the
// owning user's current role.
func (s *Service) AuthenticateAPIKey(ctx context.Context, raw string) (*AuthContext, error) {
	prefix, secret, ok := ParseAPIKey(raw)
	if !ok {
		return nil, httperr.Unauthenticated("invalid api key")
	}
	key, err := s.store.APIKeys.GetByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if !s.apiKeyHasher.Verify(secret, key.KeyHash) {
		return nil, httperr.Unauthenticated("invalid api key")
	}
	if key.Status != models.APIKeyStatusActive {
		return nil, httperr.Unauthenticated("api key revoked")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, httperr.Unauthenticated("api key expired")
	}
	if err := s.store.APIKeys.TouchUsage(ctx, key.ID); err != nil {
		log.Warn().Err(err).Str("api_key_id", key.ID).Msg("Failed to record api key usage")
	}

	ac := &AuthContext{
		Actor:    ActorAPIKey,
		APIKeyID: key.ID,
		UserID:   key.UserID,
	}
	for _, scope := range key.Scopes {
		if perm, ok := models.ParsePermission(scope); ok {
			ac.Permissions = append(ac.Permissions, perm)
		}
	}
	switch {
	case key.OrgID != nil:
		ac.Scope = models.ScopeOrganization
		ac.OrgID = *key.OrgID
		ac.AccessibleOrgIDs = []string{*key.OrgID}
	case key.PartnerID != nil:
		ac.Scope = models.ScopePartner
		ac.PartnerID = *key.PartnerID
		orgIDs, err := s.store.Orgs.IDsForPartner(ctx, *key.PartnerID)
		if err != nil {
			return nil, err
		}
		ac.AccessibleOrgIDs = orgIDs
	default:
		ac.Scope = models.ScopeSystem
	}
	return ac, nil
}

// resolveMemberships computes scope, role permissions and the accessible org
// set from the membership tables. Partner users with org_access "all" get
// the partner's current org list, so newly created organizations become
// reachable without re-login.
func (s *Service) resolveMemberships(ctx context.Context, userID string) (*AuthContext, error) {
	pu, err := s.store.Memberships.PartnerMembership(ctx, userID)
	switch {
	case err == nil:
		role, err := s.store.Roles.Get(ctx, pu.RoleID)
		if err != nil {
			return nil, err
		}
		ac := &AuthContext{
			UserID:      userID,
			PartnerID:   pu.PartnerID,
			Permissions: role.Permissions,
		}
		if role.Scope == models.ScopeSystem {
			ac.Scope = models.ScopeSystem
			return ac, nil
		}
		ac.Scope = models.ScopePartner
		switch pu.OrgAccess {
		case models.OrgAccessAll:
			orgIDs, err := s.store.Orgs.IDsForPartner(ctx, pu.PartnerID)
			if err != nil {
				return nil, err
			}
			ac.AccessibleOrgIDs = orgIDs
		case models.OrgAccessSelected:
			ac.AccessibleOrgIDs = append([]string{}, pu.OrgIDs...)
		default:
			ac.AccessibleOrgIDs = []string{}
		}
		return ac, nil
	case httperr.KindOf(err) != httperr.KindNotFound:
		return nil, err
	}

	ou, err := s.store.Memberships.OrgMembership(ctx, userID)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return nil, httperr.Forbidden("no tenancy membership")
		}
		return nil, err
	}
	role, err := s.store.Roles.Get(ctx, ou.RoleID)
	if err != nil {
		return nil, err
	}
	return &AuthContext{
		UserID:           userID,
		Scope:            models.ScopeOrganization,
		OrgID:            ou.OrgID,
		AccessibleOrgIDs: []string{ou.OrgID},
		Permissions:      role.Permissions,
	}, nil
}

// EnrollMFA provisions a TOTP secret and recovery codes for a user. MFA is
// not enforced until VerifyMFAEnrollment confirms the user can produce a
// valid code.
func (s *Service) EnrollMFA(ctx context.Context, userID, email string) (otpauthURL string, recoveryCodes []string, err error) {
	key, err := GenerateTOTPSecret(email)
	if err != nil {
		return "", nil, err
	}
	encrypted, err := s.mfaBox.Encrypt(key.Secret())
	if err != nil {
		return "", nil, httperr.Internal(fmt.Errorf("encrypt mfa secret: %w", err))
	}
	if err := s.store.Users.SetMFA(ctx, userID, encrypted, false); err != nil {
		return "", nil, err
	}

	codes, err := GenerateRecoveryCodes()
	if err != nil {
		return "", nil, httperr.Internal(err)
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = s.recoveryHasher.Hash(NormalizeRecoveryCode(c))
	}
	if err := s.store.Users.ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
		return "", nil, err
	}
	return key.URL(), codes, nil
}

// VerifyMFAEnrollment turns MFA enforcement on once the user proves code
// possession.
func (s *Service) VerifyMFAEnrollment(ctx context.Context, userID, code string) error {
	user, err := s.store.Users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFASecretEncrypted == "" {
		return httperr.Validation("mfa enrollment not started", nil)
	}
	secret, err := s.mfaBox.Decrypt(user.MFASecretEncrypted)
	if err != nil {
		return httperr.Internal(fmt.Errorf("decrypt mfa secret: %w", err))
	}
	if !ValidateTOTP(code, secret) {
		return httperr.Unauthenticated("invalid mfa code")
	}
	return s.store.Users.SetMFA(ctx, userID, user.MFASecretEncrypted, true)
}

// CreateAPIKey mints a key for the caller. The full key string is returned
// exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, ac *AuthContext, name string, scopes []string, orgID, partnerID *string, expiresAt *time.Time) (string, *models.APIKey, error) {
	if orgID != nil && !ac.CanAccessOrg(*orgID) {
		return "", nil, httperr.NotFound("organization")
	}
	full, prefix, secret, err := MintAPIKey()
	if err != nil {
		return "", nil, httperr.Internal(err)
	}
	key := &models.APIKey{
		ID:        ids.New(),
		OrgID:     orgID,
		PartnerID: partnerID,
		UserID:    ac.UserID,
		Name:      name,
		KeyPrefix: prefix,
		KeyHash:   s.apiKeyHasher.Hash(secret),
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		Status:    models.APIKeyStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.APIKeys.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return full, key, nil
}
