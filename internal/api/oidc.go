package api

import (
	"context"
	"net/http"
	"time"

	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/config"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const oidcStateTTL = 10 * time.Minute

// OIDCService drives the authorization-code flow against a single configured
// identity provider. State nonces live in Redis so any replica can finish a
// flow another replica started.
type OIDCService struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
	cache    *cache.Client
}

// NewOIDCService discovers the provider. Returns (nil, nil) when OIDC is not
// configured.
func NewOIDCService(ctx context.Context, cfg *config.Config, ca *cache.Client) (*OIDCService, error) {
	if cfg.OIDCIssuer == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, httperr.External("oidc provider discovery failed", err)
	}
	return &OIDCService{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.PublicURL + "/api/v1/auth/oidc/callback",
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		cache: ca,
	}, nil
}

// Start mints a state nonce and returns the provider authorization URL.
func (o *OIDCService) Start(ctx context.Context) (string, error) {
	state, err := ids.NewToken(24)
	if err != nil {
		return "", httperr.Internal(err)
	}
	if err := o.cache.PutState(ctx, "oidc:"+state, "pending", oidcStateTTL); err != nil {
		return "", err
	}
	return o.oauth.AuthCodeURL(state), nil
}

// Exchange validates state, redeems the code, and returns the verified email
// claim. The state is single-use; a replayed callback fails.
func (o *OIDCService) Exchange(ctx context.Context, state, code string) (string, error) {
	if state == "" || code == "" {
		return "", httperr.Validation("state and code are required", nil)
	}
	stored, err := o.cache.TakeState(ctx, "oidc:"+state)
	if err != nil {
		return "", err
	}
	if stored == "" {
		return "", httperr.Unauthenticated("unknown or expired state")
	}

	token, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return "", httperr.External("oidc code exchange failed", err)
	}
	rawID, ok := token.Extra("id_token").(string)
	if !ok {
		return "", httperr.Unauthenticated("provider returned no id token")
	}
	idToken, err := o.verifier.Verify(ctx, rawID)
	if err != nil {
		return "", httperr.Unauthenticated("id token verification failed")
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Email == "" {
		return "", httperr.Unauthenticated("id token carries no email claim")
	}
	return claims.Email, nil
}

func (s *Server) handleOIDCStart(w http.ResponseWriter, r *http.Request) {
	url, err := s.oidc.Start(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorizationUrl": url})
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email, err := s.oidc.Exchange(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	pair, user, err := s.auth.LoginSSO(r.Context(), email, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.recorder.MustRecord(r.Context(), audit.Entry{
		ActorType:    audit.ActorUser,
		ActorID:      user.ID,
		ActorEmail:   user.Email,
		Action:       "user.login_sso",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
		Result:       audit.ResultSuccess,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User: &userView{
			ID:         user.ID,
			Email:      user.Email,
			Name:       user.Name,
			MFAEnabled: user.MFAEnabled,
		},
	})
}
