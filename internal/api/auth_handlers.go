package api

import (
	"net/http"
	"time"

	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/httperr"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	MFACode  string `json:"mfaCode"`
}

type tokenResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int       `json:"expiresIn"`
	User         *userView `json:"user,omitempty"`
}

type userView struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	MFAEnabled bool   `json:"mfaEnabled"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ip := clientIP(r)
	pair, user, err := s.auth.Login(r.Context(), req.Email, req.Password, req.MFACode, ip, r.UserAgent())
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.recorder.MustRecord(r.Context(), audit.Entry{
		ActorType:    audit.ActorUser,
		ActorID:      user.ID,
		ActorEmail:   user.Email,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IP:           ip,
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

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if err := s.auth.Logout(r.Context(), ac); err != nil {
		writeError(w, r, err)
		return
	}
	s.recorder.MustRecord(r.Context(), audit.Entry{
		ActorType:    audit.ActorUser,
		ActorID:      ac.UserID,
		ActorEmail:   ac.Email,
		Action:       "user.logout",
		ResourceType: "user",
		ResourceID:   &ac.UserID,
		IP:           clientIP(r),
		Result:       audit.ResultSuccess,
	})
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if ac.UserID == "" {
		writeError(w, r, httperr.Forbidden("mfa requires a user session"))
		return
	}
	url, codes, err := s.auth.EnrollMFA(r.Context(), ac.UserID, ac.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"otpauthUrl":    url,
		"recoveryCodes": codes,
	})
}

type mfaVerifyRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if ac.UserID == "" {
		writeError(w, r, httperr.Forbidden("mfa requires a user session"))
		return
	}
	var req mfaVerifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.auth.VerifyMFAEnrollment(r.Context(), ac.UserID, req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	s.recorder.MustRecord(r.Context(), audit.Entry{
		ActorType:    audit.ActorUser,
		ActorID:      ac.UserID,
		ActorEmail:   ac.Email,
		Action:       "user.mfa_enabled",
		ResourceType: "user",
		ResourceID:   &ac.UserID,
		IP:           clientIP(r),
		Result:       audit.ResultSuccess,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

type createAPIKeyRequest struct {
	Name      string     `json:"name" validate:"required,min=1,max=128"`
	Scopes    []string   `json:"scopes" validate:"required,min=1,dive,min=3"`
	OrgID     *string    `json:"orgId"`
	PartnerID *string    `json:"partnerId"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if ac.UserID == "" {
		writeError(w, r, httperr.Forbidden("api keys are minted by user sessions"))
		return
	}
	var req createAPIKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	full, key, err := s.auth.CreateAPIKey(r.Context(), ac, req.Name, req.Scopes,
		req.OrgID, req.PartnerID, req.ExpiresAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.recorder.MustRecord(r.Context(), audit.Entry{
		OrgID:        req.OrgID,
		ActorType:    audit.ActorUser,
		ActorID:      ac.UserID,
		ActorEmail:   ac.Email,
		Action:       "apikey.created",
		ResourceType: "api_key",
		ResourceID:   &key.ID,
		ResourceName: key.Name,
		IP:           clientIP(r),
		Result:       audit.ResultSuccess,
	})
	// The full key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":       full,
		"id":        key.ID,
		"name":      key.Name,
		"prefix":    key.KeyPrefix,
		"scopes":    key.Scopes,
		"expiresAt": key.ExpiresAt,
	})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	if err := s.store.APIKeys.Revoke(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.recorder.MustRecord(r.Context(), audit.Entry{
		ActorType:    audit.ActorUser,
		ActorID:      ac.UserID,
		ActorEmail:   ac.Email,
		Action:       "apikey.revoked",
		ResourceType: "api_key",
		ResourceID:   &id,
		IP:           clientIP(r),
		Result:       audit.ResultSuccess,
	})
	writeJSON(w, http.StatusNoContent, nil)
}
