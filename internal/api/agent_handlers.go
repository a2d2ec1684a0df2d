package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/breeze-rmm/breeze/internal/gateway"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
)

// agentHeaderID is set by agents on every authenticated call; path IDs take
// precedence where the route carries one.
const agentHeaderID = "X-Breeze-Agent-ID"

// certSerialHeader is injected by the TLS-terminating proxy from the client
// certificate. Never trusted from the open internet directly.
const certSerialHeader = "X-Client-Cert-Serial"

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req gateway.EnrollRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.gateway.Enroll(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// agentDevice authenticates the calling agent. agentID comes from the path
// when present, otherwise from the header.
func (s *Server) agentDevice(r *http.Request, pathID string) (*models.Device, error) {
	agentID := pathID
	if agentID == "" {
		agentID = r.Header.Get(agentHeaderID)
	}
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" || agentID == "" {
		return nil, httperr.Unauthenticated("missing agent credentials")
	}
	return s.gateway.Authenticate(r.Context(), agentID, bearer, r.Header.Get(certSerialHeader))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	device, err := s.agentDevice(r, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req gateway.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.gateway.Heartbeat(r.Context(), device, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	device, err := s.agentDevice(r, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var res models.CommandResult
	if err := decode(r, &res); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.gateway.PostResult(r.Context(), device, r.PathValue("cid"), &res); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleRenewCert deliberately skips the mTLS serial check: an agent whose
// certificate already expired could not otherwise reach the renewal path.
func (s *Server) handleRenewCert(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(agentHeaderID)
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" || agentID == "" {
		writeError(w, r, httperr.Unauthenticated("missing agent credentials"))
		return
	}
	device, err := s.gateway.Authenticate(r.Context(), agentID, bearer, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	material, err := s.gateway.RenewCert(r.Context(), device)
	if err != nil {
		var he *httperr.Error
		if errors.As(err, &he) && he.Kind == httperr.KindForbidden {
			// The device was quarantined by this call; tell the agent to
			// stop retrying and wait for an operator.
			writeJSON(w, http.StatusForbidden, map[string]any{
				"quarantined": true,
				"error":       he.Message,
				"code":        codeForKind(he.Kind),
			})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, material)
}

func (s *Server) handleApproveDevice(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if err := s.gateway.Approve(r.Context(), ac.OrgScope(), ac.UserID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.DeviceStatusOnline)})
}

func (s *Server) handleDenyDevice(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if err := s.gateway.Deny(r.Context(), ac.OrgScope(), ac.UserID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.DeviceStatusDecommissioned)})
}

// handleAgentWS parks an authenticated agent connection on the hub. When the
// query names a session, the connection becomes the agent leg of that remote
// session instead.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	device, err := s.agentDevice(r, r.PathValue("agentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		session, err := s.remotes.AuthorizeAgentLeg(r.Context(), sessionID, device.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.relay.HandleAgentLeg(w, r, session)
		return
	}
	s.hub.HandleAgent(w, r, device)
}

// handleRemoteWS attaches the session owner's signaling leg.
func (s *Server) handleRemoteWS(w http.ResponseWriter, r *http.Request) {
	s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		ac := mustAuth(r)
		session, err := s.remotes.AuthorizeUserLeg(r.Context(), ac.OrgScope(), r.PathValue("sessionId"), ac.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.relay.HandleUserLeg(w, r, session)
	})(w, r)
}
