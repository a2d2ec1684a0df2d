package api

import (
	"encoding/json"
	"net/http"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/remote"
)

type createSessionRequest struct {
	DeviceID string `json:"deviceId" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=terminal desktop file_transfer"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := s.remotes.CreateSession(r.Context(), ac.OrgScope(), ac.UserID,
		req.DeviceID, models.RemoteSessionType(req.Type))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	sessions, err := s.remotes.List(r.Context(), ac.OrgScope(), r.URL.Query().Get("orgId"), pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	session, err := s.remotes.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type offerRequest struct {
	SDP string `json:"sdp" validate:"required"`
}

// handleSessionOffer is the REST mirror of the WS signaling path, for
// clients that poll instead of holding a socket.
func (s *Server) handleSessionOffer(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req offerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.remotes.Offer(r.Context(), ac.OrgScope(), r.PathValue("id"), ac.UserID, req.SDP); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type answerRequest struct {
	SDP string `json:"sdp" validate:"required"`
}

// handleSessionAnswer accepts the agent's SDP answer over REST. The agent
// authenticates with its bearer, not a user token.
func (s *Server) handleSessionAnswer(w http.ResponseWriter, r *http.Request) {
	device, err := s.agentDevice(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req answerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.remotes.AgentAnswer(r.Context(), r.PathValue("id"), device.ID, req.SDP); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type iceRequest struct {
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

func (s *Server) handleSessionICE(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req iceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.remotes.AddICE(r.Context(), ac.OrgScope(), r.PathValue("id"), ac.UserID, req.Candidate); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if err := s.remotes.End(r.Context(), ac.OrgScope(), r.PathValue("id"), ac.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.SessionStatusDisconnected)})
}

// handleSessionCleanup lets a partner operator reap their tenants' idle
// sessions without waiting for the global sweeper.
func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	n, err := s.remotes.CleanupStale(r.Context(), ac.OrgScope())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, nil, "remote.sessions_cleaned", "remote_session", "", "")
	writeJSON(w, http.StatusOK, map[string]int{"cleaned": n})
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req remote.TransferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	transfer, err := s.remotes.CreateTransfer(r.Context(), ac.OrgScope(), ac.UserID, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transfer)
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	transfer, err := s.remotes.GetTransfer(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

// handleTransferProgress takes agent credentials: the device doing the
// transfer reports, not the user watching it.
func (s *Server) handleTransferProgress(w http.ResponseWriter, r *http.Request) {
	device, err := s.agentDevice(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var report remote.ProgressReport
	if err := decode(r, &report); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.remotes.ReportProgress(r.Context(), device.ID, r.PathValue("id"), &report); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if err := s.remotes.CancelTransfer(r.Context(), ac.OrgScope(), r.PathValue("id"), ac.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.TransferStatusCancelled)})
}

func (s *Server) handleTransferDownload(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	url, err := s.remotes.DownloadURL(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if url == "" {
		writeError(w, r, httperr.Conflict("transfer content not available"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
