package api

import (
	"net/http"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
)

// handleListNotifications returns the caller's in-app feed. The feed is
// per-user; no extra permission beyond a session.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if ac.UserID == "" {
		writeError(w, r, httperr.Forbidden("notification feeds belong to user sessions"))
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	items, err := s.store.Notifications.ListForUser(r.Context(), ac.UserID, unreadOnly, pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	if ac.UserID == "" {
		writeError(w, r, httperr.Forbidden("notification feeds belong to user sessions"))
		return
	}
	if err := s.store.Notifications.MarkRead(r.Context(), ac.UserID, r.PathValue("id"), time.Now().UTC()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
