package api

import (
	"net/http"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/models"
)

var knownEventTypes = map[string]bool{
	models.EventDeviceEnrolled:     true,
	models.EventDeviceOnline:       true,
	models.EventDeviceOffline:      true,
	models.EventDeviceQuarantined:  true,
	models.EventCommandCompleted:   true,
	models.EventCommandFailed:      true,
	models.EventDeploymentComplete: true,
	models.EventPatchComplete:      true,
	models.EventAlertTriggered:     true,
	models.EventAlertAcknowledged:  true,
	models.EventAlertResolved:      true,
	models.EventSoftwareChange:     true,
}

func validateEventList(events []string) error {
	for _, e := range events {
		if e == "*" {
			continue
		}
		if !knownEventTypes[e] {
			return httperr.Validation("unknown event type", map[string]string{"events": e})
		}
	}
	return nil
}

type createWebhookRequest struct {
	OrgID       string              `json:"orgId" validate:"required"`
	URL         string              `json:"url" validate:"required,url,startswith=https://"`
	Secret      string              `json:"secret" validate:"required,min=16"`
	Events      []string            `json:"events" validate:"required,min=1"`
	Headers     map[string]string   `json:"headers"`
	RetryPolicy *models.RetryPolicy `json:"retryPolicy"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req createWebhookRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateEventList(req.Events); err != nil {
		writeError(w, r, err)
		return
	}
	// The signing secret is write-only: encrypted at rest, never echoed.
	encrypted, err := s.secrets.Encrypt(req.Secret)
	if err != nil {
		writeError(w, r, httperr.Internal(err))
		return
	}
	policy := models.DefaultRetryPolicy()
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
	}
	hook := &models.Webhook{
		ID:              ids.New(),
		OrgID:           req.OrgID,
		URL:             req.URL,
		SecretEncrypted: encrypted,
		Events:          req.Events,
		Headers:         req.Headers,
		Status:          models.WebhookStatusActive,
		RetryPolicy:     policy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.Webhooks.Create(r.Context(), ac.OrgScope(), hook); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &hook.OrgID, "webhook.created", "webhook", hook.ID, hook.URL)
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	hooks, err := s.store.Webhooks.List(r.Context(), ac.OrgScope(), r.URL.Query().Get("orgId"), pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	hook, err := s.store.Webhooks.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

type updateWebhookRequest struct {
	URL         *string             `json:"url" validate:"omitempty,url,startswith=https://"`
	Secret      *string             `json:"secret" validate:"omitempty,min=16"`
	Events      []string            `json:"events"`
	Headers     map[string]string   `json:"headers"`
	Status      *string             `json:"status" validate:"omitempty,oneof=active disabled"`
	RetryPolicy *models.RetryPolicy `json:"retryPolicy"`
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req updateWebhookRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	hook, err := s.store.Webhooks.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.URL != nil {
		hook.URL = *req.URL
	}
	if req.Secret != nil {
		encrypted, err := s.secrets.Encrypt(*req.Secret)
		if err != nil {
			writeError(w, r, httperr.Internal(err))
			return
		}
		hook.SecretEncrypted = encrypted
	}
	if req.Events != nil {
		if err := validateEventList(req.Events); err != nil {
			writeError(w, r, err)
			return
		}
		hook.Events = req.Events
	}
	if req.Headers != nil {
		hook.Headers = req.Headers
	}
	if req.Status != nil {
		hook.Status = models.WebhookStatus(*req.Status)
	}
	if req.RetryPolicy != nil {
		hook.RetryPolicy = *req.RetryPolicy
	}
	if err := s.store.Webhooks.Update(r.Context(), ac.OrgScope(), hook); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &hook.OrgID, "webhook.updated", "webhook", hook.ID, hook.URL)
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	if err := s.store.Webhooks.SoftDelete(r.Context(), ac.OrgScope(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, nil, "webhook.deleted", "webhook", id, "")
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	// Scope check rides on the webhook lookup; deliveries have no org column.
	hook, err := s.store.Webhooks.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	deliveries, err := s.store.Webhooks.ListDeliveries(r.Context(), hook.ID, pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// handleTestWebhook queues a signed sample event through the normal delivery
// pipeline, so the test exercises signing, headers, and endpoint behavior
// exactly like production traffic.
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	delivery, err := s.dispatcher.Test(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, nil, "webhook.tested", "webhook", r.PathValue("id"), "")
	writeJSON(w, http.StatusAccepted, delivery)
}
