package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/models"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	q := r.URL.Query()
	alerts, err := s.store.Alerts.List(r.Context(), ac.OrgScope(), q.Get("orgId"),
		models.AlertStatus(q.Get("status")), pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	alert, err := s.store.Alerts.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	alert, err := s.store.Alerts.Get(r.Context(), ac.OrgScope(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.Alerts.Acknowledge(r.Context(), ac.OrgScope(), id, ac.UserID, time.Now().UTC()); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &alert.OrgID, "alert.acknowledged", "alert", id, alert.Title)
	s.publishEvent(r, models.EventAlertAcknowledged, alert.OrgID, map[string]any{
		"alertId":        id,
		"acknowledgedBy": ac.UserID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.AlertStatusAcknowledged)})
}

// handleResolveAlert goes through the alerting engine rather than the store
// so cooldown bookkeeping and resolution events fire exactly like an
// auto-resolve.
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	alert, err := s.store.Alerts.Get(r.Context(), ac.OrgScope(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.ResolveAlert(r.Context(), ac.OrgScope(), id, ac.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &alert.OrgID, "alert.resolved", "alert", id, alert.Title)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.AlertStatusResolved)})
}

func (s *Server) handleSuppressAlert(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	alert, err := s.store.Alerts.Get(r.Context(), ac.OrgScope(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.Alerts.Suppress(r.Context(), ac.OrgScope(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &alert.OrgID, "alert.suppressed", "alert", id, alert.Title)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.AlertStatusSuppressed)})
}

type alertRuleRequest struct {
	OrgID                  string                  `json:"orgId" validate:"required"`
	Name                   string                  `json:"name" validate:"required,min=1,max=200"`
	Severity               string                  `json:"severity" validate:"required,oneof=info warning critical"`
	Enabled                *bool                   `json:"enabled"`
	Targets                models.AlertTargets     `json:"targets"`
	Conditions             []models.AlertCondition `json:"conditions" validate:"required,min=1,dive"`
	CooldownMinutes        int                     `json:"cooldownMinutes" validate:"gte=0,lte=1440"`
	EscalationPolicyID     *string                 `json:"escalationPolicyId"`
	NotificationChannelIDs []string                `json:"notificationChannelIds"`
	AutoResolve            bool                    `json:"autoResolve"`
}

func validateConditions(conds []models.AlertCondition) error {
	for i, c := range conds {
		if c.Structural != "" {
			if c.Structural != "status_offline" && c.Structural != "software_change" {
				return httperr.Validation("unknown structural trigger", map[string]string{"conditions": c.Structural})
			}
			continue
		}
		if c.Metric == "" {
			return httperr.Validation("condition needs a metric or structural trigger",
				map[string]string{"conditions": "index " + strconv.Itoa(i)})
		}
		switch c.Operator {
		case models.OpGreaterThan, models.OpGreaterOrEqual, models.OpLessThan, models.OpLessOrEqual, models.OpEqual:
		default:
			return httperr.Validation("unknown condition operator", map[string]string{"operator": string(c.Operator)})
		}
	}
	return nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req alertRuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateConditions(req.Conditions); err != nil {
		writeError(w, r, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := &models.AlertRule{
		ID:                     ids.New(),
		OrgID:                  req.OrgID,
		Name:                   req.Name,
		Severity:               models.AlertSeverity(req.Severity),
		Enabled:                enabled,
		Targets:                req.Targets,
		Conditions:             req.Conditions,
		CooldownMinutes:        req.CooldownMinutes,
		EscalationPolicyID:     req.EscalationPolicyID,
		NotificationChannelIDs: req.NotificationChannelIDs,
		AutoResolve:            req.AutoResolve,
		CreatedAt:              time.Now().UTC(),
	}
	if err := s.store.Alerts.CreateRule(r.Context(), ac.OrgScope(), rule); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &rule.OrgID, "alert_rule.created", "alert_rule", rule.ID, rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	rules, err := s.store.Alerts.ListRules(r.Context(), ac.OrgScope(), r.URL.Query().Get("orgId"), pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	rule, err := s.store.Alerts.GetRule(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

type updateRuleRequest struct {
	Name                   *string                 `json:"name" validate:"omitempty,min=1,max=200"`
	Severity               *string                 `json:"severity" validate:"omitempty,oneof=info warning critical"`
	Enabled                *bool                   `json:"enabled"`
	Targets                *models.AlertTargets    `json:"targets"`
	Conditions             []models.AlertCondition `json:"conditions"`
	CooldownMinutes        *int                    `json:"cooldownMinutes" validate:"omitempty,gte=0,lte=1440"`
	EscalationPolicyID     *string                 `json:"escalationPolicyId"`
	NotificationChannelIDs []string                `json:"notificationChannelIds"`
	AutoResolve            *bool                   `json:"autoResolve"`
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req updateRuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := s.store.Alerts.GetRule(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Severity != nil {
		rule.Severity = models.AlertSeverity(*req.Severity)
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.Targets != nil {
		rule.Targets = *req.Targets
	}
	if req.Conditions != nil {
		if err := validateConditions(req.Conditions); err != nil {
			writeError(w, r, err)
			return
		}
		rule.Conditions = req.Conditions
	}
	if req.CooldownMinutes != nil {
		rule.CooldownMinutes = *req.CooldownMinutes
	}
	if req.EscalationPolicyID != nil {
		rule.EscalationPolicyID = req.EscalationPolicyID
	}
	if req.NotificationChannelIDs != nil {
		rule.NotificationChannelIDs = req.NotificationChannelIDs
	}
	if req.AutoResolve != nil {
		rule.AutoResolve = *req.AutoResolve
	}
	if err := s.store.Alerts.UpdateRule(r.Context(), ac.OrgScope(), rule); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &rule.OrgID, "alert_rule.updated", "alert_rule", rule.ID, rule.Name)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	if err := s.store.Alerts.SoftDeleteRule(r.Context(), ac.OrgScope(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, nil, "alert_rule.deleted", "alert_rule", id, "")
	writeJSON(w, http.StatusNoContent, nil)
}

type channelRequest struct {
	OrgID   string          `json:"orgId" validate:"required"`
	Type    string          `json:"type" validate:"required,oneof=email slack teams webhook pagerduty sms inapp"`
	Name    string          `json:"name" validate:"required,min=1,max=200"`
	Config  json.RawMessage `json:"config"`
	Enabled *bool           `json:"enabled"`
}

// validateChannelConfig checks that the config block carries what the
// matching sender will need, so misconfiguration fails at create time
// instead of at first alert.
func validateChannelConfig(channelType models.ChannelType, config json.RawMessage) error {
	bad := func(field string) error {
		return httperr.Validation("channel config incomplete for "+string(channelType),
			map[string]string{"config": field + " is required"})
	}
	switch channelType {
	case models.ChannelEmail:
		var cfg struct {
			Host string   `json:"host"`
			From string   `json:"from"`
			To   []string `json:"to"`
		}
		if err := json.Unmarshal(config, &cfg); err != nil || cfg.Host == "" {
			return bad("host")
		}
		if cfg.From == "" {
			return bad("from")
		}
		if len(cfg.To) == 0 {
			return bad("to")
		}
	case models.ChannelSlack, models.ChannelTeams:
		var cfg struct {
			WebhookURL string `json:"webhookUrl"`
		}
		if err := json.Unmarshal(config, &cfg); err != nil || cfg.WebhookURL == "" {
			return bad("webhookUrl")
		}
	case models.ChannelWebhook:
		var cfg struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(config, &cfg); err != nil || cfg.URL == "" {
			return bad("url")
		}
	case models.ChannelPagerDuty:
		var cfg struct {
			RoutingKey string `json:"routingKey"`
		}
		if err := json.Unmarshal(config, &cfg); err != nil || cfg.RoutingKey == "" {
			return bad("routingKey")
		}
	case models.ChannelSMS:
		var cfg struct {
			URL string   `json:"url"`
			To  []string `json:"to"`
		}
		if err := json.Unmarshal(config, &cfg); err != nil || cfg.URL == "" {
			return bad("url")
		}
		if len(cfg.To) == 0 {
			return bad("to")
		}
	case models.ChannelInApp:
		// Recipients come from org membership; no config needed.
	}
	return nil
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req channelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	channelType := models.ChannelType(req.Type)
	if err := validateChannelConfig(channelType, req.Config); err != nil {
		writeError(w, r, err)
		return
	}
	// Channel configs hold credentials (SMTP passwords, webhook URLs with
	// tokens); only the ciphertext reaches the database.
	encrypted, err := s.secrets.Encrypt(string(req.Config))
	if err != nil {
		writeError(w, r, httperr.Internal(err))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	channel := &models.NotificationChannel{
		ID:              ids.New(),
		OrgID:           req.OrgID,
		Type:            channelType,
		Name:            req.Name,
		ConfigEncrypted: encrypted,
		Enabled:         enabled,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.Channels.Create(r.Context(), ac.OrgScope(), channel); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &channel.OrgID, "channel.created", "notification_channel", channel.ID, channel.Name)
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	channels, err := s.store.Channels.List(r.Context(), ac.OrgScope(), r.URL.Query().Get("orgId"), pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	channel, err := s.store.Channels.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

type updateChannelRequest struct {
	Name    *string         `json:"name" validate:"omitempty,min=1,max=200"`
	Config  json.RawMessage `json:"config"`
	Enabled *bool           `json:"enabled"`
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req updateChannelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	channel, err := s.store.Channels.Get(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name != nil {
		channel.Name = *req.Name
	}
	if req.Config != nil {
		if err := validateChannelConfig(channel.Type, req.Config); err != nil {
			writeError(w, r, err)
			return
		}
		encrypted, err := s.secrets.Encrypt(string(req.Config))
		if err != nil {
			writeError(w, r, httperr.Internal(err))
			return
		}
		channel.ConfigEncrypted = encrypted
	}
	if req.Enabled != nil {
		channel.Enabled = *req.Enabled
	}
	if err := s.store.Channels.Update(r.Context(), ac.OrgScope(), channel); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &channel.OrgID, "channel.updated", "notification_channel", channel.ID, channel.Name)
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	if err := s.store.Channels.SoftDelete(r.Context(), ac.OrgScope(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, nil, "channel.deleted", "notification_channel", id, "")
	writeJSON(w, http.StatusNoContent, nil)
}

type policyRequest struct {
	OrgID string                  `json:"orgId" validate:"required"`
	Name  string                  `json:"name" validate:"required,min=1,max=200"`
	Steps []models.EscalationStep `json:"steps" validate:"required,min=1,max=10,dive"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	var req policyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	for _, step := range req.Steps {
		if step.DelayMinutes < 0 || len(step.ChannelIDs) == 0 {
			writeError(w, r, httperr.Validation("each step needs a non-negative delay and at least one channel", nil))
			return
		}
	}
	policy := &models.EscalationPolicy{
		ID:        ids.New(),
		OrgID:     req.OrgID,
		Name:      req.Name,
		Steps:     req.Steps,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Alerts.CreatePolicy(r.Context(), ac.OrgScope(), policy); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, &policy.OrgID, "escalation_policy.created", "escalation_policy", policy.ID, policy.Name)
	writeJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	policies, err := s.store.Alerts.ListPolicies(r.Context(), ac.OrgScope(), r.URL.Query().Get("orgId"), pageFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	policy, err := s.store.Alerts.GetPolicy(r.Context(), ac.OrgScope(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	id := r.PathValue("id")
	if err := s.store.Alerts.SoftDeletePolicy(r.Context(), ac.OrgScope(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditAction(r, nil, "escalation_policy.deleted", "escalation_policy", id, "")
	writeJSON(w, http.StatusNoContent, nil)
}

// publishEvent hands a domain event to the dispatcher; failures only log.
func (s *Server) publishEvent(r *http.Request, eventType, orgID string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	payload, _ := json.Marshal(data)
	_ = s.dispatcher.Publish(r.Context(), models.Event{
		ID:         ids.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		OrgID:      orgID,
		Data:       payload,
	})
}
