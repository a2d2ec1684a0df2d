// Package alerting evaluates alert rules against device telemetry and
// status events, manages the alert state machine, and routes fired alerts to
// notification channels and escalation policies.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Engine is the alert evaluation core. EvaluateSample runs inline on every
// heartbeat; HandleEvent consumes structural events from the dispatcher.
type Engine struct {
	store     *store.Store
	cache     *cache.Client
	queue     *jobs.Queue
	escalator *jobs.Escalator
	recorder  *audit.Recorder
	publisher jobs.EventPublisher
	logger    zerolog.Logger
}

// New wires the engine. The publisher is set after construction because the
// dispatcher and engine reference each other.
func New(st *store.Store, ca *cache.Client, queue *jobs.Queue, escalator *jobs.Escalator, recorder *audit.Recorder) *Engine {
	return &Engine{
		store:     st,
		cache:     ca,
		queue:     queue,
		escalator: escalator,
		recorder:  recorder,
		logger:    log.With().Str("component", "alerting").Logger(),
	}
}

// SetPublisher attaches the event publisher. Call before serving traffic.
func (e *Engine) SetPublisher(p jobs.EventPublisher) { e.publisher = p }

// EvaluateSample runs every enabled rule in the device's org against one
// telemetry sample.
func (e *Engine) EvaluateSample(ctx context.Context, device *models.Device, sample *models.MetricSample) {
	rules, err := e.store.Alerts.EnabledRulesForOrg(ctx, device.OrgID)
	if err != nil {
		e.logger.Error().Err(err).Str("org_id", device.OrgID).Msg("Failed to load alert rules")
		return
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		if !e.targetsDevice(ctx, rule, device) {
			continue
		}
		e.evaluateRule(ctx, rule, device, sample, now)
	}
}

// A rule fires when any of its metric conditions breaches (holding for the
// condition's duration when one is set). When no condition breaches and the
// rule auto-resolves, the open alert closes.
func (e *Engine) evaluateRule(ctx context.Context, rule *models.AlertRule, device *models.Device, sample *models.MetricSample, now time.Time) {
	anyBreach := false
	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		if cond.Metric == "" {
			continue
		}
		value, ok := sample.Value(cond.Metric)
		if !ok {
			continue
		}
		if !cond.Operator.Compare(value, cond.Threshold) {
			if err := e.cache.ClearWindow(ctx, rule.ID, device.ID); err != nil {
				e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to clear breach window")
			}
			continue
		}
		anyBreach = true

		if cond.DurationMinutes > 0 {
			duration := time.Duration(cond.DurationMinutes) * time.Minute
			start, err := e.cache.SetWindowStart(ctx, rule.ID, device.ID, now, duration*2)
			if err != nil {
				e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to track breach window")
				continue
			}
			if now.Sub(start) < duration {
				continue
			}
		}

		e.fire(ctx, rule, device, now,
			fmt.Sprintf("%s on %s", rule.Name, device.Hostname),
			fmt.Sprintf("%s is %.1f (threshold %s %.1f)", cond.Metric, value, cond.Operator, cond.Threshold),
			map[string]any{"metric": cond.Metric, "value": value, "threshold": cond.Threshold})
		return
	}

	if !anyBreach && rule.AutoResolve {
		e.autoResolve(ctx, rule, device, now)
	}
}

// HandleEvent reacts to structural events: device status transitions and
// inventory changes. Implements the dispatcher's sink interface.
func (e *Engine) HandleEvent(ctx context.Context, event models.Event) {
	var structural string
	switch event.Type {
	case models.EventDeviceOffline:
		structural = "status_offline"
	case models.EventSoftwareChange:
		structural = "software_change"
	case models.EventDeviceOnline:
		e.resolveOfflineAlerts(ctx, event)
		return
	default:
		return
	}

	var data struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.DeviceID == "" {
		return
	}
	device, err := e.store.Devices.Get(ctx, store.OrgScope{AccessibleOrgIDs: []string{event.OrgID}}, data.DeviceID)
	if err != nil {
		return
	}

	rules, err := e.store.Alerts.EnabledRulesForOrg(ctx, event.OrgID)
	if err != nil {
		e.logger.Error().Err(err).Str("org_id", event.OrgID).Msg("Failed to load alert rules")
		return
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		if !e.targetsDevice(ctx, rule, device) {
			continue
		}
		for i := range rule.Conditions {
			if rule.Conditions[i].Structural != structural {
				continue
			}
			e.fire(ctx, rule, device, now,
				fmt.Sprintf("%s on %s", rule.Name, device.Hostname),
				fmt.Sprintf("%s triggered by %s", rule.Name, event.Type),
				map[string]any{"event": event.Type})
			break
		}
	}
}

// resolveOfflineAlerts closes status_offline alerts when the device returns.
func (e *Engine) resolveOfflineAlerts(ctx context.Context, event models.Event) {
	var data struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.DeviceID == "" {
		return
	}
	device, err := e.store.Devices.Get(ctx, store.OrgScope{AccessibleOrgIDs: []string{event.OrgID}}, data.DeviceID)
	if err != nil {
		return
	}
	rules, err := e.store.Alerts.EnabledRulesForOrg(ctx, event.OrgID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		if !rule.AutoResolve {
			continue
		}
		for i := range rule.Conditions {
			if rule.Conditions[i].Structural == "status_offline" {
				e.autoResolve(ctx, rule, device, now)
				break
			}
		}
	}
}

func (e *Engine) fire(ctx context.Context, rule *models.AlertRule, device *models.Device, now time.Time, title, message string, details map[string]any) {
	if device.InMaintenance(now) {
		metrics.AlertsSuppressedTotal.WithLabelValues("maintenance").Inc()
		return
	}
	cooling, err := e.cache.InCooldown(ctx, rule.ID, device.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Cooldown check failed")
	}
	if cooling {
		metrics.AlertsSuppressedTotal.WithLabelValues("cooldown").Inc()
		return
	}

	contextJSON, _ := json.Marshal(details)
	alert := &models.Alert{
		ID:          ids.New(),
		RuleID:      rule.ID,
		OrgID:       rule.OrgID,
		DeviceID:    device.ID,
		Severity:    rule.Severity,
		Status:      models.AlertStatusActive,
		Title:       title,
		Message:     message,
		Context:     contextJSON,
		TriggeredAt: now,
		LastSeenAt:  now,
	}
	fired, err := e.store.Alerts.Fire(ctx, alert)
	if err != nil {
		e.logger.Error().Err(err).Str("rule_id", rule.ID).Str("device_id", device.ID).Msg("Failed to fire alert")
		return
	}
	if !fired {
		// Active alert extended; no re-notification.
		return
	}

	metrics.AlertsFiredTotal.WithLabelValues(string(rule.Severity)).Inc()
	e.logger.Info().Str("alert_id", alert.ID).Str("rule_id", rule.ID).
		Str("device_id", device.ID).Str("severity", string(rule.Severity)).Msg("Alert fired")

	e.publish(ctx, models.EventAlertTriggered, alert.OrgID, map[string]any{
		"alertId": alert.ID, "ruleId": rule.ID, "deviceId": device.ID,
		"severity": rule.Severity, "title": title,
	})
	e.route(ctx, rule, alert)
	e.scheduleEscalation(ctx, rule, alert)
}

// route enqueues one notification job per channel. Channels are re-verified
// against the alert's org; a mismatch is skipped and audited because it
// means the rule was edited across tenant boundaries.
func (e *Engine) route(ctx context.Context, rule *models.AlertRule, alert *models.Alert) {
	scope := store.OrgScope{AccessibleOrgIDs: []string{alert.OrgID}}
	for _, channelID := range rule.NotificationChannelIDs {
		channel, err := e.store.Channels.Get(ctx, scope, channelID)
		if err != nil {
			if httperr.KindOf(err) == httperr.KindNotFound {
				e.recorder.MustRecord(ctx, audit.Entry{
					OrgID:        &alert.OrgID,
					ActorType:    audit.ActorSystem,
					ActorID:      "alert-engine",
					Action:       "alert.route_skipped",
					ResourceType: "notification_channel",
					ResourceID:   &channelID,
					Result:       audit.ResultFailure,
				})
			}
			continue
		}
		if !channel.Enabled {
			continue
		}
		_, err = e.queue.Enqueue(ctx, models.JobKindNotification, &alert.OrgID, jobs.NotificationPayload{
			ChannelID: channel.ID,
			OrgID:     alert.OrgID,
			AlertID:   alert.ID,
			Title:     alert.Title,
			Message:   alert.Message,
			Severity:  string(alert.Severity),
		}, alert.ID+":notify:"+channel.ID)
		if err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Str("channel_id", channel.ID).
				Msg("Failed to enqueue notification")
		}
	}
}

func (e *Engine) scheduleEscalation(ctx context.Context, rule *models.AlertRule, alert *models.Alert) {
	if rule.EscalationPolicyID == nil {
		return
	}
	scope := store.OrgScope{AccessibleOrgIDs: []string{alert.OrgID}}
	policy, err := e.store.Alerts.GetPolicy(ctx, scope, *rule.EscalationPolicyID)
	if err != nil {
		e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("Escalation policy unavailable")
		return
	}
	if err := e.escalator.ScheduleFirst(ctx, alert, policy.ID, policy.Steps); err != nil {
		e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to schedule escalation")
	}
}

func (e *Engine) autoResolve(ctx context.Context, rule *models.AlertRule, device *models.Device, now time.Time) {
	alert, err := e.store.Alerts.OpenAlert(ctx, rule.ID, device.ID)
	if err != nil {
		if httperr.KindOf(err) != httperr.KindNotFound {
			e.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Open-alert lookup failed")
		}
		return
	}
	scope := store.OrgScope{AccessibleOrgIDs: []string{alert.OrgID}}
	if err := e.store.Alerts.Resolve(ctx, scope, alert.ID, "", now); err != nil {
		e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("Auto-resolve failed")
		return
	}
	e.afterResolve(ctx, alert, rule.CooldownMinutes, "auto")
}

// ResolveAlert is the operator path: resolves the alert, starts the rule's
// cooldown, and emits alert.resolved.
func (e *Engine) ResolveAlert(ctx context.Context, scope store.OrgScope, alertID, resolvedBy string) error {
	alert, err := e.store.Alerts.Get(ctx, scope, alertID)
	if err != nil {
		return err
	}
	if err := e.store.Alerts.Resolve(ctx, scope, alertID, resolvedBy, time.Now().UTC()); err != nil {
		return err
	}
	cooldown := 0
	if rule, err := e.store.Alerts.GetRule(ctx, store.OrgScope{AccessibleOrgIDs: []string{alert.OrgID}}, alert.RuleID); err == nil {
		cooldown = rule.CooldownMinutes
	}
	e.afterResolve(ctx, alert, cooldown, "manual")
	return nil
}

func (e *Engine) afterResolve(ctx context.Context, alert *models.Alert, cooldownMinutes int, mode string) {
	if cooldownMinutes > 0 {
		if err := e.cache.SetCooldown(ctx, alert.RuleID, alert.DeviceID,
			time.Duration(cooldownMinutes)*time.Minute); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("Failed to set cooldown")
		}
	}
	if err := e.cache.ClearWindow(ctx, alert.RuleID, alert.DeviceID); err != nil {
		e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("Failed to clear breach window")
	}
	metrics.AlertsResolvedTotal.WithLabelValues(mode).Inc()
	e.publish(ctx, models.EventAlertResolved, alert.OrgID, map[string]any{
		"alertId": alert.ID, "ruleId": alert.RuleID, "deviceId": alert.DeviceID, "mode": mode,
	})
}

// targetsDevice applies the rule's target filter. An empty filter matches
// every device in the org. Static group membership counts; dynamic groups
// match through their materialized device list.
func (e *Engine) targetsDevice(ctx context.Context, rule *models.AlertRule, device *models.Device) bool {
	t := &rule.Targets
	if len(t.SiteIDs) == 0 && len(t.DeviceGroupIDs) == 0 && len(t.DeviceIDs) == 0 &&
		len(t.OSTypes) == 0 && len(t.Tags) == 0 {
		return true
	}
	if containsString(t.DeviceIDs, device.ID) || containsString(t.SiteIDs, device.SiteID) {
		return true
	}
	for _, os := range t.OSTypes {
		if os == device.OSType {
			return true
		}
	}
	for _, tag := range t.Tags {
		if containsString(device.Tags, tag) {
			return true
		}
	}
	scope := store.OrgScope{AccessibleOrgIDs: []string{device.OrgID}}
	for _, groupID := range t.DeviceGroupIDs {
		group, err := e.store.DeviceGroups.Get(ctx, scope, groupID)
		if err != nil {
			continue
		}
		if containsString(group.DeviceIDs, device.ID) {
			return true
		}
	}
	return false
}

func (e *Engine) publish(ctx context.Context, eventType, orgID string, data map[string]any) {
	if e.publisher == nil {
		return
	}
	body, _ := json.Marshal(data)
	err := e.publisher.Publish(ctx, models.Event{
		ID:         ids.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		OrgID:      orgID,
		Data:       body,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish alert event")
	}
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
