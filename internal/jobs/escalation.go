package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog/log"
)

// EscalationPayload drives one escalation policy step for one alert.
type EscalationPayload struct {
	AlertID   string `json:"alertId"`
	OrgID     string `json:"orgId"`
	PolicyID  string `json:"policyId"`
	StepIndex int    `json:"stepIndex"`
}

// NotificationPayload is the payload of notification jobs. One job per
// channel so a failing transport retries alone.
type NotificationPayload struct {
	ChannelID string `json:"channelId"`
	OrgID     string `json:"orgId"`
	AlertID   string `json:"alertId,omitempty"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
}

// Escalator runs escalation steps: when a step fires and the alert is still
// active, it notifies the step's channels and schedules the next step.
// Acknowledging or resolving the alert makes pending steps no-ops.
type Escalator struct {
	store *store.Store
	queue *Queue
}

// NewEscalator wires the escalation handler.
func NewEscalator(st *store.Store, queue *Queue) *Escalator {
	return &Escalator{store: st, queue: queue}
}

// Handle processes one escalation step job.
func (e *Escalator) Handle(ctx context.Context, job *models.JobRun) error {
	var payload EscalationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return httperr.Validation("malformed escalation payload", nil)
	}

	scope := store.OrgScope{AccessibleOrgIDs: []string{payload.OrgID}}
	alert, err := e.store.Alerts.Get(ctx, scope, payload.AlertID)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return nil
		}
		return err
	}
	if alert.Status != models.AlertStatusActive {
		log.Debug().Str("alert_id", alert.ID).Str("status", string(alert.Status)).
			Msg("Escalation step skipped; alert no longer active")
		return nil
	}

	policy, err := e.store.Alerts.GetPolicy(ctx, scope, payload.PolicyID)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return nil
		}
		return err
	}
	if payload.StepIndex < 0 || payload.StepIndex >= len(policy.Steps) {
		return nil
	}

	step := policy.Steps[payload.StepIndex]
	for _, channelID := range step.ChannelIDs {
		channel, err := e.store.Channels.Get(ctx, scope, channelID)
		if err != nil || !channel.Enabled {
			log.Warn().Str("channel_id", channelID).Str("alert_id", alert.ID).
				Msg("Escalation channel unavailable; skipped")
			continue
		}
		eventID := fmt.Sprintf("%s:esc:%d:%s", alert.ID, payload.StepIndex, channelID)
		_, err = e.queue.Enqueue(ctx, models.JobKindNotification, &payload.OrgID, NotificationPayload{
			ChannelID: channelID,
			OrgID:     payload.OrgID,
			AlertID:   alert.ID,
			Title:     fmt.Sprintf("[escalated] %s", alert.Title),
			Message:   alert.Message,
			Severity:  string(alert.Severity),
		}, eventID)
		if err != nil {
			return err
		}
	}

	return e.scheduleNext(ctx, &payload, policy)
}

// ScheduleFirst queues step zero of a policy relative to the alert trigger
// time. Called by the alert engine when a fired rule carries a policy.
func (e *Escalator) ScheduleFirst(ctx context.Context, alert *models.Alert, policyID string, steps []models.EscalationStep) error {
	if len(steps) == 0 {
		return nil
	}
	payload := EscalationPayload{AlertID: alert.ID, OrgID: alert.OrgID, PolicyID: policyID, StepIndex: 0}
	runAt := alert.TriggeredAt.Add(time.Duration(steps[0].DelayMinutes) * time.Minute)
	eventID := fmt.Sprintf("%s:esc:%d", alert.ID, 0)
	_, err := e.queue.EnqueueAt(ctx, models.JobKindEscalation, &alert.OrgID, payload, eventID, runAt)
	return err
}

func (e *Escalator) scheduleNext(ctx context.Context, payload *EscalationPayload, policy *models.EscalationPolicy) error {
	next := payload.StepIndex + 1
	if next >= len(policy.Steps) {
		return nil
	}
	nextPayload := EscalationPayload{
		AlertID: payload.AlertID, OrgID: payload.OrgID,
		PolicyID: payload.PolicyID, StepIndex: next,
	}
	runAt := time.Now().UTC().Add(time.Duration(policy.Steps[next].DelayMinutes) * time.Minute)
	eventID := fmt.Sprintf("%s:esc:%d", payload.AlertID, next)
	_, err := e.queue.EnqueueAt(ctx, models.JobKindEscalation, &payload.OrgID, nextPayload, eventID, runAt)
	return err
}
