package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// CommandNotifier nudges connected agents that work is waiting. Implemented
// by the websocket hub; polling agents pick commands up on the next
// heartbeat regardless.
type CommandNotifier interface {
	NotifyCommand(deviceID string)
}

// DeployPayload is the payload of deployment and patch jobs.
type DeployPayload struct {
	OrgID          string          `json:"orgId"`
	DeviceIDs      []string        `json:"deviceIds"`
	CommandType    string          `json:"commandType"`
	Args           json.RawMessage `json:"args,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	IssuedBy       string          `json:"issuedBy"`
}

// Fanout turns deployment and patch jobs into per-device commands and
// closes the loop when every target reaches a terminal state.
type Fanout struct {
	store     *store.Store
	publisher EventPublisher
	notifier  CommandNotifier
}

// NewFanout wires the fan-out worker.
func NewFanout(st *store.Store, publisher EventPublisher, notifier CommandNotifier) *Fanout {
	return &Fanout{store: st, publisher: publisher, notifier: notifier}
}

// Handle is the deployment/patch job handler. Re-running after a partial
// crash is safe: devices that already carry a command for this job keep it.
func (f *Fanout) Handle(ctx context.Context, job *models.JobRun) error {
	var payload DeployPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return httperr.Validation("malformed deployment payload", nil)
	}
	if payload.CommandType == "" || len(payload.DeviceIDs) == 0 {
		return httperr.Validation("deployment requires commandType and deviceIds", nil)
	}

	timeout := time.Duration(payload.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	now := time.Now().UTC()

	existing, err := f.store.Jobs.Results(ctx, job.ID)
	if err != nil {
		return err
	}
	covered := make(map[string]bool, len(existing))
	for _, res := range existing {
		covered[res.DeviceID] = true
	}

	for _, deviceID := range payload.DeviceIDs {
		if covered[deviceID] {
			continue
		}
		if err := f.issueCommand(ctx, job, &payload, deviceID, timeout, now); err != nil {
			return err
		}
	}

	return f.maybeComplete(ctx, job.ID, job.Kind, payload.OrgID)
}

func (f *Fanout) issueCommand(ctx context.Context, job *models.JobRun, payload *DeployPayload, deviceID string, timeout time.Duration, now time.Time) error {
	device, err := f.store.Devices.Get(ctx, store.OrgScope{AccessibleOrgIDs: []string{payload.OrgID}}, deviceID)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return f.store.Jobs.UpsertResult(ctx, f.store.Pool(), &models.JobResult{
				JobRunID: job.ID, DeviceID: deviceID, Status: string(models.CommandStatusFailed),
				Error: "device not found in organization", CompletedAt: &now,
			})
		}
		return err
	}
	if device.Status == models.DeviceStatusDecommissioned || device.Status == models.DeviceStatusQuarantined {
		return f.store.Jobs.UpsertResult(ctx, f.store.Pool(), &models.JobResult{
			JobRunID: job.ID, DeviceID: deviceID, Status: string(models.CommandStatusFailed),
			Error: fmt.Sprintf("device is %s", device.Status), CompletedAt: &now,
		})
	}

	cmd := &models.DeviceCommand{
		ID:        ids.New(),
		DeviceID:  deviceID,
		OrgID:     payload.OrgID,
		Type:      payload.CommandType,
		Payload:   payload.Args,
		Status:    models.CommandStatusPending,
		IssuedBy:  payload.IssuedBy,
		IssuedAt:  now,
		ExpiresAt: now.Add(timeout),
		JobRunID:  &job.ID,
	}
	err = database.WithTx(ctx, f.store.Pool(), func(tx pgx.Tx) error {
		if err := f.store.Commands.Create(ctx, tx, cmd); err != nil {
			return err
		}
		return f.store.Jobs.UpsertResult(ctx, tx, &models.JobResult{
			JobRunID: job.ID, DeviceID: deviceID, CommandID: cmd.ID,
			Status: string(models.CommandStatusPending),
		})
	})
	if httperr.KindOf(err) == httperr.KindConflict {
		// Serialized command already in flight on this device.
		return f.store.Jobs.UpsertResult(ctx, f.store.Pool(), &models.JobResult{
			JobRunID: job.ID, DeviceID: deviceID, Status: string(models.CommandStatusFailed),
			Error: "serialized command already in flight", CompletedAt: &now,
		})
	}
	if err != nil {
		return err
	}

	metrics.CommandsIssuedTotal.WithLabelValues(payload.CommandType).Inc()
	if f.notifier != nil {
		f.notifier.NotifyCommand(deviceID)
	}
	return nil
}

// RecordCommandOutcome is called when a fan-out command reaches a terminal
// state (result post or expiry sweep). When the last target lands, the
// completion event fires.
func (f *Fanout) RecordCommandOutcome(ctx context.Context, cmd *models.DeviceCommand, status models.CommandStatus, errText string) error {
	if cmd.JobRunID == nil {
		return nil
	}
	now := time.Now().UTC()
	if err := f.store.Jobs.UpsertResult(ctx, f.store.Pool(), &models.JobResult{
		JobRunID: *cmd.JobRunID, DeviceID: cmd.DeviceID, CommandID: cmd.ID,
		Status: string(status), Error: errText, CompletedAt: &now,
	}); err != nil {
		return err
	}

	job, err := f.store.Jobs.Get(ctx, *cmd.JobRunID)
	if err != nil {
		return err
	}
	orgID := ""
	if job.OrgID != nil {
		orgID = *job.OrgID
	}
	return f.maybeComplete(ctx, job.ID, job.Kind, orgID)
}

func (f *Fanout) maybeComplete(ctx context.Context, jobID string, kind models.JobKind, orgID string) error {
	total, terminal, err := f.store.Jobs.ResultsSummary(ctx, jobID)
	if err != nil {
		return err
	}
	if total == 0 || terminal < total {
		return nil
	}

	eventType := models.EventDeploymentComplete
	if kind == models.JobKindPatch {
		eventType = models.EventPatchComplete
	}
	results, err := f.store.Jobs.Results(ctx, jobID)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]any{
		"jobId":   jobID,
		"results": results,
	})
	event := models.Event{
		ID:         ids.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		OrgID:      orgID,
		Data:       data,
	}
	if f.publisher != nil {
		if err := f.publisher.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish completion event")
		}
	}
	return nil
}
