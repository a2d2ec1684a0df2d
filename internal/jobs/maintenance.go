package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/mtlsca"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const expiredCertBatch = 500

// Maintenance owns the periodic housekeeping work: certificate expiry
// enforcement, telemetry retention, and command expiry.
type Maintenance struct {
	store     *store.Store
	queue     *Queue
	publisher EventPublisher
	ca        *mtlsca.Client
	fanout    *Fanout
	retention time.Duration
	logger    zerolog.Logger
}

// NewMaintenance wires the maintenance handlers. ca may be nil when mTLS is
// disabled; retention <= 0 defaults to 90 days.
func NewMaintenance(st *store.Store, queue *Queue, publisher EventPublisher, ca *mtlsca.Client, fanout *Fanout, retention time.Duration) *Maintenance {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Maintenance{
		store:     st,
		queue:     queue,
		publisher: publisher,
		ca:        ca,
		fanout:    fanout,
		retention: retention,
		logger:    log.With().Str("component", "maintenance").Logger(),
	}
}

// HandleCertScan enforces org mTLS policy on expired certificates. Orgs with
// the renew policy let agents self-renew on the next heartbeat; quarantine
// orgs have the device blocked until an operator approves it.
func (m *Maintenance) HandleCertScan(ctx context.Context, _ *models.JobRun) error {
	now := time.Now().UTC()
	expired, err := m.store.Devices.ExpiredCerts(ctx, now, expiredCertBatch)
	if err != nil {
		return err
	}

	for _, cert := range expired {
		if cert.MTLSPolicy != "quarantine" {
			continue
		}
		if err := m.store.Devices.SetStatus(ctx, cert.DeviceID, models.DeviceStatusQuarantined); err != nil {
			m.logger.Error().Err(err).Str("device_id", cert.DeviceID).Msg("Failed to quarantine device")
			continue
		}
		if m.ca != nil {
			if err := m.ca.Revoke(ctx, cert.ExternalCertID); err != nil {
				m.logger.Warn().Err(err).Str("device_id", cert.DeviceID).Msg("CA revocation failed")
			}
		}
		if err := m.store.Devices.MarkCertRevoked(ctx, cert.DeviceID, now); err != nil {
			m.logger.Warn().Err(err).Str("device_id", cert.DeviceID).Msg("Failed to record revocation")
		}

		m.publish(ctx, models.EventDeviceQuarantined, cert.OrgID, map[string]any{
			"deviceId": cert.DeviceID,
			"reason":   "certificate expired",
		})
		m.logger.Info().Str("device_id", cert.DeviceID).Str("org_id", cert.OrgID).
			Msg("Device quarantined on expired certificate")
	}
	return nil
}

// HandleRetentionSweep keeps telemetry partitions within the retention
// window and makes sure the next month's partition exists ahead of time.
func (m *Maintenance) HandleRetentionSweep(ctx context.Context, _ *models.JobRun) error {
	now := time.Now().UTC()
	if err := m.store.Devices.EnsureMetricsPartition(ctx, now); err != nil {
		return err
	}
	if err := m.store.Devices.EnsureMetricsPartition(ctx, now.AddDate(0, 1, 0)); err != nil {
		return err
	}

	cutoff := now.Add(-m.retention)
	partitions, err := m.store.Devices.MetricPartitions(ctx)
	if err != nil {
		return err
	}
	for _, name := range partitions {
		suffix := strings.TrimPrefix(name, "device_metrics_")
		start, err := time.Parse("200601", suffix)
		if err != nil {
			continue
		}
		// Drop only when the partition's whole month is past the cutoff.
		if start.AddDate(0, 1, 0).Before(cutoff) {
			if err := m.store.Devices.DropMetricPartition(ctx, name); err != nil {
				m.logger.Error().Err(err).Str("partition", name).Msg("Failed to drop metrics partition")
				continue
			}
			m.logger.Info().Str("partition", name).Msg("Dropped expired metrics partition")
		}
	}

	deleted, err := m.store.Devices.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		m.logger.Info().Int64("rows", deleted).Msg("Cleared expired telemetry from default partition")
	}
	return nil
}

// RunCommandSweeper times out overdue commands every 30 seconds until ctx is
// cancelled.
func (m *Maintenance) RunCommandSweeper(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepCommands(ctx)
		}
	}
}

func (m *Maintenance) sweepCommands(ctx context.Context) {
	expired, err := m.store.Commands.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Error().Err(err).Msg("Command expiry sweep failed")
		return
	}
	for _, cmd := range expired {
		metrics.CommandResultsTotal.WithLabelValues(string(models.CommandStatusTimeout)).Inc()
		m.publish(ctx, models.EventCommandFailed, cmd.OrgID, map[string]any{
			"commandId": cmd.ID,
			"deviceId":  cmd.DeviceID,
			"type":      cmd.Type,
			"status":    models.CommandStatusTimeout,
		})
		if m.fanout != nil {
			if err := m.fanout.RecordCommandOutcome(ctx, cmd, models.CommandStatusTimeout, "command expired before completion"); err != nil {
				m.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to record fan-out timeout")
			}
		}
	}
	if len(expired) > 0 {
		m.logger.Info().Int("count", len(expired)).Msg("Timed out expired commands")
	}
}

// RunSchedules enqueues the daily scan jobs. The date-stamped event IDs make
// repeated ticks and multiple instances idempotent.
func (m *Maintenance) RunSchedules(ctx context.Context) error {
	m.enqueueDaily(ctx)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.enqueueDaily(ctx)
		}
	}
}

func (m *Maintenance) enqueueDaily(ctx context.Context) {
	day := time.Now().UTC().Format("2006-01-02")
	for _, kind := range []models.JobKind{models.JobKindCertRenewalScan, models.JobKindRetentionSweep} {
		if _, err := m.queue.Enqueue(ctx, kind, nil, struct{}{}, string(kind)+":"+day); err != nil {
			m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to enqueue daily scan")
		}
	}
}

func (m *Maintenance) publish(ctx context.Context, eventType, orgID string, data map[string]any) {
	if m.publisher == nil {
		return
	}
	body, _ := json.Marshal(data)
	event := models.Event{
		ID:         ids.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		OrgID:      orgID,
		Data:       body,
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
