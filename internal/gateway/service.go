// Package gateway terminates agent traffic: enrollment, heartbeats, command
// pickup, result posting, telemetry ingestion, and the mTLS certificate
// lifecycle.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breeze-rmm/breeze/internal/alerting"
	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/cache"
	"github.com/breeze-rmm/breeze/internal/config"
	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/mtlsca"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxCommandsPerHeartbeat = 16

// Service implements the agent-facing operations. Agent identity is the
// opaque agentId plus a bearer token hashed on the device row; all lookups
// treat missing and mismatched the same way so agent IDs cannot be probed.
type Service struct {
	store       *store.Store
	cache       *cache.Client
	ca          *mtlsca.Client
	recorder    *audit.Recorder
	engine      *alerting.Engine
	fanout      *jobs.Fanout
	publisher   jobs.EventPublisher
	keyHasher   *crypto.TokenHasher
	tokenHasher *crypto.TokenHasher
	cfg         *config.Config
	logger      zerolog.Logger
}

// NewService wires the gateway. ca may be nil when mTLS is disabled.
func NewService(st *store.Store, ca *cache.Client, certs *mtlsca.Client, recorder *audit.Recorder,
	engine *alerting.Engine, fanout *jobs.Fanout, publisher jobs.EventPublisher, cfg *config.Config) *Service {
	return &Service{
		store:       st,
		cache:       ca,
		ca:          certs,
		recorder:    recorder,
		engine:      engine,
		fanout:      fanout,
		publisher:   publisher,
		keyHasher:   crypto.NewTokenHasher(cfg.EnrollmentKeyPepper),
		tokenHasher: crypto.NewTokenHasher(cfg.AgentEnrollmentSecret),
		cfg:         cfg,
		logger:      log.With().Str("component", "gateway").Logger(),
	}
}

// EnrollRequest is the agent's enrollment submission.
type EnrollRequest struct {
	EnrollmentKey       string `json:"enrollmentKey" validate:"required"`
	HardwareFingerprint string `json:"hardwareFingerprint" validate:"required"`
	Hostname            string `json:"hostname" validate:"required"`
	OSType              string `json:"osType" validate:"required,oneof=windows darwin linux"`
	OSVersion           string `json:"osVersion"`
	Architecture        string `json:"architecture"`
	AgentVersion        string `json:"agentVersion"`
}

// MTLSMaterial carries the client certificate returned exactly once.
type MTLSMaterial struct {
	CertPEM   string    `json:"certPem"`
	KeyPEM    string    `json:"keyPem"`
	Serial    string    `json:"serial"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AgentConfig is the agent-side runtime configuration block.
type AgentConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds"`
}

// EnrollResponse is returned on successful enrollment. AuthToken appears
// only here; the server keeps its hash.
type EnrollResponse struct {
	AgentID   string        `json:"agentId"`
	AuthToken string        `json:"authToken"`
	OrgID     string        `json:"orgId"`
	SiteID    string        `json:"siteId"`
	Config    AgentConfig   `json:"config"`
	MTLS      *MTLSMaterial `json:"mtls,omitempty"`
}

// MintEnrollmentKey creates a key bound to an org and site. The raw key is
// returned exactly once; only its peppered hash is stored.
func (s *Service) MintEnrollmentKey(ctx context.Context, scope store.OrgScope, actorID string,
	partnerID *string, orgID, siteID string, maxUses *int, expiresAt *time.Time) (string, *models.EnrollmentKey, error) {
	if _, err := s.store.Orgs.Get(ctx, scope, orgID); err != nil {
		return "", nil, err
	}
	if _, err := s.store.Sites.Get(ctx, scope, siteID); err != nil {
		return "", nil, err
	}

	tok, err := ids.NewToken(32)
	if err != nil {
		return "", nil, httperr.Internal(err)
	}
	raw := "bek_" + tok
	key := &models.EnrollmentKey{
		ID:        ids.New(),
		PartnerID: partnerID,
		OrgID:     orgID,
		SiteID:    siteID,
		KeyHash:   s.keyHasher.Hash(raw),
		MaxUses:   maxUses,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Enrollment.Create(ctx, key); err != nil {
		return "", nil, err
	}
	s.recorder.MustRecord(ctx, audit.Entry{
		OrgID:        &orgID,
		ActorType:    audit.ActorUser,
		ActorID:      actorID,
		Action:       "enrollment_key.created",
		ResourceType: "enrollment_key",
		ResourceID:   &key.ID,
		Result:       audit.ResultSuccess,
	})
	return raw, key, nil
}

// Enroll admits a new agent. A fingerprint matching a decommissioned device
// in the key's org resumes that row under a fresh identity instead of
// creating a duplicate.
func (s *Service) Enroll(ctx context.Context, req *EnrollRequest) (*EnrollResponse, error) {
	now := time.Now().UTC()

	key, err := s.store.Enrollment.GetByHash(ctx, s.keyHasher.Hash(req.EnrollmentKey))
	if err != nil {
		metrics.EnrollmentsTotal.WithLabelValues("denied").Inc()
		return nil, err
	}
	if !key.Usable(now) {
		metrics.EnrollmentsTotal.WithLabelValues("denied").Inc()
		return nil, httperr.Forbidden("enrollment key expired or revoked")
	}

	orgScope := store.OrgScope{AccessibleOrgIDs: []string{key.OrgID}}
	org, err := s.store.Orgs.Get(ctx, orgScope, key.OrgID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Sites.Get(ctx, orgScope, key.SiteID); err != nil {
		return nil, err
	}
	if err := s.store.Enrollment.ConsumeUse(ctx, key.ID); err != nil {
		metrics.EnrollmentsTotal.WithLabelValues("denied").Inc()
		return nil, err
	}

	agentID, err := ids.NewAgentID()
	if err != nil {
		return nil, httperr.Internal(err)
	}
	authToken, err := ids.NewToken(48)
	if err != nil {
		return nil, httperr.Internal(err)
	}
	tokenHash := s.tokenHasher.Hash(authToken)

	device, resumed, err := s.materializeDevice(ctx, key, req, agentID, tokenHash, now)
	if err != nil {
		return nil, err
	}

	resp := &EnrollResponse{
		AgentID:   agentID,
		AuthToken: authToken,
		OrgID:     key.OrgID,
		SiteID:    key.SiteID,
		Config: AgentConfig{
			HeartbeatIntervalSeconds: int(s.cfg.HeartbeatInterval.Seconds()),
		},
	}

	if s.ca != nil {
		cert, err := s.ca.Issue(ctx, device.ID)
		if err != nil {
			// Quarantine-policy orgs require a certificate; renew-policy
			// orgs enroll without one and pick it up on renewal.
			if org.MTLSPolicy == "quarantine" {
				return nil, err
			}
			s.logger.Warn().Err(err).Str("device_id", device.ID).
				Msg("Enrollment proceeding without certificate; CA unavailable")
		} else {
			if err := s.store.Devices.UpsertCert(ctx, &models.DeviceCert{
				DeviceID:       device.ID,
				Serial:         cert.Serial,
				ExternalCertID: cert.ExternalID,
				IssuedAt:       cert.IssuedAt,
				ExpiresAt:      cert.ExpiresAt,
			}); err != nil {
				return nil, err
			}
			resp.MTLS = &MTLSMaterial{
				CertPEM:   cert.CertPEM,
				KeyPEM:    cert.KeyPEM,
				Serial:    cert.Serial,
				ExpiresAt: cert.ExpiresAt,
			}
		}
	}

	outcome := "enrolled"
	if resumed {
		outcome = "resumed"
	}
	metrics.EnrollmentsTotal.WithLabelValues(outcome).Inc()
	metrics.AgentsOnline.Inc()
	s.recorder.MustRecord(ctx, audit.Entry{
		OrgID:        &key.OrgID,
		ActorType:    audit.ActorAgent,
		ActorID:      agentID,
		Action:       "device.enrolled",
		ResourceType: "device",
		ResourceID:   &device.ID,
		ResourceName: device.Hostname,
		Result:       audit.ResultSuccess,
	})
	s.publish(ctx, models.EventDeviceEnrolled, key.OrgID, map[string]any{
		"deviceId": device.ID, "hostname": device.Hostname, "resumed": resumed,
	})
	s.logger.Info().Str("device_id", device.ID).Str("org_id", key.OrgID).
		Bool("resumed", resumed).Msg("Agent enrolled")
	return resp, nil
}

func (s *Service) materializeDevice(ctx context.Context, key *models.EnrollmentKey, req *EnrollRequest, agentID, tokenHash string, now time.Time) (*models.Device, bool, error) {
	if existing, err := s.store.Devices.FindByFingerprint(ctx, key.OrgID, req.HardwareFingerprint); err == nil {
		if existing.Status == models.DeviceStatusDecommissioned {
			err = database.WithTx(ctx, s.store.Pool(), func(tx pgx.Tx) error {
				return s.store.Devices.ResumeEnrollment(ctx, tx, existing.ID, agentID, tokenHash, now)
			})
			if err != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		return nil, false, httperr.Conflict("device already enrolled")
	}

	device := &models.Device{
		ID:                  ids.New(),
		OrgID:               key.OrgID,
		SiteID:              key.SiteID,
		AgentID:             agentID,
		Hostname:            req.Hostname,
		DisplayName:         req.Hostname,
		OSType:              models.OSType(req.OSType),
		OSVersion:           req.OSVersion,
		Architecture:        req.Architecture,
		AgentVersion:        req.AgentVersion,
		Status:              models.DeviceStatusOnline,
		HardwareFingerprint: req.HardwareFingerprint,
		TokenHash:           tokenHash,
		LastSeenAt:          &now,
		EnrolledAt:          now,
	}
	err := database.WithTx(ctx, s.store.Pool(), func(tx pgx.Tx) error {
		return s.store.Devices.Create(ctx, tx, device)
	})
	if err != nil {
		return nil, false, err
	}
	return device, false, nil
}

// Authenticate resolves agent credentials to a device. certSerial is the
// value the terminating proxy injects; it is compared when the device has a
// certificate on record.
func (s *Service) Authenticate(ctx context.Context, agentID, bearer, certSerial string) (*models.Device, error) {
	if agentID == "" || bearer == "" {
		return nil, httperr.Unauthenticated("missing agent credentials")
	}
	device, err := s.store.Devices.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, httperr.Unauthenticated("invalid agent credentials")
	}
	if !s.tokenHasher.Verify(bearer, device.TokenHash) {
		return nil, httperr.Unauthenticated("invalid agent credentials")
	}
	switch device.Status {
	case models.DeviceStatusDecommissioned:
		return nil, httperr.Unauthenticated("invalid agent credentials")
	case models.DeviceStatusQuarantined:
		return nil, httperr.Forbidden("device quarantined")
	}

	if s.ca != nil && certSerial != "" {
		cert, err := s.store.Devices.GetCert(ctx, device.ID)
		if err == nil && cert.Serial != certSerial {
			return nil, httperr.Unauthenticated("certificate mismatch")
		}
	}
	return device, nil
}

// HeartbeatRequest is the periodic agent check-in.
type HeartbeatRequest struct {
	AgentVersion  string                `json:"agentVersion"`
	PendingReboot bool                  `json:"pendingReboot"`
	Metrics       *models.MetricSample  `json:"metrics,omitempty"`
	Software      []models.SoftwareItem `json:"software,omitempty"`
	Hardware      *models.HardwareInfo  `json:"hardware,omitempty"`
}

// HeartbeatResponse returns queued work and lifecycle hints.
type HeartbeatResponse struct {
	Commands        []*models.DeviceCommand `json:"commands"`
	RenewCert       bool                    `json:"renewCert,omitempty"`
	IntervalSeconds int                     `json:"intervalSeconds"`
}

// Heartbeat ingests telemetry and hands back up to 16 pending commands,
// each marked sent by a conditional update so redelivery after a crash is
// the at-least-once path, not a duplicate.
func (s *Service) Heartbeat(ctx context.Context, device *models.Device, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	limit, err := s.cache.Allow(ctx, "agents:hb:"+device.ID, s.cfg.HeartbeatRateLimit, time.Minute)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Heartbeat rate check failed")
	} else if !limit.Allowed {
		metrics.HeartbeatsTotal.WithLabelValues("rate_limited").Inc()
		return nil, httperr.RateLimited("heartbeat budget exhausted", limit.RetryAfter)
	}

	now := time.Now().UTC()
	prev, err := s.store.Devices.Heartbeat(ctx, device.ID, req.AgentVersion, req.PendingReboot, now)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if prev == models.DeviceStatusOffline {
		metrics.AgentsOnline.Inc()
		s.publish(ctx, models.EventDeviceOnline, device.OrgID, map[string]any{"deviceId": device.ID})
	}

	if req.Metrics != nil {
		sample := *req.Metrics
		sample.DeviceID = device.ID
		if sample.Timestamp.IsZero() {
			sample.Timestamp = now
		}
		if err := s.store.Devices.InsertMetrics(ctx, &sample); err != nil {
			s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Telemetry insert failed")
		} else {
			s.engine.EvaluateSample(ctx, device, &sample)
		}
	}
	s.ingestInventory(ctx, device, req)

	commands, err := s.store.Commands.PickupPending(ctx, device.ID, maxCommandsPerHeartbeat, now)
	if err != nil {
		return nil, err
	}

	resp := &HeartbeatResponse{
		Commands:        commands,
		IntervalSeconds: int(s.cfg.HeartbeatInterval.Seconds()),
	}
	if s.ca != nil {
		if cert, err := s.store.Devices.GetCert(ctx, device.ID); err == nil && cert.RenewDue(now) {
			resp.RenewCert = true
		}
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	return resp, nil
}

func (s *Service) ingestInventory(ctx context.Context, device *models.Device, req *HeartbeatRequest) {
	if req.Hardware != nil {
		hw := *req.Hardware
		hw.DeviceID = device.ID
		if err := s.store.Devices.UpsertHardware(ctx, &hw); err != nil {
			s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Hardware inventory update failed")
		}
	}
	if req.Software == nil {
		return
	}
	changed, err := s.store.Devices.ReplaceSoftware(ctx, device.ID, req.Software)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Software inventory update failed")
		return
	}
	if changed {
		s.publish(ctx, models.EventSoftwareChange, device.OrgID, map[string]any{
			"deviceId": device.ID, "count": len(req.Software),
		})
	}
}

// PostResult applies a command result. Reapplying the same (commandId,
// attempt) is a no-op; the audit row and the state change commit together.
func (s *Service) PostResult(ctx context.Context, device *models.Device, commandID string, res *models.CommandResult) error {
	cmd, err := s.store.Commands.GetForAgent(ctx, commandID, device.ID)
	if err != nil {
		return err
	}
	if cmd.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	status := models.CommandStatusCompleted
	if !res.Succeeded() {
		status = models.CommandStatusFailed
	}

	var applied bool
	err = database.WithTx(ctx, s.store.Pool(), func(tx pgx.Tx) error {
		applied, err = s.store.Commands.ApplyResult(ctx, tx, commandID, res, now)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		details, _ := json.Marshal(map[string]any{"exitCode": res.ExitCode, "durationMs": res.DurationMs})
		return s.recorder.RecordIn(ctx, tx, audit.Entry{
			OrgID:        &cmd.OrgID,
			ActorType:    audit.ActorAgent,
			ActorID:      device.AgentID,
			Action:       "command." + string(status),
			ResourceType: "command",
			ResourceID:   &cmd.ID,
			Details:      details,
			Result:       audit.ResultSuccess,
		})
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	metrics.CommandResultsTotal.WithLabelValues(string(status)).Inc()
	eventType := models.EventCommandCompleted
	if status == models.CommandStatusFailed {
		eventType = models.EventCommandFailed
	}
	s.publish(ctx, eventType, cmd.OrgID, map[string]any{
		"commandId": cmd.ID, "deviceId": device.ID, "type": cmd.Type, "exitCode": res.ExitCode,
	})

	if s.fanout != nil {
		errText := ""
		if status == models.CommandStatusFailed {
			errText = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		if err := s.fanout.RecordCommandOutcome(ctx, cmd, status, errText); err != nil {
			s.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Fan-out reconciliation failed")
		}
	}
	return nil
}

// RenewCert reissues the agent's client certificate. Excluded from mTLS
// enforcement at the edge so agents with expired certificates can reach it;
// an expired certificate under a quarantine policy blocks the device
// instead.
func (s *Service) RenewCert(ctx context.Context, device *models.Device) (*MTLSMaterial, error) {
	if s.ca == nil {
		return nil, httperr.Validation("certificate authority not configured", nil)
	}
	now := time.Now().UTC()

	old, err := s.store.Devices.GetCert(ctx, device.ID)
	if err != nil && httperr.KindOf(err) != httperr.KindNotFound {
		return nil, err
	}
	if old != nil && old.Expired(now) {
		org, orgErr := s.store.Orgs.Get(ctx, store.OrgScope{AccessibleOrgIDs: []string{device.OrgID}}, device.OrgID)
		if orgErr == nil && org.MTLSPolicy == "quarantine" {
			return nil, s.quarantine(ctx, device, "certificate expired")
		}
	}

	cert, err := s.ca.Issue(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Devices.UpsertCert(ctx, &models.DeviceCert{
		DeviceID:       device.ID,
		Serial:         cert.Serial,
		ExternalCertID: cert.ExternalID,
		IssuedAt:       cert.IssuedAt,
		ExpiresAt:      cert.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	if old != nil && old.ExternalCertID != cert.ExternalID {
		if err := s.ca.Revoke(ctx, old.ExternalCertID); err != nil {
			s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Old certificate revocation failed")
		}
	}
	return &MTLSMaterial{
		CertPEM:   cert.CertPEM,
		KeyPEM:    cert.KeyPEM,
		Serial:    cert.Serial,
		ExpiresAt: cert.ExpiresAt,
	}, nil
}

func (s *Service) quarantine(ctx context.Context, device *models.Device, reason string) error {
	if err := s.store.Devices.SetStatus(ctx, device.ID, models.DeviceStatusQuarantined); err != nil {
		return err
	}
	s.recorder.MustRecord(ctx, audit.Entry{
		OrgID:        &device.OrgID,
		ActorType:    audit.ActorSystem,
		ActorID:      "gateway",
		Action:       "device.quarantined",
		ResourceType: "device",
		ResourceID:   &device.ID,
		ResourceName: device.Hostname,
		Result:       audit.ResultSuccess,
	})
	s.publish(ctx, models.EventDeviceQuarantined, device.OrgID, map[string]any{
		"deviceId": device.ID, "reason": reason,
	})
	return httperr.Forbidden("device quarantined")
}

// Approve releases a quarantined device: fresh certificate, back online.
func (s *Service) Approve(ctx context.Context, scope store.OrgScope, actorID, deviceID string) error {
	device, err := s.store.Devices.Get(ctx, scope, deviceID)
	if err != nil {
		return err
	}
	if err := s.store.Devices.TransitionStatus(ctx, device.ID, models.DeviceStatusQuarantined, models.DeviceStatusOnline); err != nil {
		return err
	}
	if s.ca != nil {
		cert, err := s.ca.Issue(ctx, device.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Certificate reissue failed on approval")
		} else if err := s.store.Devices.UpsertCert(ctx, &models.DeviceCert{
			DeviceID:       device.ID,
			Serial:         cert.Serial,
			ExternalCertID: cert.ExternalID,
			IssuedAt:       cert.IssuedAt,
			ExpiresAt:      cert.ExpiresAt,
		}); err != nil {
			return err
		}
	}
	s.recorder.MustRecord(ctx, audit.Entry{
		OrgID:        &device.OrgID,
		ActorType:    audit.ActorUser,
		ActorID:      actorID,
		Action:       "device.approved",
		ResourceType: "device",
		ResourceID:   &device.ID,
		ResourceName: device.Hostname,
		Result:       audit.ResultSuccess,
	})
	s.publish(ctx, models.EventDeviceOnline, device.OrgID, map[string]any{"deviceId": device.ID})
	return nil
}

// Deny decommissions a quarantined device and revokes its certificate.
func (s *Service) Deny(ctx context.Context, scope store.OrgScope, actorID, deviceID string) error {
	device, err := s.store.Devices.Get(ctx, scope, deviceID)
	if err != nil {
		return err
	}
	if err := s.store.Devices.TransitionStatus(ctx, device.ID, models.DeviceStatusQuarantined, models.DeviceStatusDecommissioned); err != nil {
		return err
	}
	if s.ca != nil {
		if cert, err := s.store.Devices.GetCert(ctx, device.ID); err == nil && cert.RevokedAt == nil {
			if err := s.ca.Revoke(ctx, cert.ExternalCertID); err != nil {
				s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Certificate revocation failed on denial")
			}
			if err := s.store.Devices.MarkCertRevoked(ctx, device.ID, time.Now().UTC()); err != nil {
				s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Failed to record revocation")
			}
		}
	}
	s.recorder.MustRecord(ctx, audit.Entry{
		OrgID:        &device.OrgID,
		ActorType:    audit.ActorUser,
		ActorID:      actorID,
		Action:       "device.denied",
		ResourceType: "device",
		ResourceID:   &device.ID,
		ResourceName: device.Hostname,
		Result:       audit.ResultSuccess,
	})
	return nil
}

// RunOfflineSweeper flips silent devices to offline every heartbeat
// interval until ctx is cancelled.
func (s *Service) RunOfflineSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepOffline(ctx)
		}
	}
}

func (s *Service) sweepOffline(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.OfflineAfter())
	swept, err := s.store.Devices.SweepOffline(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Offline sweep failed")
		return
	}
	for _, device := range swept {
		metrics.AgentsOnline.Dec()
		s.publish(ctx, models.EventDeviceOffline, device.OrgID, map[string]any{"deviceId": device.ID})
	}
	if len(swept) > 0 {
		s.logger.Info().Int("count", len(swept)).Msg("Marked silent devices offline")
	}
}

func (s *Service) publish(ctx context.Context, eventType, orgID string, data map[string]any) {
	if s.publisher == nil {
		return
	}
	body, _ := json.Marshal(data)
	err := s.publisher.Publish(ctx, models.Event{
		ID:         ids.New(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		OrgID:      orgID,
		Data:       body,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
