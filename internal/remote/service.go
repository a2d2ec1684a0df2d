// Package remote mediates WebRTC sessions between operators and agents. The
// control plane carries signaling and bookkeeping only; SDP payloads are
// opaque strings and media never touches the server.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/blob"
	"github.com/breeze-rmm/breeze/internal/config"
	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	connectCommandTTL = 5 * time.Minute
	downloadURLTTL    = 15 * time.Minute
	sweepInterval     = time.Minute
)

// SessionCloser drops the websocket legs of a session the sweeper killed.
// Implemented by the relay hub.
type SessionCloser interface {
	CloseSession(sessionID string)
}

// Service owns the remote session lifecycle.
type Service struct {
	store    *store.Store
	blobs    *blob.Store
	notifier jobs.CommandNotifier
	recorder *audit.Recorder
	closer   SessionCloser
	cfg      *config.Config
	logger   zerolog.Logger
}

// NewService wires the remote session service. blobs may be nil when no
// object store is configured; file transfer downloads then fail cleanly.
func NewService(st *store.Store, blobs *blob.Store, notifier jobs.CommandNotifier, recorder *audit.Recorder, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		blobs:    blobs,
		notifier: notifier,
		recorder: recorder,
		cfg:      cfg,
		logger:   log.With().Str("component", "remote").Logger(),
	}
}

// SetCloser attaches the relay hub. Set after construction; the hub needs
// the service for leg authorization.
func (s *Service) SetCloser(c SessionCloser) { s.closer = c }

// CreateSession opens a pending session against an online device and queues
// the connect command that tells the agent to dial in.
func (s *Service) CreateSession(ctx context.Context, scope store.OrgScope, userID, deviceID string, sessionType models.RemoteSessionType) (*models.RemoteSession, error) {
	device, err := s.store.Devices.Get(ctx, scope, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DeviceStatusOnline {
		return nil, httperr.Conflict("device is not online")
	}

	now := time.Now().UTC()
	session := &models.RemoteSession{
		ID:             ids.New(),
		DeviceID:       device.ID,
		UserID:         userID,
		OrgID:          device.OrgID,
		Type:           sessionType,
		Status:         models.SessionStatusPending,
		StartedAt:      now,
		LastActivityAt: now,
	}
	payload, _ := json.Marshal(map[string]string{"sessionId": session.ID})
	cmd := &models.DeviceCommand{
		ID:        ids.New(),
		DeviceID:  device.ID,
		OrgID:     device.OrgID,
		Type:      models.CommandRemoteConnectWS,
		Payload:   payload,
		Status:    models.CommandStatusPending,
		IssuedBy:  userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(connectCommandTTL),
	}
	err = database.WithTx(ctx, s.store.Pool(), func(tx pgx.Tx) error {
		if err := s.store.Remote.CreateSession(ctx, tx, session); err != nil {
			return err
		}
		return s.store.Commands.Create(ctx, tx, cmd)
	})
	if err != nil {
		return nil, err
	}

	metrics.RemoteSessionsTotal.WithLabelValues(string(sessionType)).Inc()
	if s.notifier != nil {
		s.notifier.NotifyCommand(device.ID)
	}
	s.recorder.MustRecord(ctx, audit.Entry{
		OrgID:        &device.OrgID,
		ActorType:    audit.ActorUser,
		ActorID:      userID,
		Action:       "remote.session_created",
		ResourceType: "remote_session",
		ResourceID:   &session.ID,
		ResourceName: device.Hostname,
		Result:       audit.ResultSuccess,
	})
	return session, nil
}

// Get returns a scoped session.
func (s *Service) Get(ctx context.Context, scope store.OrgScope, id string) (*models.RemoteSession, error) {
	return s.store.Remote.GetSession(ctx, scope, id)
}

// List returns scoped sessions.
func (s *Service) List(ctx context.Context, scope store.OrgScope, orgID string, page store.Page) ([]*models.RemoteSession, error) {
	return s.store.Remote.ListSessions(ctx, scope, orgID, page)
}

// Offer stores the owner's SDP offer. Non-owners see NotFound.
func (s *Service) Offer(ctx context.Context, scope store.OrgScope, sessionID, userID, offer string) error {
	if offer == "" {
		return httperr.Validation("offer is required", nil)
	}
	if _, err := s.store.Remote.GetSession(ctx, scope, sessionID); err != nil {
		return err
	}
	return s.store.Remote.SetOffer(ctx, sessionID, userID, offer, time.Now().UTC())
}

// AgentAnswer stores the agent's SDP answer and activates the session. Used
// by both the REST path and the websocket relay.
func (s *Service) AgentAnswer(ctx context.Context, sessionID, deviceID, answer string) error {
	if answer == "" {
		return httperr.Validation("answer is required", nil)
	}
	return s.store.Remote.SetAnswer(ctx, sessionID, deviceID, answer, time.Now().UTC())
}

// AddICE appends a trickle candidate from the session owner.
func (s *Service) AddICE(ctx context.Context, scope store.OrgScope, sessionID, userID string, candidate json.RawMessage) error {
	if len(candidate) == 0 {
		return httperr.Validation("candidate is required", nil)
	}
	if _, err := s.store.Remote.GetSession(ctx, scope, sessionID); err != nil {
		return err
	}
	return s.store.Remote.AppendICE(ctx, sessionID, userID, candidate, time.Now().UTC())
}

// AuthorizeAgentLeg resolves a session for the agent side of the relay.
func (s *Service) AuthorizeAgentLeg(ctx context.Context, sessionID, deviceID string) (*models.RemoteSession, error) {
	return s.store.Remote.GetSessionForAgent(ctx, sessionID, deviceID)
}

// AuthorizeUserLeg resolves a session for the operator side of the relay.
// Only the owner may attach.
func (s *Service) AuthorizeUserLeg(ctx context.Context, scope store.OrgScope, sessionID, userID string) (*models.RemoteSession, error) {
	session, err := s.store.Remote.GetSession(ctx, scope, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, httperr.NotFound("remote session")
	}
	return session, nil
}

// Touch records relay activity so the idle sweeper leaves live sessions
// alone.
func (s *Service) Touch(ctx context.Context, sessionID string, bytes int64) {
	if err := s.store.Remote.Touch(ctx, sessionID, bytes, time.Now().UTC()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Session touch failed")
	}
}

// End closes a session on behalf of its owner.
func (s *Service) End(ctx context.Context, scope store.OrgScope, sessionID, userID string) error {
	session, err := s.store.Remote.GetSession(ctx, scope, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.Remote.EndSession(ctx, sessionID, userID, models.SessionStatusDisconnected, time.Now().UTC()); err != nil {
		return err
	}
	if s.closer != nil {
		s.closer.CloseSession(sessionID)
	}
	s.recorder.MustRecord(ctx, audit.Entry{
		OrgID:        &session.OrgID,
		ActorType:    audit.ActorUser,
		ActorID:      userID,
		Action:       "remote.session_ended",
		ResourceType: "remote_session",
		ResourceID:   &session.ID,
		Result:       audit.ResultSuccess,
	})
	return nil
}

// TransferRequest describes a new file transfer.
type TransferRequest struct {
	SessionID  string                   `json:"sessionId,omitempty"`
	DeviceID   string                   `json:"deviceId" validate:"required"`
	Direction  models.TransferDirection `json:"direction" validate:"required,oneof=upload download"`
	RemotePath string                   `json:"remotePath" validate:"required"`
	Size       int64                    `json:"size" validate:"gte=0"`
}

// CreateTransfer opens a transfer record. Chunks move over the session data
// channel; this row tracks progress and anchors the blob key for completed
// uploads.
func (s *Service) CreateTransfer(ctx context.Context, scope store.OrgScope, userID string, req *TransferRequest) (*models.FileTransfer, error) {
	device, err := s.store.Devices.Get(ctx, scope, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" {
		session, err := s.store.Remote.GetSession(ctx, scope, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.DeviceID != device.ID {
			return nil, httperr.Validation("session does not target this device", nil)
		}
	}

	now := time.Now().UTC()
	transfer := &models.FileTransfer{
		ID:         ids.New(),
		DeviceID:   device.ID,
		UserID:     userID,
		OrgID:      device.OrgID,
		Direction:  req.Direction,
		RemotePath: req.RemotePath,
		Size:       req.Size,
		Status:     models.TransferStatusPending,
		BlobKey:    blob.Key(device.OrgID, "transfers", ids.New(), now),
		CreatedAt:  now,
	}
	if req.SessionID != "" {
		transfer.SessionID = &req.SessionID
	}
	if err := s.store.Remote.CreateTransfer(ctx, transfer); err != nil {
		return nil, err
	}
	return transfer, nil
}

// GetTransfer returns a scoped transfer.
func (s *Service) GetTransfer(ctx context.Context, scope store.OrgScope, id string) (*models.FileTransfer, error) {
	return s.store.Remote.GetTransfer(ctx, scope, id)
}

// ListTransfers returns scoped transfers.
func (s *Service) ListTransfers(ctx context.Context, scope store.OrgScope, deviceID string, page store.Page) ([]*models.FileTransfer, error) {
	return s.store.Remote.ListTransfers(ctx, scope, deviceID, page)
}

// ProgressReport is the agent's transfer progress update.
type ProgressReport struct {
	ProgressPercent int                   `json:"progressPercent" validate:"gte=0,lte=100"`
	Status          models.TransferStatus `json:"status" validate:"required,oneof=active completed failed"`
	Checksum        string                `json:"checksum,omitempty"`
	Bytes           int64                 `json:"bytes,omitempty"`
}

// ReportProgress applies an agent progress update. The device predicate in
// the repository keeps agents off other devices' transfers.
func (s *Service) ReportProgress(ctx context.Context, deviceID, transferID string, report *ProgressReport) error {
	now := time.Now().UTC()
	if err := s.store.Remote.UpdateProgress(ctx, transferID, deviceID, report.ProgressPercent, report.Status, report.Checksum, now); err != nil {
		return err
	}
	if transfer, err := s.store.Remote.GetTransfer(ctx, store.OrgScope{}, transferID); err == nil && transfer.SessionID != nil {
		s.Touch(ctx, *transfer.SessionID, report.Bytes)
	}
	return nil
}

// CancelTransfer stops a transfer on behalf of its initiating user.
func (s *Service) CancelTransfer(ctx context.Context, scope store.OrgScope, transferID, userID string) error {
	return s.store.Remote.CancelTransfer(ctx, scope, transferID, userID, time.Now().UTC())
}

// DownloadURL presigns a completed upload's blob for the operator.
func (s *Service) DownloadURL(ctx context.Context, scope store.OrgScope, transferID string) (string, error) {
	transfer, err := s.store.Remote.GetTransfer(ctx, scope, transferID)
	if err != nil {
		return "", err
	}
	if transfer.Status != models.TransferStatusCompleted {
		return "", httperr.Conflict("transfer is not completed")
	}
	if s.blobs == nil {
		return "", httperr.Validation("object storage not configured", nil)
	}
	return s.blobs.PresignDownload(ctx, transfer.BlobKey, downloadURLTTL)
}

// CleanupStale disconnects idle sessions within the caller's scope. The
// partner-facing mirror of the system sweeper.
func (s *Service) CleanupStale(ctx context.Context, scope store.OrgScope) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.SessionIdleTimeout)
	swept, err := s.store.Remote.SweepIdleInScope(ctx, scope, cutoff, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	s.dropSwept(swept)
	return len(swept), nil
}

// RunIdleSweeper disconnects globally idle sessions until ctx is cancelled.
func (s *Service) RunIdleSweeper(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.cfg.SessionIdleTimeout)
			swept, err := s.store.Remote.SweepIdle(ctx, cutoff, time.Now().UTC())
			if err != nil {
				s.logger.Error().Err(err).Msg("Idle session sweep failed")
				continue
			}
			s.dropSwept(swept)
		}
	}
}

func (s *Service) dropSwept(swept []*models.RemoteSession) {
	for _, session := range swept {
		if s.closer != nil {
			s.closer.CloseSession(session.ID)
		}
	}
	if len(swept) > 0 {
		s.logger.Info().Int("count", len(swept)).Msg("Disconnected idle sessions")
	}
}
