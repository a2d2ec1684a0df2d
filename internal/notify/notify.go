// Package notify delivers routed alerts to notification channels. Channel
// configs are tenant-owned, validated per type, and stored encrypted; each
// transport implements Sender so the job handler stays uniform.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Message is the transport-independent notification content.
type Message struct {
	Title    string
	Body     string
	Severity string
	AlertID  string
	OrgID    string
}

// Sender delivers one message over one transport. The config is the
// channel's decrypted JSON document.
type Sender interface {
	Send(ctx context.Context, config json.RawMessage, msg *Message) error
}

// Handler executes notification jobs: resolve the channel, decrypt its
// config, dispatch through the matching sender.
type Handler struct {
	store   *store.Store
	secrets *crypto.SecretBox
	senders map[models.ChannelType]Sender
	logger  zerolog.Logger
}

// NewHandler wires the default transport set. client must be the
// SSRF-guarded client; webhook-style channels reach tenant-supplied URLs.
func NewHandler(st *store.Store, secrets *crypto.SecretBox, client *http.Client) *Handler {
	return &Handler{
		store:   st,
		secrets: secrets,
		senders: map[models.ChannelType]Sender{
			models.ChannelEmail:     &EmailSender{},
			models.ChannelSlack:     &SlackSender{},
			models.ChannelTeams:     &TeamsSender{client: client},
			models.ChannelWebhook:   &WebhookSender{client: client},
			models.ChannelPagerDuty: &PagerDutySender{client: client},
			models.ChannelSMS:       &SMSSender{client: client},
			models.ChannelInApp:     &InAppSender{store: st},
		},
		logger: log.With().Str("component", "notify").Logger(),
	}
}

// Handle processes one notification job. A deleted or disabled channel
// completes the job silently; transport failures retry.
func (h *Handler) Handle(ctx context.Context, job *models.JobRun) error {
	var payload jobs.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return httperr.Validation("malformed notification payload", nil)
	}

	scope := store.OrgScope{AccessibleOrgIDs: []string{payload.OrgID}}
	channel, err := h.store.Channels.Get(ctx, scope, payload.ChannelID)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return nil
		}
		return err
	}
	if !channel.Enabled {
		return nil
	}

	sender, ok := h.senders[channel.Type]
	if !ok {
		return httperr.Validation("unsupported channel type", map[string]string{"type": string(channel.Type)})
	}

	config := json.RawMessage("{}")
	if channel.ConfigEncrypted != "" {
		plain, err := h.secrets.Decrypt(channel.ConfigEncrypted)
		if err != nil {
			return httperr.Validation("channel config unreadable", nil)
		}
		config = json.RawMessage(plain)
	}

	msg := &Message{
		Title:    payload.Title,
		Body:     payload.Message,
		Severity: payload.Severity,
		AlertID:  payload.AlertID,
		OrgID:    payload.OrgID,
	}
	if err := sender.Send(ctx, config, msg); err != nil {
		metrics.NotificationsSentTotal.WithLabelValues(string(channel.Type), "failure").Inc()
		h.logger.Warn().Err(err).Str("channel_id", channel.ID).Str("type", string(channel.Type)).
			Msg("Notification send failed")
		return err
	}
	metrics.NotificationsSentTotal.WithLabelValues(string(channel.Type), "success").Inc()
	return nil
}

// InAppSender writes a feed row for every in-app recipient of the org: its
// direct users plus partner users whose role grants all or selected access.
type InAppSender struct {
	store *store.Store
}

func (s *InAppSender) Send(ctx context.Context, _ json.RawMessage, msg *Message) error {
	userIDs, err := s.store.Memberships.InAppRecipients(ctx, msg.OrgID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, userID := range userIDs {
		n := &models.InAppNotification{
			ID:        ids.New(),
			UserID:    userID,
			OrgID:     msg.OrgID,
			Title:     msg.Title,
			Message:   msg.Body,
			Severity:  msg.Severity,
			CreatedAt: now,
		}
		if msg.AlertID != "" {
			n.AlertID = &msg.AlertID
		}
		if err := s.store.Notifications.Insert(ctx, n); err != nil {
			return fmt.Errorf("insert in-app notification: %w", err)
		}
	}
	return nil
}
