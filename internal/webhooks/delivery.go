package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/breeze-rmm/breeze/pkg/netguard"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DeliveryPayload is the webhook_delivery job payload.
type DeliveryPayload struct {
	DeliveryID string `json:"deliveryId"`
}

const deliveryTimeout = 30 * time.Second

// DeliveryHandler executes one webhook send attempt. The HTTP client comes
// from netguard, so private-range targets fail at dial time even when DNS
// changed after the URL was validated.
type DeliveryHandler struct {
	store   *store.Store
	secrets *crypto.SecretBox
	client  *http.Client
	logger  zerolog.Logger
}

// NewDeliveryHandler wires the delivery worker around the guarded client.
func NewDeliveryHandler(st *store.Store, secrets *crypto.SecretBox, client *http.Client) *DeliveryHandler {
	return &DeliveryHandler{
		store:   st,
		secrets: secrets,
		client:  client,
		logger:  log.With().Str("component", "webhook-delivery").Logger(),
	}
}

// Handle sends one delivery attempt and records the outcome. Permanent
// failures return nil so the job completes; the delivery row carries the
// failure.
func (h *DeliveryHandler) Handle(ctx context.Context, job *models.JobRun) error {
	var payload DeliveryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return httperr.Validation("malformed delivery payload", nil)
	}

	delivery, err := h.store.Webhooks.GetDelivery(ctx, payload.DeliveryID)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return nil
		}
		return err
	}
	if delivery.Status == models.DeliveryStatusDelivered || delivery.Status == models.DeliveryStatusFailed {
		return nil
	}

	webhook, err := h.store.Webhooks.Get(ctx, store.OrgScope{}, delivery.WebhookID)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindNotFound {
			return h.record(ctx, delivery, webhook, store.DeliveryOutcome{
				Status: models.DeliveryStatusFailed, Error: "webhook deleted",
			}, "failed")
		}
		return err
	}
	if webhook.Status != models.WebhookStatusActive {
		return h.record(ctx, delivery, webhook, store.DeliveryOutcome{
			Status: models.DeliveryStatusFailed, Error: "webhook disabled",
		}, "failed")
	}

	secret, err := h.secrets.Decrypt(webhook.SecretEncrypted)
	if err != nil {
		return h.record(ctx, delivery, webhook, store.DeliveryOutcome{
			Status: models.DeliveryStatusFailed, Error: "signing secret unreadable",
		}, "failed")
	}

	outcome, retryAfter := h.attempt(ctx, webhook, delivery, secret)
	switch outcome.Status {
	case models.DeliveryStatusDelivered:
		return h.record(ctx, delivery, webhook, outcome, "delivered")

	case models.DeliveryStatusFailed:
		return h.record(ctx, delivery, webhook, outcome, "failed")

	default:
		attempts := delivery.Attempts + 1
		if attempts > webhook.RetryPolicy.MaxRetries {
			outcome.Status = models.DeliveryStatusFailed
			outcome.Error = fmt.Sprintf("retries exhausted: %s", outcome.Error)
			return h.record(ctx, delivery, webhook, outcome, "failed")
		}
		delay := webhook.RetryPolicy.Delay(attempts)
		if retryAfter > 0 {
			delay = retryAfter
		}
		next := time.Now().UTC().Add(delay)
		outcome.NextRetryAt = &next
		if err := h.record(ctx, delivery, webhook, outcome, "retried"); err != nil {
			return err
		}
		return &jobs.RetryAfterError{After: delay, Err: fmt.Errorf("delivery failed: %s", outcome.Error)}
	}
}

// attempt performs the HTTP send and classifies the response. The returned
// retryAfter carries an honored Retry-After header, zero otherwise.
func (h *DeliveryHandler) attempt(ctx context.Context, webhook *models.Webhook, delivery *models.WebhookDelivery, secret string) (store.DeliveryOutcome, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return store.DeliveryOutcome{Status: models.DeliveryStatusFailed, Error: "invalid webhook url"}, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "breeze-webhooks/1.0")
	for name, value := range webhook.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("X-Breeze-Event", delivery.EventType)
	req.Header.Set("X-Breeze-Delivery", delivery.ID)
	req.Header.Set("X-Breeze-Signature", crypto.SignHMAC([]byte(secret), delivery.Payload))

	start := time.Now()
	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	metrics.WebhookDeliveryDuration.Observe(elapsed.Seconds())
	elapsedMs := elapsed.Milliseconds()

	if err != nil {
		// A destination the guard refuses stays refused; retrying cannot
		// succeed, so the delivery fails permanently.
		var blocked *netguard.BlockedAddressError
		if errors.As(err, &blocked) {
			return store.DeliveryOutcome{
				Status: models.DeliveryStatusFailed, ResponseTimeMs: &elapsedMs,
				Error: blocked.Error(),
			}, 0
		}
		return store.DeliveryOutcome{
			Status: models.DeliveryStatusRetrying, ResponseTimeMs: &elapsedMs,
			Error: fmt.Sprintf("request failed: %v", err),
		}, 0
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	outcome := store.DeliveryOutcome{
		ResponseStatus: &resp.StatusCode,
		ResponseBody:   string(body),
		ResponseTimeMs: &elapsedMs,
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		outcome.Status = models.DeliveryStatusDelivered

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		outcome.Status = models.DeliveryStatusRetrying
		outcome.Error = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
		return outcome, parseRetryAfter(resp.Header.Get("Retry-After"))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		outcome.Status = models.DeliveryStatusFailed
		outcome.Error = fmt.Sprintf("endpoint rejected delivery with %d", resp.StatusCode)

	default:
		outcome.Status = models.DeliveryStatusRetrying
		outcome.Error = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	}
	return outcome, 0
}

func (h *DeliveryHandler) record(ctx context.Context, delivery *models.WebhookDelivery, webhook *models.Webhook, outcome store.DeliveryOutcome, metric string) error {
	webhookID := delivery.WebhookID
	if webhook != nil {
		webhookID = webhook.ID
	}
	err := database.WithTx(ctx, h.store.Pool(), func(tx pgx.Tx) error {
		return h.store.Webhooks.RecordAttempt(ctx, tx, delivery.ID, webhookID, outcome, time.Now().UTC())
	})
	if err != nil {
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(metric).Inc()
	if outcome.Status == models.DeliveryStatusFailed {
		h.logger.Warn().Str("delivery_id", delivery.ID).Str("webhook_id", webhookID).
			Str("error", outcome.Error).Msg("Webhook delivery failed permanently")
	}
	return nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
