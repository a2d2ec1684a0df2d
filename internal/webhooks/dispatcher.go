// Package webhooks fans control-plane events out to tenant-registered HTTP
// endpoints. Each (webhook, event) pair gets a durable delivery row and a
// delivery job; the signing secret never leaves the delivery worker.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/ids"
	"github.com/breeze-rmm/breeze/internal/jobs"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/store"
	"github.com/rs/zerolog/log"
)

// EventSink receives every published event in-process. The alert engine
// registers as a sink for its structural triggers.
type EventSink interface {
	HandleEvent(ctx context.Context, event models.Event)
}

// Dispatcher implements the event publishing side: in-process sinks first,
// then one delivery row and job per subscribed webhook.
type Dispatcher struct {
	store *store.Store
	queue *jobs.Queue
	sinks []EventSink
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(st *store.Store, queue *jobs.Queue) *Dispatcher {
	return &Dispatcher{store: st, queue: queue}
}

// AddSink registers an in-process event consumer. Not safe to call after
// publishing starts.
func (d *Dispatcher) AddSink(sink EventSink) {
	d.sinks = append(d.sinks, sink)
}

// Publish delivers the event to sinks and enqueues webhook deliveries. A
// replayed event ID is deduplicated by the delivery table's unique index.
func (d *Dispatcher) Publish(ctx context.Context, event models.Event) error {
	for _, sink := range d.sinks {
		sink.HandleEvent(ctx, event)
	}
	if event.OrgID == "" {
		return nil
	}

	subscribers, err := d.store.Webhooks.ActiveSubscribers(ctx, event.OrgID, event.Type)
	if err != nil {
		return err
	}
	if len(subscribers) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return httperr.Internal(err)
	}
	for _, webhook := range subscribers {
		if err := d.enqueueDelivery(ctx, webhook, &event, payload); err != nil {
			return err
		}
	}
	return nil
}

// Test sends a synthetic webhook.test event through the normal delivery
// path and returns the created delivery for polling.
func (d *Dispatcher) Test(ctx context.Context, scope store.OrgScope, webhookID string) (*models.WebhookDelivery, error) {
	webhook, err := d.store.Webhooks.Get(ctx, scope, webhookID)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(map[string]string{"webhookId": webhook.ID})
	event := models.Event{
		ID:         ids.New(),
		Type:       models.EventWebhookTest,
		OccurredAt: time.Now().UTC(),
		OrgID:      webhook.OrgID,
		Data:       data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, httperr.Internal(err)
	}

	delivery, err := d.createDelivery(ctx, webhook, &event, payload)
	if err != nil {
		return nil, err
	}
	if _, err := d.queue.Enqueue(ctx, models.JobKindWebhookDelivery, &webhook.OrgID,
		DeliveryPayload{DeliveryID: delivery.ID}, deliveryEventID(&event, webhook.ID)); err != nil {
		return nil, err
	}
	return delivery, nil
}

func (d *Dispatcher) enqueueDelivery(ctx context.Context, webhook *models.Webhook, event *models.Event, payload json.RawMessage) error {
	delivery, err := d.createDelivery(ctx, webhook, event, payload)
	if err != nil {
		if httperr.KindOf(err) == httperr.KindConflict {
			// Replayed event; delivery already enqueued.
			return nil
		}
		return err
	}
	_, err = d.queue.Enqueue(ctx, models.JobKindWebhookDelivery, &webhook.OrgID,
		DeliveryPayload{DeliveryID: delivery.ID}, deliveryEventID(event, webhook.ID))
	if err != nil {
		log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("Failed to enqueue webhook delivery")
		return err
	}
	return nil
}

func (d *Dispatcher) createDelivery(ctx context.Context, webhook *models.Webhook, event *models.Event, payload json.RawMessage) (*models.WebhookDelivery, error) {
	delivery := &models.WebhookDelivery{
		ID:        ids.New(),
		WebhookID: webhook.ID,
		EventType: event.Type,
		EventID:   event.ID,
		Payload:   payload,
		Status:    models.DeliveryStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.Webhooks.CreateDelivery(ctx, delivery); err != nil {
		return nil, err
	}
	return delivery, nil
}

func deliveryEventID(event *models.Event, webhookID string) string {
	return event.ID + ":" + webhookID
}
