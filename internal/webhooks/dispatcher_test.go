package webhooks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []models.Event
}

func (c *captureSink) HandleEvent(_ context.Context, event models.Event) {
	c.events = append(c.events, event)
}

func TestPublishReachesEverySink(t *testing.T) {
	d := NewDispatcher(nil, nil)
	first := &captureSink{}
	second := &captureSink{}
	d.AddSink(first)
	d.AddSink(second)

	// A system event (no org) fans out to sinks but never to webhooks, so
	// the nil store is untouched.
	event := models.Event{
		ID:         "evt_1",
		Type:       models.EventDeviceOffline,
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{"deviceId":"dev_1"}`),
	}
	require.NoError(t, d.Publish(context.Background(), event))

	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	assert.Equal(t, "evt_1", first.events[0].ID)
}

func TestDeliveryEventIDIsPerWebhook(t *testing.T) {
	event := &models.Event{ID: "evt_1"}

	a := deliveryEventID(event, "wh_a")
	b := deliveryEventID(event, "wh_b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, deliveryEventID(event, "wh_a"))
}
