package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/breeze/internal/crypto"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/pkg/netguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDelivery() *models.WebhookDelivery {
	return &models.WebhookDelivery{
		ID:        "del_1",
		WebhookID: "wh_1",
		EventType: models.EventAlertTriggered,
		EventID:   "evt_1",
		Payload:   []byte(`{"id":"evt_1","type":"alert.triggered"}`),
		Status:    models.DeliveryStatusPending,
	}
}

func TestAttemptSignsAndDelivers(t *testing.T) {
	var gotSig, gotEvent, gotDeliveryID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get("X-Breeze-Signature"))
		gotEvent.Store(r.Header.Get("X-Breeze-Event"))
		gotDeliveryID.Store(r.Header.Get("X-Breeze-Delivery"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewDeliveryHandler(nil, nil, srv.Client())
	delivery := testDelivery()
	webhook := &models.Webhook{ID: "wh_1", URL: srv.URL, Headers: map[string]string{"X-Custom": "1"}}

	outcome, retryAfter := h.attempt(context.Background(), webhook, delivery, "signing-secret")
	assert.Equal(t, models.DeliveryStatusDelivered, outcome.Status)
	assert.Zero(t, retryAfter)
	require.NotNil(t, outcome.ResponseStatus)
	assert.Equal(t, http.StatusOK, *outcome.ResponseStatus)

	assert.Equal(t, string(models.EventAlertTriggered), gotEvent.Load())
	assert.Equal(t, "del_1", gotDeliveryID.Load())
	assert.True(t, crypto.VerifyHMAC([]byte("signing-secret"), delivery.Payload, gotSig.Load().(string)))
}

func TestAttemptOutcomeByStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.DeliveryStatus
	}{
		{name: "2xx delivered", status: 204, want: models.DeliveryStatusDelivered},
		{name: "4xx permanent failure", status: 410, want: models.DeliveryStatusFailed},
		{name: "5xx retrying", status: 503, want: models.DeliveryStatusRetrying},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewDeliveryHandler(nil, nil, srv.Client())
			outcome, _ := h.attempt(context.Background(), &models.Webhook{URL: srv.URL}, testDelivery(), "s")
			assert.Equal(t, tt.want, outcome.Status)
		})
	}
}

func TestAttemptHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := NewDeliveryHandler(nil, nil, srv.Client())
	outcome, retryAfter := h.attempt(context.Background(), &models.Webhook{URL: srv.URL}, testDelivery(), "s")
	assert.Equal(t, models.DeliveryStatusRetrying, outcome.Status)
	assert.Equal(t, 2*time.Minute, retryAfter)
}

func TestAttemptConnectionFailureRetries(t *testing.T) {
	h := NewDeliveryHandler(nil, nil, &http.Client{Timeout: time.Second})
	outcome, _ := h.attempt(context.Background(),
		&models.Webhook{URL: "http://127.0.0.1:1/hook"}, testDelivery(), "s")
	assert.Equal(t, models.DeliveryStatusRetrying, outcome.Status)
	assert.NotEmpty(t, outcome.Error)
}

func TestAttemptBlockedDestinationFailsPermanently(t *testing.T) {
	h := NewDeliveryHandler(nil, nil, netguard.NewClient(2*time.Second))
	outcome, retryAfter := h.attempt(context.Background(),
		&models.Webhook{URL: "https://127.0.0.1:9/hook"}, testDelivery(), "s")

	// The guard refuses loopback at dial time; that verdict is final, so
	// the delivery must not be rescheduled.
	assert.Equal(t, models.DeliveryStatusFailed, outcome.Status)
	assert.Zero(t, retryAfter)
	assert.Contains(t, outcome.Error, "not routable")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 50*time.Second)
	assert.LessOrEqual(t, got, time.Minute)
}
