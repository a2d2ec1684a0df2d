package models

import (
	"encoding/json"
	"time"
)

// WebhookStatus enables or disables outbound delivery for an endpoint.
type WebhookStatus string

const (
	WebhookStatusActive   WebhookStatus = "active"
	WebhookStatusDisabled WebhookStatus = "disabled"
)

// Webhook is a tenant-owned outbound HTTP subscription. Secret signs every
// delivery body and is stored enc:v1: encrypted.
type Webhook struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"orgId"`
	URL             string            `json:"url"`
	SecretEncrypted string            `json:"-"`
	Events          []string          `json:"events"`
	Headers         map[string]string `json:"headers,omitempty"`
	Status          WebhookStatus     `json:"status"`
	RetryPolicy     RetryPolicy       `json:"retryPolicy"`
	SuccessCount    int64             `json:"successCount"`
	FailureCount    int64             `json:"failureCount"`
	LastDeliveryAt  *time.Time        `json:"lastDeliveryAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	DeletedAt       *time.Time        `json:"deletedAt,omitempty"`
}

// SubscribedTo reports whether the webhook wants the event type. A bare "*"
// subscription receives everything.
func (w *Webhook) SubscribedTo(eventType string) bool {
	for _, e := range w.Events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks one webhook delivery attempt chain.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// WebhookDelivery is the durable record of one event sent to one webhook.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhookId"`
	EventType      string          `json:"eventType"`
	EventID        string          `json:"eventId"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	ResponseStatus *int            `json:"responseStatus,omitempty"`
	ResponseBody   string          `json:"responseBody,omitempty"`
	ResponseTimeMs *int64          `json:"responseTimeMs,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
}

// Event is the outbound envelope delivered to webhooks and consumed by the
// alert engine's structural triggers.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	OrgID      string          `json:"orgId"`
	Data       json.RawMessage `json:"data"`
}

// Event types emitted by the control plane.
const (
	EventDeviceEnrolled     = "device.enrolled"
	EventDeviceOnline       = "device.online"
	EventDeviceOffline      = "device.offline"
	EventDeviceQuarantined  = "device.quarantined"
	EventCommandCompleted   = "command.completed"
	EventCommandFailed      = "command.failed"
	EventDeploymentComplete = "deployment.complete"
	EventPatchComplete      = "patch.complete"
	EventAlertTriggered     = "alert.triggered"
	EventAlertAcknowledged  = "alert.acknowledged"
	EventAlertResolved      = "alert.resolved"
	EventSoftwareChange     = "software_change"
	EventWebhookTest        = "webhook.test"
)
