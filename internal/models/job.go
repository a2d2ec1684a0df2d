package models

import (
	"encoding/json"
	"math"
	"time"
)

// JobKind names a logical queue. Each kind runs on its own worker pool.
type JobKind string

const (
	JobKindWebhookDelivery JobKind = "webhook_delivery"
	JobKindNotification    JobKind = "notification"
	JobKindDeployment      JobKind = "deployment"
	JobKindPatch           JobKind = "patch"
	JobKindEscalation      JobKind = "escalation"
	JobKindCertRenewalScan JobKind = "cert_renewal_scan"
	JobKindRetentionSweep  JobKind = "retention_sweep"
)

// JobStatus tracks a durable job through the queue.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

// JobRun is the durable record of one background task. The Redis queue only
// carries job IDs; this row is the source of truth for state and retries.
type JobRun struct {
	ID      string          `json:"id"`
	Kind    JobKind         `json:"kind"`
	OrgID   *string         `json:"orgId,omitempty"`
	Payload json.RawMessage `json:"payload"`
	// EventID keys idempotent replay: handlers must produce the same effect
	// for the same eventId.
	EventID      string     `json:"eventId"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxRetries   int        `json:"maxRetries"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// RetryPolicy controls backoff between delivery attempts.
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	InitialDelay      time.Duration `json:"initialDelay"`
	MaxDelay          time.Duration `json:"maxDelay"`
}

// DefaultRetryPolicy is applied when a webhook or job specifies none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		BackoffMultiplier: 2.0,
		InitialDelay:      30 * time.Second,
		MaxDelay:          time.Hour,
	}
}

// Delay returns the backoff before the given retry attempt:
// min(maxDelay, initialDelay * multiplier^attempts).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = 30 * time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}

	scaled := float64(initial) * math.Pow(multiplier, float64(attempts))
	if scaled > float64(maxDelay) || math.IsInf(scaled, 1) {
		return maxDelay
	}
	return time.Duration(scaled)
}

// JobResult records one device's outcome within a fan-out job.
type JobResult struct {
	JobRunID    string     `json:"jobRunId"`
	DeviceID    string     `json:"deviceId"`
	CommandID   string     `json:"commandId"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DeadLetter preserves a poisoned job payload for operator inspection.
type DeadLetter struct {
	ID        string          `json:"id"`
	JobRunID  string          `json:"jobRunId"`
	Kind      JobKind         `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"createdAt"`
}
