package models

import (
	"encoding/json"
	"time"
)

// AlertSeverity orders alerts for display and routing.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// ConditionOperator compares a metric against a threshold.
type ConditionOperator string

const (
	OpGreaterThan    ConditionOperator = "gt"
	OpGreaterOrEqual ConditionOperator = "gte"
	OpLessThan       ConditionOperator = "lt"
	OpLessOrEqual    ConditionOperator = "lte"
	OpEqual          ConditionOperator = "eq"
)

// Compare applies the operator to (value, threshold).
func (op ConditionOperator) Compare(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	default:
		return false
	}
}

// AlertCondition is one clause of a rule. Metric conditions compare a
// telemetry value against a threshold, optionally requiring the breach to
// hold continuously for DurationMinutes. Structural conditions match device
// status transitions or inventory change events.
type AlertCondition struct {
	Metric          string            `json:"metric,omitempty"`
	Operator        ConditionOperator `json:"operator,omitempty"`
	Threshold       float64           `json:"threshold,omitempty"`
	DurationMinutes int               `json:"durationMinutes,omitempty"`
	// Structural triggers: "status_offline", "software_change".
	Structural string `json:"structural,omitempty"`
}

// AlertTargets restricts which devices a rule evaluates. Empty means every
// device in the rule's organization.
type AlertTargets struct {
	SiteIDs        []string `json:"siteIds,omitempty"`
	DeviceGroupIDs []string `json:"deviceGroupIds,omitempty"`
	DeviceIDs      []string `json:"deviceIds,omitempty"`
	OSTypes        []OSType `json:"osTypes,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// AlertRule defines when an alert fires and where it routes.
type AlertRule struct {
	ID                     string           `json:"id"`
	OrgID                  string           `json:"orgId"`
	Name                   string           `json:"name"`
	Severity               AlertSeverity    `json:"severity"`
	Enabled                bool             `json:"enabled"`
	Targets                AlertTargets     `json:"targets"`
	Conditions             []AlertCondition `json:"conditions"`
	CooldownMinutes        int              `json:"cooldownMinutes"`
	EscalationPolicyID     *string          `json:"escalationPolicyId,omitempty"`
	NotificationChannelIDs []string         `json:"notificationChannelIds"`
	AutoResolve            bool             `json:"autoResolve"`
	CreatedAt              time.Time        `json:"createdAt"`
	UpdatedAt              time.Time        `json:"updatedAt"`
	DeletedAt              *time.Time       `json:"deletedAt,omitempty"`
}

// AlertStatus is the alert state machine: active -> acknowledged ->
// resolved, active -> resolved (auto), active -> suppressed. Resolved is
// terminal.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusSuppressed   AlertStatus = "suppressed"
)

// Alert is one fired rule instance for a device. At most one non-resolved
// alert exists per (ruleId, deviceId).
type Alert struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"ruleId"`
	OrgID          string          `json:"orgId"`
	DeviceID       string          `json:"deviceId"`
	Severity       AlertSeverity   `json:"severity"`
	Status         AlertStatus     `json:"status"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Context        json.RawMessage `json:"context,omitempty"`
	TriggeredAt    time.Time       `json:"triggeredAt"`
	LastSeenAt     time.Time       `json:"lastSeenAt"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string         `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy     *string         `json:"resolvedBy,omitempty"`
}

// ChannelType enumerates notification transports.
type ChannelType string

const (
	ChannelEmail     ChannelType = "email"
	ChannelSlack     ChannelType = "slack"
	ChannelTeams     ChannelType = "teams"
	ChannelWebhook   ChannelType = "webhook"
	ChannelPagerDuty ChannelType = "pagerduty"
	ChannelSMS       ChannelType = "sms"
	ChannelInApp     ChannelType = "inapp"
)

// NotificationChannel is a tenant-owned dispatch target. Config is validated
// per type before persistence and stored enc:v1: encrypted because most
// types embed credentials.
type NotificationChannel struct {
	ID              string      `json:"id"`
	OrgID           string      `json:"orgId"`
	Type            ChannelType `json:"type"`
	Name            string      `json:"name"`
	ConfigEncrypted string      `json:"-"`
	Enabled         bool        `json:"enabled"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	DeletedAt       *time.Time  `json:"deletedAt,omitempty"`
}

// EscalationStep is one stage of an escalation policy.
type EscalationStep struct {
	DelayMinutes int      `json:"delayMinutes"`
	ChannelIDs   []string `json:"channelIds"`
}

// EscalationPolicy schedules follow-up notifications for unacknowledged
// alerts. Steps run in order; acknowledging or resolving the alert cancels
// the remaining steps.
type EscalationPolicy struct {
	ID        string           `json:"id"`
	OrgID     string           `json:"orgId"`
	Name      string           `json:"name"`
	Steps     []EscalationStep `json:"steps"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	DeletedAt *time.Time       `json:"deletedAt,omitempty"`
}

// InAppNotification is a routed alert surfaced in a user's notification
// feed.
type InAppNotification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	OrgID     string     `json:"orgId"`
	AlertID   *string    `json:"alertId,omitempty"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Severity  string     `json:"severity"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}
