package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:        5,
		BackoffMultiplier: 2.0,
		InitialDelay:      30 * time.Second,
		MaxDelay:          time.Hour,
	}

	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{name: "first retry", attempts: 0, want: 30 * time.Second},
		{name: "second retry", attempts: 1, want: time.Minute},
		{name: "third retry", attempts: 2, want: 2 * time.Minute},
		{name: "fifth retry", attempts: 4, want: 8 * time.Minute},
		{name: "capped at max", attempts: 10, want: time.Hour},
		{name: "negative clamps to zero", attempts: -3, want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Delay(tt.attempts))
		})
	}
}

func TestRetryPolicyDelayZeroValuesFallBack(t *testing.T) {
	var policy RetryPolicy
	assert.Equal(t, 30*time.Second, policy.Delay(0))
	assert.Equal(t, 30*time.Second, policy.Delay(7), "multiplier below 1 clamps to flat backoff")
}

func TestPermissionWildcards(t *testing.T) {
	tests := []struct {
		name string
		perm Permission
		res  string
		act  string
		want bool
	}{
		{name: "exact match", perm: Permission{Resource: "devices", Action: "read"}, res: "devices", act: "read", want: true},
		{name: "action mismatch", perm: Permission{Resource: "devices", Action: "read"}, res: "devices", act: "write", want: false},
		{name: "resource wildcard", perm: Permission{Resource: "*", Action: "read"}, res: "alerts", act: "read", want: true},
		{name: "full wildcard", perm: Permission{Resource: "*", Action: "*"}, res: "anything", act: "delete", want: true},
		{name: "action wildcard", perm: Permission{Resource: "devices", Action: "*"}, res: "devices", act: "control", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.perm.Allows(tt.res, tt.act))
		})
	}
}

func TestParsePermission(t *testing.T) {
	p, ok := ParsePermission("devices:control")
	assert.True(t, ok)
	assert.Equal(t, Permission{Resource: "devices", Action: "control"}, p)

	_, ok = ParsePermission("malformed")
	assert.False(t, ok)
	_, ok = ParsePermission(":action")
	assert.False(t, ok)
}

func TestEnrollmentKeyUsable(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	two := 2

	tests := []struct {
		name string
		key  EnrollmentKey
		want bool
	}{
		{name: "fresh key", key: EnrollmentKey{}, want: true},
		{name: "revoked", key: EnrollmentKey{Revoked: true}, want: false},
		{name: "expired", key: EnrollmentKey{ExpiresAt: &past}, want: false},
		{name: "not yet expired", key: EnrollmentKey{ExpiresAt: &future}, want: true},
		{name: "uses exhausted", key: EnrollmentKey{MaxUses: &two, UseCount: 2}, want: false},
		{name: "uses remaining", key: EnrollmentKey{MaxUses: &two, UseCount: 1}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Usable(now))
		})
	}
}

func TestDeviceCertRenewDue(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cert := DeviceCert{
		IssuedAt:  issued,
		ExpiresAt: issued.Add(90 * 24 * time.Hour),
	}

	assert.False(t, cert.RenewDue(issued.Add(30*24*time.Hour)))
	assert.True(t, cert.RenewDue(issued.Add(60*24*time.Hour)), "due exactly at two thirds")
	assert.True(t, cert.RenewDue(issued.Add(80*24*time.Hour)))
	assert.False(t, cert.Expired(issued.Add(89*24*time.Hour)))
	assert.True(t, cert.Expired(issued.Add(91*24*time.Hour)))
}

func TestCommandStatusTerminal(t *testing.T) {
	assert.True(t, CommandStatusCompleted.Terminal())
	assert.True(t, CommandStatusTimeout.Terminal())
	assert.True(t, CommandStatusCancelled.Terminal())
	assert.False(t, CommandStatusPending.Terminal())
	assert.False(t, CommandStatusSent.Terminal())
}

func TestSerializedCommandType(t *testing.T) {
	assert.True(t, SerializedCommandType(CommandDeviceReboot))
	assert.True(t, SerializedCommandType(CommandPatchInstall))
	assert.False(t, SerializedCommandType(CommandScriptExecute))
}

func TestCommandResultSuccessIsExitCodeOnly(t *testing.T) {
	ok := CommandResult{ExitCode: 0, Stderr: "warnings printed"}
	assert.True(t, ok.Succeeded())

	failed := CommandResult{ExitCode: 2, Stdout: "partial output"}
	assert.False(t, failed.Succeeded())
}

func TestWebhookSubscribedTo(t *testing.T) {
	w := Webhook{Events: []string{EventAlertTriggered, EventDeviceOffline}}
	assert.True(t, w.SubscribedTo(EventAlertTriggered))
	assert.False(t, w.SubscribedTo(EventDeviceEnrolled))

	all := Webhook{Events: []string{"*"}}
	assert.True(t, all.SubscribedTo(EventPatchComplete))
}

func TestConditionOperatorCompare(t *testing.T) {
	assert.True(t, OpGreaterThan.Compare(91, 90))
	assert.False(t, OpGreaterThan.Compare(90, 90))
	assert.True(t, OpGreaterOrEqual.Compare(90, 90))
	assert.True(t, OpLessThan.Compare(1, 2))
	assert.True(t, OpEqual.Compare(5, 5))
	assert.False(t, ConditionOperator("bogus").Compare(1, 1))
}

func TestDeviceInMaintenance(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(time.Hour)
	over := now.Add(-time.Hour)

	d := Device{Status: DeviceStatusMaintenance, MaintenanceUntil: &until}
	assert.True(t, d.InMaintenance(now))

	d.MaintenanceUntil = &over
	assert.False(t, d.InMaintenance(now))

	d.MaintenanceUntil = nil
	assert.True(t, d.InMaintenance(now), "open-ended window")

	d.Status = DeviceStatusOnline
	assert.False(t, d.InMaintenance(now))
}

func TestMetricSampleValue(t *testing.T) {
	m := MetricSample{CPUPercent: 85.5, MemoryPercent: 40, DiskPercent: 92, NetworkRxBytes: 1024}

	v, ok := m.Value("cpu")
	assert.True(t, ok)
	assert.Equal(t, 85.5, v)

	v, ok = m.Value("network_rx")
	assert.True(t, ok)
	assert.Equal(t, float64(1024), v)

	_, ok = m.Value("gpu")
	assert.False(t, ok)
}
