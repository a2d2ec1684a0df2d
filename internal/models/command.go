package models

import (
	"encoding/json"
	"time"
)

// CommandStatus tracks a device command through its delivery lifecycle.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusQueued    CommandStatus = "queued"
	CommandStatusSent      CommandStatus = "sent"
	CommandStatusRunning   CommandStatus = "running"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusTimeout   CommandStatus = "timeout"
	CommandStatusCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusCompleted, CommandStatusFailed, CommandStatusTimeout, CommandStatusCancelled:
		return true
	default:
		return false
	}
}

// Command types understood by agents. Payload shape is {type, args}.
const (
	CommandScriptExecute      = "script.execute"
	CommandScriptCancel       = "script.cancel"
	CommandDeviceReboot       = "device.reboot"
	CommandDeviceShutdown     = "device.shutdown"
	CommandMaintenanceSet     = "device.maintenance.set"
	CommandSoftwareInstall    = "software.install"
	CommandSoftwareRemove     = "software.uninstall"
	CommandSoftwareUpdate     = "software.update"
	CommandPatchInstall       = "patch.install"
	CommandPatchRollback      = "patch.rollback"
	CommandSecurityScan       = "security.scan"
	CommandSecurityQuarantine = "security.quarantine"
	CommandSecurityRemove     = "security.remove"
	CommandSecurityRestore    = "security.restore"
	CommandRemoteConnectWS    = "remote.connect_ws"
	CommandConfigUpdate       = "config.update"
	CommandAgentUpgrade       = "agent.upgrade"
	CommandRefreshPosture     = "management.refresh_posture"
)

// KnownCommandType reports whether agents understand a command kind.
func KnownCommandType(commandType string) bool {
	switch commandType {
	case CommandScriptExecute, CommandScriptCancel, CommandDeviceReboot, CommandDeviceShutdown,
		CommandMaintenanceSet, CommandSoftwareInstall, CommandSoftwareRemove, CommandSoftwareUpdate,
		CommandPatchInstall, CommandPatchRollback, CommandSecurityScan, CommandSecurityQuarantine,
		CommandSecurityRemove, CommandSecurityRestore, CommandRemoteConnectWS, CommandConfigUpdate,
		CommandAgentUpgrade, CommandRefreshPosture:
		return true
	default:
		return false
	}
}

// SerializedCommandType reports whether a command kind allows only one
// in-flight command per device at a time.
func SerializedCommandType(commandType string) bool {
	switch commandType {
	case CommandDeviceReboot, CommandDeviceShutdown, CommandPatchInstall, CommandPatchRollback, CommandAgentUpgrade:
		return true
	default:
		return false
	}
}

// DeviceCommand is one unit of work queued for an agent. Delivery is
// at-least-once: the row moves pending -> sent when included in a heartbeat
// or pushed over WS, and reaches a terminal state via a result post or the
// expiry sweeper.
type DeviceCommand struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"deviceId"`
	OrgID       string          `json:"orgId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      CommandStatus   `json:"status"`
	ExitCode    *int            `json:"exitCode,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	IssuedBy    string          `json:"issuedBy"`
	IssuedAt    time.Time       `json:"issuedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	// JobRunID links fan-out commands back to their deployment or patch job.
	JobRunID *string `json:"jobRunId,omitempty"`
	// Attempt disambiguates result posts so replays are idempotent.
	Attempt int `json:"attempt"`
}

// CommandResult is what an agent posts back after executing a command.
// Success is judged on ExitCode == 0 alone.
type CommandResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Attempt    int    `json:"attempt"`
}

// Succeeded reports whether the execution exit code signals success.
func (r *CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}
