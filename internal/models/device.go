package models

import "time"

// DeviceStatus is the agent-visible lifecycle state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline         DeviceStatus = "online"
	DeviceStatusOffline        DeviceStatus = "offline"
	DeviceStatusMaintenance    DeviceStatus = "maintenance"
	DeviceStatusDecommissioned DeviceStatus = "decommissioned"
	DeviceStatusQuarantined    DeviceStatus = "quarantined"
)

// OSType identifies the agent platform.
type OSType string

const (
	OSWindows OSType = "windows"
	OSDarwin  OSType = "darwin"
	OSLinux   OSType = "linux"
)

// Device is an enrolled endpoint. AgentID is a random 64-hex identifier
// minted at enrollment; TokenHash stores the peppered digest of the agent's
// bearer token. SiteID always references a site under OrgID.
type Device struct {
	ID                  string       `json:"id"`
	OrgID               string       `json:"orgId"`
	SiteID              string       `json:"siteId"`
	AgentID             string       `json:"agentId"`
	Hostname            string       `json:"hostname"`
	DisplayName         string       `json:"displayName"`
	OSType              OSType       `json:"osType"`
	OSVersion           string       `json:"osVersion"`
	Architecture        string       `json:"architecture"`
	AgentVersion        string       `json:"agentVersion"`
	Status              DeviceStatus `json:"status"`
	HardwareFingerprint string       `json:"-"`
	TokenHash           string       `json:"-"`
	Tags                []string     `json:"tags,omitempty"`
	MaintenanceUntil    *time.Time   `json:"maintenanceUntil,omitempty"`
	PendingReboot       bool         `json:"pendingReboot"`
	LastSeenAt          *time.Time   `json:"lastSeenAt,omitempty"`
	EnrolledAt          time.Time    `json:"enrolledAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
	DeletedAt           *time.Time   `json:"deletedAt,omitempty"`
}

// InMaintenance reports whether the device is inside a maintenance window.
func (d *Device) InMaintenance(now time.Time) bool {
	if d.Status != DeviceStatusMaintenance {
		return false
	}
	return d.MaintenanceUntil == nil || now.Before(*d.MaintenanceUntil)
}

// DeviceCert records the optional mTLS client certificate issued for a
// device through the external CA.
type DeviceCert struct {
	DeviceID       string     `json:"deviceId"`
	Serial         string     `json:"serial"`
	ExternalCertID string     `json:"externalCertId"`
	IssuedAt       time.Time  `json:"issuedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

// RenewDue reports whether the certificate has passed two thirds of its
// lifetime, the point at which heartbeats start hinting renewal.
func (c *DeviceCert) RenewDue(now time.Time) bool {
	lifetime := c.ExpiresAt.Sub(c.IssuedAt)
	return !now.Before(c.IssuedAt.Add(lifetime * 2 / 3))
}

// Expired reports whether the certificate lifetime has elapsed.
func (c *DeviceCert) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// SoftwareItem is one row of a device's software inventory.
type SoftwareItem struct {
	DeviceID    string    `json:"deviceId"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Publisher   string    `json:"publisher,omitempty"`
	InstalledAt time.Time `json:"installedAt"`
}

// NetworkInterface is one row of a device's network inventory.
type NetworkInterface struct {
	DeviceID  string   `json:"deviceId"`
	Name      string   `json:"name"`
	MAC       string   `json:"mac"`
	Addresses []string `json:"addresses"`
}

// HardwareInfo summarizes a device's hardware inventory.
type HardwareInfo struct {
	DeviceID     string `json:"deviceId"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	CPUModel     string `json:"cpuModel,omitempty"`
	CPUCores     int    `json:"cpuCores,omitempty"`
	MemoryBytes  int64  `json:"memoryBytes,omitempty"`
	DiskBytes    int64  `json:"diskBytes,omitempty"`
}

// MetricSample is one telemetry point reported in a heartbeat. Samples are
// hard-partitioned by month and dropped per retention policy rather than
// soft-deleted.
type MetricSample struct {
	DeviceID       string    `json:"deviceId"`
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpuPercent"`
	MemoryPercent  float64   `json:"memoryPercent"`
	DiskPercent    float64   `json:"diskPercent"`
	NetworkRxBytes int64     `json:"networkRxBytes"`
	NetworkTxBytes int64     `json:"networkTxBytes"`
	UptimeSeconds  int64     `json:"uptimeSeconds"`
}

// Value returns the named metric from the sample, used by rule evaluation.
func (m *MetricSample) Value(metric string) (float64, bool) {
	switch metric {
	case "cpu":
		return m.CPUPercent, true
	case "memory":
		return m.MemoryPercent, true
	case "disk":
		return m.DiskPercent, true
	case "network_rx":
		return float64(m.NetworkRxBytes), true
	case "network_tx":
		return float64(m.NetworkTxBytes), true
	default:
		return 0, false
	}
}
