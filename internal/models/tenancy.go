// Package models defines the persisted domain types shared across the
// control plane. Identifiers are opaque ULID strings; all times are UTC.
package models

import "time"

// PartnerType classifies a top-level tenant.
type PartnerType string

const (
	PartnerTypeMSP        PartnerType = "msp"
	PartnerTypeEnterprise PartnerType = "enterprise"
	PartnerTypeInternal   PartnerType = "internal"
)

// PartnerStatus is the lifecycle state of a partner account.
type PartnerStatus string

const (
	PartnerStatusActive    PartnerStatus = "active"
	PartnerStatusSuspended PartnerStatus = "suspended"
)

// Partner is a top-level tenant (MSP or reseller). Slug is globally unique.
type Partner struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Slug             string            `json:"slug"`
	Type             PartnerType       `json:"type"`
	Plan             string            `json:"plan"`
	MaxOrganizations *int              `json:"maxOrganizations,omitempty"`
	MaxDevices       *int              `json:"maxDevices,omitempty"`
	Settings         map[string]string `json:"settings,omitempty"`
	Status           PartnerStatus     `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	DeletedAt        *time.Time        `json:"deletedAt,omitempty"`
}

// OrgStatus is the lifecycle state of an organization.
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusTrial     OrgStatus = "trial"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusChurned   OrgStatus = "churned"
)

// Organization belongs to exactly one partner. Slug is unique per partner.
type Organization struct {
	ID            string     `json:"id"`
	PartnerID     string     `json:"partnerId"`
	Name          string     `json:"name"`
	Slug          string     `json:"slug"`
	Status        OrgStatus  `json:"status"`
	MaxDevices    *int       `json:"maxDevices,omitempty"`
	ContractStart *time.Time `json:"contractStart,omitempty"`
	ContractEnd   *time.Time `json:"contractEnd,omitempty"`
	// MTLSPolicy controls what happens when a device certificate expires:
	// "renew" reissues silently, "quarantine" blocks the device until an
	// operator approves.
	MTLSPolicy string     `json:"mtlsPolicy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Site is a physical or logical location under an organization.
type Site struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"orgId"`
	Name      string     `json:"name"`
	Timezone  string     `json:"timezone"`
	Address   string     `json:"address,omitempty"`
	Contact   string     `json:"contact,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// DeviceGroupType distinguishes static membership from rule-driven groups.
type DeviceGroupType string

const (
	DeviceGroupStatic  DeviceGroupType = "static"
	DeviceGroupDynamic DeviceGroupType = "dynamic"
)

// DeviceGroup collects devices within an organization, optionally scoped to
// a site. Dynamic groups carry a rule expression over device attributes.
type DeviceGroup struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"orgId"`
	SiteID    *string         `json:"siteId,omitempty"`
	Name      string          `json:"name"`
	Type      DeviceGroupType `json:"type"`
	Rule      string          `json:"rule,omitempty"`
	DeviceIDs []string        `json:"deviceIds,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
}
