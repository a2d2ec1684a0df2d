package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/jackc/pgx/v5"
)

// DeviceRepo persists enrolled endpoints and their inventory rows.
type DeviceRepo struct {
	db Querier
}

const deviceColumns = `id, org_id, site_id, agent_id, hostname, display_name, os_type,
	os_version, architecture, agent_version, status, hardware_fingerprint, token_hash,
	tags, maintenance_until, pending_reboot, last_seen_at, enrolled_at, updated_at, deleted_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	var tags []byte
	err := row.Scan(&d.ID, &d.OrgID, &d.SiteID, &d.AgentID, &d.Hostname, &d.DisplayName,
		&d.OSType, &d.OSVersion, &d.Architecture, &d.AgentVersion, &d.Status,
		&d.HardwareFingerprint, &d.TokenHash, &tags, &d.MaintenanceUntil, &d.PendingReboot,
		&d.LastSeenAt, &d.EnrolledAt, &d.UpdatedAt, &d.DeletedAt)
	if err != nil {
		return nil, err
	}
	d.Tags = unmarshalJSON[[]string](tags)
	return &d, nil
}

// Create inserts a device row inside q, which must be the same transaction
// that verified the site belongs to the org.
func (r *DeviceRepo) Create(ctx context.Context, q Querier, d *models.Device) error {
	_, err := q.Exec(ctx, `
		INSERT INTO devices (id, org_id, site_id, agent_id, hostname, display_name, os_type,
			os_version, architecture, agent_version, status, hardware_fingerprint, token_hash,
			tags, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		d.ID, d.OrgID, d.SiteID, d.AgentID, d.Hostname, d.DisplayName, d.OSType,
		d.OSVersion, d.Architecture, d.AgentVersion, d.Status, d.HardwareFingerprint,
		d.TokenHash, marshalJSON(d.Tags), d.EnrolledAt)
	if database.IsUniqueViolation(err, "") {
		return httperr.Conflict("agent id collision")
	}
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// Get returns a scoped device.
func (r *DeviceRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.Device, error) {
	args := []any{id}
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	d, err := scanDevice(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("device")
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// GetByAgentID returns the device owning an agent identity. Used on every
// agent-authenticated request, unscoped by design.
func (r *DeviceRepo) GetByAgentID(ctx context.Context, agentID string) (*models.Device, error) {
	d, err := scanDevice(r.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE agent_id = $1 AND deleted_at IS NULL`, agentID))
	if database.IsNoRows(err) {
		return nil, httperr.Unauthenticated("unknown agent")
	}
	if err != nil {
		return nil, fmt.Errorf("get device by agent id: %w", err)
	}
	return d, nil
}

// FindByFingerprint returns a decommissioned device matching a hardware
// fingerprint within an org, so re-enrollment resumes the same row.
func (r *DeviceRepo) FindByFingerprint(ctx context.Context, orgID, fingerprint string) (*models.Device, error) {
	if fingerprint == "" {
		return nil, httperr.NotFound("device")
	}
	d, err := scanDevice(r.db.QueryRow(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE org_id = $1 AND hardware_fingerprint = $2 AND deleted_at IS NULL
		ORDER BY enrolled_at DESC LIMIT 1`, orgID, fingerprint))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("device")
	}
	if err != nil {
		return nil, fmt.Errorf("find device by fingerprint: %w", err)
	}
	return d, nil
}

// DeviceFilter narrows List beyond tenancy.
type DeviceFilter struct {
	OrgID  string
	SiteID string
	Status models.DeviceStatus
	OSType models.OSType
}

// List returns scoped devices.
func (r *DeviceRepo) List(ctx context.Context, scope OrgScope, filter DeviceFilter, page Page) ([]*models.Device, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE deleted_at IS NULL AND id > $1`
	if filter.OrgID != "" {
		args = append(args, filter.OrgID)
		q += ` AND org_id = $` + strconv.Itoa(len(args))
	}
	if filter.SiteID != "" {
		args = append(args, filter.SiteID)
		q += ` AND site_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.OSType != "" {
		args = append(args, filter.OSType)
		q += ` AND os_type = $` + strconv.Itoa(len(args))
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Update rewrites operator-mutable device fields.
func (r *DeviceRepo) Update(ctx context.Context, scope OrgScope, d *models.Device) error {
	args := []any{d.ID, d.DisplayName, marshalJSON(d.Tags)}
	q := `UPDATE devices SET display_name = $2, tags = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("device")
	}
	return nil
}

// Heartbeat stamps last_seen_at and agent metadata, flipping offline devices
// back online. Returns the previous status so the gateway can emit
// device.online transitions.
func (r *DeviceRepo) Heartbeat(ctx context.Context, deviceID, agentVersion string, pendingReboot bool, at time.Time) (models.DeviceStatus, error) {
	var prev models.DeviceStatus
	err := r.db.QueryRow(ctx, `
		UPDATE devices d SET
			last_seen_at = $2,
			agent_version = COALESCE(NULLIF($3, ''), agent_version),
			pending_reboot = $4,
			status = CASE WHEN d.status = 'offline' THEN 'online' ELSE d.status END,
			updated_at = now()
		FROM (SELECT status FROM devices WHERE id = $1 FOR UPDATE) old
		WHERE d.id = $1 AND d.deleted_at IS NULL
		RETURNING old.status`,
		deviceID, at, agentVersion, pendingReboot).Scan(&prev)
	if database.IsNoRows(err) {
		return "", httperr.NotFound("device")
	}
	if err != nil {
		return "", fmt.Errorf("heartbeat device: %w", err)
	}
	return prev, nil
}

// SetStatus transitions a device's status unconditionally.
func (r *DeviceRepo) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE devices SET status = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, deviceID, status)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("device")
	}
	return nil
}

// TransitionStatus moves a device from one status to another, failing with
// Conflict when the device is not in the expected state.
func (r *DeviceRepo) TransitionStatus(ctx context.Context, deviceID string, from, to models.DeviceStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE devices SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`, deviceID, from, to)
	if err != nil {
		return fmt.Errorf("transition device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.Conflict("device not in expected state")
	}
	return nil
}

// SetMaintenance puts a device into (or out of) maintenance mode.
func (r *DeviceRepo) SetMaintenance(ctx context.Context, scope OrgScope, deviceID string, until *time.Time, enter bool) error {
	status := models.DeviceStatusMaintenance
	if !enter {
		status = models.DeviceStatusOnline
		until = nil
	}
	args := []any{deviceID, status, until}
	q := `UPDATE devices SET status = $2, maintenance_until = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND status NOT IN ('decommissioned', 'quarantined')` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set maintenance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("device")
	}
	return nil
}

// ResumeEnrollment reactivates a decommissioned device row under a fresh
// agent identity.
func (r *DeviceRepo) ResumeEnrollment(ctx context.Context, q Querier, deviceID, agentID, tokenHash string, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE devices SET agent_id = $2, token_hash = $3, status = 'online',
			enrolled_at = $4, last_seen_at = $4, updated_at = now()
		WHERE id = $1 AND status = 'decommissioned' AND deleted_at IS NULL`,
		deviceID, agentID, tokenHash, at)
	if err != nil {
		return fmt.Errorf("resume enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.Conflict("device not resumable")
	}
	return nil
}

// SweepOffline flips silent online devices to offline and returns their IDs
// and org IDs so the caller can emit device.offline events.
func (r *DeviceRepo) SweepOffline(ctx context.Context, silentSince time.Time) ([]*models.Device, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE devices SET status = 'offline', updated_at = now()
		WHERE status = 'online' AND deleted_at IS NULL
		  AND (last_seen_at IS NULL OR last_seen_at < $1)
		RETURNING `+deviceColumns, silentSince)
	if err != nil {
		return nil, fmt.Errorf("sweep offline devices: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swept device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SoftDelete marks a device deleted (decommission).
func (r *DeviceRepo) SoftDelete(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE devices SET status = 'decommissioned', deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("device")
	}
	return nil
}

// InsertMetrics appends telemetry samples to the partitioned metrics table.
func (r *DeviceRepo) InsertMetrics(ctx context.Context, m *models.MetricSample) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO device_metrics (device_id, ts, cpu_percent, memory_percent, disk_percent,
			network_rx_bytes, network_tx_bytes, uptime_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.DeviceID, m.Timestamp, m.CPUPercent, m.MemoryPercent, m.DiskPercent,
		m.NetworkRxBytes, m.NetworkTxBytes, m.UptimeSeconds)
	if err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	return nil
}

// UpsertCert stores the active mTLS certificate for a device.
func (r *DeviceRepo) UpsertCert(ctx context.Context, c *models.DeviceCert) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO device_certs (device_id, serial, external_cert_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			serial = EXCLUDED.serial, external_cert_id = EXCLUDED.external_cert_id,
			issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at, revoked_at = NULL`,
		c.DeviceID, c.Serial, c.ExternalCertID, c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert device cert: %w", err)
	}
	return nil
}

// GetCert returns the device's current certificate record, or NotFound.
func (r *DeviceRepo) GetCert(ctx context.Context, deviceID string) (*models.DeviceCert, error) {
	var c models.DeviceCert
	err := r.db.QueryRow(ctx, `
		SELECT device_id, serial, external_cert_id, issued_at, expires_at, revoked_at
		FROM device_certs WHERE device_id = $1`, deviceID).
		Scan(&c.DeviceID, &c.Serial, &c.ExternalCertID, &c.IssuedAt, &c.ExpiresAt, &c.RevokedAt)
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("device certificate")
	}
	if err != nil {
		return nil, fmt.Errorf("get device cert: %w", err)
	}
	return &c, nil
}

// ReplaceSoftware swaps the software inventory for a device, returning
// whether the set changed so the caller can emit software_change events.
func (r *DeviceRepo) ReplaceSoftware(ctx context.Context, deviceID string, items []models.SoftwareItem) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM device_software WHERE device_id = $1`, deviceID)
	if err != nil {
		return false, fmt.Errorf("clear software inventory: %w", err)
	}
	changed := int(tag.RowsAffected()) != len(items)

	for _, item := range items {
		_, err := r.db.Exec(ctx, `
			INSERT INTO device_software (device_id, name, version, publisher, installed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (device_id, name) DO UPDATE SET
				version = EXCLUDED.version, publisher = EXCLUDED.publisher`,
			deviceID, item.Name, item.Version, item.Publisher, item.InstalledAt)
		if err != nil {
			return false, fmt.Errorf("insert software item: %w", err)
		}
	}
	return changed, nil
}

// ExpiredCert pairs an overdue device certificate with the org's expiry
// policy so the renewal scan can quarantine or leave devices to self-renew.
type ExpiredCert struct {
	DeviceID       string
	OrgID          string
	ExternalCertID string
	MTLSPolicy     string
	DeviceStatus   models.DeviceStatus
}

// ExpiredCerts lists unrevoked certificates past their expiry on devices
// still in service.
func (r *DeviceRepo) ExpiredCerts(ctx context.Context, now time.Time, limit int) ([]*ExpiredCert, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.device_id, d.org_id, c.external_cert_id, o.mtls_policy, d.status
		FROM device_certs c
		JOIN devices d ON d.id = c.device_id AND d.deleted_at IS NULL
		JOIN organizations o ON o.id = d.org_id
		WHERE c.expires_at <= $1 AND c.revoked_at IS NULL
		  AND d.status NOT IN ('decommissioned', 'quarantined')
		ORDER BY c.expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired certs: %w", err)
	}
	defer rows.Close()

	var out []*ExpiredCert
	for rows.Next() {
		var e ExpiredCert
		if err := rows.Scan(&e.DeviceID, &e.OrgID, &e.ExternalCertID, &e.MTLSPolicy, &e.DeviceStatus); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkCertRevoked records CA-side revocation locally.
func (r *DeviceRepo) MarkCertRevoked(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE device_certs SET revoked_at = $2 WHERE device_id = $1 AND revoked_at IS NULL`,
		deviceID, at)
	if err != nil {
		return fmt.Errorf("mark cert revoked: %w", err)
	}
	return nil
}

// EnsureMetricsPartition creates the monthly telemetry partition covering
// month if it does not already exist. Partition names carry a yyyymm suffix
// so the retention sweep can drop whole months.
func (r *DeviceRepo) EnsureMetricsPartition(ctx context.Context, month time.Time) error {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	name := "device_metrics_" + from.Format("200601")
	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF device_metrics
		FOR VALUES FROM ('%s') TO ('%s')`,
		name, from.Format("2006-01-02"), to.Format("2006-01-02")))
	if err != nil {
		return fmt.Errorf("ensure metrics partition %s: %w", name, err)
	}
	return nil
}

// MetricPartitions lists the dated telemetry partitions.
func (r *DeviceRepo) MetricPartitions(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.relname FROM pg_inherits i
		JOIN pg_class p ON p.oid = i.inhparent
		JOIN pg_class c ON c.oid = i.inhrelid
		WHERE p.relname = 'device_metrics' AND c.relname LIKE 'device\_metrics\_2%'
		ORDER BY c.relname`)
	if err != nil {
		return nil, fmt.Errorf("list metric partitions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DropMetricPartition detaches and drops one dated partition. The name must
// come from MetricPartitions; anything else is rejected.
func (r *DeviceRepo) DropMetricPartition(ctx context.Context, name string) error {
	if !strings.HasPrefix(name, "device_metrics_2") {
		return httperr.Validation("not a metrics partition", map[string]string{"name": name})
	}
	if _, err := r.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
		return fmt.Errorf("drop metrics partition %s: %w", name, err)
	}
	return nil
}

// DeleteMetricsBefore clears rows that landed in the default partition.
func (r *DeviceRepo) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM device_metrics_default WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertHardware stores the hardware inventory summary.
func (r *DeviceRepo) UpsertHardware(ctx context.Context, h *models.HardwareInfo) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO device_hardware (device_id, manufacturer, model, serial_number,
			cpu_model, cpu_cores, memory_bytes, disk_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (device_id) DO UPDATE SET
			manufacturer = EXCLUDED.manufacturer, model = EXCLUDED.model,
			serial_number = EXCLUDED.serial_number, cpu_model = EXCLUDED.cpu_model,
			cpu_cores = EXCLUDED.cpu_cores, memory_bytes = EXCLUDED.memory_bytes,
			disk_bytes = EXCLUDED.disk_bytes, updated_at = now()`,
		h.DeviceID, h.Manufacturer, h.Model, h.SerialNumber, h.CPUModel,
		h.CPUCores, h.MemoryBytes, h.DiskBytes)
	if err != nil {
		return fmt.Errorf("upsert hardware: %w", err)
	}
	return nil
}
