package store

import (
	"context"
	"fmt"

	"github.com/breeze-rmm/breeze/internal/database"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/jackc/pgx/v5"
)

// PartnerRepo persists top-level tenants.
type PartnerRepo struct {
	db Querier
}

const partnerColumns = `id, name, slug, type, plan, max_organizations, max_devices,
	settings, status, created_at, updated_at, deleted_at`

func scanPartner(row pgx.Row) (*models.Partner, error) {
	var p models.Partner
	var settings []byte
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Type, &p.Plan, &p.MaxOrganizations,
		&p.MaxDevices, &settings, &p.Status, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return nil, err
	}
	p.Settings = unmarshalJSON[map[string]string](settings)
	return &p, nil
}

// Create inserts a partner. Slug collisions surface as Conflict.
func (r *PartnerRepo) Create(ctx context.Context, p *models.Partner) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO partners (id, name, slug, type, plan, max_organizations, max_devices, settings, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		p.ID, p.Name, p.Slug, p.Type, p.Plan, p.MaxOrganizations, p.MaxDevices,
		marshalJSON(p.Settings), p.Status, p.CreatedAt)
	if database.IsUniqueViolation(err, "") {
		return httperr.Conflict("partner slug already in use")
	}
	if err != nil {
		return fmt.Errorf("insert partner: %w", err)
	}
	return nil
}

// Get returns a partner by ID, excluding soft-deleted rows.
func (r *PartnerRepo) Get(ctx context.Context, id string) (*models.Partner, error) {
	p, err := scanPartner(r.db.QueryRow(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE id = $1 AND deleted_at IS NULL`, id))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("partner")
	}
	if err != nil {
		return nil, fmt.Errorf("get partner: %w", err)
	}
	return p, nil
}

// List returns partners ordered by ID with keyset pagination.
func (r *PartnerRepo) List(ctx context.Context, page Page) ([]*models.Partner, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+partnerColumns+` FROM partners
		WHERE deleted_at IS NULL AND id > $1
		ORDER BY id LIMIT $2`, page.Cursor, page.Bound())
	if err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}
	defer rows.Close()

	var out []*models.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update rewrites mutable partner fields.
func (r *PartnerRepo) Update(ctx context.Context, p *models.Partner) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE partners
		SET name = $2, plan = $3, max_organizations = $4, max_devices = $5,
		    settings = $6, status = $7, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		p.ID, p.Name, p.Plan, p.MaxOrganizations, p.MaxDevices, marshalJSON(p.Settings), p.Status)
	if err != nil {
		return fmt.Errorf("update partner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("partner")
	}
	return nil
}

// SoftDelete marks a partner deleted.
func (r *PartnerRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE partners SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete partner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("partner")
	}
	return nil
}

// OrgRepo persists organizations.
type OrgRepo struct {
	db Querier
}

const orgColumns = `id, partner_id, name, slug, status, max_devices, contract_start,
	contract_end, mtls_policy, created_at, updated_at, deleted_at`

func scanOrg(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.PartnerID, &o.Name, &o.Slug, &o.Status, &o.MaxDevices,
		&o.ContractStart, &o.ContractEnd, &o.MTLSPolicy, &o.CreatedAt, &o.UpdatedAt, &o.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create inserts an organization under its partner.
func (r *OrgRepo) Create(ctx context.Context, o *models.Organization) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO organizations (id, partner_id, name, slug, status, max_devices,
			contract_start, contract_end, mtls_policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		o.ID, o.PartnerID, o.Name, o.Slug, o.Status, o.MaxDevices,
		o.ContractStart, o.ContractEnd, o.MTLSPolicy, o.CreatedAt)
	if database.IsUniqueViolation(err, "") {
		return httperr.Conflict("organization slug already in use within partner")
	}
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

// Get returns an organization when it falls inside scope; out-of-scope IDs
// read as NotFound.
func (r *OrgRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.Organization, error) {
	if !scope.Contains(id) {
		return nil, httperr.NotFound("organization")
	}
	o, err := scanOrg(r.db.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1 AND deleted_at IS NULL`, id))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("organization")
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return o, nil
}

// List returns scoped organizations, optionally restricted to one partner.
func (r *OrgRepo) List(ctx context.Context, scope OrgScope, partnerID string, page Page) ([]*models.Organization, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT ` + orgColumns + ` FROM organizations WHERE deleted_at IS NULL AND id > $1`
	if partnerID != "" {
		args = append(args, partnerID)
		q += ` AND partner_id = $3`
	}
	q += scope.orgCondition("id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []*models.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// IDsForPartner returns the IDs of all live organizations under a partner.
// AuthContext resolution loads this at request time rather than trusting
// token claims.
func (r *OrgRepo) IDsForPartner(ctx context.Context, partnerID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM organizations WHERE partner_id = $1 AND deleted_at IS NULL ORDER BY id`,
		partnerID)
	if err != nil {
		return nil, fmt.Errorf("list partner org ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Update rewrites mutable organization fields.
func (r *OrgRepo) Update(ctx context.Context, scope OrgScope, o *models.Organization) error {
	if !scope.Contains(o.ID) {
		return httperr.NotFound("organization")
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE organizations
		SET name = $2, status = $3, max_devices = $4, contract_start = $5,
		    contract_end = $6, mtls_policy = $7, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		o.ID, o.Name, o.Status, o.MaxDevices, o.ContractStart, o.ContractEnd, o.MTLSPolicy)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("organization")
	}
	return nil
}

// SoftDelete marks an organization deleted.
func (r *OrgRepo) SoftDelete(ctx context.Context, scope OrgScope, id string) error {
	if !scope.Contains(id) {
		return httperr.NotFound("organization")
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("organization")
	}
	return nil
}

// SiteRepo persists sites.
type SiteRepo struct {
	db Querier
}

const siteColumns = `id, org_id, name, timezone, address, contact, created_at, updated_at, deleted_at`

func scanSite(row pgx.Row) (*models.Site, error) {
	var s models.Site
	err := row.Scan(&s.ID, &s.OrgID, &s.Name, &s.Timezone, &s.Address, &s.Contact,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a site under an organization.
func (r *SiteRepo) Create(ctx context.Context, scope OrgScope, s *models.Site) error {
	if !scope.Contains(s.OrgID) {
		return httperr.NotFound("organization")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO sites (id, org_id, name, timezone, address, contact, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		s.ID, s.OrgID, s.Name, s.Timezone, s.Address, s.Contact, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

// Get returns a scoped site.
func (r *SiteRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.Site, error) {
	args := []any{id}
	q := `SELECT ` + siteColumns + ` FROM sites WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	s, err := scanSite(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("site")
	}
	if err != nil {
		return nil, fmt.Errorf("get site: %w", err)
	}
	return s, nil
}

// BelongsToOrg verifies inside the caller's transaction that a site lives
// under the given organization. Device writes rely on this invariant.
func BelongsToOrg(ctx context.Context, q Querier, siteID, orgID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sites WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL)`,
		siteID, orgID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check site ownership: %w", err)
	}
	return ok, nil
}

// List returns scoped sites, optionally restricted to one organization.
func (r *SiteRepo) List(ctx context.Context, scope OrgScope, orgID string, page Page) ([]*models.Site, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT ` + siteColumns + ` FROM sites WHERE deleted_at IS NULL AND id > $1`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $3`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []*models.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Update rewrites mutable site fields.
func (r *SiteRepo) Update(ctx context.Context, scope OrgScope, s *models.Site) error {
	args := []any{s.ID, s.Name, s.Timezone, s.Address, s.Contact}
	q := `UPDATE sites SET name = $2, timezone = $3, address = $4, contact = $5, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("site")
	}
	return nil
}

// SoftDelete marks a site deleted.
func (r *SiteRepo) SoftDelete(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE sites SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("site")
	}
	return nil
}

// DeviceGroupRepo persists static and dynamic device groups.
type DeviceGroupRepo struct {
	db Querier
}

const groupColumns = `id, org_id, site_id, name, type, rule, device_ids, created_at, updated_at, deleted_at`

func scanGroup(row pgx.Row) (*models.DeviceGroup, error) {
	var g models.DeviceGroup
	var deviceIDs []byte
	err := row.Scan(&g.ID, &g.OrgID, &g.SiteID, &g.Name, &g.Type, &g.Rule, &deviceIDs,
		&g.CreatedAt, &g.UpdatedAt, &g.DeletedAt)
	if err != nil {
		return nil, err
	}
	g.DeviceIDs = unmarshalJSON[[]string](deviceIDs)
	return &g, nil
}

// Create inserts a device group.
func (r *DeviceGroupRepo) Create(ctx context.Context, scope OrgScope, g *models.DeviceGroup) error {
	if !scope.Contains(g.OrgID) {
		return httperr.NotFound("organization")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO device_groups (id, org_id, site_id, name, type, rule, device_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		g.ID, g.OrgID, g.SiteID, g.Name, g.Type, g.Rule, marshalJSON(g.DeviceIDs), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert device group: %w", err)
	}
	return nil
}

// Get returns a scoped device group.
func (r *DeviceGroupRepo) Get(ctx context.Context, scope OrgScope, id string) (*models.DeviceGroup, error) {
	args := []any{id}
	q := `SELECT ` + groupColumns + ` FROM device_groups WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	g, err := scanGroup(r.db.QueryRow(ctx, q, args...))
	if database.IsNoRows(err) {
		return nil, httperr.NotFound("device group")
	}
	if err != nil {
		return nil, fmt.Errorf("get device group: %w", err)
	}
	return g, nil
}

// List returns scoped device groups for an organization.
func (r *DeviceGroupRepo) List(ctx context.Context, scope OrgScope, orgID string, page Page) ([]*models.DeviceGroup, error) {
	args := []any{page.Cursor, page.Bound()}
	q := `SELECT ` + groupColumns + ` FROM device_groups WHERE deleted_at IS NULL AND id > $1`
	if orgID != "" {
		args = append(args, orgID)
		q += ` AND org_id = $3`
	}
	q += scope.orgCondition("org_id", &args)
	q += ` ORDER BY id LIMIT $2`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list device groups: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Update rewrites mutable group fields.
func (r *DeviceGroupRepo) Update(ctx context.Context, scope OrgScope, g *models.DeviceGroup) error {
	args := []any{g.ID, g.Name, g.Rule, marshalJSON(g.DeviceIDs)}
	q := `UPDATE device_groups SET name = $2, rule = $3, device_ids = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL` + scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update device group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("device group")
	}
	return nil
}

// SoftDelete marks a device group deleted.
func (r *DeviceGroupRepo) SoftDelete(ctx context.Context, scope OrgScope, id string) error {
	args := []any{id}
	q := `UPDATE device_groups SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL` +
		scope.orgCondition("org_id", &args)
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("delete device group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return httperr.NotFound("device group")
	}
	return nil
}
