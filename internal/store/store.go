// Package store holds the Postgres repositories for every persisted entity.
// Repositories exclude soft-deleted rows by default and never bypass the
// org-scoping predicates the auth layer hands them.
package store

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so repository
// methods run standalone or inside a caller-owned transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles all repositories over one connection pool.
type Store struct {
	pool *pgxpool.Pool

	Partners      *PartnerRepo
	Orgs          *OrgRepo
	Sites         *SiteRepo
	DeviceGroups  *DeviceGroupRepo
	Users         *UserRepo
	Roles         *RoleRepo
	Memberships   *MembershipRepo
	Sessions      *SessionRepo
	APIKeys       *APIKeyRepo
	Enrollment    *EnrollmentKeyRepo
	Devices       *DeviceRepo
	Commands      *CommandRepo
	Jobs          *JobRepo
	Webhooks      *WebhookRepo
	Alerts        *AlertRepo
	Channels      *ChannelRepo
	Notifications *InAppRepo
	Remote        *RemoteRepo
}

// New builds a Store over the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:          pool,
		Partners:      &PartnerRepo{db: pool},
		Orgs:          &OrgRepo{db: pool},
		Sites:         &SiteRepo{db: pool},
		DeviceGroups:  &DeviceGroupRepo{db: pool},
		Users:         &UserRepo{db: pool},
		Roles:         &RoleRepo{db: pool},
		Memberships:   &MembershipRepo{db: pool},
		Sessions:      &SessionRepo{db: pool},
		APIKeys:       &APIKeyRepo{db: pool},
		Enrollment:    &EnrollmentKeyRepo{db: pool},
		Devices:       &DeviceRepo{db: pool},
		Commands:      &CommandRepo{db: pool},
		Jobs:          &JobRepo{db: pool},
		Webhooks:      &WebhookRepo{db: pool},
		Alerts:        &AlertRepo{db: pool},
		Channels:      &ChannelRepo{db: pool},
		Notifications: &InAppRepo{db: pool},
		Remote:        &RemoteRepo{db: pool},
	}
}

// Pool exposes the underlying pool for transaction helpers.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Page bounds a keyset-paginated list request. Cursor is the last ID of the
// previous page; ULIDs sort lexically so plain string comparison works.
type Page struct {
	Limit  int
	Cursor string
}

// Bound clamps the page limit into [1, 500] with a default of 50.
func (p Page) Bound() int {
	switch {
	case p.Limit <= 0:
		return 50
	case p.Limit > 500:
		return 500
	default:
		return p.Limit
	}
}

// OrgScope is the tenancy predicate repositories apply to org-owned rows.
// Nil AccessibleOrgIDs means unrestricted (system scope); an empty slice
// matches nothing.
type OrgScope struct {
	AccessibleOrgIDs []string
}

// Unrestricted reports whether the scope allows every organization.
func (s OrgScope) Unrestricted() bool { return s.AccessibleOrgIDs == nil }

// Contains reports whether orgID falls inside the scope.
func (s OrgScope) Contains(orgID string) bool {
	if s.AccessibleOrgIDs == nil {
		return true
	}
	for _, id := range s.AccessibleOrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// orgCondition renders the scope as a SQL predicate over column, appending
// any bind parameter to args. The returned clause always starts with AND.
func (s OrgScope) orgCondition(column string, args *[]any) string {
	if s.AccessibleOrgIDs == nil {
		return ""
	}
	*args = append(*args, s.AccessibleOrgIDs)
	return " AND " + column + " = ANY($" + strconv.Itoa(len(*args)) + ")"
}

func marshalJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func unmarshalJSON[T any](raw []byte) T {
	var v T
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}
