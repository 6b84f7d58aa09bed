package iam

import (
	"context"
	"time"
)

// Store describes persistence required by the identity core. Implementations
// live in internal/store; the in-memory variant backs tests.
type Store interface {
	Tenants() TenantStore
	Users() UserStore
	Roles() RoleStore
	Groups() GroupStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
	Blacklist() BlacklistStore
}

// TenantStore manages tenant rows.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
	FindByCode(ctx context.Context, code string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	SetActive(ctx context.Context, id string, active bool) error
	CountChildren(ctx context.Context, id string) (int, error)
	CountUsers(ctx context.Context, id string) (int, error)
}

// UserStore manages user rows. The failed-login counter operations must be
// atomic per row; two concurrent failures may not lose an increment.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*User, error)
	FindServiceAccount(ctx context.Context, tenantID string) ([]*User, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetActive(ctx context.Context, userID string, active bool) error
	IncrementFailedLogins(ctx context.Context, userID string) (int, error)
	ResetFailedLogins(ctx context.Context, userID string) error
	SetLockedAt(ctx context.Context, userID string, at time.Time) error
}

// RoleStore manages roles and direct user assignments.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Role, error)
	// ListByTenants loads every role visible from the given tenant chain in
	// one query so resolution can walk the hierarchy in memory.
	ListByTenants(ctx context.Context, tenantIDs []string) ([]*Role, error)
	Assign(ctx context.Context, ur UserRole) error
	Unassign(ctx context.Context, userID, roleID string) error
	AssignmentsForUser(ctx context.Context, userID string) ([]UserRole, error)
}

// GroupStore manages groups, memberships, and group role grants.
type GroupStore interface {
	Create(ctx context.Context, g *Group) error
	Find(ctx context.Context, id string) (*Group, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Group, error)
	AddMember(ctx context.Context, ug UserGroup) error
	RemoveMember(ctx context.Context, userID, groupID string) error
	MembershipsForUser(ctx context.Context, userID string) ([]UserGroup, error)
	MembersOfGroup(ctx context.Context, groupID string) ([]UserGroup, error)
	AssignRole(ctx context.Context, gr GroupRole) error
	RolesForGroups(ctx context.Context, groupIDs []string) ([]GroupRole, error)
}

// PermissionStore manages the permission catalog and role attachments.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	Find(ctx context.Context, id string) (*Permission, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Permission, error)
	SetForRole(ctx context.Context, roleID string, permissionIDs []string) error
	// ForRoles returns permissions keyed by role id for the given roles.
	ForRoles(ctx context.Context, roleIDs []string) (map[string][]Permission, error)
}

// RefreshTokenStore manages refresh token lifecycle. Rotate must be atomic:
// either the old row is retired and the replacement persisted, or neither.
type RefreshTokenStore interface {
	Create(ctx context.Context, rt *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	Rotate(ctx context.Context, oldID string, usedAt time.Time, replacement *RefreshToken) error
	ListActiveByUser(ctx context.Context, userID string) ([]*RefreshToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// BlacklistStore is the durable record of revoked token ids. Add is
// idempotent; IsBlacklisted only considers entries that have not expired.
type BlacklistStore interface {
	Add(ctx context.Context, e BlacklistEntry) error
	IsBlacklisted(ctx context.Context, jti string, now time.Time) (bool, error)
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

type blacklistOverride struct {
	Store
	blacklist BlacklistStore
}

func (s blacklistOverride) Blacklist() BlacklistStore { return s.blacklist }

// WithBlacklistStore swaps the revocation backend of a store, keeping every
// other aggregate. Used to run the blacklist on Redis while the rest of the
// data stays in PostgreSQL.
func WithBlacklistStore(base Store, bl BlacklistStore) Store {
	return blacklistOverride{Store: base, blacklist: bl}
}
