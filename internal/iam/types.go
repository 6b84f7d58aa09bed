package iam

import (
	"strings"
	"time"
)

// Tenant types.
const (
	TenantTypeRoot = "root"
	TenantTypeSub  = "sub_tenant"
)

// Tenant isolation modes.
const (
	IsolationShared    = "shared"
	IsolationDedicated = "dedicated"
)

// Tenant is an isolated customer namespace. A root tenant has no parent; a
// sub_tenant has exactly one parent and the parent chain is acyclic.
type Tenant struct {
	ID                 string    `json:"id"`
	Code               string    `json:"code"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	ParentTenantID     string    `json:"parent_tenant_id,omitempty"`
	IsolationMode      string    `json:"isolation_mode"`
	InheritPermissions bool      `json:"inherit_permissions"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// User is a human or service account owned by a tenant. Exactly one of
// PasswordHash / ServiceAccountKeyHash is set depending on IsServiceAccount.
type User struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	Email                 string    `json:"email"`
	PasswordHash          string    `json:"-"`
	IsServiceAccount      bool      `json:"is_service_account"`
	ServiceAccountKeyHash string    `json:"-"`
	FailedLoginCount      int       `json:"-"`
	LockedAt              time.Time `json:"-"`
	Active                bool      `json:"active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Role groups permissions inside a tenant. ParentRoleID links to an ancestor
// role whose permissions are inherited; Priority breaks conflicts between
// overlapping grants (higher wins).
type Role struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	ParentRoleID string    `json:"parent_role_id,omitempty"`
	Priority     int       `json:"priority"`
	IsAssignable bool      `json:"is_assignable"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserRole grants a role to a user. An entry past ExpiresAt is inert: it is
// skipped during resolution but kept for audit.
type UserRole struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant is past its expiry at the given instant.
func (ur UserRole) Expired(now time.Time) bool {
	return !ur.ExpiresAt.IsZero() && now.After(ur.ExpiresAt)
}

// Group is a named collection of users; roles granted to the group apply to
// every member.
type Group struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserGroup is a group membership.
type UserGroup struct {
	UserID  string    `json:"user_id"`
	GroupID string    `json:"group_id"`
	AddedAt time.Time `json:"added_at"`
}

// GroupRole grants a role to every member of a group.
type GroupRole struct {
	GroupID   string    `json:"group_id"`
	RoleID    string    `json:"role_id"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// Permission resource types.
const (
	ResourceProductFamily = "product_family"
	ResourceApp           = "app"
	ResourceCapability    = "capability"
	ResourceService       = "service"
	ResourceEntity        = "entity"
	ResourcePage          = "page"
	ResourceAPI           = "api"
)

// Permission actions.
const (
	ActionCreate  = "create"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionExecute = "execute"
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// ValidResourceType reports whether t is a known resource type.
func ValidResourceType(t string) bool {
	switch t {
	case ResourceProductFamily, ResourceApp, ResourceCapability,
		ResourceService, ResourceEntity, ResourcePage, ResourceAPI:
		return true
	}
	return false
}

// ValidAction reports whether a is a known permission action.
func ValidAction(a string) bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionExecute, ActionApprove, ActionReject:
		return true
	}
	return false
}

// Permission describes what may be done to a resource. The anchor is either
// ResourceID or ResourcePath; at least one must be set.
type Permission struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	ResourceType     string            `json:"resource_type"`
	ResourceID       string            `json:"resource_id,omitempty"`
	ResourcePath     string            `json:"resource_path,omitempty"`
	Actions          []string          `json:"actions"`
	FieldPermissions map[string]string `json:"field_permissions,omitempty"`
	Conditions       map[string]any    `json:"conditions,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Anchor returns the permission's resource anchor, preferring the id form.
func (p Permission) Anchor() string {
	if strings.TrimSpace(p.ResourceID) != "" {
		return p.ResourceID
	}
	return p.ResourcePath
}

// RolePermission attaches a permission to a role.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	GrantedBy    string    `json:"granted_by,omitempty"`
	GrantedAt    time.Time `json:"granted_at"`
}

// RefreshToken is the persisted half of an opaque refresh token. Only the
// sha256 hash of the secret is stored; the raw value is returned to the
// caller exactly once at issuance.
type RefreshToken struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TokenHash  string    `json:"-"`
	JTI        string    `json:"jti"`
	Device     string    `json:"device,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	RotatedAt  time.Time `json:"rotated_at,omitempty"`
}

// Token type markers carried in the token_type claim and blacklist rows.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// BlacklistEntry records a revoked token id. Entries past ExpiresAt are
// ignored by lookups and purged by the janitor.
type BlacklistEntry struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at"`
	RevokedBy string    `json:"revoked_by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
