package iam

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentra.dev/internal/ids"
)

// Admin provides tenant, user, role, group, and permission administration.
// It validates input, enforces hierarchy invariants at write time, and
// invalidates cached permission sets on every mutation that affects
// resolution.
type Admin struct {
	store    Store
	resolver *Resolver
	now      func() time.Time
}

// NewAdmin constructs the administration service. resolver may be nil when
// no cache invalidation is needed (tests).
func NewAdmin(store Store, resolver *Resolver, now func() time.Time) (*Admin, error) {
	if store == nil {
		return nil, errors.New("iam: store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Admin{store: store, resolver: resolver, now: now}, nil
}

// CreateTenantInput carries tenant provisioning parameters.
type CreateTenantInput struct {
	Code               string
	Name               string
	Type               string
	ParentTenantID     string
	IsolationMode      string
	InheritPermissions bool
}

// CreateTenant provisions a tenant. A root tenant must not name a parent; a
// sub_tenant must name exactly one existing, active parent.
func (a *Admin) CreateTenant(ctx context.Context, in CreateTenantInput) (*Tenant, error) {
	code := strings.TrimSpace(strings.ToUpper(in.Code))
	name := strings.TrimSpace(in.Name)
	if code == "" || name == "" {
		return nil, fmt.Errorf("%w: tenant code and name are required", ErrInvalidInput)
	}
	tenantType := strings.TrimSpace(in.Type)
	if tenantType == "" {
		tenantType = TenantTypeRoot
	}
	if tenantType != TenantTypeRoot && tenantType != TenantTypeSub {
		return nil, fmt.Errorf("%w: unsupported tenant type %s", ErrInvalidInput, tenantType)
	}
	parentID := strings.TrimSpace(in.ParentTenantID)
	switch tenantType {
	case TenantTypeRoot:
		if parentID != "" {
			return nil, fmt.Errorf("%w: root tenant cannot have a parent", ErrInvalidInput)
		}
	case TenantTypeSub:
		if parentID == "" {
			return nil, fmt.Errorf("%w: sub_tenant requires a parent", ErrInvalidInput)
		}
		parent, err := a.store.Tenants().Find(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !parent.Active {
			return nil, fmt.Errorf("%w: parent tenant is inactive", ErrInvalidInput)
		}
	}
	isolation := strings.TrimSpace(in.IsolationMode)
	if isolation == "" {
		isolation = IsolationShared
	}
	if isolation != IsolationShared && isolation != IsolationDedicated {
		return nil, fmt.Errorf("%w: unsupported isolation mode %s", ErrInvalidInput, isolation)
	}
	now := a.now().UTC()
	tenant := &Tenant{
		ID:                 ids.New(),
		Code:               code,
		Name:               name,
		Type:               tenantType,
		ParentTenantID:     parentID,
		IsolationMode:      isolation,
		InheritPermissions: in.InheritPermissions,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.store.Tenants().Create(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// GetTenant looks a tenant up by id.
func (a *Admin) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return a.store.Tenants().Find(ctx, id)
}

// ListTenants returns all tenants.
func (a *Admin) ListTenants(ctx context.Context) ([]*Tenant, error) {
	return a.store.Tenants().List(ctx)
}

// DeactivateTenant soft-deactivates a tenant. Tenants are never hard-deleted
// while children or users exist.
func (a *Admin) DeactivateTenant(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if err := a.store.Tenants().SetActive(ctx, id, false); err != nil {
		return err
	}
	if a.resolver != nil {
		a.resolver.InvalidateAll()
	}
	return nil
}

// CreateUser creates a password-based user in the tenant.
func (a *Admin) CreateUser(ctx context.Context, tenantID, email, password string) (*User, error) {
	tenantID = strings.TrimSpace(tenantID)
	email = strings.TrimSpace(strings.ToLower(email))
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if _, err := a.store.Tenants().Find(ctx, tenantID); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	user := &User{
		ID:           ids.New(),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// CreateServiceAccount creates a key-based service account and returns the
// raw key exactly once; only its hash is stored.
func (a *Admin) CreateServiceAccount(ctx context.Context, tenantID, email string) (*User, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	email = strings.TrimSpace(strings.ToLower(email))
	if tenantID == "" || email == "" {
		return nil, "", fmt.Errorf("%w: tenant_id and email are required", ErrInvalidInput)
	}
	if _, err := a.store.Tenants().Find(ctx, tenantID); err != nil {
		return nil, "", err
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	hash, err := HashPassword(secret)
	if err != nil {
		return nil, "", err
	}
	now := a.now().UTC()
	user := &User{
		ID:                    ids.New(),
		TenantID:              tenantID,
		Email:                 email,
		IsServiceAccount:      true,
		ServiceAccountKeyHash: hash,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := a.store.Users().Create(ctx, user); err != nil {
		return nil, "", err
	}
	return user, user.ID + "." + secret, nil
}

// SetUserActive toggles the user's active flag and drops cached permissions.
func (a *Admin) SetUserActive(ctx context.Context, userID string, active bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := a.store.Users().SetActive(ctx, userID, active); err != nil {
		return err
	}
	if a.resolver != nil {
		a.resolver.InvalidateUser(userID)
	}
	return nil
}

// CreateRoleInput carries role creation parameters.
type CreateRoleInput struct {
	TenantID     string
	Name         string
	ParentRoleID string
	Priority     int
	IsAssignable bool
}

// CreateRole creates a role. The parent role must belong to the same tenant
// or the tenant's ancestor chain, and the resulting hierarchy must stay
// acyclic; both are checked at write time.
func (a *Admin) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	name := strings.TrimSpace(in.Name)
	if tenantID == "" || name == "" {
		return nil, fmt.Errorf("%w: tenant_id and role name are required", ErrInvalidInput)
	}
	parentID := strings.TrimSpace(in.ParentRoleID)
	if parentID != "" {
		if err := a.checkParentRole(ctx, tenantID, parentID); err != nil {
			return nil, err
		}
	}
	now := a.now().UTC()
	role := &Role{
		ID:           ids.New(),
		TenantID:     tenantID,
		Name:         name,
		ParentRoleID: parentID,
		Priority:     in.Priority,
		IsAssignable: in.IsAssignable,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// checkParentRole verifies the parent exists, is tenant-visible, and does
// not close a cycle.
func (a *Admin) checkParentRole(ctx context.Context, tenantID, parentID string) error {
	allowed, err := a.visibleTenantIDs(ctx, tenantID)
	if err != nil {
		return err
	}
	visited := make(map[string]struct{})
	current := parentID
	for current != "" {
		if _, ok := visited[current]; ok {
			return fmt.Errorf("%w: role %s", ErrRoleHierarchyCycle, current)
		}
		if len(visited) >= maxHierarchyDepth {
			return fmt.Errorf("%w: depth limit at role %s", ErrRoleHierarchyCycle, current)
		}
		visited[current] = struct{}{}
		role, err := a.store.Roles().Find(ctx, current)
		if err != nil {
			return err
		}
		if _, ok := allowed[role.TenantID]; !ok {
			return fmt.Errorf("%w: parent role belongs to an unrelated tenant", ErrInvalidInput)
		}
		current = role.ParentRoleID
	}
	return nil
}

// visibleTenantIDs returns the tenant and its full ancestor chain.
func (a *Admin) visibleTenantIDs(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	current := tenantID
	for current != "" {
		if _, ok := out[current]; ok {
			return nil, fmt.Errorf("tenant hierarchy cycle at %s", current)
		}
		if len(out) >= maxHierarchyDepth {
			return nil, fmt.Errorf("tenant hierarchy deeper than %d at %s", maxHierarchyDepth, current)
		}
		out[current] = struct{}{}
		tenant, err := a.store.Tenants().Find(ctx, current)
		if err != nil {
			return nil, err
		}
		current = tenant.ParentTenantID
	}
	return out, nil
}

// AssignRole grants a role to a user directly.
func (a *Admin) AssignRole(ctx context.Context, userID, roleID, grantedBy string, expiresAt time.Time) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	role, err := a.store.Roles().Find(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.IsAssignable {
		return fmt.Errorf("%w: role %s is not assignable", ErrInvalidInput, role.Name)
	}
	err = a.store.Roles().Assign(ctx, UserRole{
		UserID:    userID,
		RoleID:    roleID,
		GrantedBy: grantedBy,
		GrantedAt: a.now().UTC(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return err
	}
	if a.resolver != nil {
		a.resolver.InvalidateUser(userID)
	}
	return nil
}

// UnassignRole removes a direct role grant.
func (a *Admin) UnassignRole(ctx context.Context, userID, roleID string) error {
	if err := a.store.Roles().Unassign(ctx, userID, roleID); err != nil {
		return err
	}
	if a.resolver != nil {
		a.resolver.InvalidateUser(userID)
	}
	return nil
}

// CreateGroup creates a group in the tenant.
func (a *Admin) CreateGroup(ctx context.Context, tenantID, name string) (*Group, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.TrimSpace(name)
	if tenantID == "" || name == "" {
		return nil, fmt.Errorf("%w: tenant_id and group name are required", ErrInvalidInput)
	}
	now := a.now().UTC()
	group := &Group{
		ID:        ids.New(),
		TenantID:  tenantID,
		Name:      name,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Groups().Create(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

// AddGroupMember adds a user to a group.
func (a *Admin) AddGroupMember(ctx context.Context, userID, groupID string) error {
	userID = strings.TrimSpace(userID)
	groupID = strings.TrimSpace(groupID)
	if userID == "" || groupID == "" {
		return fmt.Errorf("%w: user_id and group_id are required", ErrInvalidInput)
	}
	if err := a.store.Groups().AddMember(ctx, UserGroup{UserID: userID, GroupID: groupID, AddedAt: a.now().UTC()}); err != nil {
		return err
	}
	if a.resolver != nil {
		a.resolver.InvalidateUser(userID)
	}
	return nil
}

// RemoveGroupMember removes a user from a group.
func (a *Admin) RemoveGroupMember(ctx context.Context, userID, groupID string) error {
	if err := a.store.Groups().RemoveMember(ctx, userID, groupID); err != nil {
		return err
	}
	if a.resolver != nil {
		a.resolver.InvalidateUser(userID)
	}
	return nil
}

// AssignRoleToGroup grants a role to every member of the group.
func (a *Admin) AssignRoleToGroup(ctx context.Context, groupID, roleID, grantedBy string) error {
	groupID = strings.TrimSpace(groupID)
	roleID = strings.TrimSpace(roleID)
	if groupID == "" || roleID == "" {
		return fmt.Errorf("%w: group_id and role_id are required", ErrInvalidInput)
	}
	if _, err := a.store.Roles().Find(ctx, roleID); err != nil {
		return err
	}
	err := a.store.Groups().AssignRole(ctx, GroupRole{
		GroupID:   groupID,
		RoleID:    roleID,
		GrantedBy: grantedBy,
		GrantedAt: a.now().UTC(),
	})
	if err != nil {
		return err
	}
	if a.resolver != nil {
		members, err := a.store.Groups().MembersOfGroup(ctx, groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			a.resolver.InvalidateUser(m.UserID)
		}
	}
	return nil
}

// CreatePermissionInput carries permission creation parameters.
type CreatePermissionInput struct {
	TenantID         string
	ResourceType     string
	ResourceID       string
	ResourcePath     string
	Actions          []string
	FieldPermissions map[string]string
	Conditions       map[string]any
}

// CreatePermission adds a permission to the tenant catalog.
func (a *Admin) CreatePermission(ctx context.Context, in CreatePermissionInput) (*Permission, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if !ValidResourceType(in.ResourceType) {
		return nil, fmt.Errorf("%w: unsupported resource type %s", ErrInvalidInput, in.ResourceType)
	}
	if strings.TrimSpace(in.ResourceID) == "" && strings.TrimSpace(in.ResourcePath) == "" {
		return nil, fmt.Errorf("%w: resource_id or resource_path is required", ErrInvalidInput)
	}
	if len(in.Actions) == 0 {
		return nil, fmt.Errorf("%w: at least one action is required", ErrInvalidInput)
	}
	for _, action := range in.Actions {
		if !ValidAction(action) {
			return nil, fmt.Errorf("%w: unsupported action %s", ErrInvalidInput, action)
		}
	}
	perm := &Permission{
		ID:               ids.New(),
		TenantID:         tenantID,
		ResourceType:     in.ResourceType,
		ResourceID:       strings.TrimSpace(in.ResourceID),
		ResourcePath:     strings.TrimSpace(in.ResourcePath),
		Actions:          dedupeScopes(in.Actions),
		FieldPermissions: in.FieldPermissions,
		Conditions:       in.Conditions,
		CreatedAt:        a.now().UTC(),
	}
	if err := a.store.Permissions().Create(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// SetRolePermissions replaces the permission set attached to a role. The
// blast radius spans every user holding the role directly, through groups,
// or through child roles, so the whole cache is dropped.
func (a *Admin) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := a.store.Permissions().SetForRole(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	if a.resolver != nil {
		a.resolver.InvalidateAll()
	}
	return nil
}
