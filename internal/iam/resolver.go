package iam

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field visibility values used in field-level permission maps, ordered from
// least to most permissive.
const (
	FieldHidden = "hidden"
	FieldRead   = "read"
	FieldWrite  = "write"
)

var fieldRank = map[string]int{
	FieldHidden: 1,
	FieldRead:   2,
	FieldWrite:  3,
}

// EffectivePermission is one entry of a resolved permission set, keyed by
// (resource type, resource anchor).
type EffectivePermission struct {
	ResourceType     string            `json:"resource_type"`
	Resource         string            `json:"resource"`
	Actions          []string          `json:"actions"`
	FieldPermissions map[string]string `json:"field_permissions,omitempty"`
	Conditions       map[string]any    `json:"conditions,omitempty"`
}

// EffectivePermissionSet is the fully resolved, deduplicated permission set
// a user holds inside a tenant.
type EffectivePermissionSet struct {
	UserID      string                `json:"user_id"`
	TenantID    string                `json:"tenant_id"`
	Permissions []EffectivePermission `json:"permissions"`
	ResolvedAt  time.Time             `json:"resolved_at"`
}

// Scopes flattens the set into scope strings of the form
// <resource_type>:<anchor>:<action>, suitable for token claims.
func (s *EffectivePermissionSet) Scopes() []string {
	var scopes []string
	for _, p := range s.Permissions {
		for _, a := range p.Actions {
			scopes = append(scopes, p.ResourceType+":"+p.Resource+":"+a)
		}
	}
	sort.Strings(scopes)
	return scopes
}

// Allows reports whether the set grants the action on the resource.
func (s *EffectivePermissionSet) Allows(resourceType, resource, action string) bool {
	for _, p := range s.Permissions {
		if p.ResourceType != resourceType || p.Resource != resource {
			continue
		}
		for _, a := range p.Actions {
			if a == action {
				return true
			}
		}
	}
	return false
}

const maxHierarchyDepth = 32

// Resolver computes effective permission sets by walking role hierarchy,
// group grants, and the tenant parent chain. Results are cached per
// (user, tenant) with a short TTL; mutations must call Invalidate.
type Resolver struct {
	store Store
	cache *PermissionCache
	now   func() time.Time
}

// NewResolver constructs a Resolver. cache may be nil to disable caching.
func NewResolver(store Store, cache *PermissionCache, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, cache: cache, now: now}
}

// Resolve returns the effective permission set for the user in the tenant.
func (r *Resolver) Resolve(ctx context.Context, userID, tenantID string) (*EffectivePermissionSet, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if userID == "" || tenantID == "" {
		return nil, fmt.Errorf("%w: user_id and tenant_id are required", ErrInvalidInput)
	}
	if r.cache != nil {
		if set, ok := r.cache.Get(userID, tenantID); ok {
			return set, nil
		}
	}
	set, err := r.resolve(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(userID, tenantID, set)
	}
	return set, nil
}

// Invalidate drops the cached set for a (user, tenant) pair. Call it after
// any role, group, or permission change affecting the user; expiry alone
// only bounds staleness by the TTL.
func (r *Resolver) Invalidate(userID, tenantID string) {
	if r.cache != nil {
		r.cache.Remove(userID, tenantID)
	}
}

// InvalidateUser drops every cached set belonging to the user.
func (r *Resolver) InvalidateUser(userID string) {
	if r.cache != nil {
		r.cache.RemoveUser(userID)
	}
}

// InvalidateAll empties the cache. Used after role or permission catalog
// changes whose blast radius is not cheaply attributable to single users.
func (r *Resolver) InvalidateAll() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

func (r *Resolver) resolve(ctx context.Context, userID, tenantID string) (*EffectivePermissionSet, error) {
	now := r.now().UTC()

	chain, err := r.tenantChain(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	chainIDs := make([]string, len(chain))
	for i, t := range chain {
		chainIDs[i] = t.ID
	}

	roles, err := r.store.Roles().ListByTenants(ctx, chainIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Role, len(roles))
	for _, role := range roles {
		byID[role.ID] = role
	}

	seeds, err := r.seedRoles(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	// Walk parent chains upward from every seed. Inheritance is additive: a
	// child role carries all permissions of its ancestors.
	effective := make(map[string]*Role)
	for _, seedID := range seeds {
		if err := r.walkRole(seedID, byID, effective); err != nil {
			return nil, err
		}
	}

	roleIDs := make([]string, 0, len(effective))
	for id := range effective {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)

	permsByRole, err := r.store.Permissions().ForRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*mergedPermission)
	for _, roleID := range roleIDs {
		role := effective[roleID]
		for _, perm := range permsByRole[roleID] {
			mergePermission(merged, perm, role.Priority)
		}
	}

	set := &EffectivePermissionSet{UserID: userID, TenantID: tenantID, ResolvedAt: now}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set.Permissions = append(set.Permissions, merged[k].finish())
	}
	return set, nil
}

// tenantChain returns the tenant and the ancestors it inherits permissions
// from, bounded by a visited set.
func (r *Resolver) tenantChain(ctx context.Context, tenantID string) ([]*Tenant, error) {
	tenants := r.store.Tenants()
	visited := make(map[string]struct{})
	var chain []*Tenant

	current, err := tenants.Find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := visited[current.ID]; ok {
			return nil, fmt.Errorf("tenant hierarchy cycle at %s", current.ID)
		}
		if len(chain) >= maxHierarchyDepth {
			return nil, fmt.Errorf("tenant hierarchy deeper than %d at %s", maxHierarchyDepth, current.ID)
		}
		visited[current.ID] = struct{}{}
		chain = append(chain, current)
		if !current.InheritPermissions || current.ParentTenantID == "" {
			return chain, nil
		}
		parent, err := tenants.Find(ctx, current.ParentTenantID)
		if err != nil {
			return nil, err
		}
		current = parent
	}
}

// seedRoles gathers role ids granted directly or through group membership,
// skipping expired assignments.
func (r *Resolver) seedRoles(ctx context.Context, userID string, now time.Time) ([]string, error) {
	assignments, err := r.store.Roles().AssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var seeds []string
	for _, a := range assignments {
		if a.Expired(now) {
			continue
		}
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		seeds = append(seeds, a.RoleID)
	}

	memberships, err := r.store.Groups().MembershipsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(memberships) > 0 {
		groupIDs := make([]string, 0, len(memberships))
		for _, m := range memberships {
			groupIDs = append(groupIDs, m.GroupID)
		}
		groupRoles, err := r.store.Groups().RolesForGroups(ctx, groupIDs)
		if err != nil {
			return nil, err
		}
		for _, gr := range groupRoles {
			if _, ok := seen[gr.RoleID]; ok {
				continue
			}
			seen[gr.RoleID] = struct{}{}
			seeds = append(seeds, gr.RoleID)
		}
	}
	return seeds, nil
}

// walkRole collects the role and all its ancestors into effective. A parent
// link that loops back onto the current path is a data-integrity fault.
// Deactivating a role severs the chain: an inactive role conveys nothing,
// including its ancestors' permissions.
func (r *Resolver) walkRole(roleID string, byID map[string]*Role, effective map[string]*Role) error {
	path := make(map[string]struct{})
	depth := 0
	for roleID != "" {
		if _, onPath := path[roleID]; onPath {
			return fmt.Errorf("%w: role %s", ErrRoleHierarchyCycle, roleID)
		}
		if depth >= maxHierarchyDepth {
			return fmt.Errorf("%w: depth limit at role %s", ErrRoleHierarchyCycle, roleID)
		}
		role, ok := byID[roleID]
		if !ok {
			// Parent outside the loaded tenant chain; inheritance stops here.
			return nil
		}
		if !role.Active {
			return nil
		}
		path[roleID] = struct{}{}
		depth++
		effective[roleID] = role
		roleID = role.ParentRoleID
	}
	return nil
}

type mergedPermission struct {
	resourceType string
	resource     string
	actions      map[string]struct{}
	fields       map[string]string
	fieldPrio    map[string]int
	conditions   map[string]any
	condPrio     int
	condSet      bool
}

// mergePermission folds perm into the merged map. Actions always union; for
// conflicting field grants the higher role priority wins, and equal
// priorities keep the more permissive value.
func mergePermission(merged map[string]*mergedPermission, perm Permission, priority int) {
	anchor := perm.Anchor()
	if anchor == "" {
		return
	}
	key := perm.ResourceType + "\x00" + anchor
	m, ok := merged[key]
	if !ok {
		m = &mergedPermission{
			resourceType: perm.ResourceType,
			resource:     anchor,
			actions:      make(map[string]struct{}),
			fields:       make(map[string]string),
			fieldPrio:    make(map[string]int),
		}
		merged[key] = m
	}
	for _, a := range perm.Actions {
		m.actions[a] = struct{}{}
	}
	for field, grant := range perm.FieldPermissions {
		existing, exists := m.fields[field]
		switch {
		case !exists:
			m.fields[field] = grant
			m.fieldPrio[field] = priority
		case priority > m.fieldPrio[field]:
			m.fields[field] = grant
			m.fieldPrio[field] = priority
		case priority == m.fieldPrio[field] && fieldRank[grant] > fieldRank[existing]:
			m.fields[field] = grant
		}
	}
	switch {
	case !m.condSet:
		m.conditions = perm.Conditions
		m.condPrio = priority
		m.condSet = true
	case priority > m.condPrio:
		m.conditions = perm.Conditions
		m.condPrio = priority
	case priority == m.condPrio && len(perm.Conditions) == 0:
		// Unconditional grant is the more permissive of the two.
		m.conditions = nil
	}
}

func (m *mergedPermission) finish() EffectivePermission {
	actions := make([]string, 0, len(m.actions))
	for a := range m.actions {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	out := EffectivePermission{
		ResourceType: m.resourceType,
		Resource:     m.resource,
		Actions:      actions,
		Conditions:   m.conditions,
	}
	if len(m.fields) > 0 {
		out.FieldPermissions = m.fields
	}
	return out
}
