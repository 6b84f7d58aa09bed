package iam

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fixtureTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func mustCreateTenant(t *testing.T, store Store, tenant *Tenant) {
	t.Helper()
	tenant.CreatedAt, tenant.UpdatedAt = fixtureTime, fixtureTime
	if err := store.Tenants().Create(context.Background(), tenant); err != nil {
		t.Fatalf("create tenant %s: %v", tenant.ID, err)
	}
}

func mustCreateRole(t *testing.T, store Store, role *Role) {
	t.Helper()
	role.Active = true
	role.CreatedAt, role.UpdatedAt = fixtureTime, fixtureTime
	if err := store.Roles().Create(context.Background(), role); err != nil {
		t.Fatalf("create role %s: %v", role.ID, err)
	}
}

func mustGrant(t *testing.T, store Store, roleID string, perms ...*Permission) {
	t.Helper()
	ids := make([]string, 0, len(perms))
	for _, p := range perms {
		p.CreatedAt = fixtureTime
		if err := store.Permissions().Create(context.Background(), p); err != nil {
			t.Fatalf("create permission %s: %v", p.ID, err)
		}
		ids = append(ids, p.ID)
	}
	if err := store.Permissions().SetForRole(context.Background(), roleID, ids); err != nil {
		t.Fatalf("set role permissions: %v", err)
	}
}

func mustAssign(t *testing.T, store Store, userID, roleID string) {
	t.Helper()
	err := store.Roles().Assign(context.Background(), UserRole{
		UserID: userID, RoleID: roleID, GrantedAt: fixtureTime,
	})
	if err != nil {
		t.Fatalf("assign role %s: %v", roleID, err)
	}
}

func TestResolveDirectRole(t *testing.T) {
	store := NewMemoryStore()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	mustCreateRole(t, store, &Role{ID: "viewer", TenantID: "t1", Name: "viewer", IsAssignable: true})
	mustGrant(t, store, "viewer", &Permission{
		ID: "p1", TenantID: "t1", ResourceType: ResourceApp, ResourceID: "dashboard",
		Actions: []string{ActionRead},
	})
	mustAssign(t, store, "u1", "viewer")

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	set, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !set.Allows(ResourceApp, "dashboard", ActionRead) {
		t.Fatalf("expected app:dashboard:read, got %+v", set.Permissions)
	}
	if set.Allows(ResourceApp, "dashboard", ActionDelete) {
		t.Fatal("delete was never granted")
	}
	scopes := set.Scopes()
	if len(scopes) != 1 || scopes[0] != "app:dashboard:read" {
		t.Fatalf("unexpected scopes %v", scopes)
	}
}

func TestResolveRoleInheritance(t *testing.T) {
	store := NewMemoryStore()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	mustCreateRole(t, store, &Role{ID: "base", TenantID: "t1", Name: "base"})
	mustCreateRole(t, store, &Role{ID: "editor", TenantID: "t1", Name: "editor", ParentRoleID: "base", IsAssignable: true})
	mustGrant(t, store, "base", &Permission{
		ID: "p-read", TenantID: "t1", ResourceType: ResourceEntity, ResourceID: "orders",
		Actions: []string{ActionRead},
	})
	mustGrant(t, store, "editor", &Permission{
		ID: "p-write", TenantID: "t1", ResourceType: ResourceEntity, ResourceID: "orders",
		Actions: []string{ActionUpdate},
	})
	mustAssign(t, store, "u1", "editor")

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	set, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The child role carries the parent's grant; actions union on the anchor.
	if !set.Allows(ResourceEntity, "orders", ActionRead) || !set.Allows(ResourceEntity, "orders", ActionUpdate) {
		t.Fatalf("inherited actions missing: %+v", set.Permissions)
	}
	if len(set.Permissions) != 1 {
		t.Fatalf("expected one merged entry, got %d", len(set.Permissions))
	}
}

func TestResolveInactiveRoleSeversInheritance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	mustCreateRole(t, store, &Role{ID: "parent", TenantID: "t1", Name: "parent"})
	mustGrant(t, store, "parent", &Permission{
		ID: "p1", TenantID: "t1", ResourceType: ResourceApp, ResourceID: "dash",
		Actions: []string{ActionRead},
	})
	child := &Role{
		ID: "child", TenantID: "t1", Name: "child", ParentRoleID: "parent",
		IsAssignable: true, CreatedAt: fixtureTime, UpdatedAt: fixtureTime,
	}
	if err := store.Roles().Create(ctx, child); err != nil {
		t.Fatalf("create role: %v", err)
	}
	mustAssign(t, store, "u1", "child")

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	set, err := r.Resolve(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The deactivated role must not convey its own or its ancestors' grants.
	if len(set.Permissions) != 0 {
		t.Fatalf("inactive role leaked permissions: %+v", set.Permissions)
	}
}

func TestResolveStopsAtInactiveAncestor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	root := &Role{ID: "root", TenantID: "t1", Name: "root", CreatedAt: fixtureTime, UpdatedAt: fixtureTime}
	if err := store.Roles().Create(ctx, root); err != nil {
		t.Fatalf("create role: %v", err)
	}
	mustGrant(t, store, "root", &Permission{
		ID: "p-root", TenantID: "t1", ResourceType: ResourceEntity, ResourceID: "orders",
		Actions: []string{ActionDelete},
	})
	mustCreateRole(t, store, &Role{ID: "editor", TenantID: "t1", Name: "editor", ParentRoleID: "root", IsAssignable: true})
	mustGrant(t, store, "editor", &Permission{
		ID: "p-editor", TenantID: "t1", ResourceType: ResourceEntity, ResourceID: "orders",
		Actions: []string{ActionUpdate},
	})
	mustAssign(t, store, "u1", "editor")

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	set, err := r.Resolve(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The active role keeps its own grant; the walk stops before the
	// deactivated ancestor.
	if !set.Allows(ResourceEntity, "orders", ActionUpdate) {
		t.Fatalf("own grant lost: %+v", set.Permissions)
	}
	if set.Allows(ResourceEntity, "orders", ActionDelete) {
		t.Fatal("inactive ancestor must not contribute actions")
	}
}

func TestResolveGroupRoles(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	mustCreateRole(t, store, &Role{ID: "auditor", TenantID: "t1", Name: "auditor", IsAssignable: true})
	mustGrant(t, store, "auditor", &Permission{
		ID: "p1", TenantID: "t1", ResourceType: ResourceAPI, ResourcePath: "/v1/reports",
		Actions: []string{ActionRead, ActionExecute},
	})
	if err := store.Groups().Create(ctx, &Group{ID: "g1", TenantID: "t1", Name: "audit-team", Active: true}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := store.Groups().AddMember(ctx, UserGroup{UserID: "u1", GroupID: "g1", AddedAt: fixtureTime}); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := store.Groups().AssignRole(ctx, GroupRole{GroupID: "g1", RoleID: "auditor", GrantedAt: fixtureTime}); err != nil {
		t.Fatalf("assign group role: %v", err)
	}

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	set, err := r.Resolve(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !set.Allows(ResourceAPI, "/v1/reports", ActionExecute) {
		t.Fatalf("group-granted permission missing: %+v", set.Permissions)
	}
}

func TestResolveTenantInheritanceIsOptIn(t *testing.T) {
	store := NewMemoryStore()
	mustCreateTenant(t, store, &Tenant{ID: "root", Code: "ROOT", Name: "Root", Type: TenantTypeRoot, Active: true})
	mustCreateTenant(t, store, &Tenant{
		ID: "child-inherit", Code: "CHILD1", Name: "Child 1", Type: TenantTypeSub,
		ParentTenantID: "root", InheritPermissions: true, Active: true,
	})
	mustCreateTenant(t, store, &Tenant{
		ID: "child-isolated", Code: "CHILD2", Name: "Child 2", Type: TenantTypeSub,
		ParentTenantID: "root", Active: true,
	})
	mustCreateRole(t, store, &Role{ID: "shared", TenantID: "root", Name: "shared", IsAssignable: true})
	mustGrant(t, store, "shared", &Permission{
		ID: "p1", TenantID: "root", ResourceType: ResourceService, ResourceID: "billing",
		Actions: []string{ActionExecute},
	})
	mustAssign(t, store, "u1", "shared")

	r := NewResolver(store, nil, fixedClock(fixtureTime))

	set, err := r.Resolve(context.Background(), "u1", "child-inherit")
	if err != nil {
		t.Fatalf("Resolve inherit: %v", err)
	}
	if !set.Allows(ResourceService, "billing", ActionExecute) {
		t.Fatal("inheriting sub-tenant should see the parent role's grant")
	}

	set, err = r.Resolve(context.Background(), "u1", "child-isolated")
	if err != nil {
		t.Fatalf("Resolve isolated: %v", err)
	}
	if len(set.Permissions) != 0 {
		t.Fatalf("isolated sub-tenant must not inherit, got %+v", set.Permissions)
	}
}

func TestResolveSkipsExpiredAssignments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	mustCreateRole(t, store, &Role{ID: "temp", TenantID: "t1", Name: "temp", IsAssignable: true})
	mustGrant(t, store, "temp", &Permission{
		ID: "p1", TenantID: "t1", ResourceType: ResourceApp, ResourceID: "x", Actions: []string{ActionRead},
	})
	err := store.Roles().Assign(ctx, UserRole{
		UserID: "u1", RoleID: "temp", GrantedAt: fixtureTime.Add(-2 * time.Hour),
		ExpiresAt: fixtureTime.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	set, err := r.Resolve(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(set.Permissions) != 0 {
		t.Fatalf("expired assignment must not grant anything, got %+v", set.Permissions)
	}
}

func TestResolveDetectsRoleCycle(t *testing.T) {
	store := NewMemoryStore()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	// Corrupt hierarchy written directly to the store: a <-> b.
	mustCreateRole(t, store, &Role{ID: "a", TenantID: "t1", Name: "a", ParentRoleID: "b", IsAssignable: true})
	mustCreateRole(t, store, &Role{ID: "b", TenantID: "t1", Name: "b", ParentRoleID: "a"})
	mustAssign(t, store, "u1", "a")

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	if _, err := r.Resolve(context.Background(), "u1", "t1"); !errors.Is(err, ErrRoleHierarchyCycle) {
		t.Fatalf("expected ErrRoleHierarchyCycle, got %v", err)
	}
}

func TestResolvePriorityConflicts(t *testing.T) {
	store := NewMemoryStore()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	mustCreateRole(t, store, &Role{ID: "junior", TenantID: "t1", Name: "junior", Priority: 10, IsAssignable: true})
	mustCreateRole(t, store, &Role{ID: "senior", TenantID: "t1", Name: "senior", Priority: 20, IsAssignable: true})
	mustCreateRole(t, store, &Role{ID: "peer", TenantID: "t1", Name: "peer", Priority: 10, IsAssignable: true})

	mustGrant(t, store, "junior", &Permission{
		ID: "p-junior", TenantID: "t1", ResourceType: ResourceEntity, ResourceID: "invoices",
		Actions:          []string{ActionRead},
		FieldPermissions: map[string]string{"amount": FieldWrite, "notes": FieldRead},
		Conditions:       map[string]any{"region": "eu"},
	})
	mustGrant(t, store, "senior", &Permission{
		ID: "p-senior", TenantID: "t1", ResourceType: ResourceEntity, ResourceID: "invoices",
		Actions:          []string{ActionUpdate},
		FieldPermissions: map[string]string{"amount": FieldHidden},
	})
	mustGrant(t, store, "peer", &Permission{
		ID: "p-peer", TenantID: "t1", ResourceType: ResourceEntity, ResourceID: "invoices",
		Actions:          []string{ActionApprove},
		FieldPermissions: map[string]string{"notes": FieldWrite},
	})

	mustAssign(t, store, "u1", "junior")
	mustAssign(t, store, "u1", "senior")
	mustAssign(t, store, "u1", "peer")

	r := NewResolver(store, nil, fixedClock(fixtureTime))
	set, err := r.Resolve(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(set.Permissions) != 1 {
		t.Fatalf("expected one merged entry, got %d", len(set.Permissions))
	}
	p := set.Permissions[0]

	// Actions always union.
	for _, a := range []string{ActionRead, ActionUpdate, ActionApprove} {
		if !set.Allows(ResourceEntity, "invoices", a) {
			t.Fatalf("missing action %s in %v", a, p.Actions)
		}
	}
	// Higher priority wins the field conflict even when less permissive.
	if p.FieldPermissions["amount"] != FieldHidden {
		t.Fatalf("senior grant must win amount, got %s", p.FieldPermissions["amount"])
	}
	// Equal priority keeps the more permissive value.
	if p.FieldPermissions["notes"] != FieldWrite {
		t.Fatalf("equal priority must take most permissive notes, got %s", p.FieldPermissions["notes"])
	}
	// The senior grant is unconditional and outranks the conditional one.
	if len(p.Conditions) != 0 {
		t.Fatalf("expected unconditional merge, got %v", p.Conditions)
	}
}

func TestResolveUsesAndInvalidatesCache(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	mustCreateTenant(t, store, &Tenant{ID: "t1", Code: "T1", Name: "T1", Type: TenantTypeRoot, Active: true})
	mustCreateRole(t, store, &Role{ID: "viewer", TenantID: "t1", Name: "viewer", IsAssignable: true})
	mustGrant(t, store, "viewer", &Permission{
		ID: "p1", TenantID: "t1", ResourceType: ResourceApp, ResourceID: "dash", Actions: []string{ActionRead},
	})
	mustAssign(t, store, "u1", "viewer")

	cache := NewPermissionCache(16, time.Hour)
	r := NewResolver(store, cache, fixedClock(fixtureTime))

	first, err := r.Resolve(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A new grant is invisible until invalidation.
	mustCreateRole(t, store, &Role{ID: "admin", TenantID: "t1", Name: "admin", IsAssignable: true})
	mustGrant(t, store, "admin", &Permission{
		ID: "p2", TenantID: "t1", ResourceType: ResourceApp, ResourceID: "dash", Actions: []string{ActionDelete},
	})
	mustAssign(t, store, "u1", "admin")

	cached, err := r.Resolve(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve cached: %v", err)
	}
	if cached.Allows(ResourceApp, "dash", ActionDelete) {
		t.Fatal("cache should still serve the old set")
	}
	if cached != first {
		t.Fatal("expected the cached set")
	}

	r.InvalidateUser("u1")
	fresh, err := r.Resolve(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Resolve fresh: %v", err)
	}
	if !fresh.Allows(ResourceApp, "dash", ActionDelete) {
		t.Fatal("invalidation must surface the new grant")
	}
}
