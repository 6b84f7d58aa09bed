package iam

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	tenants       map[string]*Tenant
	users         map[string]*User
	roles         map[string]*Role
	groups        map[string]*Group
	permissions   map[string]*Permission
	userRoles     map[string][]UserRole
	userGroups    map[string][]UserGroup
	groupRoles    map[string][]GroupRole
	rolePerms     map[string][]string
	refreshTokens map[string]*RefreshToken
	blacklist     map[string]BlacklistEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       make(map[string]*Tenant),
		users:         make(map[string]*User),
		roles:         make(map[string]*Role),
		groups:        make(map[string]*Group),
		permissions:   make(map[string]*Permission),
		userRoles:     make(map[string][]UserRole),
		userGroups:    make(map[string][]UserGroup),
		groupRoles:    make(map[string][]GroupRole),
		rolePerms:     make(map[string][]string),
		refreshTokens: make(map[string]*RefreshToken),
		blacklist:     make(map[string]BlacklistEntry),
	}
}

func (m *MemoryStore) Tenants() TenantStore             { return (*memTenants)(m) }
func (m *MemoryStore) Users() UserStore                 { return (*memUsers)(m) }
func (m *MemoryStore) Roles() RoleStore                 { return (*memRoles)(m) }
func (m *MemoryStore) Groups() GroupStore               { return (*memGroups)(m) }
func (m *MemoryStore) Permissions() PermissionStore     { return (*memPermissions)(m) }
func (m *MemoryStore) RefreshTokens() RefreshTokenStore { return (*memRefreshTokens)(m) }
func (m *MemoryStore) Blacklist() BlacklistStore        { return (*memBlacklist)(m) }

// Tenants ------------------------------------------------------------------

type memTenants MemoryStore

func (m *memTenants) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.Code == t.Code {
			return ErrConflict
		}
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *memTenants) Find(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTenants) FindByCode(_ context.Context, code string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.Code == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memTenants) List(_ context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memTenants) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Active = active
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memTenants) CountChildren(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, t := range m.tenants {
		if t.ParentTenantID == id {
			count++
		}
	}
	return count, nil
}

func (m *memTenants) CountUsers(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, u := range m.users {
		if u.TenantID == id {
			count++
		}
	}
	return count, nil
}

// Users --------------------------------------------------------------------

type memUsers MemoryStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.TenantID == u.TenantID && existing.Email == u.Email {
			return ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, tenantID, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) FindServiceAccount(_ context.Context, tenantID string) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	for _, u := range m.users {
		if u.TenantID == tenantID && u.IsServiceAccount {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memUsers) ListByTenant(_ context.Context, tenantID string) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	for _, u := range m.users {
		if u.TenantID == tenantID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *memUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memUsers) SetActive(_ context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memUsers) IncrementFailedLogins(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.FailedLoginCount++
	return u.FailedLoginCount, nil
}

func (m *memUsers) ResetFailedLogins(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginCount = 0
	u.LockedAt = time.Time{}
	return nil
}

func (m *memUsers) SetLockedAt(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LockedAt = at
	return nil
}

// Roles --------------------------------------------------------------------

type memRoles MemoryStore

func (m *memRoles) Create(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.TenantID == r.TenantID && existing.Name == r.Name {
			return ErrConflict
		}
	}
	cp := *r
	m.roles[r.ID] = &cp
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) ListByTenant(_ context.Context, tenantID string) ([]*Role, error) {
	return m.ListByTenants(nil, []string{tenantID})
}

func (m *memRoles) ListByTenants(_ context.Context, tenantIDs []string) ([]*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed := make(map[string]struct{}, len(tenantIDs))
	for _, id := range tenantIDs {
		allowed[id] = struct{}{}
	}
	var out []*Role
	for _, r := range m.roles {
		if _, ok := allowed[r.TenantID]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRoles) Assign(_ context.Context, ur UserRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.userRoles[ur.UserID] {
		if existing.RoleID == ur.RoleID {
			return ErrConflict
		}
	}
	m.userRoles[ur.UserID] = append(m.userRoles[ur.UserID], ur)
	return nil
}

func (m *memRoles) Unassign(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.userRoles[userID]
	for i, ur := range list {
		if ur.RoleID == roleID {
			m.userRoles[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memRoles) AssignmentsForUser(_ context.Context, userID string) ([]UserRole, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UserRole, len(m.userRoles[userID]))
	copy(out, m.userRoles[userID])
	return out, nil
}

// Groups -------------------------------------------------------------------

type memGroups MemoryStore

func (m *memGroups) Create(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.groups {
		if existing.TenantID == g.TenantID && existing.Name == g.Name {
			return ErrConflict
		}
	}
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *memGroups) Find(_ context.Context, id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memGroups) ListByTenant(_ context.Context, tenantID string) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Group
	for _, g := range m.groups {
		if g.TenantID == tenantID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memGroups) AddMember(_ context.Context, ug UserGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.userGroups[ug.UserID] {
		if existing.GroupID == ug.GroupID {
			return ErrConflict
		}
	}
	m.userGroups[ug.UserID] = append(m.userGroups[ug.UserID], ug)
	return nil
}

func (m *memGroups) RemoveMember(_ context.Context, userID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.userGroups[userID]
	for i, ug := range list {
		if ug.GroupID == groupID {
			m.userGroups[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memGroups) MembershipsForUser(_ context.Context, userID string) ([]UserGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UserGroup, len(m.userGroups[userID]))
	copy(out, m.userGroups[userID])
	return out, nil
}

func (m *memGroups) MembersOfGroup(_ context.Context, groupID string) ([]UserGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UserGroup
	for _, list := range m.userGroups {
		for _, ug := range list {
			if ug.GroupID == groupID {
				out = append(out, ug)
			}
		}
	}
	return out, nil
}

func (m *memGroups) AssignRole(_ context.Context, gr GroupRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.groupRoles[gr.GroupID] {
		if existing.RoleID == gr.RoleID {
			return ErrConflict
		}
	}
	m.groupRoles[gr.GroupID] = append(m.groupRoles[gr.GroupID], gr)
	return nil
}

func (m *memGroups) RolesForGroups(_ context.Context, groupIDs []string) ([]GroupRole, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GroupRole
	for _, id := range groupIDs {
		out = append(out, m.groupRoles[id]...)
	}
	return out, nil
}

// Permissions --------------------------------------------------------------

type memPermissions MemoryStore

func (m *memPermissions) Create(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.permissions[p.ID] = &cp
	return nil
}

func (m *memPermissions) Find(_ context.Context, id string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.permissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPermissions) ListByTenant(_ context.Context, tenantID string) ([]*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Permission
	for _, p := range m.permissions {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPermissions) SetForRole(_ context.Context, roleID string, permissionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	for _, id := range permissionIDs {
		if _, ok := m.permissions[id]; !ok {
			return ErrNotFound
		}
	}
	ids := make([]string, len(permissionIDs))
	copy(ids, permissionIDs)
	m.rolePerms[roleID] = ids
	return nil
}

func (m *memPermissions) ForRoles(_ context.Context, roleIDs []string) (map[string][]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]Permission, len(roleIDs))
	for _, roleID := range roleIDs {
		for _, permID := range m.rolePerms[roleID] {
			if p, ok := m.permissions[permID]; ok {
				out[roleID] = append(out[roleID], *p)
			}
		}
	}
	return out, nil
}

// Refresh tokens -----------------------------------------------------------

type memRefreshTokens MemoryStore

func (m *memRefreshTokens) Create(_ context.Context, rt *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.refreshTokens {
		if existing.TokenHash == rt.TokenHash {
			return ErrConflict
		}
	}
	cp := *rt
	m.refreshTokens[rt.ID] = &cp
	return nil
}

func (m *memRefreshTokens) FindByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rt := range m.refreshTokens {
		if rt.TokenHash == tokenHash {
			cp := *rt
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRefreshTokens) Rotate(_ context.Context, oldID string, usedAt time.Time, replacement *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.refreshTokens[oldID]
	if !ok {
		return ErrNotFound
	}
	if !old.RotatedAt.IsZero() {
		return ErrTokenReuseDetected
	}
	if replacement != nil {
		for _, existing := range m.refreshTokens {
			if existing.TokenHash == replacement.TokenHash {
				return ErrConflict
			}
		}
		cp := *replacement
		m.refreshTokens[replacement.ID] = &cp
	}
	old.RotatedAt = usedAt
	old.LastUsedAt = usedAt
	return nil
}

func (m *memRefreshTokens) ListActiveByUser(_ context.Context, userID string) ([]*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RefreshToken
	for _, rt := range m.refreshTokens {
		if rt.UserID == userID && rt.RotatedAt.IsZero() {
			cp := *rt
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRefreshTokens) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, rt := range m.refreshTokens {
		if rt.ExpiresAt.Before(before) {
			delete(m.refreshTokens, id)
			count++
		}
	}
	return count, nil
}

// Blacklist ----------------------------------------------------------------

type memBlacklist MemoryStore

func (m *memBlacklist) Add(_ context.Context, e BlacklistEntry) error {
	if strings.TrimSpace(e.JTI) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blacklist[e.JTI]; ok {
		return nil
	}
	m.blacklist[e.JTI] = e
	return nil
}

func (m *memBlacklist) IsBlacklisted(_ context.Context, jti string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.blacklist[jti]
	if !ok {
		return false, nil
	}
	return e.ExpiresAt.After(now), nil
}

func (m *memBlacklist) CleanupExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for jti, e := range m.blacklist {
		if !e.ExpiresAt.After(now) {
			delete(m.blacklist, jti)
			count++
		}
	}
	return count, nil
}
