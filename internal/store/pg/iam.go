package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sentra.dev/internal/iam"
)

// Tenant store --------------------------------------------------------------

type tenantStore struct{ db *sql.DB }

const tenantColumns = `id, code, name, type, parent_tenant_id, isolation_mode, inherit_permissions, active, created_at, updated_at`

func (s *tenantStore) Create(ctx context.Context, t *iam.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenants (id, code, name, type, parent_tenant_id, isolation_mode, inherit_permissions, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.Code, t.Name, t.Type, nullIfEmpty(t.ParentTenantID), t.IsolationMode, t.InheritPermissions, t.Active, t.CreatedAt, t.UpdatedAt)
	return mapWriteError(err)
}

func scanTenant(row interface{ Scan(...any) error }) (*iam.Tenant, error) {
	var (
		t      iam.Tenant
		parent sql.NullString
	)
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Type, &parent, &t.IsolationMode, &t.InheritPermissions, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ParentTenantID = stringOrEmpty(parent)
	return &t, nil
}

func (s *tenantStore) Find(ctx context.Context, id string) (*iam.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id)
	return scanTenant(row)
}

func (s *tenantStore) FindByCode(ctx context.Context, code string) (*iam.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where code = $1`, code)
	return scanTenant(row)
}

func (s *tenantStore) List(ctx context.Context) ([]*iam.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `select `+tenantColumns+` from tenants order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *tenantStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update tenants set active = $2, updated_at = now() where id = $1`, id, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *tenantStore) CountChildren(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `select count(*) from tenants where parent_tenant_id = $1`, id).Scan(&count)
	return count, err
}

func (s *tenantStore) CountUsers(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `select count(*) from users where tenant_id = $1`, id).Scan(&count)
	return count, err
}

// User store ----------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, tenant_id, email, password_hash, is_service_account, service_account_key_hash, failed_login_count, locked_at, active, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *iam.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, tenant_id, email, password_hash, is_service_account, service_account_key_hash, failed_login_count, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, u.TenantID, u.Email, nullIfEmpty(u.PasswordHash), u.IsServiceAccount, nullIfEmpty(u.ServiceAccountKeyHash), u.FailedLoginCount, u.Active, u.CreatedAt, u.UpdatedAt)
	return mapWriteError(err)
}

func scanUser(row interface{ Scan(...any) error }) (*iam.User, error) {
	var (
		u        iam.User
		pwHash   sql.NullString
		keyHash  sql.NullString
		lockedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &pwHash, &u.IsServiceAccount, &keyHash, &u.FailedLoginCount, &lockedAt, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.PasswordHash = stringOrEmpty(pwHash)
	u.ServiceAccountKeyHash = stringOrEmpty(keyHash)
	u.LockedAt = timeOrZero(lockedAt)
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, id string) (*iam.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, tenantID, email string) (*iam.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where tenant_id = $1 and email = $2`, tenantID, email)
	return scanUser(row)
}

func (s *userStore) FindServiceAccount(ctx context.Context, tenantID string) ([]*iam.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users where tenant_id = $1 and is_service_account order by email`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *userStore) ListByTenant(ctx context.Context, tenantID string) ([]*iam.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users where tenant_id = $1 order by email`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]*iam.User, error) {
	var result []*iam.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update users set active = $2, updated_at = now() where id = $1`, userID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IncrementFailedLogins is a single atomic update; concurrent failures on
// the same row serialize on the row lock and never lose increments.
func (s *userStore) IncrementFailedLogins(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		update users set failed_login_count = failed_login_count + 1, updated_at = now()
		where id = $1
		returning failed_login_count
	`, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, iam.ErrNotFound
	}
	return count, err
}

func (s *userStore) ResetFailedLogins(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set failed_login_count = 0, locked_at = null, updated_at = now() where id = $1
	`, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) SetLockedAt(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set locked_at = $2, updated_at = now() where id = $1`, userID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Role store ----------------------------------------------------------------

type roleStore struct{ db *sql.DB }

const roleColumns = `id, tenant_id, name, parent_role_id, priority, is_assignable, active, created_at, updated_at`

func (s *roleStore) Create(ctx context.Context, r *iam.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, tenant_id, name, parent_role_id, priority, is_assignable, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.TenantID, r.Name, nullIfEmpty(r.ParentRoleID), r.Priority, r.IsAssignable, r.Active, r.CreatedAt, r.UpdatedAt)
	return mapWriteError(err)
}

func scanRole(row interface{ Scan(...any) error }) (*iam.Role, error) {
	var (
		r      iam.Role
		parent sql.NullString
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &parent, &r.Priority, &r.IsAssignable, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ParentRoleID = stringOrEmpty(parent)
	return &r, nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*iam.Role, error) {
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id)
	return scanRole(row)
}

func (s *roleStore) ListByTenant(ctx context.Context, tenantID string) ([]*iam.Role, error) {
	return s.ListByTenants(ctx, []string{tenantID})
}

func (s *roleStore) ListByTenants(ctx context.Context, tenantIDs []string) ([]*iam.Role, error) {
	if len(tenantIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles where tenant_id = any($1::text[]) order by name`, pqArray(tenantIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *roleStore) Assign(ctx context.Context, ur iam.UserRole) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, granted_by, granted_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, ur.UserID, ur.RoleID, nullIfEmpty(ur.GrantedBy), ur.GrantedAt, nullIfZero(ur.ExpiresAt))
	return mapWriteError(err)
}

func (s *roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *roleStore) AssignmentsForUser(ctx context.Context, userID string) ([]iam.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, granted_by, granted_at, expires_at from user_roles where user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []iam.UserRole
	for rows.Next() {
		var (
			ur        iam.UserRole
			grantedBy sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&ur.UserID, &ur.RoleID, &grantedBy, &ur.GrantedAt, &expiresAt); err != nil {
			return nil, err
		}
		ur.GrantedBy = stringOrEmpty(grantedBy)
		ur.ExpiresAt = timeOrZero(expiresAt)
		result = append(result, ur)
	}
	return result, rows.Err()
}

// Group store ---------------------------------------------------------------

type groupStore struct{ db *sql.DB }

func (s *groupStore) Create(ctx context.Context, g *iam.Group) error {
	_, err := s.db.ExecContext(ctx, `
		insert into groups (id, tenant_id, name, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.TenantID, g.Name, g.Active, g.CreatedAt, g.UpdatedAt)
	return mapWriteError(err)
}

func (s *groupStore) Find(ctx context.Context, id string) (*iam.Group, error) {
	var g iam.Group
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, name, active, created_at, updated_at from groups where id = $1
	`, id).Scan(&g.ID, &g.TenantID, &g.Name, &g.Active, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *groupStore) ListByTenant(ctx context.Context, tenantID string) ([]*iam.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, name, active, created_at, updated_at from groups where tenant_id = $1 order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Group
	for rows.Next() {
		var g iam.Group
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &g.Active, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &g)
	}
	return result, rows.Err()
}

func (s *groupStore) AddMember(ctx context.Context, ug iam.UserGroup) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_groups (user_id, group_id, added_at) values ($1, $2, $3)
	`, ug.UserID, ug.GroupID, ug.AddedAt)
	return mapWriteError(err)
}

func (s *groupStore) RemoveMember(ctx context.Context, userID, groupID string) error {
	res, err := s.db.ExecContext(ctx, `delete from user_groups where user_id = $1 and group_id = $2`, userID, groupID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *groupStore) MembershipsForUser(ctx context.Context, userID string) ([]iam.UserGroup, error) {
	rows, err := s.db.QueryContext(ctx, `select user_id, group_id, added_at from user_groups where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUserGroups(rows)
}

func (s *groupStore) MembersOfGroup(ctx context.Context, groupID string) ([]iam.UserGroup, error) {
	rows, err := s.db.QueryContext(ctx, `select user_id, group_id, added_at from user_groups where group_id = $1`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUserGroups(rows)
}

func collectUserGroups(rows *sql.Rows) ([]iam.UserGroup, error) {
	var result []iam.UserGroup
	for rows.Next() {
		var ug iam.UserGroup
		if err := rows.Scan(&ug.UserID, &ug.GroupID, &ug.AddedAt); err != nil {
			return nil, err
		}
		result = append(result, ug)
	}
	return result, rows.Err()
}

func (s *groupStore) AssignRole(ctx context.Context, gr iam.GroupRole) error {
	_, err := s.db.ExecContext(ctx, `
		insert into group_roles (group_id, role_id, granted_by, granted_at) values ($1, $2, $3, $4)
	`, gr.GroupID, gr.RoleID, nullIfEmpty(gr.GrantedBy), gr.GrantedAt)
	return mapWriteError(err)
}

func (s *groupStore) RolesForGroups(ctx context.Context, groupIDs []string) ([]iam.GroupRole, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select group_id, role_id, granted_by, granted_at from group_roles where group_id = any($1::text[])
	`, pqArray(groupIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []iam.GroupRole
	for rows.Next() {
		var (
			gr        iam.GroupRole
			grantedBy sql.NullString
		)
		if err := rows.Scan(&gr.GroupID, &gr.RoleID, &grantedBy, &gr.GrantedAt); err != nil {
			return nil, err
		}
		gr.GrantedBy = stringOrEmpty(grantedBy)
		result = append(result, gr)
	}
	return result, rows.Err()
}

// Permission store ----------------------------------------------------------

type permissionStore struct{ db *sql.DB }

const permissionColumns = `id, tenant_id, resource_type, resource_id, resource_path, actions, field_permissions, conditions, created_at`

func (s *permissionStore) Create(ctx context.Context, p *iam.Permission) error {
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	fields, err := marshalOrNull(p.FieldPermissions)
	if err != nil {
		return err
	}
	conds, err := marshalOrNull(p.Conditions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into permissions (id, tenant_id, resource_type, resource_id, resource_path, actions, field_permissions, conditions, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.TenantID, p.ResourceType, nullIfEmpty(p.ResourceID), nullIfEmpty(p.ResourcePath), actions, fields, conds, p.CreatedAt)
	return mapWriteError(err)
}

func marshalOrNull(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return data, nil
}

func scanPermission(row interface{ Scan(...any) error }) (*iam.Permission, error) {
	var (
		p          iam.Permission
		resourceID sql.NullString
		path       sql.NullString
		actions    []byte
		fields     []byte
		conds      []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.ResourceType, &resourceID, &path, &actions, &fields, &conds, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ResourceID = stringOrEmpty(resourceID)
	p.ResourcePath = stringOrEmpty(path)
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &p.Actions); err != nil {
			return nil, fmt.Errorf("decode actions: %w", err)
		}
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &p.FieldPermissions); err != nil {
			return nil, fmt.Errorf("decode field_permissions: %w", err)
		}
	}
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &p.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return &p, nil
}

func (s *permissionStore) Find(ctx context.Context, id string) (*iam.Permission, error) {
	row := s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, id)
	return scanPermission(row)
}

func (s *permissionStore) ListByTenant(ctx context.Context, tenantID string) ([]*iam.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions where tenant_id = $1 order by created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, permissionIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return iam.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id, granted_at) values ($1, $2, now())
		`, roleID, permID); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

func (s *permissionStore) ForRoles(ctx context.Context, roleIDs []string) (map[string][]iam.Permission, error) {
	out := make(map[string][]iam.Permission, len(roleIDs))
	if len(roleIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select rp.role_id, `+prefixedPermissionColumns("p")+`
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = any($1::text[])
	`, pqArray(roleIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roleID     string
			p          iam.Permission
			resourceID sql.NullString
			path       sql.NullString
			actions    []byte
			fields     []byte
			conds      []byte
		)
		if err := rows.Scan(&roleID, &p.ID, &p.TenantID, &p.ResourceType, &resourceID, &path, &actions, &fields, &conds, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ResourceID = stringOrEmpty(resourceID)
		p.ResourcePath = stringOrEmpty(path)
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &p.Actions); err != nil {
				return nil, fmt.Errorf("decode actions: %w", err)
			}
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &p.FieldPermissions); err != nil {
				return nil, fmt.Errorf("decode field_permissions: %w", err)
			}
		}
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &p.Conditions); err != nil {
				return nil, fmt.Errorf("decode conditions: %w", err)
			}
		}
		out[roleID] = append(out[roleID], p)
	}
	return out, rows.Err()
}

func prefixedPermissionColumns(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.resource_type, ` + alias + `.resource_id, ` +
		alias + `.resource_path, ` + alias + `.actions, ` + alias + `.field_permissions, ` + alias + `.conditions, ` + alias + `.created_at`
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return iam.ErrNotFound
	}
	return nil
}
