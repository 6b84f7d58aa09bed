package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/iam"
)

// Management scopes. The bootstrap seed grants these to the platform admin
// role; everything under /v1/tenants, /v1/users, /v1/roles and /v1/groups
// checks one of them.
const (
	scopeIAMRead   = "service:iam:read"
	scopeIAMCreate = "service:iam:create"
	scopeIAMUpdate = "service:iam:update"
	scopeIAMDelete = "service:iam:delete"
)

type createTenantRequest struct {
	Code               string `json:"code"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	ParentTenantID     string `json:"parent_tenant_id"`
	IsolationMode      string `json:"isolation_mode"`
	InheritPermissions bool   `json:"inherit_permissions"`
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createServiceAccountRequest struct {
	Email string `json:"email"`
}

type createRoleRequest struct {
	Name         string `json:"name"`
	ParentRoleID string `json:"parent_role_id"`
	Priority     int    `json:"priority"`
	IsAssignable *bool  `json:"is_assignable"`
}

type createGroupRequest struct {
	Name string `json:"name"`
}

type createPermissionRequest struct {
	ResourceType     string            `json:"resource_type"`
	ResourceID       string            `json:"resource_id"`
	ResourcePath     string            `json:"resource_path"`
	Actions          []string          `json:"actions"`
	FieldPermissions map[string]string `json:"field_permissions"`
	Conditions       map[string]any    `json:"conditions"`
}

type assignRoleRequest struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type groupMemberRequest struct {
	UserID string `json:"user_id"`
}

type setStatusRequest struct {
	Active bool `json:"active"`
}

type setPermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

func (a *API) handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensureScope(w, r, scopeIAMCreate) {
			return
		}
		var req createTenantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		tenant, err := a.admin.CreateTenant(r.Context(), iam.CreateTenantInput{
			Code:               req.Code,
			Name:               req.Name,
			Type:               req.Type,
			ParentTenantID:     req.ParentTenantID,
			IsolationMode:      req.IsolationMode,
			InheritPermissions: req.InheritPermissions,
		})
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		a.auditEvent(r, "tenant.created", map[string]any{"tenant_id": tenant.ID, "code": tenant.Code})
		w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s", tenant.ID))
		writeJSON(w, http.StatusCreated, tenant)
	case http.MethodGet:
		if !a.ensureScope(w, r, scopeIAMRead) {
			return
		}
		tenants, err := a.admin.ListTenants(r.Context())
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/tenants/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	tenantID := parts[0]
	if len(parts) == 1 {
		a.handleTenant(w, r, tenantID)
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch parts[1] {
	case "users":
		a.handleTenantUsers(w, r, tenantID)
	case "service-accounts":
		a.handleTenantServiceAccounts(w, r, tenantID)
	case "roles":
		a.handleTenantRoles(w, r, tenantID)
	case "groups":
		a.handleTenantGroups(w, r, tenantID)
	case "permissions":
		a.handleTenantPermissions(w, r, tenantID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureScope(w, r, scopeIAMRead) {
			return
		}
		tenant, err := a.admin.GetTenant(r.Context(), tenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tenant)
	case http.MethodDelete:
		if !a.ensureScope(w, r, scopeIAMDelete) {
			return
		}
		if err := a.admin.DeactivateTenant(r.Context(), tenantID); err != nil {
			handleIAMError(w, r, err)
			return
		}
		a.auditEvent(r, "tenant.deactivated", map[string]any{"tenant_id": tenantID})
		writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleTenantUsers(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensureScope(w, r, scopeIAMCreate) {
			return
		}
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.admin.CreateUser(r.Context(), tenantID, req.Email, req.Password)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		a.auditEvent(r, "user.created", map[string]any{"user_id": user.ID, "tenant_id": tenantID})
		w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
		writeJSON(w, http.StatusCreated, user)
	case http.MethodGet:
		if !a.ensureScope(w, r, scopeIAMRead) {
			return
		}
		users, err := a.svc.Store().Users().ListByTenant(r.Context(), tenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTenantServiceAccounts(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureScope(w, r, scopeIAMCreate) {
		return
	}
	var req createServiceAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, rawKey, err := a.admin.CreateServiceAccount(r.Context(), tenantID, req.Email)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "service_account.created", map[string]any{"user_id": user.ID, "tenant_id": tenantID})
	// The api_key appears in this response only; it is stored hashed.
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    user,
		"api_key": rawKey,
	})
}

func (a *API) handleTenantRoles(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensureScope(w, r, scopeIAMCreate) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		assignable := true
		if req.IsAssignable != nil {
			assignable = *req.IsAssignable
		}
		role, err := a.admin.CreateRole(r.Context(), iam.CreateRoleInput{
			TenantID:     tenantID,
			Name:         req.Name,
			ParentRoleID: req.ParentRoleID,
			Priority:     req.Priority,
			IsAssignable: assignable,
		})
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		a.auditEvent(r, "role.created", map[string]any{"role_id": role.ID, "tenant_id": tenantID})
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		if !a.ensureScope(w, r, scopeIAMRead) {
			return
		}
		roles, err := a.svc.Store().Roles().ListByTenant(r.Context(), tenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTenantGroups(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensureScope(w, r, scopeIAMCreate) {
			return
		}
		var req createGroupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		group, err := a.admin.CreateGroup(r.Context(), tenantID, req.Name)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		a.auditEvent(r, "group.created", map[string]any{"group_id": group.ID, "tenant_id": tenantID})
		writeJSON(w, http.StatusCreated, group)
	case http.MethodGet:
		if !a.ensureScope(w, r, scopeIAMRead) {
			return
		}
		groups, err := a.svc.Store().Groups().ListByTenant(r.Context(), tenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTenantPermissions(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodPost:
		if !a.ensureScope(w, r, scopeIAMCreate) {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.admin.CreatePermission(r.Context(), iam.CreatePermissionInput{
			TenantID:         tenantID,
			ResourceType:     req.ResourceType,
			ResourceID:       req.ResourceID,
			ResourcePath:     req.ResourcePath,
			Actions:          req.Actions,
			FieldPermissions: req.FieldPermissions,
			Conditions:       req.Conditions,
		})
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		a.auditEvent(r, "permission.created", map[string]any{"permission_id": perm.ID, "tenant_id": tenantID})
		writeJSON(w, http.StatusCreated, perm)
	case http.MethodGet:
		if !a.ensureScope(w, r, scopeIAMRead) {
			return
		}
		perms, err := a.svc.Store().Permissions().ListByTenant(r.Context(), tenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/users/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch {
	case parts[1] == "roles" && len(parts) == 2:
		a.handleUserRoles(w, r, userID)
	case parts[1] == "roles" && len(parts) == 3:
		a.handleUserRole(w, r, userID, parts[2])
	case parts[1] == "status" && len(parts) == 2:
		a.handleUserStatus(w, r, userID)
	case parts[1] == "tokens" && len(parts) == 2:
		a.handleUserTokens(w, r, userID)
	case parts[1] == "permissions" && len(parts) == 2:
		a.handleUserPermissions(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureScope(w, r, scopeIAMUpdate) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	claims, _ := iam.ClaimsFromContext(r.Context())
	var expiresAt time.Time
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}
	if err := a.admin.AssignRole(r.Context(), userID, req.RoleID, claims.Subject, expiresAt); err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "role.assigned", map[string]any{"user_id": userID, "role_id": req.RoleID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "assigned"})
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensureScope(w, r, scopeIAMUpdate) {
		return
	}
	if err := a.admin.UnassignRole(r.Context(), userID, roleID); err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "role.unassigned", map[string]any{"user_id": userID, "role_id": roleID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "unassigned"})
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensureScope(w, r, scopeIAMUpdate) {
		return
	}
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.SetUserActive(r.Context(), userID, req.Active); err != nil {
		handleIAMError(w, r, err)
		return
	}
	if !req.Active {
		// Deactivation also cuts every live session.
		claims, _ := iam.ClaimsFromContext(r.Context())
		if err := a.svc.RevokeAllForUser(r.Context(), userID, claims.Subject, "user deactivated"); err != nil {
			handleIAMError(w, r, err)
			return
		}
	}
	a.auditEvent(r, "user.status_changed", map[string]any{"user_id": userID, "active": req.Active})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (a *API) handleUserTokens(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensureScope(w, r, scopeIAMDelete) {
		return
	}
	claims, _ := iam.ClaimsFromContext(r.Context())
	if err := a.svc.RevokeAllForUser(r.Context(), userID, claims.Subject, "admin revocation"); err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "user.tokens_revoked", map[string]any{"user_id": userID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureScope(w, r, scopeIAMRead) {
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		user, err := a.svc.Store().Users().Find(r.Context(), userID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		tenantID = user.TenantID
	}
	set, err := a.svc.ResolvePermissions(r.Context(), userID, tenantID)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (a *API) handleRoleScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/roles/")
	if len(parts) != 2 || parts[1] != "permissions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensureScope(w, r, scopeIAMUpdate) {
		return
	}
	roleID := parts[0]
	var req setPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.SetRolePermissions(r.Context(), roleID, req.PermissionIDs); err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "role.permissions_set", map[string]any{"role_id": roleID, "count": len(req.PermissionIDs)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (a *API) handleGroupScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/groups/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	groupID := parts[0]
	switch {
	case parts[1] == "members" && len(parts) == 2:
		a.handleGroupMembers(w, r, groupID)
	case parts[1] == "members" && len(parts) == 3:
		a.handleGroupMember(w, r, groupID, parts[2])
	case parts[1] == "roles" && len(parts) == 2:
		a.handleGroupRoles(w, r, groupID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleGroupMembers(w http.ResponseWriter, r *http.Request, groupID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureScope(w, r, scopeIAMUpdate) {
		return
	}
	var req groupMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := a.admin.AddGroupMember(r.Context(), req.UserID, groupID); err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "group.member_added", map[string]any{"group_id": groupID, "user_id": req.UserID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "added"})
}

func (a *API) handleGroupMember(w http.ResponseWriter, r *http.Request, groupID, userID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensureScope(w, r, scopeIAMUpdate) {
		return
	}
	if err := a.admin.RemoveGroupMember(r.Context(), userID, groupID); err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "group.member_removed", map[string]any{"group_id": groupID, "user_id": userID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (a *API) handleGroupRoles(w http.ResponseWriter, r *http.Request, groupID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureScope(w, r, scopeIAMUpdate) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	claims, _ := iam.ClaimsFromContext(r.Context())
	if err := a.admin.AssignRoleToGroup(r.Context(), groupID, req.RoleID, claims.Subject); err != nil {
		handleIAMError(w, r, err)
		return
	}
	a.auditEvent(r, "group.role_assigned", map[string]any{"group_id": groupID, "role_id": req.RoleID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "assigned"})
}

func (a *API) auditEvent(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
