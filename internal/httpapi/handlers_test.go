package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentra.dev/internal/iam"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

// newTestAPI starts an in-memory instance seeded with tenant TEST holding an
// admin user (full service:iam scopes) and a plain user with no grants.
func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := iam.NewMemoryStore()
	svc, err := iam.NewService(store, []byte("test-secret-0123456789abcdef"),
		iam.WithIssuerName("sentra-test"),
		iam.WithAccessTTL(30*time.Minute),
		iam.WithRefreshTTL(24*time.Hour),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	admin, err := iam.NewAdmin(store, svc.Resolver(), nil)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}

	ctx := context.Background()
	tenant, err := admin.CreateTenant(ctx, iam.CreateTenantInput{Code: "test", Name: "Test Tenant"})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	adminUser, err := admin.CreateUser(ctx, tenant.ID, "admin@example.com", "admin-password")
	if err != nil {
		t.Fatalf("CreateUser admin: %v", err)
	}
	if _, err := admin.CreateUser(ctx, tenant.ID, "user@example.com", "user-password"); err != nil {
		t.Fatalf("CreateUser regular: %v", err)
	}
	role, err := admin.CreateRole(ctx, iam.CreateRoleInput{TenantID: tenant.ID, Name: "platform-admin", IsAssignable: true})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm, err := admin.CreatePermission(ctx, iam.CreatePermissionInput{
		TenantID:     tenant.ID,
		ResourceType: iam.ResourceService,
		ResourceID:   "iam",
		Actions:      []string{iam.ActionCreate, iam.ActionRead, iam.ActionUpdate, iam.ActionDelete},
	})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if err := admin.SetRolePermissions(ctx, role.ID, []string{perm.ID}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := admin.AssignRole(ctx, adminUser.ID, role.ID, "", time.Time{}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	api := New(svc, admin, ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) login(email, password string) iam.LoginResult {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"tenant":   "TEST",
		"email":    email,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	var res iam.LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		c.t.Fatalf("decode login response: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		c.t.Fatal("login response missing tokens")
	}
	return res
}

func authz(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestLoginAndMe(t *testing.T) {
	api := newTestAPI(t)
	res := api.login("user@example.com", "user-password")

	resp := api.get("/v1/auth/me", authz(res.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	me := decode[map[string]any](t, resp)
	if me["email"] != "user@example.com" || me["tenant"] != "TEST" {
		t.Fatalf("unexpected identity: %v", me)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/v1/auth/login", map[string]any{
		"tenant":   "TEST",
		"email":    "user@example.com",
		"password": "wrong",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "invalid credentials" {
		t.Fatalf("unexpected error message: %v", body["error"])
	}
}

func TestLoginMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/auth/login", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header: %q", resp.Header.Get("Allow"))
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/auth/me", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminRoutesEnforceScope(t *testing.T) {
	api := newTestAPI(t)
	user := api.login("user@example.com", "user-password")
	admin := api.login("admin@example.com", "admin-password")

	body := map[string]any{"code": "acme", "name": "Acme"}

	resp := api.post("/v1/tenants", body, authz(user.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unprivileged user, got %d", resp.StatusCode)
	}
	denied := decode[map[string]any](t, resp)
	if denied["missing_scope"] != "service:iam:create" {
		t.Fatalf("expected missing_scope service:iam:create, got %v", denied)
	}

	resp = api.post("/v1/tenants", body, authz(admin.AccessToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	if created["code"] != "ACME" {
		t.Fatalf("unexpected tenant: %v", created)
	}
	if resp.Header.Get("Location") == "" {
		t.Fatal("expected Location header")
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	first := api.login("user@example.com", "user-password")

	resp := api.post("/v1/auth/refresh", map[string]any{"refresh_token": first.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	second := decode[iam.LoginResult](t, resp)
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": first.RefreshToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on reuse, got %d", resp.StatusCode)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	api := newTestAPI(t)
	res := api.login("user@example.com", "user-password")

	resp := api.post("/v1/auth/logout", map[string]any{"refresh_token": res.RefreshToken}, authz(res.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/auth/me", authz(res.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": res.RefreshToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked refresh token, got %d", resp.StatusCode)
	}
}

func TestMyPermissions(t *testing.T) {
	api := newTestAPI(t)
	admin := api.login("admin@example.com", "admin-password")

	resp := api.get("/v1/auth/permissions", authz(admin.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	set := decode[iam.EffectivePermissionSet](t, resp)
	if len(set.Permissions) != 1 {
		t.Fatalf("unexpected permissions: %+v", set.Permissions)
	}
	if set.Permissions[0].ResourceType != iam.ResourceService || set.Permissions[0].Resource != "iam" {
		t.Fatalf("unexpected permission entry: %+v", set.Permissions[0])
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/v1/auth/login", map[string]any{
		"tenant":   "TEST",
		"email":    "user@example.com",
		"password": "user-password",
		"extra":    true,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUnknownRoutes(t *testing.T) {
	api := newTestAPI(t)

	// The catch-all is public and answers 404.
	resp := api.get("/", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	// Anything else under /v1 needs authentication before routing.
	resp = api.get("/v1/nope", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
