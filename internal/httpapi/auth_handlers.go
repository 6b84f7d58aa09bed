package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/iam"
	"sentra.dev/internal/obs"
)

func loginResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, iam.ErrAccountLocked):
		return "locked"
	case errors.Is(err, iam.ErrInvalidCredentials), errors.Is(err, iam.ErrTenantNotFound):
		return "invalid"
	default:
		return "error"
	}
}

func rotationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, iam.ErrTokenReuseDetected):
		return "reuse"
	case errors.Is(err, iam.ErrTokenExpired):
		return "expired"
	case errors.Is(err, iam.ErrTokenInvalid):
		return "invalid"
	default:
		return "error"
	}
}

type loginRequest struct {
	Tenant   string `json:"tenant"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

type serviceLoginRequest struct {
	Tenant string `json:"tenant"`
	APIKey string `json:"api_key"`
	Device string `json:"device"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Device       string `json:"device"`
}

type revokeRequest struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	Reason    string `json:"reason"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Tenant = strings.TrimSpace(req.Tenant)
	req.Email = strings.TrimSpace(req.Email)
	if req.Tenant == "" || req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "tenant, email and password are required")
		return
	}

	res, err := a.svc.Login(r.Context(), req.Email, req.Password, req.Tenant, req.Device)
	obs.CountLogin(loginResult(err))
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"tenant": req.Tenant,
			"email":  req.Email,
		})
		handleIAMError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"tenant":  req.Tenant,
		"user_id": res.UserID,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleServiceLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req serviceLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Tenant = strings.TrimSpace(req.Tenant)
	if req.Tenant == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, "tenant and api_key are required")
		return
	}

	res, err := a.svc.LoginServiceAccount(r.Context(), req.Tenant, req.APIKey, req.Device)
	obs.CountLogin(loginResult(err))
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.service_login.failed", map[string]any{
			"tenant": req.Tenant,
		})
		handleIAMError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.service_login.succeeded", map[string]any{
		"tenant":  req.Tenant,
		"user_id": res.UserID,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	res, err := a.svc.Refresh(r.Context(), req.RefreshToken, req.Device)
	obs.CountTokenRotation(rotationResult(err))
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.refresh.failed", nil)
		handleIAMError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh.succeeded", map[string]any{
		"user_id": res.UserID,
	})
	writeJSON(w, http.StatusOK, res)
}

// handleLogout revokes the caller's access token and, when supplied, the
// paired refresh token.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := iam.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req refreshRequest
	// Body is optional: logout with no body revokes the access token only.
	_ = decodeJSON(w, r, &req)

	token, _ := iam.TokenFromContext(r.Context())
	if err := a.svc.RevokeAccessToken(r.Context(), token, claims.Subject, "logout"); err != nil {
		handleIAMError(w, r, err)
		return
	}
	if req.RefreshToken != "" {
		if err := a.svc.RevokeRefreshToken(r.Context(), req.RefreshToken, claims.Subject, "logout"); err != nil {
			handleIAMError(w, r, err)
			return
		}
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"user_id": claims.Subject,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := iam.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	var err error
	switch req.TokenType {
	case iam.TokenTypeRefresh:
		err = a.svc.RevokeRefreshToken(r.Context(), req.Token, claims.Subject, req.Reason)
	case iam.TokenTypeAccess, "":
		err = a.svc.RevokeAccessToken(r.Context(), req.Token, claims.Subject, req.Reason)
	default:
		writeError(w, r, http.StatusBadRequest, "token_type must be access or refresh")
		return
	}
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.revoked", map[string]any{
		"token_type": req.TokenType,
		"reason":     req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := iam.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":            claims.Subject,
		"tenant_id":          claims.TenantID,
		"tenant":             claims.TenantCode,
		"email":              claims.Email,
		"scopes":             claims.Scopes,
		"is_service_account": claims.ServiceAccount,
		"session_id":         claims.SessionID,
		"expires_at":         claims.ExpiresAt,
	})
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := iam.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	set, err := a.svc.ResolvePermissions(r.Context(), claims.Subject, claims.TenantID)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}
