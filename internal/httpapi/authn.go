package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sentra.dev/internal/iam"
	"sentra.dev/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/login",
	"/v1/auth/login/service",
	"/v1/auth/refresh",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.svc.ValidateToken(r.Context(), token)
		obs.CountTokenValidation(validationResult(err))
		if err != nil {
			switch {
			case errors.Is(err, iam.ErrTokenExpired):
				writeError(w, r, http.StatusUnauthorized, "token expired")
			case errors.Is(err, iam.ErrTokenRevoked), errors.Is(err, iam.ErrTokenInvalid):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := iam.ContextWithClaims(r.Context(), claims)
		ctx = iam.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, iam.ErrTokenExpired):
		return "expired"
	case errors.Is(err, iam.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, iam.ErrTokenInvalid):
		return "invalid"
	default:
		return "error"
	}
}

// ensureScope checks the authenticated caller for a scope and writes the
// error response itself when the check fails.
func (a *API) ensureScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	claims, ok := iam.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !claims.HasScope(scope) {
		payload := map[string]any{
			"error":         "insufficient permissions",
			"missing_scope": scope,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusForbidden, payload)
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
