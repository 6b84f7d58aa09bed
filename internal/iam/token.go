package iam

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sentra.dev/internal/ids"
)

// Identity is the outcome of credential verification, fed to the issuer.
type Identity struct {
	UserID           string
	TenantID         string
	TenantCode       string
	Email            string
	Scopes           []string
	IsServiceAccount bool
	SessionID        string
}

// Claims is the access token payload. The jti registered claim is the unit
// of revocation.
type Claims struct {
	TenantID       string   `json:"tenant"`
	TenantCode     string   `json:"tenant_code"`
	Email          string   `json:"email,omitempty"`
	Scopes         []string `json:"scope"`
	SessionID      string   `json:"sid,omitempty"`
	TokenType      string   `json:"token_type"`
	ServiceAccount bool     `json:"svc,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints signed access tokens and opaque refresh tokens.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer constructs an Issuer. The secret must be non-empty.
func NewIssuer(secret []byte, issuer string, accessTTL, refreshTTL time.Duration, now func() time.Time) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("iam: signing secret is required")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("iam: token lifetimes must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: secret, issuer: issuer, accessTTL: accessTTL, refreshTTL: refreshTTL, now: now}, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// IssueAccess signs an HS256 access token for the identity and returns the
// compact token together with its claims.
func (i *Issuer) IssueAccess(id Identity) (string, *Claims, error) {
	if strings.TrimSpace(id.UserID) == "" || strings.TrimSpace(id.TenantID) == "" {
		return "", nil, fmt.Errorf("%w: identity is incomplete", ErrInvalidInput)
	}
	now := i.now().UTC()
	claims := &Claims{
		TenantID:       id.TenantID,
		TenantCode:     id.TenantCode,
		Email:          id.Email,
		Scopes:         dedupeScopes(id.Scopes),
		SessionID:      id.SessionID,
		TokenType:      TokenTypeAccess,
		ServiceAccount: id.IsServiceAccount,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// IssueRefresh generates an opaque refresh token of the form <id>.<secret>
// and the row to persist. Only the sha256 hash of the secret is stored.
func (i *Issuer) IssueRefresh(userID, device string) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	now := i.now().UTC()
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: HashRefreshSecret(secret),
		JTI:       uuid.NewString(),
		Device:    strings.TrimSpace(device),
		ExpiresAt: now.Add(i.refreshTTL),
		CreatedAt: now,
	}
	return rec.ID + "." + secret, rec, nil
}

// HashRefreshSecret is the one-way function applied to refresh token secrets
// before persistence and lookup.
func HashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SplitRefreshToken separates a raw refresh token into its id and secret.
func SplitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrTokenInvalid
	}
	return parts[0], parts[1], nil
}

// SecureCompareHash compares a stored hash against the hash of a presented
// secret without leaking timing.
func SecureCompareHash(expectedHash, secret string) bool {
	actual := HashRefreshSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// Validator verifies presented access tokens. It is side-effect free and
// safe on the hot path; the only I/O is the blacklist lookup.
type Validator struct {
	secret    []byte
	issuer    string
	blacklist BlacklistStore
	now       func() time.Time
}

// NewValidator constructs a Validator sharing the issuer's secret.
func NewValidator(secret []byte, issuer string, blacklist BlacklistStore, now func() time.Time) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errors.New("iam: signing secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{secret: secret, issuer: issuer, blacklist: blacklist, now: now}, nil
}

// Validate checks signature, expiry, claim shape, and blacklist status. A
// blacklist store failure is treated as an invalid token (fail closed).
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	if v.blacklist != nil {
		revoked, err := v.blacklist.IsBlacklisted(ctx, claims.ID, v.now().UTC())
		if err != nil {
			return nil, ErrTokenInvalid
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

func (v *Validator) validateClaims(claims *Claims) error {
	if v.issuer != "" && claims.Issuer != v.issuer {
		return ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return ErrTokenInvalid
	}
	if claims.TokenType != TokenTypeAccess {
		return ErrTokenInvalid
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return ErrTokenInvalid
	}
	if strings.TrimSpace(claims.ID) == "" {
		return ErrTokenInvalid
	}
	now := v.now().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return ErrTokenInvalid
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return ErrTokenInvalid
	}
	return nil
}

func dedupeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	var normalized []string
	for _, s := range scopes {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		normalized = append(normalized, s)
	}
	return normalized
}
