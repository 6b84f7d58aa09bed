package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentra.dev/internal/ids"
)

const (
	defaultIssuerName = "sentra"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Service is the identity core facade: credential verification, token
// issuance and validation, refresh rotation, revocation, and permission
// resolution. Construct once at process start and share by reference.
type Service struct {
	store     Store
	verifier  *Verifier
	issuer    *Issuer
	validator *Validator
	resolver  *Resolver
	now       func() time.Time

	secret      []byte
	issuerName  string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	maxAttempts int
	lockout     time.Duration
	cacheSize   int
	cacheTTL    time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(name) != "" {
			s.issuerName = strings.TrimSpace(name)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithMaxLoginAttempts configures the lockout threshold.
func WithMaxLoginAttempts(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.maxAttempts = n
		}
		return nil
	}
}

// WithLockoutDuration configures how long a locked account stays locked.
func WithLockoutDuration(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.lockout = d
		}
		return nil
	}
}

// WithPermissionCache configures the resolver cache. size 0 keeps the
// default; ttl 0 keeps the default.
func WithPermissionCache(size int, ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if size > 0 {
			s.cacheSize = size
		}
		if ttl > 0 {
			s.cacheTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the identity core around a Store and signing secret.
func NewService(store Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("iam: store is required")
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		secret:     secret,
		issuerName: defaultIssuerName,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	issuer, err := NewIssuer(svc.secret, svc.issuerName, svc.accessTTL, svc.refreshTTL, svc.now)
	if err != nil {
		return nil, err
	}
	validator, err := NewValidator(svc.secret, svc.issuerName, store.Blacklist(), svc.now)
	if err != nil {
		return nil, err
	}
	svc.issuer = issuer
	svc.validator = validator
	svc.verifier = NewVerifier(store, svc.maxAttempts, svc.lockout, svc.now)
	svc.resolver = NewResolver(store, NewPermissionCache(svc.cacheSize, svc.cacheTTL), svc.now)
	return svc, nil
}

// Store exposes the underlying store to the administration layer.
func (s *Service) Store() Store { return s.store }

// Resolver exposes the permission resolver so mutating paths can invalidate
// cached sets.
func (s *Service) Resolver() *Resolver { return s.resolver }

// LoginResult is returned by successful Login and Refresh calls. The raw
// refresh token appears here exactly once and is never echoed again.
type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login verifies email/password against the tenant identified by code and
// issues a token pair.
func (s *Service) Login(ctx context.Context, email, password, tenantCode, device string) (LoginResult, error) {
	identity, err := s.verifier.VerifyPassword(ctx, tenantCode, email, password)
	if err != nil {
		return LoginResult{}, err
	}
	return s.issuePair(ctx, identity, device)
}

// LoginServiceAccount authenticates a service-account key and issues a token
// pair.
func (s *Service) LoginServiceAccount(ctx context.Context, tenantCode, rawKey, device string) (LoginResult, error) {
	identity, err := s.verifier.VerifyServiceAccountKey(ctx, tenantCode, rawKey)
	if err != nil {
		return LoginResult{}, err
	}
	return s.issuePair(ctx, identity, device)
}

func (s *Service) issuePair(ctx context.Context, identity Identity, device string) (LoginResult, error) {
	set, err := s.resolver.Resolve(ctx, identity.UserID, identity.TenantID)
	if err != nil {
		return LoginResult{}, err
	}
	identity.Scopes = set.Scopes()
	identity.SessionID = ids.New()

	access, _, err := s.issuer.IssueAccess(identity)
	if err != nil {
		return LoginResult{}, err
	}
	rawRefresh, rec, err := s.issuer.IssueRefresh(identity.UserID, device)
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.store.RefreshTokens().Create(ctx, rec); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		UserID:       identity.UserID,
		TenantID:     identity.TenantID,
		ExpiresIn:    int64(s.accessTTL / time.Second),
	}, nil
}

// ValidateToken verifies a presented access token and returns its claims.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	return s.validator.Validate(ctx, token)
}

// Refresh exchanges a valid refresh token for a new pair, retiring the old
// one in the same transaction. A token that was already rotated fails with
// ErrTokenReuseDetected.
func (s *Service) Refresh(ctx context.Context, rawRefresh, device string) (LoginResult, error) {
	_, secret, err := SplitRefreshToken(rawRefresh)
	if err != nil {
		return LoginResult{}, ErrTokenInvalid
	}
	record, err := s.store.RefreshTokens().FindByHash(ctx, HashRefreshSecret(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrTokenInvalid
		}
		return LoginResult{}, err
	}
	now := s.now().UTC()
	if !record.RotatedAt.IsZero() {
		return LoginResult{}, ErrTokenReuseDetected
	}
	if now.After(record.ExpiresAt) {
		return LoginResult{}, ErrTokenExpired
	}

	user, err := s.store.Users().Find(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrTokenInvalid
		}
		return LoginResult{}, err
	}
	if !user.Active {
		return LoginResult{}, ErrTokenInvalid
	}
	tenant, err := s.store.Tenants().Find(ctx, user.TenantID)
	if err != nil {
		return LoginResult{}, err
	}
	if !tenant.Active {
		return LoginResult{}, ErrTokenInvalid
	}

	identity := Identity{
		UserID:           user.ID,
		TenantID:         tenant.ID,
		TenantCode:       tenant.Code,
		Email:            user.Email,
		IsServiceAccount: user.IsServiceAccount,
		SessionID:        ids.New(),
	}
	set, err := s.resolver.Resolve(ctx, identity.UserID, identity.TenantID)
	if err != nil {
		return LoginResult{}, err
	}
	identity.Scopes = set.Scopes()

	access, _, err := s.issuer.IssueAccess(identity)
	if err != nil {
		return LoginResult{}, err
	}
	newRaw, newRec, err := s.issuer.IssueRefresh(identity.UserID, device)
	if err != nil {
		return LoginResult{}, err
	}
	// Single logical transaction: the old row is retired and the replacement
	// persisted together, or nothing changes.
	if err := s.store.RefreshTokens().Rotate(ctx, record.ID, now, newRec); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		AccessToken:  access,
		RefreshToken: newRaw,
		UserID:       identity.UserID,
		TenantID:     identity.TenantID,
		ExpiresIn:    int64(s.accessTTL / time.Second),
	}, nil
}

// RevokeJTI idempotently blacklists a token id until its natural expiry.
func (s *Service) RevokeJTI(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, revokedBy, reason string) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	if tokenType != TokenTypeAccess && tokenType != TokenTypeRefresh {
		return fmt.Errorf("%w: unknown token type %s", ErrInvalidInput, tokenType)
	}
	if expiresAt.IsZero() {
		expiresAt = s.now().UTC().Add(s.refreshTTL)
	}
	return s.store.Blacklist().Add(ctx, BlacklistEntry{
		JTI:       jti,
		UserID:    userID,
		TokenType: tokenType,
		ExpiresAt: expiresAt,
		RevokedAt: s.now().UTC(),
		RevokedBy: revokedBy,
		Reason:    reason,
	})
}

// RevokeAccessToken blacklists the jti carried by an access token. The token
// must be well formed but may already be blacklisted (revoke is idempotent).
func (s *Service) RevokeAccessToken(ctx context.Context, token, revokedBy, reason string) error {
	claims, err := s.validator.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			return nil
		}
		return err
	}
	return s.RevokeJTI(ctx, claims.ID, claims.Subject, TokenTypeAccess, claims.ExpiresAt.Time, revokedBy, reason)
}

// RevokeRefreshToken retires a refresh token so it can never be rotated, and
// records its jti on the blacklist. Revoking an already-retired token is a
// no-op.
func (s *Service) RevokeRefreshToken(ctx context.Context, rawRefresh, revokedBy, reason string) error {
	_, secret, err := SplitRefreshToken(rawRefresh)
	if err != nil {
		return ErrTokenInvalid
	}
	record, err := s.store.RefreshTokens().FindByHash(ctx, HashRefreshSecret(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}
	if record.RotatedAt.IsZero() {
		if err := s.store.RefreshTokens().Rotate(ctx, record.ID, s.now().UTC(), nil); err != nil {
			return err
		}
	}
	return s.RevokeJTI(ctx, record.JTI, record.UserID, TokenTypeRefresh, record.ExpiresAt, revokedBy, reason)
}

// RevokeAllForUser retires every live refresh token the user holds
// (logout-everywhere).
func (s *Service) RevokeAllForUser(ctx context.Context, userID, revokedBy, reason string) error {
	records, err := s.store.RefreshTokens().ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, rec := range records {
		if err := s.store.RefreshTokens().Rotate(ctx, rec.ID, now, nil); err != nil {
			return err
		}
		if err := s.RevokeJTI(ctx, rec.JTI, rec.UserID, TokenTypeRefresh, rec.ExpiresAt, revokedBy, reason); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePermissions returns the effective permission set for the user in
// the tenant.
func (s *Service) ResolvePermissions(ctx context.Context, userID, tenantID string) (*EffectivePermissionSet, error) {
	return s.resolver.Resolve(ctx, userID, tenantID)
}

// CleanupExpired purges stale blacklist entries and expired refresh tokens.
// Called periodically by the janitor, never on the hot path.
func (s *Service) CleanupExpired(ctx context.Context) (blacklist, refresh int64, err error) {
	now := s.now().UTC()
	blacklist, err = s.store.Blacklist().CleanupExpired(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	refresh, err = s.store.RefreshTokens().DeleteExpired(ctx, now)
	if err != nil {
		return blacklist, 0, err
	}
	return blacklist, refresh, nil
}
