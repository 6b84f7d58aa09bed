package iam

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	defaultMaxLoginAttempts = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// dummyPasswordHash is compared against when the account lookup fails so a
// missing user costs the same bcrypt work as a wrong password.
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Verifier checks credentials against stored hashes and enforces the lockout
// policy. User-not-found and wrong-password collapse into the same error so
// callers cannot enumerate accounts.
type Verifier struct {
	store       Store
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

// NewVerifier constructs a Verifier. Non-positive limits fall back to
// defaults.
func NewVerifier(store Store, maxAttempts int, lockout time.Duration, now func() time.Time) *Verifier {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxLoginAttempts
	}
	if lockout <= 0 {
		lockout = defaultLockoutDuration
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{store: store, maxAttempts: maxAttempts, lockout: lockout, now: now}
}

// VerifyPassword authenticates an email/password pair inside the tenant
// identified by code and returns the verified identity.
func (v *Verifier) VerifyPassword(ctx context.Context, tenantCode, email, password string) (Identity, error) {
	tenant, err := v.activeTenant(ctx, tenantCode)
	if err != nil {
		return Identity{}, err
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Identity{}, ErrInvalidCredentials
	}
	user, err := v.store.Users().FindByEmail(ctx, tenant.ID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword(dummyPasswordHash, password)
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, err
	}
	if !user.Active || user.IsServiceAccount || user.PasswordHash == "" {
		_ = VerifyPassword(dummyPasswordHash, password)
		return Identity{}, ErrInvalidCredentials
	}
	if err := v.checkLockout(ctx, user); err != nil {
		return Identity{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Identity{}, v.recordFailure(ctx, user)
	}
	if err := v.recordSuccess(ctx, user); err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:     user.ID,
		TenantID:   tenant.ID,
		TenantCode: tenant.Code,
		Email:      user.Email,
	}, nil
}

// VerifyServiceAccountKey authenticates a service account by its raw key of
// the form <user_id>.<secret>. The same lockout policy applies.
func (v *Verifier) VerifyServiceAccountKey(ctx context.Context, tenantCode, rawKey string) (Identity, error) {
	tenant, err := v.activeTenant(ctx, tenantCode)
	if err != nil {
		return Identity{}, err
	}
	userID, secret, err := SplitRefreshToken(rawKey)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	user, err := v.store.Users().Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword(dummyPasswordHash, secret)
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, err
	}
	if user.TenantID != tenant.ID || !user.Active || !user.IsServiceAccount || user.ServiceAccountKeyHash == "" {
		_ = VerifyPassword(dummyPasswordHash, secret)
		return Identity{}, ErrInvalidCredentials
	}
	if err := v.checkLockout(ctx, user); err != nil {
		return Identity{}, err
	}
	if err := VerifyPassword(user.ServiceAccountKeyHash, secret); err != nil {
		return Identity{}, v.recordFailure(ctx, user)
	}
	if err := v.recordSuccess(ctx, user); err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:           user.ID,
		TenantID:         tenant.ID,
		TenantCode:       tenant.Code,
		Email:            user.Email,
		IsServiceAccount: true,
	}, nil
}

func (v *Verifier) activeTenant(ctx context.Context, code string) (*Tenant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrTenantNotFound
	}
	tenant, err := v.store.Tenants().FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	if !tenant.Active {
		return nil, ErrTenantNotFound
	}
	return tenant, nil
}

// checkLockout fails with ErrAccountLocked while the lockout window is open,
// regardless of the presented credential. An elapsed window resets the
// counter before verification proceeds.
func (v *Verifier) checkLockout(ctx context.Context, user *User) error {
	if user.FailedLoginCount < v.maxAttempts {
		return nil
	}
	if !user.LockedAt.IsZero() && v.now().Before(user.LockedAt.Add(v.lockout)) {
		return ErrAccountLocked
	}
	if err := v.store.Users().ResetFailedLogins(ctx, user.ID); err != nil {
		return err
	}
	user.FailedLoginCount = 0
	user.LockedAt = time.Time{}
	return nil
}

func (v *Verifier) recordFailure(ctx context.Context, user *User) error {
	count, err := v.store.Users().IncrementFailedLogins(ctx, user.ID)
	if err != nil {
		return err
	}
	if count >= v.maxAttempts {
		if err := v.store.Users().SetLockedAt(ctx, user.ID, v.now().UTC()); err != nil {
			return err
		}
	}
	return ErrInvalidCredentials
}

func (v *Verifier) recordSuccess(ctx context.Context, user *User) error {
	if user.FailedLoginCount == 0 {
		return nil
	}
	return v.store.Users().ResetFailedLogins(ctx, user.ID)
}
