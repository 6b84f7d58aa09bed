package iam

import "errors"

// Failure taxonomy returned by the identity core. Lookup and validation
// failures are always typed; only store faults surface as plain errors.
var (
	ErrInvalidCredentials = errors.New("iam: invalid credentials")
	ErrAccountLocked      = errors.New("iam: account locked")
	ErrTenantNotFound     = errors.New("iam: tenant not found")
	ErrTokenInvalid       = errors.New("iam: token invalid")
	ErrTokenExpired       = errors.New("iam: token expired")
	ErrTokenRevoked       = errors.New("iam: token revoked")
	ErrTokenReuseDetected = errors.New("iam: refresh token reuse detected")
	ErrRoleHierarchyCycle = errors.New("iam: role hierarchy cycle")
	ErrInsufficientScope  = errors.New("iam: insufficient scope")
	ErrNotFound           = errors.New("iam: not found")
	ErrConflict           = errors.New("iam: already exists")
	ErrInvalidInput       = errors.New("iam: invalid input")
)
