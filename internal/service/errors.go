package service

import "errors"

// Expected error kinds. Handlers map these to actionable 4xx responses;
// anything else is logged with context and surfaced as an opaque failure.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrSecondFactorInvalid    = errors.New("second factor code invalid")
	ErrSecondFactorExpired    = errors.New("second factor challenge expired")
	ErrSecondFactorExhausted  = errors.New("second factor attempts exhausted")
	ErrSecondFactorNotPending = errors.New("no second factor enrollment pending")
	ErrSessionExpired         = errors.New("session expired")
	ErrSessionRevoked         = errors.New("session revoked")
	ErrSessionUnknown         = errors.New("session unknown")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrResourceNotFound       = errors.New("resource not found")
	ErrRoleImmutable          = errors.New("owner role is assigned at resource creation and cannot change")
)
