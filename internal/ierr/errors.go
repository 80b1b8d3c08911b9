package ierr

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource conflict")
	ErrInternalServer = errors.New("internal server error")

	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")

	// Rejection taxonomy for inbound API keys. Every reason is definitive:
	// callers must not retry a rejected credential.
	ErrMalformedCredential = errors.New("missing or malformed credential")
	ErrInvalidKey          = errors.New("invalid api key")
	ErrRevokedKey          = errors.New("api key revoked")
	ErrQuotaExhausted      = errors.New("trial quota exhausted")
	ErrAccessDenied        = errors.New("access denied")

	// ErrBackingUnavailable surfaces only when both the counter service and
	// the row-locked fallback failed. Unlike the taxonomy above it is transient.
	ErrBackingUnavailable = errors.New("backing service unavailable")
)
