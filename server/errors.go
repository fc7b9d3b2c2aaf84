package server

import "errors"

var (
	// ErrMisconfigured means a required secret is missing. Every path
	// that depends on one refuses to operate rather than degrade.
	ErrMisconfigured = errors.New("server misconfigured")

	// ErrUnauthorized is the single failure returned for every admin
	// authentication problem, so responses never reveal which gate
	// rejected the caller.
	ErrUnauthorized = errors.New("unauthorized")
)

// Token redemption failures. Each one burns the record before being
// returned.
var (
	ErrTokenNotFound = errors.New("export token not found")
	ErrTokenCorrupt  = errors.New("export token corrupt")
	ErrTokenExpired  = errors.New("export token expired")
	ErrTokenMismatch = errors.New("export token identity mismatch")
)
