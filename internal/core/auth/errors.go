package auth

import "errors"

// Domain-specific errors for authentication. Use errors.Is() to check for
// these errors in calling code.
var (
	// ErrMissingCredentials is returned when email or password is blank.
	ErrMissingCredentials = errors.New("auth: missing credentials")

	// ErrAuthFailure is returned when the login handshake is rejected or its
	// response lacks a required field. It is joined with the specific
	// session error (ErrMissingAPIKey, ErrMissingSession, ...) when known.
	ErrAuthFailure = errors.New("auth: authentication failed")
)
