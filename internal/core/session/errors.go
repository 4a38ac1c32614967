package session

import "errors"

// Precondition errors returned when a credential required for a request tier
// is not present. Use errors.Is() to check for these.
var (
	// ErrMissingSession is returned when no session token is held.
	ErrMissingSession = errors.New("session: missing session")

	// ErrMissingAPIKey is returned when no API key is held.
	ErrMissingAPIKey = errors.New("session: missing API key")

	// ErrMissingOAuthToken is returned when no OAuth bearer token is held.
	ErrMissingOAuthToken = errors.New("session: missing OAuth token")
)
