package gateway

import (
	"errors"
	"fmt"
)

// ErrTransport wraps network-level failures of an outbound call.
var ErrTransport = errors.New("gateway: transport error")

// ErrResponseTooLarge is returned when a response body exceeds the read limit.
var ErrResponseTooLarge = errors.New("gateway: response too large")

// StatusError is returned by DecodeJSON for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("gateway: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}
