package platform

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a running platform.
	ErrAlreadyStarted = errors.New("platform: already started")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("platform: not started")
)
