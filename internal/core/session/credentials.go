package session

import (
	"strings"

	"github.com/google/uuid"
)

// Credentials holds the account login. It is set once at startup and never
// mutated afterwards.
type Credentials struct {
	Email    string
	Password string
}

// Empty reports whether either field is blank.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Email) == "" || c.Password == ""
}

// String masks the password so credentials can be logged safely.
func (c Credentials) String() string {
	return c.Email + ":****"
}

// NewDeviceID returns a fresh random identifier for this process. It is sent
// on every login and carried in the session cookie.
func NewDeviceID() string {
	return uuid.NewString()
}
