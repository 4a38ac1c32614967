// Package session holds the account credentials and the authenticated token
// triple shared by every outbound call.
package session

import "sync"

// Tokens is one consistent set of credentials returned by the cloud API.
type Tokens struct {
	Session    string
	APIKey     string
	OAuthToken string
}

// Complete reports whether all three tokens are present.
func (t Tokens) Complete() bool {
	return t.Session != "" && t.APIKey != "" && t.OAuthToken != ""
}

// Empty reports whether no token is present.
func (t Tokens) Empty() bool {
	return t.Session == "" && t.APIKey == "" && t.OAuthToken == ""
}

// RequireSession checks the fields needed for session-tier calls.
func (t Tokens) RequireSession() error {
	if t.Session == "" {
		return ErrMissingSession
	}
	if t.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// RequireFull checks the fields needed for fully authenticated calls.
func (t Tokens) RequireFull() error {
	if err := t.RequireSession(); err != nil {
		return err
	}
	if t.OAuthToken == "" {
		return ErrMissingOAuthToken
	}
	return nil
}

// State is the process-wide token cell. Writers are the auth client and the
// renewer; everything else only reads snapshots.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - A reader never observes a triple mixing fields from two updates.
type State struct {
	mu     sync.RWMutex
	tokens Tokens
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// Snapshot returns a copy of the current tokens.
func (s *State) Snapshot() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Replace swaps in a complete triple from a full login.
func (s *State) Replace(t Tokens) {
	s.mu.Lock()
	s.tokens = t
	s.mu.Unlock()
}

// Renew replaces the session and OAuth tokens, keeping the API key. The API
// key is only ever issued by a full login. The swap applies only while the
// held API key is still apiKey; it reports false when a login or Clear
// replaced the triple after the refresh began.
func (s *State) Renew(apiKey, sessionToken, oauthToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if apiKey == "" || s.tokens.APIKey != apiKey {
		return false
	}
	s.tokens.Session = sessionToken
	s.tokens.OAuthToken = oauthToken
	return true
}

// Clear drops all three tokens together.
func (s *State) Clear() {
	s.mu.Lock()
	s.tokens = Tokens{}
	s.mu.Unlock()
}
