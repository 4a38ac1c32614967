// Package auth performs the Abode login handshake, refreshes the session and
// OAuth tokens, and keeps them renewed in the background.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/trymwestin/abodegate/internal/core/gateway"
	"github.com/trymwestin/abodegate/internal/core/session"
)

// Doer sends a request through the gateway.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

type loginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
	UUID     string `json:"uuid"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type claimsResponse struct {
	AccessToken string `json:"access_token"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

// Client performs login and token refresh calls. It is the only writer of a
// full token triple.
type Client struct {
	creds    session.Credentials
	deviceID string
	state    *session.State
	api      Doer
	log      *slog.Logger

	group singleflight.Group
}

// NewClient creates an auth client.
func NewClient(creds session.Credentials, deviceID string, state *session.State, api Doer, log *slog.Logger) *Client {
	return &Client{
		creds:    creds,
		deviceID: deviceID,
		state:    state,
		api:      api,
		log:      log,
	}
}

// Authenticate runs the full login sequence and publishes the new token
// triple. The existing tokens are cleared before login starts; on any failure
// they stay cleared. Concurrent callers share one attempt.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err, _ := c.group.Do("authenticate", func() (any, error) {
		return nil, c.authenticate(ctx)
	})
	return err
}

func (c *Client) authenticate(ctx context.Context) error {
	if c.creds.Empty() {
		return ErrMissingCredentials
	}

	c.state.Clear()

	c.log.Info("signing into Abode account", "email", c.creds.Email)

	resp, err := c.api.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   gateway.LoginPath,
		Body: loginRequest{
			ID:       c.creds.Email,
			Password: c.creds.Password,
			UUID:     c.deviceID,
		},
	})
	if err != nil {
		c.log.Error("login request failed", "error", err)
		return fmt.Errorf("%w: login: %w", ErrAuthFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Error("login rejected", "status", resp.StatusCode)
		return fmt.Errorf("%w: login: HTTP %d", ErrAuthFailure, resp.StatusCode)
	}

	var body loginResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return fmt.Errorf("%w: login: decode: %w", ErrAuthFailure, err)
	}
	if body.Token == "" {
		return fmt.Errorf("%w: login: %w", ErrAuthFailure, session.ErrMissingAPIKey)
	}

	sess := resp.Cookie(gateway.CookieName)
	if sess == "" {
		return fmt.Errorf("%w: login: %w", ErrAuthFailure, session.ErrMissingSession)
	}

	fresh := session.Tokens{Session: sess, APIKey: body.Token}
	oauth, err := c.fetchOAuthToken(ctx, &fresh)
	if err != nil {
		c.log.Error("oauth token request failed after login", "error", err)
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	fresh.OAuthToken = oauth

	c.state.Replace(fresh)
	c.log.Info("signed into Abode account")
	return nil
}

// RefreshOAuthToken fetches a new bearer token using the current session.
func (c *Client) RefreshOAuthToken(ctx context.Context) (string, error) {
	return c.fetchOAuthToken(ctx, nil)
}

// RefreshSessionToken fetches the current session identifier.
func (c *Client) RefreshSessionToken(ctx context.Context) (string, error) {
	return c.fetchSessionToken(ctx, nil)
}

func (c *Client) fetchOAuthToken(ctx context.Context, tokens *session.Tokens) (string, error) {
	resp, err := c.api.Do(ctx, gateway.Request{Method: http.MethodGet, Path: gateway.ClaimsPath, Tokens: tokens})
	if err != nil {
		return "", fmt.Errorf("auth: claims: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: claims: HTTP %d: %w", resp.StatusCode, session.ErrMissingOAuthToken)
	}

	var body claimsResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.AccessToken == "" {
		return "", fmt.Errorf("auth: claims: %w", session.ErrMissingOAuthToken)
	}
	return body.AccessToken, nil
}

func (c *Client) fetchSessionToken(ctx context.Context, tokens *session.Tokens) (string, error) {
	resp, err := c.api.Do(ctx, gateway.Request{Method: http.MethodGet, Path: gateway.SessionPath, Tokens: tokens})
	if err != nil {
		return "", fmt.Errorf("auth: session: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: session: HTTP %d: %w", resp.StatusCode, session.ErrMissingSession)
	}

	var body sessionResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.ID == "" {
		return "", fmt.Errorf("auth: session: %w", session.ErrMissingSession)
	}
	return body.ID, nil
}
