package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trymwestin/abodegate/internal/core/session"
)

// DefaultRenewInterval is how often the session is renewed.
const DefaultRenewInterval = 1500 * time.Second

// Renewer periodically refreshes the session and OAuth tokens and falls back
// to a full login when refresh fails. Failures are logged and retried on the
// next tick.
type Renewer struct {
	client   *Client
	state    *session.State
	interval time.Duration
	log      *slog.Logger

	wakeCh chan struct{}
}

// NewRenewer creates a renewer. A zero interval uses DefaultRenewInterval.
func NewRenewer(client *Client, state *session.State, interval time.Duration, log *slog.Logger) *Renewer {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	return &Renewer{
		client:   client,
		state:    state,
		interval: interval,
		log:      log,
		wakeCh:   make(chan struct{}, 1),
	}
}

// RenewNow requests an immediate renewal without waiting for the next tick.
func (r *Renewer) RenewNow() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Run renews on every tick until ctx is cancelled.
func (r *Renewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("session renewer started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("session renewer stopped")
			return nil
		case <-ticker.C:
		case <-r.wakeCh:
			r.log.Info("renewal requested")
		}

		if err := r.Renew(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("failed to renew session, retrying next tick", "error", err, "retry_in", r.interval)
		}
	}
}

// Renew performs one renewal: refresh session and OAuth tokens, or sign in
// again when either refresh fails.
func (r *Renewer) Renew(ctx context.Context) error {
	r.log.Debug("renewing Abode session")

	err := r.refresh(ctx)
	if err == nil {
		return nil
	}

	r.log.Info("session refresh failed, signing in again", "error", err)
	if authErr := r.client.Authenticate(ctx); authErr != nil {
		return fmt.Errorf("auth: renew: %w", authErr)
	}
	return nil
}

func (r *Renewer) refresh(ctx context.Context) error {
	// The refresh is pinned to the API key held when it starts. A login or
	// Clear that lands meanwhile wins over the refreshed pair.
	apiKey := r.state.Snapshot().APIKey
	if apiKey == "" {
		return fmt.Errorf("auth: renew: %w", session.ErrMissingAPIKey)
	}

	sess, err := r.client.RefreshSessionToken(ctx)
	if err != nil {
		return err
	}

	// The new session is used for the claims call before anything is
	// published, so the pair is always committed together.
	next := session.Tokens{Session: sess, APIKey: apiKey}
	oauth, err := r.client.fetchOAuthToken(ctx, &next)
	if err != nil {
		return err
	}

	if !r.state.Renew(apiKey, sess, oauth) {
		r.log.Info("tokens replaced during renewal, discarding refreshed session")
		return nil
	}
	r.log.Debug("session renewed")
	return nil
}
