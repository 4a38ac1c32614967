// Package gateway is the single path every call to the Abode cloud API takes.
// It classifies each request by endpoint, checks that the credentials the
// endpoint needs are held, and injects the matching headers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trymwestin/abodegate/internal/core/session"
)

// Cloud API paths.
const (
	LoginPath   = "/api/auth2/login"
	ClaimsPath  = "/api/auth2/claims"
	SessionPath = "/api/v1/session"
)

// Header names used by the cloud API.
const (
	HeaderAPIKey = "ABODE-API-KEY"
	CookieName   = "SESSION"

	userAgentBase   = "abodegate"
	maxResponseSize = 1 << 20
)

// Tier selects which credentials a request carries.
type Tier int

const (
	// TierNone carries the device cookie only.
	TierNone Tier = iota
	// TierSession needs session and API key.
	TierSession
	// TierFull additionally needs the OAuth bearer token.
	TierFull
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierSession:
		return "session"
	default:
		return "full"
	}
}

// Classify returns the tier for an API path.
//
// The claims endpoint issues the OAuth token, so it sits in the session tier
// next to the session-status endpoint. Claims requests therefore carry the
// ABODE-API-KEY header as well as the session cookie; the cloud accepts the
// extra header there.
func Classify(path string) Tier {
	switch path {
	case LoginPath:
		return TierNone
	case SessionPath, ClaimsPath:
		return TierSession
	default:
		return TierFull
	}
}

// Config configures a Gateway.
type Config struct {
	APIBase     string
	HostVersion string
	Timeout     time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Request is one outbound call.
type Request struct {
	Method string
	Path   string
	Body   any
	// Tokens, when set, is used instead of the shared state for this call
	// only. Login uses it to fetch the OAuth token before the new triple is
	// published.
	Tokens *session.Tokens
}

// Response is a fully read HTTP response.
type Response struct {
	Method     string
	Path       string
	StatusCode int
	Header     http.Header
	Body       []byte
	cookies    []*http.Cookie
}

// Cookie returns the value of a Set-Cookie entry, or "".
func (r *Response) Cookie(name string) string {
	for _, c := range r.cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// DecodeJSON unmarshals the body into v. Non-2xx statuses return a
// *StatusError.
func (r *Response) DecodeJSON(v any) error {
	if r.StatusCode < 200 || r.StatusCode >= 300 {
		return &StatusError{Method: r.Method, Path: r.Path, StatusCode: r.StatusCode, Body: strings.TrimSpace(string(r.Body))}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("gateway: decode %s %s: %w", r.Method, r.Path, err)
	}
	return nil
}

// Gateway sends requests to the cloud API.
//
// Thread Safety:
//   - Safe for concurrent use. The token state is read when each request is
//     sent, never cached.
type Gateway struct {
	base      *url.URL
	userAgent string
	deviceID  string
	state     *session.State
	http      *http.Client
	log       *slog.Logger
}

// New creates a gateway bound to the shared token state.
func New(cfg Config, deviceID string, state *session.State, log *slog.Logger) (*Gateway, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("gateway: api base is required")
	}
	base, err := url.Parse(cfg.APIBase)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse api base: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway: api base must include scheme and host")
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	ua := userAgentBase
	if cfg.HostVersion != "" {
		ua = userAgentBase + "/" + cfg.HostVersion
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Gateway{
		base:      base,
		userAgent: ua,
		deviceID:  deviceID,
		state:     state,
		http:      client,
		log:       log,
	}, nil
}

// Do sends req after checking and injecting the credentials its tier needs.
// Precondition failures return before any network I/O.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	tokens := g.state.Snapshot()
	if req.Tokens != nil {
		tokens = *req.Tokens
	}

	tier := Classify(req.Path)
	switch tier {
	case TierSession:
		if err := tokens.RequireSession(); err != nil {
			return nil, fmt.Errorf("gateway: %s %s: %w", req.Method, req.Path, err)
		}
	case TierFull:
		if err := tokens.RequireFull(); err != nil {
			return nil, fmt.Errorf("gateway: %s %s: %w", req.Method, req.Path, err)
		}
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode %s %s: %w", req.Method, req.Path, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.resolve(req.Path), body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build %s %s: %w", req.Method, req.Path, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	g.decorate(httpReq, tier, tokens)

	g.log.Debug("api request", "method", req.Method, "path", req.Path, "tier", tier.String())

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %w", ErrTransport, req.Method, req.Path, err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("%w: %s %s: over %d bytes", ErrResponseTooLarge, req.Method, req.Path, maxResponseSize)
	}

	return &Response{
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		cookies:    resp.Cookies(),
	}, nil
}

// SocketHeader returns the headers for the push-event handshake. The socket
// authenticates with the same cookie as HTTP calls, read from the current
// state.
func (g *Gateway) SocketHeader() (http.Header, error) {
	tokens := g.state.Snapshot()
	if err := tokens.RequireSession(); err != nil {
		return nil, fmt.Errorf("gateway: socket handshake: %w", err)
	}
	h := http.Header{}
	h.Set("User-Agent", g.userAgent)
	h.Set("Origin", g.origin())
	h.Set("Cookie", g.cookie(tokens))
	return h, nil
}

// BaseURL returns the configured API base without trailing slash.
func (g *Gateway) BaseURL() string {
	return g.base.String()
}

// UserAgent returns the identifying user agent sent on every call.
func (g *Gateway) UserAgent() string {
	return g.userAgent
}

func (g *Gateway) decorate(req *http.Request, tier Tier, tokens session.Tokens) {
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Origin", g.origin())
	req.Header.Set("Cookie", g.cookie(tokens))
	if tier == TierNone {
		return
	}
	req.Header.Set(HeaderAPIKey, tokens.APIKey)
	if tier == TierSession {
		return
	}
	req.Header.Set("Authorization", "Bearer "+tokens.OAuthToken)
}

func (g *Gateway) cookie(tokens session.Tokens) string {
	return fmt.Sprintf("%s=%s;uuid=%s", CookieName, tokens.Session, g.deviceID)
}

func (g *Gateway) origin() string {
	return g.base.Scheme + "://" + g.base.Host + "/"
}

func (g *Gateway) resolve(p string) string {
	u := *g.base
	u.Path = g.base.Path + "/" + strings.TrimPrefix(p, "/")
	return u.String()
}
