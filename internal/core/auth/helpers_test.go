package auth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/trymwestin/abodegate/internal/core/gateway"
	"github.com/trymwestin/abodegate/internal/core/session"
)

// fakeAbode is a stub of the cloud auth endpoints with switchable failures.
type fakeAbode struct {
	mu sync.Mutex

	loginStatus   int
	loginToken    string
	loginCookie   string
	claimsStatus  int
	accessToken   string
	sessionStatus int
	sessionID     string

	logins   int
	claims   int
	sessions int

	lastClaimsAPIKey string
	lastClaimsCookie string

	// onClaims runs while a claims request is served, with f.mu held.
	onClaims func()
}

func newFakeAbode() *fakeAbode {
	return &fakeAbode{
		loginStatus:   http.StatusOK,
		loginToken:    "api-key",
		loginCookie:   "sess-1",
		claimsStatus:  http.StatusOK,
		accessToken:   "bearer-1",
		sessionStatus: http.StatusOK,
		sessionID:     "sess-2",
	}
}

func (f *fakeAbode) set(fn func(f *fakeAbode)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeAbode) counts() (logins, claims, sessions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.claims, f.sessions
}

func (f *fakeAbode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case gateway.LoginPath:
		f.logins++
		if f.loginCookie != "" {
			http.SetCookie(w, &http.Cookie{Name: gateway.CookieName, Value: f.loginCookie, Path: "/"})
		}
		w.WriteHeader(f.loginStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": f.loginToken})

	case gateway.ClaimsPath:
		f.claims++
		f.lastClaimsAPIKey = r.Header.Get(gateway.HeaderAPIKey)
		f.lastClaimsCookie = r.Header.Get("Cookie")
		if f.onClaims != nil {
			f.onClaims()
		}
		w.WriteHeader(f.claimsStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": f.accessToken})

	case gateway.SessionPath:
		f.sessions++
		w.WriteHeader(f.sessionStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": f.sessionID})

	default:
		http.NotFound(w, r)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	fake   *fakeAbode
	state  *session.State
	client *Client
}

func newHarness(t *testing.T, creds session.Credentials) *harness {
	t.Helper()
	fake := newFakeAbode()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	state := session.NewState()
	gw, err := gateway.New(gateway.Config{APIBase: srv.URL}, "device-1", state, testLogger())
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	return &harness{
		fake:   fake,
		state:  state,
		client: NewClient(creds, "device-1", state, gw, testLogger()),
	}
}

func validCreds() session.Credentials {
	return session.Credentials{Email: "user@example.com", Password: "hunter2"}
}
