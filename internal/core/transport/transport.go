// Package transport speaks Engine.IO v3 / Socket.IO over a websocket to the
// Abode push-event endpoint.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketPath is the Socket.IO endpoint on the API host.
const SocketPath = "/socket.io/"

// Conn represents a websocket connection that sends/receives Engine.IO packets.
type Conn interface {
	// Send writes one packet.
	Send(ctx context.Context, p Packet) error
	// Recv blocks until a packet is received or the read deadline passes.
	Recv(ctx context.Context) (Packet, error)
	// Close closes the underlying connection.
	Close() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer opens push-event connections.
type Dialer interface {
	Dial(ctx context.Context, header http.Header) (Conn, error)
}

// HandshakeError is returned when the server rejects the websocket upgrade
// with an HTTP status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake rejected: HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected the session.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsUnauthorized reports whether err is a handshake rejected for credentials.
func IsUnauthorized(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he) && he.Unauthorized()
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex // protects writes
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(_ context.Context, p Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(p.Encode())); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(_ context.Context) (Packet, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return Packet{}, fmt.Errorf("transport: read: %w", err)
	}

	if msgType != websocket.TextMessage {
		return Packet{}, fmt.Errorf("transport: unexpected message type %d", msgType)
	}
	return ParsePacket(string(data))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- Socket Dialer ---

// SocketDialer connects to the Socket.IO endpoint of the API host.
type SocketDialer struct {
	url string
	log *slog.Logger
}

// NewSocketDialer derives the websocket URL from the HTTP API base.
func NewSocketDialer(apiBase string, log *slog.Logger) (*SocketDialer, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("transport: parse api base: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + SocketPath
	q := url.Values{}
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	return &SocketDialer{url: u.String(), log: log}, nil
}

// URL returns the websocket URL.
func (d *SocketDialer) URL() string {
	return d.url
}

// Dial opens the websocket with the supplied handshake headers.
func (d *SocketDialer) Dial(ctx context.Context, header http.Header) (Conn, error) {
	d.log.Info("dialing push channel", "url", d.url)

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("transport: dial %s: %w", d.url, err)
	}

	d.log.Info("push channel connected")
	return newWSConn(ws), nil
}
