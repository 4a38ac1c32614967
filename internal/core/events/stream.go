// Package events keeps one live push-event connection to the Abode cloud,
// reconnects with capped exponential backoff, and republishes device updates
// on the event bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/trymwestin/abodegate/internal/core/state"
	"github.com/trymwestin/abodegate/internal/core/transport"
)

// DeviceUpdateEvent is the Socket.IO event name for device changes.
const DeviceUpdateEvent = "com.goabode.device.update"

// Default reconnect and keepalive parameters.
const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 2 * time.Minute

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 60 * time.Second
)

// ErrSocket wraps push channel failures. It never leaves this package's
// run loop; callers only see Connected/Disconnected transitions.
var ErrSocket = errors.New("events: socket error")

// HeaderSource returns the handshake headers built from the current session.
type HeaderSource interface {
	SocketHeader() (http.Header, error)
}

// Renewer is asked for an immediate session renewal when the server rejects
// the handshake.
type Renewer interface {
	RenewNow()
}

// Backoff configures the reconnect delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) normalize() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultReconnectInitial
	}
	if b.Max < b.Initial {
		b.Max = DefaultReconnectMax
		if b.Max < b.Initial {
			b.Max = b.Initial
		}
	}
	return b
}

func (b Backoff) next(cur time.Duration) time.Duration {
	return time.Duration(math.Min(float64(cur)*2, float64(b.Max)))
}

// Stream manages the push-event connection.
type Stream struct {
	dialer       transport.Dialer
	headers      HeaderSource
	connectivity *state.Connectivity
	renewer      Renewer
	backoff      Backoff
	log          *slog.Logger

	conn   transport.Conn
	connMu sync.Mutex
	wakeCh chan struct{}
}

// NewStream creates a stream. renewer may be nil.
func NewStream(
	dialer transport.Dialer,
	headers HeaderSource,
	connectivity *state.Connectivity,
	renewer Renewer,
	backoff Backoff,
	log *slog.Logger,
) *Stream {
	return &Stream{
		dialer:       dialer,
		headers:      headers,
		connectivity: connectivity,
		renewer:      renewer,
		backoff:      backoff.normalize(),
		log:          log,
		wakeCh:       make(chan struct{}, 1),
	}
}

// Connected reports whether a socket is currently open.
func (s *Stream) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// Reconnect skips any pending backoff wait.
func (s *Stream) Reconnect() {
	s.signalWake()
}

func (s *Stream) signalWake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run keeps the connection alive until ctx is cancelled. Socket errors are
// logged and retried; Run only returns when ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.backoff.Initial

	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return nil
		default:
		}

		connected, err := s.connectAndRun(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.disconnect()
				s.log.Info("push channel: shutting down")
				return nil
			}
			s.log.Warn("push channel: connection error", "error", err, "retry_in", backoff)
		}

		s.disconnect()

		if connected {
			backoff = s.backoff.Initial
		}

		// Interruptible backoff, a wake signal skips the wait
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wakeCh:
			timer.Stop()
			backoff = s.backoff.Initial
			s.log.Info("wake signal received, reconnecting immediately")
			continue
		case <-timer.C:
		}

		backoff = s.backoff.next(backoff)
	}
}

func (s *Stream) connectAndRun(ctx context.Context) (connected bool, err error) {
	header, err := s.headers.SocketHeader()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSocket, err)
	}

	conn, err := s.dialer.Dial(ctx, header)
	if err != nil {
		if transport.IsUnauthorized(err) && s.renewer != nil {
			s.log.Warn("push channel rejected session, requesting renewal")
			s.renewer.RenewNow()
		}
		return false, fmt.Errorf("%w: dial: %w", ErrSocket, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	// Unblock a pending read on shutdown.
	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	if err := conn.SetReadDeadline(time.Now().Add(defaultPingInterval + defaultPingTimeout)); err != nil {
		return false, fmt.Errorf("%w: %w", ErrSocket, err)
	}

	open, err := conn.Recv(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: open: %w", ErrSocket, err)
	}
	if open.Type != transport.PacketOpen {
		return false, fmt.Errorf("%w: expected open packet, got %s", ErrSocket, open.Type)
	}
	hs, err := transport.ParseHandshake(open.Data)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSocket, err)
	}

	interval := time.Duration(hs.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	timeout := time.Duration(hs.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	s.log.Info("push channel open", "sid", hs.SID, "ping_interval", interval)

	keepaliveCtx, keepaliveCancel := context.WithCancel(ctx)
	defer keepaliveCancel()
	go s.keepaliveLoop(keepaliveCtx, conn, interval)

	return s.readLoop(ctx, conn, interval+timeout)
}

func (s *Stream) disconnect() {
	s.connMu.Lock()
	if s.conn != nil {
		s.log.Info("closing push channel")
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.connectivity.SetConnected(false)
}

func (s *Stream) keepaliveLoop(ctx context.Context, conn transport.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(ctx, transport.Packet{Type: transport.PacketPing}); err != nil {
				s.log.Warn("keepalive ping failed, closing socket", "error", err)
				conn.Close()
				return
			}
			s.log.Debug("keepalive ping sent")
		}
	}
}

// readLoop handles packets until the connection fails. connected reports
// whether the namespace connect was seen.
func (s *Stream) readLoop(ctx context.Context, conn transport.Conn, deadline time.Duration) (connected bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return connected, ctx.Err()
		default:
		}

		pkt, err := conn.Recv(ctx)
		if err != nil {
			return connected, fmt.Errorf("%w: read: %w", ErrSocket, err)
		}

		if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return connected, fmt.Errorf("%w: %w", ErrSocket, err)
		}

		switch pkt.Type {
		case transport.PacketPing:
			if err := conn.Send(ctx, transport.Packet{Type: transport.PacketPong, Data: pkt.Data}); err != nil {
				return connected, fmt.Errorf("%w: pong: %w", ErrSocket, err)
			}
		case transport.PacketPong, transport.PacketNoop:
			s.log.Debug("received keepalive", "type", pkt.Type.String())
		case transport.PacketClose:
			return connected, fmt.Errorf("%w: server closed connection", ErrSocket)
		case transport.PacketMessage:
			ok, err := s.handleMessage(pkt.Data)
			if err != nil {
				return connected, err
			}
			if ok {
				connected = true
			}
		default:
			s.log.Debug("unhandled packet", "type", pkt.Type.String())
		}
	}
}

// handleMessage processes one Socket.IO packet. It returns true when the
// namespace connect arrives.
func (s *Stream) handleMessage(data string) (bool, error) {
	msg, err := transport.ParseMessage(data)
	if err != nil {
		s.log.Warn("dropping malformed message", "error", err)
		return false, nil
	}

	switch msg.Kind {
	case transport.MessageConnect:
		s.log.Info("push channel connected", "namespace", msg.Namespace)
		s.connectivity.SetConnected(true)
		return true, nil

	case transport.MessageDisconnect:
		return false, fmt.Errorf("%w: server disconnected namespace %s", ErrSocket, msg.Namespace)

	case transport.MessageError:
		return false, fmt.Errorf("%w: server error: %s", ErrSocket, msg.Raw)

	case transport.MessageEvent:
		if msg.Event != DeviceUpdateEvent {
			s.log.Debug("ignoring event", "event", msg.Event)
			return false, nil
		}
		id, ok := deviceIDFromArgs(msg.Args)
		if !ok {
			s.log.Warn("device update without id", "args", len(msg.Args))
			return false, nil
		}
		s.log.Debug("device update received", "device_id", id)
		s.connectivity.DeviceChanged(id)
	}
	return false, nil
}

// deviceIDFromArgs accepts either a bare id string or an object carrying id
// or device_id.
func deviceIDFromArgs(args []json.RawMessage) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(args[0], &id); err == nil {
		return id, id != ""
	}
	var obj struct {
		ID       string `json:"id"`
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(args[0], &obj); err != nil {
		return "", false
	}
	if obj.ID != "" {
		return obj.ID, true
	}
	return obj.DeviceID, obj.DeviceID != ""
}
