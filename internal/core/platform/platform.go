// Package platform assembles the cloud client: token state, gateway, auth,
// renewer, push stream, device directory and reconciler.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/abodegate/internal/config"
	"github.com/trymwestin/abodegate/internal/core/auth"
	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/events"
	"github.com/trymwestin/abodegate/internal/core/gateway"
	"github.com/trymwestin/abodegate/internal/core/reconcile"
	"github.com/trymwestin/abodegate/internal/core/session"
	"github.com/trymwestin/abodegate/internal/core/state"
	"github.com/trymwestin/abodegate/internal/core/transport"
)

// Option customises New.
type Option func(*options)

type options struct {
	httpClient *http.Client
	afterFunc  reconcile.AfterFunc
	deviceID   string
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithAfterFunc replaces the timer used for the stale grace period.
func WithAfterFunc(f reconcile.AfterFunc) Option {
	return func(o *options) { o.afterFunc = f }
}

// WithDeviceID fixes the client identifier instead of generating one.
func WithDeviceID(id string) Option {
	return func(o *options) { o.deviceID = id }
}

// Platform owns the component graph and its background loops.
type Platform struct {
	log *slog.Logger

	deviceID     string
	tokens       *session.State
	gateway      *gateway.Gateway
	auth         *auth.Client
	renewer      *auth.Renewer
	bus          *state.EventBus
	connectivity *state.Connectivity
	stream       *events.Stream
	directory    *device.Directory
	reconciler   *reconcile.Reconciler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New builds the component graph. Nothing touches the network until Start.
func New(cfg config.AbodeConfig, log *slog.Logger, opts ...Option) (*Platform, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.deviceID == "" {
		o.deviceID = session.NewDeviceID()
	}

	tokens := session.NewState()
	gw, err := gateway.New(gateway.Config{
		APIBase:     cfg.APIBase,
		HostVersion: cfg.HostVersion,
		Timeout:     cfg.RequestTimeout,
		HTTPClient:  o.httpClient,
	}, o.deviceID, tokens, log.With("component", "gateway"))
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	dialer, err := transport.NewSocketDialer(cfg.APIBase, log.With("component", "transport"))
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	creds := session.Credentials{Email: cfg.Email, Password: cfg.Password}
	authClient := auth.NewClient(creds, o.deviceID, tokens, gw, log.With("component", "auth"))
	renewer := auth.NewRenewer(authClient, tokens, cfg.RenewInterval, log.With("component", "renewer"))

	bus := state.NewEventBus(log.With("component", "bus"))
	connectivity := state.NewConnectivity(bus)
	stream := events.NewStream(
		dialer,
		gw,
		connectivity,
		renewer,
		events.Backoff{Initial: cfg.ReconnectInitial, Max: cfg.ReconnectMax},
		log.With("component", "events"),
	)

	directory := device.NewDirectory(gw, log.With("component", "devices"))
	reconciler := reconcile.New(directory, bus, reconcile.Config{
		Grace:        cfg.StaleGrace,
		FetchTimeout: cfg.RequestTimeout,
		AfterFunc:    o.afterFunc,
	}, log.With("component", "reconcile"))

	return &Platform{
		log:          log,
		deviceID:     o.deviceID,
		tokens:       tokens,
		gateway:      gw,
		auth:         authClient,
		renewer:      renewer,
		bus:          bus,
		connectivity: connectivity,
		stream:       stream,
		directory:    directory,
		reconciler:   reconciler,
	}, nil
}

// Login signs in without starting the background loops. One-shot commands
// use it instead of Start.
func (p *Platform) Login(ctx context.Context) error {
	if err := p.auth.Authenticate(ctx); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	return nil
}

// Start signs in, seeds the tracked garage doors and launches the renewer,
// the push stream and the reconciler. A login failure is returned and
// nothing is started.
func (p *Platform) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	if err := p.Login(ctx); err != nil {
		return err
	}

	doors, err := p.directory.GarageDoors(ctx)
	if err != nil {
		// The reconciler re-fetches on the first push connect.
		p.log.Warn("initial device discovery failed", "error", err)
	} else {
		p.log.Info("discovered garage doors", "count", len(doors))
		p.reconciler.Track(doors)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.renewer.Run(gctx) })
	g.Go(func() error { return p.stream.Run(gctx) })
	g.Go(func() error { return p.reconciler.Run(gctx) })

	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		err := g.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	p.log.Info("platform started", "device_id", p.deviceID)
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (p *Platform) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}

	cancel()
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info("platform stopped")
	return p.err
}

// Done is closed once the background loops have exited. Before Start no loops
// are running and the returned channel is already closed.
func (p *Platform) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

// ListDevices returns every device on the account.
func (p *Platform) ListDevices(ctx context.Context) ([]device.Device, error) {
	return p.directory.ListDevices(ctx)
}

// GarageDoors returns the garage doors on the account.
func (p *Platform) GarageDoors(ctx context.Context) ([]device.Device, error) {
	return p.directory.GarageDoors(ctx)
}

// SetActuatorTarget sends a door command. The resulting state change arrives
// through the push channel.
func (p *Platform) SetActuatorTarget(ctx context.Context, id string, target device.StatusInt) (device.ControlAck, error) {
	return p.directory.SetActuatorTarget(ctx, id, target)
}

// Subscribe returns bus events; call the returned func to unsubscribe.
func (p *Platform) Subscribe(buffer int) (<-chan state.Event, func()) {
	return p.bus.Subscribe(buffer)
}

// Devices returns the reconciled garage door views.
func (p *Platform) Devices() []reconcile.View {
	return p.reconciler.Views()
}

// Device returns one reconciled view.
func (p *Platform) Device(id string) (reconcile.View, bool) {
	return p.reconciler.View(id)
}

// Connectivity returns the push channel status.
func (p *Platform) Connectivity() state.ConnectivitySnapshot {
	return p.connectivity.Snapshot()
}

// Authenticated reports whether a full token triple is held.
func (p *Platform) Authenticated() bool {
	return p.tokens.Snapshot().Complete()
}

// DeviceID returns the client identifier sent on login.
func (p *Platform) DeviceID() string {
	return p.deviceID
}
