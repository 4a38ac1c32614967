// Package reconcile decides when cached garage door state can be trusted.
//
// Every tracked device is in one of three modes:
//
//	Live          push channel connected, cached state is current
//	PendingStale  push channel lost, within the grace period
//	Unknown       grace period elapsed or a re-fetch failed; a later
//	              successful re-fetch while connected restores Live
//
// A device in Unknown is reported as DoorUnknown regardless of its last
// fetched position.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/state"
)

// DefaultGrace is how long cached state is trusted after a disconnect.
const DefaultGrace = 30 * time.Second

// Mode is the trust level of a device's cached state.
type Mode string

const (
	ModeLive         Mode = "live"
	ModePendingStale Mode = "pending_stale"
	ModeUnknown      Mode = "unknown"
)

// DoorState is the externally visible door position.
type DoorState string

const (
	DoorOpen    DoorState = "open"
	DoorClosed  DoorState = "closed"
	DoorStopped DoorState = "stopped"
	DoorUnknown DoorState = "unknown"
)

// View is the reconciled state of one garage door.
type View struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Mode       Mode      `json:"mode"`
	State      DoorState `json:"state"`
	LowBattery bool      `json:"low_battery"`
	Jammed     bool      `json:"jammed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Lister fetches the current garage door list.
type Lister interface {
	GarageDoors(ctx context.Context) ([]device.Device, error)
}

// AfterFunc schedules f after d and returns a function that cancels it.
// time.AfterFunc satisfies it through StdAfterFunc.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// StdAfterFunc schedules with the runtime timer.
func StdAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Config configures a Reconciler.
type Config struct {
	Grace        time.Duration
	FetchTimeout time.Duration
	AfterFunc    AfterFunc
}

type entry struct {
	dev       device.Device
	mode      Mode
	updatedAt time.Time
}

func (e *entry) view() View {
	v := View{
		ID:         e.dev.ID,
		Name:       e.dev.Name,
		Mode:       e.mode,
		LowBattery: e.dev.Faults.IsLowBattery(),
		Jammed:     e.dev.Faults.IsJammed(),
		UpdatedAt:  e.updatedAt,
	}
	v.State = doorState(e.dev, e.mode)
	return v
}

func doorState(d device.Device, mode Mode) DoorState {
	if mode == ModeUnknown {
		return DoorUnknown
	}
	if d.Faults.IsJammed() {
		return DoorStopped
	}
	switch d.Status {
	case device.StatusOpen:
		return DoorOpen
	case device.StatusClosed:
		return DoorClosed
	default:
		return DoorUnknown
	}
}

// Reconciler consumes connectivity and device events from the bus and keeps
// per-device views. View changes are published back on the bus as
// state.EventDeviceState.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The grace timer fires on its
//     own goroutine.
type Reconciler struct {
	lister       Lister
	bus          *state.EventBus
	grace        time.Duration
	fetchTimeout time.Duration
	afterFunc    AfterFunc
	log          *slog.Logger

	events <-chan state.Event
	unsub  func()

	mu        sync.Mutex
	devices   map[string]*entry
	order     []string
	connected bool
	stopTimer func() bool
	timerGen  uint64
}

// New creates a reconciler and subscribes it to the bus immediately, so no
// event published after New is missed.
func New(lister Lister, bus *state.EventBus, cfg Config, log *slog.Logger) *Reconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = StdAfterFunc
	}
	ch, unsub := bus.Subscribe(128)
	return &Reconciler{
		lister:       lister,
		bus:          bus,
		grace:        cfg.Grace,
		fetchTimeout: cfg.FetchTimeout,
		afterFunc:    cfg.AfterFunc,
		log:          log,
		events:       ch,
		unsub:        unsub,
		devices:      make(map[string]*entry),
	}
}

// Track seeds or replaces the tracked garage doors.
func (r *Reconciler) Track(devices []device.Device) {
	r.apply(func() {
		now := time.Now()
		for _, d := range devices {
			if !d.IsGarageDoor() {
				continue
			}
			e, ok := r.devices[d.ID]
			if !ok {
				e = &entry{mode: ModeLive}
				r.devices[d.ID] = e
				r.order = append(r.order, d.ID)
				r.log.Info("tracking garage door", "device_id", d.ID, "name", d.Name)
			}
			e.dev = d
			e.updatedAt = now
		}
	})
}

// View returns the reconciled view of one device.
func (r *Reconciler) View(id string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return View{}, false
	}
	return e.view(), true
}

// Views returns all views in tracking order.
func (r *Reconciler) Views() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewsLocked()
}

func (r *Reconciler) viewsLocked() []View {
	out := make([]View, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].view())
	}
	return out
}

// Run handles bus events until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.stopTimer != nil {
				r.stopTimer()
				r.stopTimer = nil
			}
			r.mu.Unlock()
			return nil
		case evt, ok := <-r.events:
			if !ok {
				return nil
			}
			r.HandleEvent(ctx, evt)
		}
	}
}

// HandleEvent applies one bus event. Re-fetches run synchronously.
func (r *Reconciler) HandleEvent(ctx context.Context, evt state.Event) {
	switch evt.Type {
	case state.EventDisconnected:
		r.onDisconnected()
	case state.EventConnected:
		r.onConnected(ctx)
	case state.EventDeviceChanged:
		r.onDeviceChanged(ctx, evt.DeviceID)
	}
}

func (r *Reconciler) onDisconnected() {
	r.apply(func() {
		r.connected = false
		for _, e := range r.devices {
			if e.mode == ModeLive {
				e.mode = ModePendingStale
			}
		}
		if r.stopTimer != nil {
			return
		}
		r.timerGen++
		gen := r.timerGen
		r.stopTimer = r.afterFunc(r.grace, func() { r.expire(gen) })
		r.log.Info("push channel lost, cached state trusted for grace period", "grace", r.grace)
	})
}

func (r *Reconciler) expire(gen uint64) {
	r.apply(func() {
		if gen != r.timerGen || r.connected {
			return
		}
		r.stopTimer = nil
		for _, e := range r.devices {
			e.mode = ModeUnknown
		}
		r.log.Warn("push channel still down after grace period, reporting state as unknown")
	})
}

func (r *Reconciler) onConnected(ctx context.Context) {
	r.mu.Lock()
	r.connected = true
	if r.stopTimer != nil {
		r.stopTimer()
		r.stopTimer = nil
	}
	r.timerGen++
	r.mu.Unlock()

	// Updates may have been missed while disconnected.
	if err := r.Refresh(ctx); err != nil {
		r.log.Error("failed to refresh devices after reconnect", "error", err)
	}
}

func (r *Reconciler) onDeviceChanged(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.devices[id]
	// A device left Unknown by a failed re-fetch recovers on the next push
	// while the channel is up.
	fetch := ok && (e.mode == ModeLive || (e.mode == ModeUnknown && r.connected))
	r.mu.Unlock()

	if !ok {
		r.log.Debug("ignoring update for untracked device", "device_id", id)
		return
	}
	if !fetch {
		return
	}
	if err := r.refresh(ctx, id); err != nil {
		r.log.Error("failed to refresh device", "device_id", id, "error", err)
	}
}

// Refresh re-fetches all garage doors. On failure every device is marked
// Unknown.
func (r *Reconciler) Refresh(ctx context.Context) error {
	return r.refresh(ctx, "")
}

// refresh re-fetches the device list and applies it to one device, or to all
// when only is empty.
func (r *Reconciler) refresh(ctx context.Context, only string) error {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	doors, err := r.lister.GarageDoors(ctx)
	if err != nil {
		r.apply(func() {
			for id, e := range r.devices {
				if only == "" || id == only {
					e.mode = ModeUnknown
				}
			}
		})
		return err
	}

	r.apply(func() {
		now := time.Now()
		for _, d := range doors {
			if only != "" && d.ID != only {
				continue
			}
			e, ok := r.devices[d.ID]
			if !ok {
				if only != "" {
					continue
				}
				e = &entry{}
				r.devices[d.ID] = e
				r.order = append(r.order, d.ID)
				r.log.Info("tracking garage door", "device_id", d.ID, "name", d.Name)
			}
			e.dev = d
			e.updatedAt = now
			switch {
			case r.connected:
				e.mode = ModeLive
			case e.mode == "":
				e.mode = ModeLive
			}
		}
	})
	return nil
}

// apply runs fn under the lock and publishes every view it changed.
func (r *Reconciler) apply(fn func()) {
	r.mu.Lock()
	before := make(map[string]View, len(r.devices))
	for id, e := range r.devices {
		before[id] = e.view()
	}
	fn()
	var changed []View
	for _, id := range r.order {
		v := r.devices[id].view()
		if old, ok := before[id]; !ok || !sameView(old, v) {
			changed = append(changed, v)
		}
	}
	r.mu.Unlock()

	for _, v := range changed {
		r.bus.Publish(state.Event{Type: state.EventDeviceState, DeviceID: v.ID, Data: v})
	}
}

func sameView(a, b View) bool {
	return a.Mode == b.Mode && a.State == b.State && a.Name == b.Name &&
		a.LowBattery == b.LowBattery && a.Jammed == b.Jammed
}
