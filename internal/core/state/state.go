// Package state carries push-channel connectivity and the event bus that
// fans notifications out to the reconciler and consumers.
package state

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies event categories.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventDeviceChanged EventType = "device_changed"
	// EventDeviceState carries a reconciled device view for consumers.
	EventDeviceState EventType = "device_state"
)

// Event represents a notification.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// DeviceID is set for device events.
	DeviceID string `json:"device_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus. Each subscriber receives
// events in publish order.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- Connectivity ---

// ConnectivitySnapshot is a copy of the push channel status.
type ConnectivitySnapshot struct {
	Connected      bool      `json:"connected"`
	LastDisconnect time.Time `json:"last_disconnect,omitempty"`
}

// Connectivity tracks the push channel status and announces transitions on
// the bus.
type Connectivity struct {
	mu             sync.RWMutex
	connected      bool
	lastDisconnect time.Time
	bus            *EventBus
}

// NewConnectivity creates a tracker wired to the event bus.
func NewConnectivity(bus *EventBus) *Connectivity {
	return &Connectivity{bus: bus}
}

// Snapshot returns the current status.
func (c *Connectivity) Snapshot() ConnectivitySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectivitySnapshot{Connected: c.connected, LastDisconnect: c.lastDisconnect}
}

// SetConnected records a transition. Repeated calls with the same value do
// not publish.
func (c *Connectivity) SetConnected(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	now := time.Now()
	if !connected {
		c.lastDisconnect = now
	}
	c.mu.Unlock()

	if connected {
		c.bus.Publish(Event{Type: EventConnected, Timestamp: now})
	} else {
		c.bus.Publish(Event{Type: EventDisconnected, Timestamp: now})
	}
}

// DeviceChanged announces a push update for a device.
func (c *Connectivity) DeviceChanged(deviceID string) {
	c.bus.Publish(Event{Type: EventDeviceChanged, DeviceID: deviceID})
}
