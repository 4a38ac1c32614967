package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/reconcile"
	"github.com/trymwestin/abodegate/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBroker keeps the last retained payload per topic and the command
// handlers, so tests can inject messages.
type recordingBroker struct {
	mu       sync.Mutex
	retained map[string]string
	handlers map[string]func(string, []byte)
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{
		retained: make(map[string]string),
		handlers: make(map[string]func(string, []byte)),
	}
}

func (b *recordingBroker) publish(topic, payload string, _ bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[topic] = payload
}

func (b *recordingBroker) subscribe(topic string, handler func(string, []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

func (b *recordingBroker) get(topic string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.retained[topic]
	return v, ok
}

func (b *recordingBroker) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	b.handler(t, topic)(topic, []byte(payload))
}

func (b *recordingBroker) handler(t *testing.T, topic string) func(string, []byte) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", topic)
	}
	return h
}

type fakeDoors struct {
	mu    sync.Mutex
	calls []string
	err   error
	// block, when set, holds every call until it is closed or ctx ends.
	block chan struct{}
}

func (f *fakeDoors) SetActuatorTarget(ctx context.Context, id string, target device.StatusInt) (device.ControlAck, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id+"="+target.String())
	block, err := f.block, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return device.ControlAck{}, ctx.Err()
		}
	}
	if err != nil {
		return device.ControlAck{}, err
	}
	return device.ControlAck{ID: id, Status: target}, nil
}

func (f *fakeDoors) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeViews struct {
	views     []reconcile.View
	connected bool
}

func (f *fakeViews) Devices() []reconcile.View { return f.views }

func (f *fakeViews) Connectivity() state.ConnectivitySnapshot {
	return state.ConnectivitySnapshot{Connected: f.connected}
}

func newTestPublisher(views *fakeViews, doors *fakeDoors) (*HAPublisher, *recordingBroker, *state.EventBus) {
	bus := state.NewEventBus(testLogger())
	p := NewHAPublisher(Config{}, doors, views, bus, testLogger())
	b := newRecordingBroker()
	p.broker = b
	return p, b, bus
}

func garage(id string, st reconcile.DoorState) reconcile.View {
	return reconcile.View{ID: id, Name: "Garage", Mode: reconcile.ModeLive, State: st}
}

// ============================================================================
// Helpers
// ============================================================================

func TestObjectID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ZW:00000007", "zw_00000007"},
		{"RF:ab-12", "rf_ab-12"},
		{"plain", "plain"},
		{"a b/c", "a_b_c"},
	}
	for _, tt := range tests {
		if got := objectID(tt.in); got != tt.want {
			t.Errorf("objectID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatePayload(t *testing.T) {
	tests := []struct {
		in   reconcile.DoorState
		want string
	}{
		{reconcile.DoorOpen, "open"},
		{reconcile.DoorClosed, "closed"},
		{reconcile.DoorStopped, "stopped"},
		{reconcile.DoorUnknown, "None"},
		{"", "None"},
	}
	for _, tt := range tests {
		if got := statePayload(tt.in); got != tt.want {
			t.Errorf("statePayload(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCommandTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    device.StatusInt
		wantErr bool
	}{
		{"OPEN", device.StatusIntOpen, false},
		{" close ", device.StatusIntClosed, false},
		{"STOP", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := commandTarget(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("commandTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("commandTarget(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ============================================================================
// Discovery and state
// ============================================================================

func TestOnConnect_PublishesDiscoveryAndState(t *testing.T) {
	views := &fakeViews{views: []reconcile.View{garage("ZW:1", reconcile.DoorClosed)}, connected: true}
	p, b, _ := newTestPublisher(views, &fakeDoors{})

	p.onConnect()

	if got, _ := b.get("abode/status"); got != "online" {
		t.Errorf("availability = %q, want online", got)
	}
	if got, _ := b.get("abode/connection/state"); got != "ON" {
		t.Errorf("connection = %q, want ON", got)
	}
	if got, _ := b.get("abode/zw_1/state"); got != "closed" {
		t.Errorf("door state = %q, want closed", got)
	}
	if got, _ := b.get("abode/zw_1/jammed"); got != "OFF" {
		t.Errorf("jammed = %q, want OFF", got)
	}

	raw, ok := b.get("homeassistant/cover/zw_1/config")
	if !ok {
		t.Fatal("cover discovery not published")
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("discovery payload: %v", err)
	}
	if cfg["device_class"] != "garage" {
		t.Errorf("device_class = %v, want garage", cfg["device_class"])
	}
	if cfg["command_topic"] != "abode/zw_1/set" {
		t.Errorf("command_topic = %v, want abode/zw_1/set", cfg["command_topic"])
	}
	if _, ok := b.get("homeassistant/binary_sensor/zw_1_low_battery/config"); !ok {
		t.Error("low battery discovery not published")
	}
}

func TestHandleEvent_DeviceState(t *testing.T) {
	p, b, _ := newTestPublisher(&fakeViews{}, &fakeDoors{})

	p.handleEvent(state.Event{Type: state.EventDeviceState, DeviceID: "ZW:2", Data: garage("ZW:2", reconcile.DoorOpen)})
	if got, _ := b.get("abode/zw_2/state"); got != "open" {
		t.Errorf("state = %q, want open", got)
	}

	stale := garage("ZW:2", reconcile.DoorUnknown)
	stale.Mode = reconcile.ModeUnknown
	p.handleEvent(state.Event{Type: state.EventDeviceState, DeviceID: "ZW:2", Data: stale})
	if got, _ := b.get("abode/zw_2/state"); got != "None" {
		t.Errorf("state = %q, want None", got)
	}

	p.handleEvent(state.Event{Type: state.EventDisconnected})
	if got, _ := b.get("abode/connection/state"); got != "OFF" {
		t.Errorf("connection = %q, want OFF", got)
	}
}

func TestHandleEvent_IgnoresBadData(t *testing.T) {
	p, b, _ := newTestPublisher(&fakeViews{}, &fakeDoors{})
	p.handleEvent(state.Event{Type: state.EventDeviceState, Data: "nope"})

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.retained) != 0 {
		t.Errorf("published %v, want nothing", b.retained)
	}
}

// ============================================================================
// Commands
// ============================================================================

func TestCoverCommand(t *testing.T) {
	doors := &fakeDoors{}
	views := &fakeViews{views: []reconcile.View{garage("ZW:1", reconcile.DoorClosed)}}
	p, b, _ := newTestPublisher(views, doors)
	p.onConnect()

	b.deliver(t, "abode/zw_1/set", "OPEN")
	b.deliver(t, "abode/zw_1/set", "CLOSE")
	b.deliver(t, "abode/zw_1/set", "STOP")

	waitCalls(t, doors, 2)
	_ = p.Stop(context.Background())

	got := doors.history()
	want := []string{"ZW:1=open", "ZW:1=closed"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCoverCommand_ErrorIsLogged(t *testing.T) {
	doors := &fakeDoors{err: errors.New("offline")}
	views := &fakeViews{views: []reconcile.View{garage("ZW:1", reconcile.DoorClosed)}}
	p, b, _ := newTestPublisher(views, doors)
	p.onConnect()

	b.deliver(t, "abode/zw_1/set", "OPEN")
	waitCalls(t, doors, 1)
	_ = p.Stop(context.Background())
	if len(doors.history()) != 1 {
		t.Errorf("calls = %v, want one attempt", doors.history())
	}
}

func TestCoverCommand_DoesNotBlockDelivery(t *testing.T) {
	doors := &fakeDoors{block: make(chan struct{})}
	views := &fakeViews{views: []reconcile.View{garage("ZW:1", reconcile.DoorClosed)}}
	p, b, _ := newTestPublisher(views, doors)
	p.onConnect()

	h := b.handler(t, "abode/zw_1/set")
	delivered := make(chan struct{})
	go func() {
		h("abode/zw_1/set", []byte("OPEN"))
		h("abode/zw_1/set", []byte("CLOSE"))
		close(delivered)
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("command delivery blocked on a pending control call")
	}

	waitCalls(t, doors, 1)
	close(doors.block)
	waitCalls(t, doors, 2)
	_ = p.Stop(context.Background())
}

func TestStop_CancelsPendingCoverCommand(t *testing.T) {
	doors := &fakeDoors{block: make(chan struct{})}
	views := &fakeViews{views: []reconcile.View{garage("ZW:1", reconcile.DoorClosed)}}
	p, b, _ := newTestPublisher(views, doors)
	p.onConnect()

	b.deliver(t, "abode/zw_1/set", "OPEN")
	waitCalls(t, doors, 1)

	stopped := make(chan struct{})
	go func() {
		_ = p.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return with a control call in flight")
	}

	b.deliver(t, "abode/zw_1/set", "CLOSE")
	if got := len(doors.history()); got != 1 {
		t.Errorf("calls after Stop = %d, want 1", got)
	}
}

func waitCalls(t *testing.T, doors *fakeDoors, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(doors.history()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %v, want %d", doors.history(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeviceForCommandTopic(t *testing.T) {
	p, _, _ := newTestPublisher(&fakeViews{}, &fakeDoors{})
	p.ensureDoor(garage("ZW:9", reconcile.DoorOpen))

	if id, ok := p.deviceForCommandTopic("abode/zw_9/set"); !ok || id != "ZW:9" {
		t.Errorf("deviceForCommandTopic() = %q, %v, want ZW:9, true", id, ok)
	}
	for _, topic := range []string{"abode/zw_8/set", "other/zw_9/set", "abode/zw_9/state"} {
		if _, ok := p.deviceForCommandTopic(topic); ok {
			t.Errorf("deviceForCommandTopic(%q) ok = true, want false", topic)
		}
	}
}

// ============================================================================
// Event loop
// ============================================================================

func TestEventLoop(t *testing.T) {
	p, b, bus := newTestPublisher(&fakeViews{}, &fakeDoors{})
	p.startEventLoop()

	bus.Publish(state.Event{Type: state.EventConnected})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, _ := b.get("abode/connection/state"); got == "ON" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connected event not published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}

func TestStubPublisher(t *testing.T) {
	s := NewStubPublisher(testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Start() = %v, want nil", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}
