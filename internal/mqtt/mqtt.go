// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every garage door, relays cover commands to the
// cloud, and forwards reconciled door state from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/reconcile"
	"github.com/trymwestin/abodegate/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	ClientID        string
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// DoorController sends door commands to the cloud.
type DoorController interface {
	SetActuatorTarget(ctx context.Context, id string, target device.StatusInt) (device.ControlAck, error)
}

// ViewSource exposes the reconciled door views and push channel status.
type ViewSource interface {
	Devices() []reconcile.View
	Connectivity() state.ConnectivitySnapshot
}

// EventSource delivers bus events.
type EventSource interface {
	Subscribe(buffer int) (<-chan state.Event, func())
}

// broker is the slice of the MQTT client the publisher needs.
type broker interface {
	publish(topic, payload string, retained bool)
	subscribe(topic string, handler func(topic string, payload []byte))
}

// pahoBroker adapts a paho client.
type pahoBroker struct {
	client pahomqtt.Client
	log    *slog.Logger
}

func (b *pahoBroker) publish(topic, payload string, retained bool) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (b *pahoBroker) subscribe(topic string, handler func(topic string, payload []byte)) {
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Error("failed to subscribe", "topic", topic, "error", err)
	}
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// cover command topics and relays them to the cloud, and forwards door state
// from the EventBus.
type HAPublisher struct {
	cfg   Config
	doors DoorController
	views ViewSource
	bus   EventSource
	log   *slog.Logger

	client pahomqtt.Client
	broker broker

	mu         sync.Mutex
	discovered map[string]bool // object id -> discovery published
	objectIDs  map[string]string

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup

	// Cover commands run on their own goroutine, in arrival order, so a slow
	// control call never stalls the MQTT client's message router.
	cmds    chan coverCmd
	cmdOnce sync.Once
}

type coverCmd struct {
	id     string
	target device.StatusInt
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, doors DoorController, views ViewSource, bus EventSource, log *slog.Logger) *HAPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "abode"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "abodegate"
	}
	return &HAPublisher{
		cfg:        cfg,
		doors:      doors,
		views:      views,
		bus:        bus,
		log:        log,
		discovered: make(map[string]bool),
		objectIDs:  make(map[string]string),
		stopC:      make(chan struct{}),
		cmds:       make(chan coverCmd, 16),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes initial state, and starts listening on the
// EventBus for real-time updates.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)
	p.broker = &pahoBroker{client: p.client, log: p.log}

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.startEventLoop()

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

func (p *HAPublisher) startEventLoop() {
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.broker.publish(p.availabilityTopic(), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.mu.Lock()
	// Subscriptions do not survive a clean session.
	p.discovered = make(map[string]bool)
	p.mu.Unlock()

	p.broker.publish(p.availabilityTopic(), "online", true)
	p.publishBridgeDiscovery()

	p.broker.subscribe(p.cfg.DiscoveryPrefix+"/status", func(_ string, payload []byte) {
		if string(payload) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.mu.Unlock()
			p.publishBridgeDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// objectID turns a device id such as "ZW:00000007" into a discovery-safe id.
func objectID(deviceID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(deviceID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(prefix, component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, component, objectID)
}

func (p *HAPublisher) bridgeDevice() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{p.cfg.ClientID},
		"name":         "Abode Gateway",
		"manufacturer": "Abode",
		"model":        "Cloud bridge",
	}
}

func (p *HAPublisher) doorDevice(v reconcile.View) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{"abode_" + objectID(v.ID)},
		"name":         v.Name,
		"manufacturer": "Abode",
		"model":        "Garage Door",
		"via_device":   p.cfg.ClientID,
	}
}

func (p *HAPublisher) publishBridgeDiscovery() {
	oid := objectID(p.cfg.ClientID) + "_connection"
	p.publishDiscoveryConfig("binary_sensor", oid, map[string]interface{}{
		"name":         "Abode Push Connection",
		"unique_id":    oid,
		"state_topic":  p.topic("connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       p.bridgeDevice(),
		"availability": map[string]interface{}{"topic": p.availabilityTopic()},
	})
}

// coverConfig builds the discovery payload for a garage door cover.
func (p *HAPublisher) coverConfig(v reconcile.View) map[string]interface{} {
	oid := objectID(v.ID)
	return map[string]interface{}{
		"name":                  nil,
		"unique_id":             "abode_" + oid,
		"device_class":          "garage",
		"state_topic":           p.doorTopic(v.ID, "state"),
		"command_topic":         p.doorTopic(v.ID, "set"),
		"json_attributes_topic": p.doorTopic(v.ID, "attributes"),
		"payload_open":          "OPEN",
		"payload_close":         "CLOSE",
		"payload_stop":          nil,
		"state_open":            "open",
		"state_closed":          "closed",
		"state_stopped":         "stopped",
		"optimistic":            false,
		"device":                p.doorDevice(v),
		"availability":          map[string]interface{}{"topic": p.availabilityTopic()},
	}
}

func (p *HAPublisher) faultConfig(v reconcile.View, fault, name, class string) map[string]interface{} {
	return map[string]interface{}{
		"name":            name,
		"unique_id":       fmt.Sprintf("abode_%s_%s", objectID(v.ID), fault),
		"state_topic":     p.doorTopic(v.ID, fault),
		"device_class":    class,
		"entity_category": "diagnostic",
		"payload_on":      "ON",
		"payload_off":     "OFF",
		"device":          p.doorDevice(v),
		"availability":    map[string]interface{}{"topic": p.availabilityTopic()},
	}
}

// ensureDoor publishes discovery and subscribes to the command topic the
// first time a door is seen on this connection.
func (p *HAPublisher) ensureDoor(v reconcile.View) {
	oid := objectID(v.ID)

	p.mu.Lock()
	if p.discovered[oid] {
		p.mu.Unlock()
		return
	}
	p.discovered[oid] = true
	p.objectIDs[oid] = v.ID
	p.mu.Unlock()

	p.publishDiscoveryConfig("cover", oid, p.coverConfig(v))
	p.publishDiscoveryConfig("binary_sensor", oid+"_jammed", p.faultConfig(v, "jammed", "Jammed", "problem"))
	p.publishDiscoveryConfig("binary_sensor", oid+"_low_battery", p.faultConfig(v, "low_battery", "Battery", "battery"))

	p.broker.subscribe(p.doorTopic(v.ID, "set"), p.handleCoverCmd)
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(p.cfg.DiscoveryPrefix, component, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.broker.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// commandTarget maps a cover command payload to a control-plane target.
func commandTarget(payload string) (device.StatusInt, error) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "OPEN":
		return device.StatusIntOpen, nil
	case "CLOSE":
		return device.StatusIntClosed, nil
	default:
		return 0, fmt.Errorf("unsupported cover command %q", payload)
	}
}

// deviceForCommandTopic resolves <prefix>/<object id>/set to a device id.
func (p *HAPublisher) deviceForCommandTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	oid, ok := strings.CutSuffix(rest, "/set")
	if !ok {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.objectIDs[oid]
	return id, ok
}

func (p *HAPublisher) handleCoverCmd(topic string, payload []byte) {
	id, ok := p.deviceForCommandTopic(topic)
	if !ok {
		p.log.Warn("MQTT command for unknown door", "topic", topic)
		return
	}
	target, err := commandTarget(string(payload))
	if err != nil {
		p.log.Error("invalid cover command", "device_id", id, "error", err)
		return
	}

	select {
	case <-p.stopC:
		return
	default:
	}
	p.cmdOnce.Do(func() {
		p.wg.Add(1)
		go p.commandLoop()
	})

	select {
	case p.cmds <- coverCmd{id: id, target: target}:
	default:
		p.log.Warn("cover command queue full, dropping command", "device_id", id, "target", target.String())
	}
}

func (p *HAPublisher) commandLoop() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopC
		cancel()
	}()

	for {
		select {
		case <-p.stopC:
			return
		case cmd := <-p.cmds:
			p.runCoverCmd(ctx, cmd)
		}
	}
}

func (p *HAPublisher) runCoverCmd(ctx context.Context, cmd coverCmd) {
	p.log.Info("MQTT command: cover", "device_id", cmd.id, "target", cmd.target.String())
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := p.doors.SetActuatorTarget(ctx, cmd.id, cmd.target); err != nil {
		p.log.Error("failed to set door target", "device_id", cmd.id, "error", err)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// statePayload maps a door state to the cover state payload. "None" tells
// Home Assistant the state is unknown.
func statePayload(s reconcile.DoorState) string {
	switch s {
	case reconcile.DoorOpen, reconcile.DoorClosed, reconcile.DoorStopped:
		return string(s)
	default:
		return "None"
	}
}

// publishFullState publishes every door and the bridge connectivity.
func (p *HAPublisher) publishFullState() {
	for _, v := range p.views.Devices() {
		p.publishDoor(v)
	}
	p.broker.publish(p.topic("connection/state"), boolToOnOff(p.views.Connectivity().Connected), true)
}

func (p *HAPublisher) publishDoor(v reconcile.View) {
	p.ensureDoor(v)

	p.broker.publish(p.doorTopic(v.ID, "state"), statePayload(v.State), true)
	p.broker.publish(p.doorTopic(v.ID, "jammed"), boolToOnOff(v.Jammed), true)
	p.broker.publish(p.doorTopic(v.ID, "low_battery"), boolToOnOff(v.LowBattery), true)

	attrs, err := json.Marshal(map[string]interface{}{
		"device_id":  v.ID,
		"mode":       v.Mode,
		"updated_at": v.UpdatedAt,
	})
	if err != nil {
		p.log.Error("failed to marshal door attributes", "device_id", v.ID, "error", err)
		return
	}
	p.broker.publish(p.doorTopic(v.ID, "attributes"), string(attrs), true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventDeviceState:
		v, ok := evt.Data.(reconcile.View)
		if !ok {
			p.log.Warn("unexpected data type for device_state")
			return
		}
		p.publishDoor(v)

	case state.EventConnected:
		p.broker.publish(p.topic("connection/state"), "ON", true)

	case state.EventDisconnected:
		p.broker.publish(p.topic("connection/state"), "OFF", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a bridge-level topic path: {prefix}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, suffix)
}

// doorTopic builds a per-door topic path: {prefix}/{object_id}/{suffix}.
func (p *HAPublisher) doorTopic(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, objectID(deviceID), suffix)
}

func (p *HAPublisher) availabilityTopic() string {
	return p.topic("status")
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
