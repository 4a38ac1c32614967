// Package abode provides a public facade re-exporting core types
// for external consumers of this module.
package abode

import (
	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/platform"
	"github.com/trymwestin/abodegate/internal/core/reconcile"
	"github.com/trymwestin/abodegate/internal/core/state"
)

// Re-export core types for external use.
type (
	// Platform owns the cloud client and its background loops.
	Platform = platform.Platform
	// Option customises NewPlatform.
	Option = platform.Option
	// Device is one entry of the account device list.
	Device = device.Device
	// StatusInt is a control-plane door target.
	StatusInt = device.StatusInt
	// ControlAck is the response to a door command.
	ControlAck = device.ControlAck
	// View is the reconciled state of one garage door.
	View = reconcile.View
	// DoorState is the reported door position.
	DoorState = reconcile.DoorState
	// Event is a bus notification.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
)

// NewPlatform builds a platform; see platform.New.
var NewPlatform = platform.New

// ParseTarget converts "open"/"closed" to a door target.
var ParseTarget = device.ParseTarget

// Door targets.
const (
	TargetOpen   = device.StatusIntOpen
	TargetClosed = device.StatusIntClosed
)

// Door states.
const (
	DoorOpen    = reconcile.DoorOpen
	DoorClosed  = reconcile.DoorClosed
	DoorStopped = reconcile.DoorStopped
	DoorUnknown = reconcile.DoorUnknown
)

// Event type constants.
const (
	EventConnected     = state.EventConnected
	EventDisconnected  = state.EventDisconnected
	EventDeviceChanged = state.EventDeviceChanged
	EventDeviceState   = state.EventDeviceState
)
