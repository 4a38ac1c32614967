package device

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TypeGarageDoor is the type tag of the secure barrier device class.
const TypeGarageDoor = "device_type.secure_barrier"

// Status is the read-plane door position returned by the device list.
type Status string

const (
	StatusOpen   Status = "Open"
	StatusClosed Status = "Closed"
)

// Int maps a read-plane status to its control-plane value.
func (s Status) Int() (StatusInt, error) {
	switch s {
	case StatusOpen:
		return StatusIntOpen, nil
	case StatusClosed:
		return StatusIntClosed, nil
	default:
		return 0, fmt.Errorf("device: unknown status %q", string(s))
	}
}

// StatusInt is the control-plane door target. It is a different encoding
// from Status and the two must not be compared directly.
type StatusInt int

const (
	StatusIntOpen   StatusInt = 0
	StatusIntClosed StatusInt = 1
)

// Status maps a control-plane value to its read-plane status.
func (s StatusInt) Status() (Status, error) {
	switch s {
	case StatusIntOpen:
		return StatusOpen, nil
	case StatusIntClosed:
		return StatusClosed, nil
	default:
		return "", fmt.Errorf("device: unknown status value %d", int(s))
	}
}

func (s StatusInt) String() string {
	switch s {
	case StatusIntOpen:
		return "open"
	case StatusIntClosed:
		return "closed"
	default:
		return strconv.Itoa(int(s))
	}
}

// UnmarshalJSON accepts the value as a number or a numeric string.
func (s *StatusInt) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = StatusInt(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("device: decode status: %w", err)
	}
	n, err := strconv.Atoi(str)
	if err != nil {
		return fmt.Errorf("device: decode status %q: %w", str, err)
	}
	*s = StatusInt(n)
	return nil
}

// ParseTarget converts a user supplied target ("open", "closed", "0", "1")
// to its control-plane value.
func ParseTarget(s string) (StatusInt, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "0":
		return StatusIntOpen, nil
	case "closed", "close", "1":
		return StatusIntClosed, nil
	default:
		return 0, fmt.Errorf("device: invalid target %q (want open or closed)", s)
	}
}

// Faults holds the fault flags, encoded as 0/1 on the wire.
type Faults struct {
	LowBattery int `json:"low_battery"`
	Jammed     int `json:"jammed"`
}

// IsLowBattery reports the low battery flag.
func (f Faults) IsLowBattery() bool { return f.LowBattery == 1 }

// IsJammed reports the jammed flag.
func (f Faults) IsJammed() bool { return f.Jammed == 1 }

// Device is a snapshot of one device from the device list.
type Device struct {
	ID      string `json:"id"`
	TypeTag string `json:"type_tag"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Faults  Faults `json:"faults"`
}

// IsGarageDoor reports whether d is a secure barrier.
func (d Device) IsGarageDoor() bool {
	return d.TypeTag == TypeGarageDoor
}

// ControlAck is the response to a control call.
type ControlAck struct {
	ID     string    `json:"id"`
	Status StatusInt `json:"status"`
}
