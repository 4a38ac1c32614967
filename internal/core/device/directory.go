// Package device provides typed access to the Abode device list and the
// garage door control endpoint.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/trymwestin/abodegate/internal/core/gateway"
)

// Cloud API paths.
const (
	DevicesPath = "/api/v1/devices"
	ControlPath = "/api/v1/control/power_switch/"
)

// Doer sends a request through the gateway.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Directory lists devices and sets garage door targets. Errors from the
// gateway are returned unchanged.
type Directory struct {
	api Doer
	log *slog.Logger
}

// NewDirectory creates a directory.
func NewDirectory(api Doer, log *slog.Logger) *Directory {
	return &Directory{api: api, log: log}
}

// ListDevices returns every device on the account.
func (d *Directory) ListDevices(ctx context.Context) ([]Device, error) {
	resp, err := d.api.Do(ctx, gateway.Request{Method: http.MethodGet, Path: DevicesPath})
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := resp.DecodeJSON(&devices); err != nil {
		return nil, err
	}
	d.log.Debug("listed devices", "count", len(devices))
	return devices, nil
}

// GarageDoors returns the secure barrier devices.
func (d *Directory) GarageDoors(ctx context.Context) ([]Device, error) {
	all, err := d.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	doors := make([]Device, 0, len(all))
	for _, dev := range all {
		if dev.IsGarageDoor() {
			doors = append(doors, dev)
		}
	}
	return doors, nil
}

// SetActuatorTarget sends an open/closed command to a garage door.
func (d *Directory) SetActuatorTarget(ctx context.Context, id string, target StatusInt) (ControlAck, error) {
	if id == "" {
		return ControlAck{}, fmt.Errorf("device: id is required")
	}
	if _, err := target.Status(); err != nil {
		return ControlAck{}, err
	}

	d.log.Info("setting garage door target", "device_id", id, "target", target.String())

	resp, err := d.api.Do(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   ControlPath + id,
		Body:   map[string]StatusInt{"status": target},
	})
	if err != nil {
		return ControlAck{}, err
	}
	var ack ControlAck
	if err := resp.DecodeJSON(&ack); err != nil {
		return ControlAck{}, err
	}
	return ack, nil
}
