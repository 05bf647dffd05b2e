// Package fridge holds the canonical in-memory state of one Evo fridge and
// the reducer that folds HTTP snapshots and stream deltas into it.
package fridge

import (
	"strconv"
	"sync"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/evoapi"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/modelconfig"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/stream"
)

/*
 *  Vendor attribute codes.  Code "3" is the only fridge temperature axis the
 *  vendor exposes, so it seeds both the current and the target value.
 */
const (
	attrFreezerTemp    = "1"
	attrAmbientTemp    = "2"
	attrFridgeTemp     = "3"
	attrFreezerControl = "4"
	attrSuperCool      = "6"
	attrSuperFreeze    = "7"
	attrVacationMode   = "8"
	attrDoor           = "10"
)

const (
	MinFridgeTemperature  = 1
	MaxFridgeTemperature  = 9
	MinFreezerTemperature = -24
	MaxFreezerTemperature = -16
)

const (
	eventStatus          = "status"
	eventCommandResponse = "command_response"
	eventInfo            = "info"
	eventDeviceStatus    = "deviceStatusEvent"
)

// Sender forwards a serialized command frame to the gateway.
type Sender interface {
	Send(payload []byte)
}

// State is a read-only snapshot of one device.  Temperature fields are nil
// until first observed.
type State struct {
	FridgeTemperature  *float64
	FreezerTemperature *float64
	AmbientTemperature *float64

	FridgeTargetTemperature  *float64
	FreezerTargetTemperature *float64

	DoorOpen        bool
	VacationMode    bool
	SuperCoolMode   bool
	SuperFreezeMode bool

	Model    string
	Firmware string
}

// Device owns the state for one fridge.  Only the reducer mutates it, and
// only frames carrying this device's identifier reach the reducer.
type Device struct {
	mac    string
	serial string
	name   string

	sender Sender
	notify func(mac string)

	mu     sync.RWMutex
	state  State
	config *modelconfig.Config
}

func NewDevice(mac, serial, name string, sender Sender) *Device {
	return &Device{
		mac:    mac,
		serial: serial,
		name:   name,
		sender: sender,
	}
}

// WithNotify registers the presentation refresh hook, invoked after every
// state change.  It runs on the caller's goroutine and must not block.
func (d *Device) WithNotify(fn func(mac string)) *Device {
	d.notify = fn
	return d
}

func (d *Device) MAC() string    { return d.mac }
func (d *Device) Serial() string { return d.serial }
func (d *Device) Name() string   { return d.name }

// Snapshot returns a copy of the current state.
func (d *Device) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := d.state
	s.FridgeTemperature = copyFloat(d.state.FridgeTemperature)
	s.FreezerTemperature = copyFloat(d.state.FreezerTemperature)
	s.AmbientTemperature = copyFloat(d.state.AmbientTemperature)
	s.FridgeTargetTemperature = copyFloat(d.state.FridgeTargetTemperature)
	s.FreezerTargetTemperature = copyFloat(d.state.FreezerTargetTemperature)
	return s
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

// ApplySnapshot folds a full HTTP status document into the state and loads
// the per-model command table the first time the model is known.
func (d *Device) ApplySnapshot(status *evoapi.Status) {
	d.mu.Lock()

	model := status.Info.Model
	if model == "" {
		model = "Fridge"
	}
	d.state.Model = model
	d.state.Firmware = status.Settings.Firmware.Value

	if d.config == nil {
		cfg, err := modelconfig.Load(model)
		if err != nil {
			logging.Logger(nil).WithError(err).Errorf("loading command table for model %s", model)
		} else {
			d.config = cfg
		}
	}

	for _, attr := range status.Attributes {
		d.setAttribute(attr.Name, string(attr.CurrentValue))
	}

	logging.Logger(nil).Infof("Device %s status: %+v", d.mac, d.state)
	d.mu.Unlock()

	d.notifyChanged()
}

// HandleFrame applies one inbound stream frame.
func (d *Device) HandleFrame(frame stream.Frame) {
	switch frame.Event {
	case eventStatus:
		d.applyDelta(frame)
	case eventCommandResponse, eventInfo:
		// acknowledged, no state change
	case eventDeviceStatus:
		logging.Logger(nil).Infof("Device %s status event", d.mac)
		d.notifyChanged()
	default:
		logging.Logger(nil).Warnf("Device %s: unknown event %q", d.mac, frame.Event)
	}
}

// applyDelta applies the first status entry's property map.  The gateway
// has only ever been seen sending one entry per frame; extras are ignored.
func (d *Device) applyDelta(frame stream.Frame) {
	statuses := frame.Payload.Statuses
	if len(statuses) == 0 {
		logging.Logger(nil).Debugf("Device %s: status frame without statuses", d.mac)
		return
	}
	if len(statuses) > 1 {
		logging.Logger(nil).Debugf("Device %s: ignoring %d extra status entries", d.mac, len(statuses)-1)
	}

	d.mu.Lock()
	for code, value := range statuses[0].Properties {
		d.setAttribute(code, string(value))
	}
	d.mu.Unlock()

	d.notifyChanged()
}

// setAttribute maps one vendor attribute code onto its semantic field.
// Unknown codes are ignored; a conversion failure skips that attribute
// only.  Must hold d.mu.
func (d *Device) setAttribute(code, value string) {
	switch code {
	case attrDoor:
		d.state.DoorOpen = value == "1"
	case attrAmbientTemp:
		d.setTemperature(&d.state.AmbientTemperature, code, value)
	case attrFreezerTemp:
		d.setTemperature(&d.state.FreezerTemperature, code, value)
	case attrFridgeTemp:
		d.setTemperature(&d.state.FridgeTemperature, code, value)
		d.setTemperature(&d.state.FridgeTargetTemperature, code, value)
	case attrFreezerControl:
		d.setTemperature(&d.state.FreezerTargetTemperature, code, value)
	case attrVacationMode:
		d.state.VacationMode = value == "1"
	case attrSuperCool:
		d.state.SuperCoolMode = value == "1"
	case attrSuperFreeze:
		d.state.SuperFreezeMode = value == "1"
	default:
		logging.Logger(nil).Debugf("Device %s: ignoring attribute %s=%s", d.mac, code, value)
	}
}

func (d *Device) setTemperature(field **float64, code, value string) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logging.Logger(nil).Errorf("Device %s: bad value for attribute %s: %q", d.mac, code, value)
		return
	}
	*field = &f
}

func (d *Device) notifyChanged() {
	if d.notify != nil {
		d.notify(d.mac)
	}
}
