package fridge

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
)

/*
 *  Outbound command envelope.  Commands are optimistic: the local target
 *  value updates immediately and any later authoritative delta from the
 *  device silently overwrites it.  No waiting for command_response.
 */

type commandEnvelope struct {
	Action     string      `json:"action"`
	MACAddress string      `json:"macAddress"`
	Command    commandBody `json:"command"`
	Trace      string      `json:"trace"`
}

type commandBody struct {
	CommandName string `json:"commandName"`
	Value       string `json:"value"`
}

// sendCommand resolves a logical control name through the model table,
// builds the envelope and forwards it.  Resolution failures are local and
// synchronous; the send itself is best-effort.
func (d *Device) sendCommand(name, value string) error {
	d.mu.RLock()
	config := d.config
	d.mu.RUnlock()

	if config == nil {
		return errors.Errorf("device %s has no command table yet, status snapshot required first", d.mac)
	}

	id, err := config.CommandID(name)
	if err != nil {
		return err
	}

	envelope := commandEnvelope{
		Action:     "command",
		MACAddress: d.mac,
		Command:    commandBody{CommandName: id, Value: value},
		Trace:      uuid.New().String(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrapf(err, "encoding %s command", name)
	}

	logging.Logger(nil).Debugf("Device %s: sending %s=%s, trace %s", d.mac, name, value, envelope.Trace)
	d.sender.Send(payload)
	return nil
}

// SetFridgeTemperature sets the fridge target temperature.
func (d *Device) SetFridgeTemperature(value int) error {
	if value < MinFridgeTemperature || value > MaxFridgeTemperature {
		return errors.Errorf("fridge temperature %d out of range [%d, %d]", value, MinFridgeTemperature, MaxFridgeTemperature)
	}
	if err := d.sendCommand("fridge_temperature", strconv.Itoa(value)); err != nil {
		return err
	}

	d.mu.Lock()
	f := float64(value)
	d.state.FridgeTargetTemperature = &f
	d.mu.Unlock()

	d.notifyChanged()
	return nil
}

// SetFreezerTemperature sets the freezer target temperature.
func (d *Device) SetFreezerTemperature(value int) error {
	if value < MinFreezerTemperature || value > MaxFreezerTemperature {
		return errors.Errorf("freezer temperature %d out of range [%d, %d]", value, MinFreezerTemperature, MaxFreezerTemperature)
	}
	if err := d.sendCommand("freezer_temperature", strconv.Itoa(value)); err != nil {
		return err
	}

	d.mu.Lock()
	f := float64(value)
	d.state.FreezerTargetTemperature = &f
	d.mu.Unlock()

	d.notifyChanged()
	return nil
}

// SetVacationMode toggles vacation mode.
func (d *Device) SetVacationMode(enabled bool) error {
	if err := d.sendCommand("vacation_mode", boolValue(enabled)); err != nil {
		return err
	}

	d.mu.Lock()
	d.state.VacationMode = enabled
	d.mu.Unlock()

	d.notifyChanged()
	return nil
}

// SetSuperCoolMode toggles the super cooling mode.
func (d *Device) SetSuperCoolMode(enabled bool) error {
	if err := d.sendCommand("super_cool", boolValue(enabled)); err != nil {
		return err
	}

	d.mu.Lock()
	d.state.SuperCoolMode = enabled
	d.mu.Unlock()

	d.notifyChanged()
	return nil
}

// SetSuperFreezeMode toggles the super freeze mode.
func (d *Device) SetSuperFreezeMode(enabled bool) error {
	if err := d.sendCommand("super_freeze", boolValue(enabled)); err != nil {
		return err
	}

	d.mu.Lock()
	d.state.SuperFreezeMode = enabled
	d.mu.Unlock()

	d.notifyChanged()
	return nil
}

func boolValue(enabled bool) string {
	if enabled {
		return "1"
	}
	return "0"
}
