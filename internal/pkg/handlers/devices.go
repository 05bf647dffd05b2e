// Package handlers is the local HTTP surface exposed to the presentation
// layer: read-only device state and the five control operations.
package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/fridge"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/modelconfig"
)

type DevicesHandler struct {
	registry *fridge.Registry
}

func NewDevicesHandler(registry *fridge.Registry) DevicesHandler {
	return DevicesHandler{registry: registry}
}

func (h *DevicesHandler) Register(r *mux.Router) {
	r.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{mac}", h.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{mac}/fridge-temperature", h.setFridgeTemperature).Methods(http.MethodPut)
	r.HandleFunc("/devices/{mac}/freezer-temperature", h.setFreezerTemperature).Methods(http.MethodPut)
	r.HandleFunc("/devices/{mac}/vacation-mode", h.setVacationMode).Methods(http.MethodPut)
	r.HandleFunc("/devices/{mac}/super-cool", h.setSuperCool).Methods(http.MethodPut)
	r.HandleFunc("/devices/{mac}/super-freeze", h.setSuperFreeze).Methods(http.MethodPut)
}

type deviceSummary struct {
	MAC      string `json:"mac"`
	Serial   string `json:"serial"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
}

type deviceState struct {
	deviceSummary

	FridgeTemperature  *float64 `json:"fridgeTemperature"`
	FreezerTemperature *float64 `json:"freezerTemperature"`
	AmbientTemperature *float64 `json:"ambientTemperature"`

	FridgeTargetTemperature  *float64 `json:"fridgeTargetTemperature"`
	FreezerTargetTemperature *float64 `json:"freezerTargetTemperature"`

	DoorOpen        bool `json:"doorOpen"`
	VacationMode    bool `json:"vacationMode"`
	SuperCoolMode   bool `json:"superCoolMode"`
	SuperFreezeMode bool `json:"superFreezeMode"`
}

func newDeviceState(d *fridge.Device) deviceState {
	s := d.Snapshot()
	return deviceState{
		deviceSummary: deviceSummary{
			MAC:      d.MAC(),
			Serial:   d.Serial(),
			Name:     d.Name(),
			Model:    s.Model,
			Firmware: s.Firmware,
		},
		FridgeTemperature:        s.FridgeTemperature,
		FreezerTemperature:       s.FreezerTemperature,
		AmbientTemperature:       s.AmbientTemperature,
		FridgeTargetTemperature:  s.FridgeTargetTemperature,
		FreezerTargetTemperature: s.FreezerTargetTemperature,
		DoorOpen:                 s.DoorOpen,
		VacationMode:             s.VacationMode,
		SuperCoolMode:            s.SuperCoolMode,
		SuperFreezeMode:          s.SuperFreezeMode,
	}
}

func (h *DevicesHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.registry.All()
	out := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		s := d.Snapshot()
		out = append(out, deviceSummary{
			MAC:      d.MAC(),
			Serial:   d.Serial(),
			Name:     d.Name(),
			Model:    s.Model,
			Firmware: s.Firmware,
		})
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *DevicesHandler) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, newDeviceState(d))
}

func (h *DevicesHandler) setFridgeTemperature(w http.ResponseWriter, r *http.Request) {
	h.applyIntCommand(w, r, func(d *fridge.Device, value int) error {
		return d.SetFridgeTemperature(value)
	})
}

func (h *DevicesHandler) setFreezerTemperature(w http.ResponseWriter, r *http.Request) {
	h.applyIntCommand(w, r, func(d *fridge.Device, value int) error {
		return d.SetFreezerTemperature(value)
	})
}

func (h *DevicesHandler) setVacationMode(w http.ResponseWriter, r *http.Request) {
	h.applyBoolCommand(w, r, func(d *fridge.Device, enabled bool) error {
		return d.SetVacationMode(enabled)
	})
}

func (h *DevicesHandler) setSuperCool(w http.ResponseWriter, r *http.Request) {
	h.applyBoolCommand(w, r, func(d *fridge.Device, enabled bool) error {
		return d.SetSuperCoolMode(enabled)
	})
}

func (h *DevicesHandler) setSuperFreeze(w http.ResponseWriter, r *http.Request) {
	h.applyBoolCommand(w, r, func(d *fridge.Device, enabled bool) error {
		return d.SetSuperFreezeMode(enabled)
	})
}

type intCommandRequest struct {
	Value *int `json:"value"`
}

type boolCommandRequest struct {
	Value *bool `json:"value"`
}

func (h *DevicesHandler) applyIntCommand(w http.ResponseWriter, r *http.Request, apply func(*fridge.Device, int) error) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}

	req := intCommandRequest{}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		writeError(r.Context(), w, http.StatusBadRequest, "value is required")
		return
	}

	h.finishCommand(w, r, d, apply(d, *req.Value))
}

func (h *DevicesHandler) applyBoolCommand(w http.ResponseWriter, r *http.Request, apply func(*fridge.Device, bool) error) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}

	req := boolCommandRequest{}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		writeError(r.Context(), w, http.StatusBadRequest, "value is required")
		return
	}

	h.finishCommand(w, r, d, apply(d, *req.Value))
}

func (h *DevicesHandler) finishCommand(w http.ResponseWriter, r *http.Request, d *fridge.Device, err error) {
	if err != nil {
		var unknownCmd *modelconfig.UnknownCommandError
		if errors.As(err, &unknownCmd) {
			writeError(r.Context(), w, http.StatusBadRequest, err.Error())
			return
		}

		logging.Logger(r.Context()).WithError(err).Errorf("command for device %s", d.MAC())
		writeError(r.Context(), w, http.StatusBadRequest, err.Error())
		return
	}

	// the optimistic post-command state
	writeJSON(r.Context(), w, http.StatusOK, newDeviceState(d))
}

func (h *DevicesHandler) device(w http.ResponseWriter, r *http.Request) (*fridge.Device, bool) {
	mac := mux.Vars(r)["mac"]
	d, ok := h.registry.Get(mac)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "unknown device "+mac)
		return nil, false
	}
	return d, true
}
