package fridge

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/evoapi"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/modelconfig"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/stream"
)

type fakeSender struct {
	payloads [][]byte
}

func (s *fakeSender) Send(payload []byte) {
	s.payloads = append(s.payloads, payload)
}

func (s *fakeSender) lastEnvelope(t *testing.T) commandEnvelope {
	t.Helper()

	if len(s.payloads) == 0 {
		t.Fatal("no command was sent")
	}
	env := commandEnvelope{}
	if err := json.Unmarshal(s.payloads[len(s.payloads)-1], &env); err != nil {
		t.Fatalf("decoding command envelope: %v", err)
	}
	return env
}

func testStatus(attrs map[string]string) *evoapi.Status {
	s := &evoapi.Status{}
	s.Info.Model = "A4F639CWBU1"
	s.Settings.Firmware.Value = "1.2.3"
	for name, value := range attrs {
		s.Attributes = append(s.Attributes, evoapi.Attribute{
			Name:         name,
			CurrentValue: evoapi.AttributeValue(value),
		})
	}
	return s
}

func statusFrame(mac string, props map[string]string) stream.Frame {
	converted := map[string]evoapi.AttributeValue{}
	for k, v := range props {
		converted[k] = evoapi.AttributeValue(v)
	}
	return stream.Frame{
		Event:      "status",
		MACAddress: mac,
		Payload: stream.FramePayload{
			Statuses: []stream.StatusEntry{{Properties: converted}},
		},
	}
}

// snapshotted returns a device that has seen one full status document, which
// also loads its command table.
func snapshotted(t *testing.T, sender *fakeSender) *Device {
	t.Helper()

	d := NewDevice("AA:BB:CC:11:22:33", "SN0042", "Kitchen Fridge", sender)
	d.ApplySnapshot(testStatus(map[string]string{
		"1":  "-18",
		"2":  "21.5",
		"3":  "5",
		"4":  "-18",
		"6":  "0",
		"7":  "0",
		"8":  "0",
		"10": "0",
	}))
	return d
}

func TestApplySnapshot(t *testing.T) {
	d := snapshotted(t, &fakeSender{})
	s := d.Snapshot()

	if s.Model != "A4F639CWBU1" {
		t.Errorf("Model = %q", s.Model)
	}
	if s.Firmware != "1.2.3" {
		t.Errorf("Firmware = %q", s.Firmware)
	}
	if s.FridgeTemperature == nil || *s.FridgeTemperature != 5 {
		t.Errorf("FridgeTemperature = %v, want 5", s.FridgeTemperature)
	}
	// the single fridge axis seeds the target as well
	if s.FridgeTargetTemperature == nil || *s.FridgeTargetTemperature != 5 {
		t.Errorf("FridgeTargetTemperature = %v, want 5", s.FridgeTargetTemperature)
	}
	if s.FreezerTemperature == nil || *s.FreezerTemperature != -18 {
		t.Errorf("FreezerTemperature = %v, want -18", s.FreezerTemperature)
	}
	if s.AmbientTemperature == nil || *s.AmbientTemperature != 21.5 {
		t.Errorf("AmbientTemperature = %v, want 21.5", s.AmbientTemperature)
	}
	if s.DoorOpen || s.VacationMode || s.SuperCoolMode || s.SuperFreezeMode {
		t.Errorf("unexpected flags set: %+v", s)
	}
}

func TestApplySnapshotDefaultsModel(t *testing.T) {
	d := NewDevice("AA:BB:CC:11:22:33", "SN0042", "Kitchen Fridge", &fakeSender{})
	status := testStatus(nil)
	status.Info.Model = ""
	d.ApplySnapshot(status)

	if got := d.Snapshot().Model; got != "Fridge" {
		t.Errorf("Model = %q, want the Fridge fallback", got)
	}
}

func TestBadValueSkipsAttribute(t *testing.T) {
	d := snapshotted(t, &fakeSender{})
	d.HandleFrame(statusFrame(d.MAC(), map[string]string{
		"3": "warm-ish",
		"2": "22",
	}))

	s := d.Snapshot()
	// the broken value leaves the previous reading in place
	if s.FridgeTemperature == nil || *s.FridgeTemperature != 5 {
		t.Errorf("FridgeTemperature = %v, want the previous 5", s.FridgeTemperature)
	}
	if s.AmbientTemperature == nil || *s.AmbientTemperature != 22 {
		t.Errorf("AmbientTemperature = %v, want 22", s.AmbientTemperature)
	}
}

func TestDeltaUpdatesFlags(t *testing.T) {
	d := snapshotted(t, &fakeSender{})

	d.HandleFrame(statusFrame(d.MAC(), map[string]string{"10": "1", "8": "1"}))
	s := d.Snapshot()
	if !s.DoorOpen {
		t.Error("DoorOpen = false after 10=1")
	}
	if !s.VacationMode {
		t.Error("VacationMode = false after 8=1")
	}

	d.HandleFrame(statusFrame(d.MAC(), map[string]string{"10": "0"}))
	if d.Snapshot().DoorOpen {
		t.Error("DoorOpen = true after 10=0")
	}
}

func TestDeltaOnlyFirstStatusApplies(t *testing.T) {
	d := snapshotted(t, &fakeSender{})

	frame := statusFrame(d.MAC(), map[string]string{"3": "7"})
	frame.Payload.Statuses = append(frame.Payload.Statuses, stream.StatusEntry{
		Properties: map[string]evoapi.AttributeValue{"3": "9"},
	})
	d.HandleFrame(frame)

	if got := d.Snapshot().FridgeTemperature; got == nil || *got != 7 {
		t.Errorf("FridgeTemperature = %v, want 7 from the first entry", got)
	}
}

func TestUnknownAttributeIgnored(t *testing.T) {
	d := snapshotted(t, &fakeSender{})
	d.HandleFrame(statusFrame(d.MAC(), map[string]string{"99": "1"}))

	if got := d.Snapshot().FridgeTemperature; got == nil || *got != 5 {
		t.Errorf("state disturbed by an unknown code: %v", got)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	d := snapshotted(t, &fakeSender{})
	d.HandleFrame(stream.Frame{Event: "somethingNew", MACAddress: d.MAC()})
	d.HandleFrame(stream.Frame{Event: "command_response", MACAddress: d.MAC()})
	d.HandleFrame(stream.Frame{Event: "status", MACAddress: d.MAC()}) // no statuses

	if got := d.Snapshot().FridgeTemperature; got == nil || *got != 5 {
		t.Errorf("state disturbed: %v", got)
	}
}

func TestNotifyOnChange(t *testing.T) {
	var notified []string
	sender := &fakeSender{}
	d := NewDevice("AA:BB:CC:11:22:33", "SN0042", "Kitchen Fridge", sender).
		WithNotify(func(mac string) { notified = append(notified, mac) })

	d.ApplySnapshot(testStatus(map[string]string{"3": "5"}))
	d.HandleFrame(statusFrame(d.MAC(), map[string]string{"10": "1"}))

	if len(notified) != 2 {
		t.Fatalf("notified %d times, want 2", len(notified))
	}
	if notified[0] != d.MAC() {
		t.Errorf("notified mac = %q, want %q", notified[0], d.MAC())
	}
}

func TestSetFridgeTemperature(t *testing.T) {
	sender := &fakeSender{}
	d := snapshotted(t, sender)

	if err := d.SetFridgeTemperature(7); err != nil {
		t.Fatalf("SetFridgeTemperature: %v", err)
	}

	env := sender.lastEnvelope(t)
	if env.Action != "command" {
		t.Errorf("action = %q, want command", env.Action)
	}
	if env.MACAddress != d.MAC() {
		t.Errorf("macAddress = %q, want %q", env.MACAddress, d.MAC())
	}
	if env.Command.CommandName != "3" || env.Command.Value != "7" {
		t.Errorf("command = %+v, want 3=7", env.Command)
	}
	if env.Trace == "" {
		t.Error("trace is empty")
	}

	// target updates optimistically; the reading does not
	s := d.Snapshot()
	if s.FridgeTargetTemperature == nil || *s.FridgeTargetTemperature != 7 {
		t.Errorf("FridgeTargetTemperature = %v, want 7", s.FridgeTargetTemperature)
	}
	if s.FridgeTemperature == nil || *s.FridgeTemperature != 5 {
		t.Errorf("FridgeTemperature = %v, want the reported 5", s.FridgeTemperature)
	}
}

func TestSetFridgeTemperatureRange(t *testing.T) {
	sender := &fakeSender{}
	d := snapshotted(t, sender)
	before := len(sender.payloads)

	for _, v := range []int{0, 10, -1} {
		if err := d.SetFridgeTemperature(v); err == nil {
			t.Errorf("SetFridgeTemperature(%d) accepted an out-of-range value", v)
		}
	}
	if len(sender.payloads) != before {
		t.Error("out-of-range values were sent to the device")
	}
}

func TestSetFreezerTemperature(t *testing.T) {
	sender := &fakeSender{}
	d := snapshotted(t, sender)

	if err := d.SetFreezerTemperature(-20); err != nil {
		t.Fatalf("SetFreezerTemperature: %v", err)
	}
	env := sender.lastEnvelope(t)
	if env.Command.CommandName != "4" || env.Command.Value != "-20" {
		t.Errorf("command = %+v, want 4=-20", env.Command)
	}

	if err := d.SetFreezerTemperature(-10); err == nil {
		t.Error("accepted a freezer temperature above the maximum")
	}
	if err := d.SetFreezerTemperature(-30); err == nil {
		t.Error("accepted a freezer temperature below the minimum")
	}
}

func TestSetModes(t *testing.T) {
	cases := []struct {
		name   string
		apply  func(*Device, bool) error
		wantID string
		check  func(State) bool
	}{
		{"vacation", (*Device).SetVacationMode, "8", func(s State) bool { return s.VacationMode }},
		{"super cool", (*Device).SetSuperCoolMode, "6", func(s State) bool { return s.SuperCoolMode }},
		{"super freeze", (*Device).SetSuperFreezeMode, "7", func(s State) bool { return s.SuperFreezeMode }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{}
			d := snapshotted(t, sender)

			if err := tc.apply(d, true); err != nil {
				t.Fatalf("enabling: %v", err)
			}
			env := sender.lastEnvelope(t)
			if env.Command.CommandName != tc.wantID || env.Command.Value != "1" {
				t.Errorf("command = %+v, want %s=1", env.Command, tc.wantID)
			}
			if !tc.check(d.Snapshot()) {
				t.Error("mode not set optimistically")
			}

			if err := tc.apply(d, false); err != nil {
				t.Fatalf("disabling: %v", err)
			}
			env = sender.lastEnvelope(t)
			if env.Command.Value != "0" {
				t.Errorf("command value = %q, want 0", env.Command.Value)
			}
			if tc.check(d.Snapshot()) {
				t.Error("mode not cleared optimistically")
			}
		})
	}
}

func TestCommandsRequireSnapshot(t *testing.T) {
	sender := &fakeSender{}
	d := NewDevice("AA:BB:CC:11:22:33", "SN0042", "Kitchen Fridge", sender)

	if err := d.SetVacationMode(true); err == nil {
		t.Error("expected an error before the first status snapshot")
	}
	if len(sender.payloads) != 0 {
		t.Error("a command was sent without a command table")
	}
}

func TestUnknownLogicalCommand(t *testing.T) {
	sender := &fakeSender{}
	d := snapshotted(t, sender)
	before := len(sender.payloads)

	err := d.sendCommand("defrost_schedule", "1")
	var unknown *modelconfig.UnknownCommandError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected an UnknownCommandError, got %T: %v", err, err)
	}
	if len(sender.payloads) != before {
		t.Error("an unresolvable command was sent")
	}
}
