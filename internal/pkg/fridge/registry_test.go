package fridge

import (
	"testing"
)

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()

	first := snapshotted(t, &fakeSender{})
	second := NewDevice("DD:EE:FF:44:55:66", "SN0043", "Garage Fridge", &fakeSender{})
	second.ApplySnapshot(testStatus(map[string]string{"3": "4"}))

	r.Add(first)
	r.Add(second)

	r.HandleFrame(statusFrame(second.MAC(), map[string]string{"10": "1"}))

	if first.Snapshot().DoorOpen {
		t.Error("frame routed to the wrong device")
	}
	if !second.Snapshot().DoorOpen {
		t.Error("frame not applied to its device")
	}
}

func TestRegistryUnknownDeviceDropped(t *testing.T) {
	r := NewRegistry()
	r.Add(snapshotted(t, &fakeSender{}))

	// must not panic, the frame is just dropped
	r.HandleFrame(statusFrame("00:00:00:00:00:00", map[string]string{"10": "1"}))
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry()
	for _, mac := range []string{"CC:00", "AA:00", "BB:00"} {
		r.Add(NewDevice(mac, "", "", &fakeSender{}))
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("len(All()) = %d, want 3", len(all))
	}
	for i, want := range []string{"AA:00", "BB:00", "CC:00"} {
		if all[i].MAC() != want {
			t.Errorf("All()[%d] = %q, want %q", i, all[i].MAC(), want)
		}
	}

	if _, ok := r.Get("AA:00"); !ok {
		t.Error("Get(AA:00) not found")
	}
	if _, ok := r.Get("ZZ:99"); ok {
		t.Error("Get(ZZ:99) found a device")
	}
}
