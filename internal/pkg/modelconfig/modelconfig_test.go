package modelconfig

import (
	"errors"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("A4F639CWBU1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := map[string]string{
		"fridge_temperature":  "3",
		"freezer_temperature": "4",
		"vacation_mode":       "8",
		"super_cool":          "6",
		"super_freeze":        "7",
	}
	for name, id := range want {
		got, err := cfg.CommandID(name)
		if err != nil {
			t.Errorf("CommandID(%q): %v", name, err)
			continue
		}
		if got != id {
			t.Errorf("CommandID(%q) = %q, want %q", name, got, id)
		}
	}
}

func TestModelOverride(t *testing.T) {
	table := []byte(`
default:
  fridge_temperature: "3"
  vacation_mode: "8"
models:
  HRF-541:
    fridge_temperature: "23"
`)

	cfg, err := load("HRF-541", table)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// overridden by the model entry
	if got, _ := cfg.CommandID("fridge_temperature"); got != "23" {
		t.Errorf("fridge_temperature = %q, want 23", got)
	}
	// inherited from the defaults
	if got, _ := cfg.CommandID("vacation_mode"); got != "8" {
		t.Errorf("vacation_mode = %q, want 8", got)
	}

	// a model without an entry gets plain defaults
	cfg, err = load("SomethingElse", table)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, _ := cfg.CommandID("fridge_temperature"); got != "3" {
		t.Errorf("fridge_temperature = %q, want 3", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	cfg, err := Load("A4F639CWBU1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err = cfg.CommandID("defrost_schedule")
	var unknown *UnknownCommandError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected an UnknownCommandError, got %T: %v", err, err)
	}
	if unknown.Name != "defrost_schedule" || unknown.Model != "A4F639CWBU1" {
		t.Errorf("error = %+v", unknown)
	}
}

func TestLoadRejectsEmptyTable(t *testing.T) {
	if _, err := load("any", []byte(`models: {}`)); err == nil {
		t.Error("expected an error for a table with no defaults")
	}
	if _, err := load("any", []byte(`:::not yaml`)); err == nil {
		t.Error("expected an error for broken yaml")
	}
}
