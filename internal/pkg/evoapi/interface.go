package evoapi

import (
	"context"
	"encoding/json"
)

// Device is one entry from the smart-devices panel of the dashboard.
// The MAC-style identifier is the primary key used to route stream frames.
type Device struct {
	MAC    string
	Serial string
	Title  string
}

// AttributeValue tolerates the vendor sending attribute values as either
// JSON strings or bare numbers/booleans.
type AttributeValue string

func (v *AttributeValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = AttributeValue(s)
		return nil
	}
	if string(b) == "null" {
		*v = ""
		return nil
	}
	*v = AttributeValue(b)
	return nil
}

// Attribute is one name/value pair from the point-in-time status document.
type Attribute struct {
	Name         string         `json:"name"`
	CurrentValue AttributeValue `json:"currentValue"`
}

// Status is the full point-in-time device status fetched over HTTP.
type Status struct {
	Info struct {
		Model string `json:"model"`
	} `json:"info"`
	Settings struct {
		Firmware struct {
			Value string `json:"value"`
		} `json:"firmware"`
	} `json:"settings"`
	Attributes []Attribute `json:"attributes"`
}

// Evo is the HTTP surface of the vendor cloud.
type Evo interface {
	Discover(ctx context.Context) ([]Device, error)
	Status(ctx context.Context, mac string) (*Status, error)
}
