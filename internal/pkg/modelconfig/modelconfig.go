// Package modelconfig maps logical control names to the vendor command ids
// a particular fridge model understands.  The table ships embedded and is
// loaded once per device after its first status snapshot names the model.
package modelconfig

import (
	_ "embed"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed commands.yaml
var embeddedTable []byte

// UnknownCommandError means the logical name has no command id for this
// model.  Local and non-retryable; surfaced synchronously to the caller.
type UnknownCommandError struct {
	Model string
	Name  string
}

func (e *UnknownCommandError) Error() string {
	return "no command id for " + e.Name + " on model " + e.Model
}

type table struct {
	Default map[string]string            `yaml:"default"`
	Models  map[string]map[string]string `yaml:"models"`
}

// Config is the resolved command table for one model.
type Config struct {
	model    string
	commands map[string]string
}

// Load resolves the embedded table for the given model name.
func Load(model string) (*Config, error) {
	return load(model, embeddedTable)
}

func load(model string, data []byte) (*Config, error) {
	t := table{}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "parsing command table")
	}
	if len(t.Default) == 0 {
		return nil, errors.New("command table has no defaults")
	}

	commands := make(map[string]string, len(t.Default))
	for name, id := range t.Default {
		commands[name] = id
	}
	for name, id := range t.Models[model] {
		commands[name] = id
	}

	return &Config{model: model, commands: commands}, nil
}

// CommandID resolves a logical control name to its vendor command id.
func (c *Config) CommandID(name string) (string, error) {
	id, ok := c.commands[name]
	if !ok {
		return "", &UnknownCommandError{Model: c.model, Name: name}
	}
	return id, nil
}
