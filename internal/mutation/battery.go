package mutation

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Battery is a YAML-defined set of mutation targets.
type Battery struct {
	Version int      `yaml:"version"`
	Targets []Target `yaml:"targets"`
}

// Target names one source file and the test command that covers it.
type Target struct {
	File       string   `yaml:"file"`
	Command    string   `yaml:"command"`
	Tests      []string `yaml:"tests,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty"`
}

// LoadBattery reads a YAML battery file from disk.
func LoadBattery(path string) (*Battery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Battery
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse battery YAML: %w", err)
	}
	for i, t := range b.Targets {
		if t.File == "" {
			return nil, fmt.Errorf("target %d: file is required", i)
		}
		if t.Command == "" {
			return nil, fmt.Errorf("target %d: command is required", i)
		}
	}
	return &b, nil
}

// DefaultBatteryPath returns the canonical battery path for a workspace.
func DefaultBatteryPath(workspace string) string {
	return filepath.Join(workspace, ".failsift", "mutation", "battery.yaml")
}
