// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceTarget describes one monitored service for the watchdog and doctor.
type ServiceTarget struct {
	Name           string `yaml:"name"`
	HealthURL      string `yaml:"health_url"`
	Tier           string `yaml:"tier"` // "live" or "candidate"
	Remediable     bool   `yaml:"remediable"`
	ComposeService string `yaml:"compose_service,omitempty"`
}

// ServicesFile is the on-disk shape of the monitored service list.
type ServicesFile struct {
	Services []ServiceTarget `yaml:"services"`
}

// LoadServices reads a YAML service list. An empty path returns nil targets so
// callers can fall back to their built-in defaults.
func LoadServices(path string) ([]ServiceTarget, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	var f ServicesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse services file %s: %w", path, err)
	}
	for i, s := range f.Services {
		if s.Name == "" || s.HealthURL == "" {
			return nil, fmt.Errorf("services[%d]: name and health_url are required", i)
		}
		switch s.Tier {
		case "live", "candidate":
		default:
			return nil, fmt.Errorf("services[%d] %q: tier must be live or candidate, got %q", i, s.Name, s.Tier)
		}
	}
	return f.Services, nil
}
