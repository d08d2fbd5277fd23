// Package manifest loads the YAML manifest describing deployable services.
package manifest

import (
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"

	"deploystack/internal/apperrors"
)

// Service describes one deployable service. Each service becomes one build
// job at deploy time.
type Service struct {
	Name    string            `yaml:"name"`
	Image   string            `yaml:"image"`
	Command string            `yaml:"command,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// Fanout marks services whose builds spawn their own subprocesses.
	// Deploying a batch of fanout services opts the scheduler into full
	// capacity.
	Fanout bool `yaml:"fanout,omitempty"`
}

// Callback configures the settlement webhook for deployments from this
// manifest.
type Callback struct {
	URL string `yaml:"url"`
	Key string `yaml:"key,omitempty"` // HMAC signing key
}

// Manifest is the root document.
type Manifest struct {
	Services []Service `yaml:"services"`
	Callback *Callback `yaml:"callback,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Validation("manifest", fmt.Sprintf("invalid manifest YAML: %v", err))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for structural problems.
func (m *Manifest) Validate() error {
	if len(m.Services) == 0 {
		return apperrors.Validation("services", "manifest defines no services")
	}

	seen := make(map[string]struct{}, len(m.Services))
	for i, svc := range m.Services {
		if svc.Name == "" {
			return apperrors.Validation("services", fmt.Sprintf("service %d has no name", i))
		}
		if svc.Image == "" {
			return apperrors.Validation("services", fmt.Sprintf("service %s has no image", svc.Name))
		}
		if _, dup := seen[svc.Name]; dup {
			return apperrors.Validation("services", fmt.Sprintf("duplicate service name %s", svc.Name))
		}
		seen[svc.Name] = struct{}{}
	}

	if m.Callback != nil && m.Callback.URL == "" {
		return apperrors.Validation("callback", "callback configured without a URL")
	}
	return nil
}

// Service returns the named service, if present.
func (m *Manifest) Service(name string) (*Service, bool) {
	for i := range m.Services {
		if m.Services[i].Name == name {
			return &m.Services[i], true
		}
	}
	return nil, false
}
