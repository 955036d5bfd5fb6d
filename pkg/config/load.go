package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProvisioning reads a configuration document (YAML or JSON) from path.
// The result is normalized but not validated.
func LoadProvisioning(path string) (*Provisioning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	cfg, err := DecodeProvisioning(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}
	return cfg, nil
}

// DecodeProvisioning decodes a single configuration document. Unknown
// fields are rejected so that typos do not silently drop settings.
func DecodeProvisioning(r io.Reader) (*Provisioning, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Provisioning
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("configuration document is empty")
		}
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}
