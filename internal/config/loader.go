package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/isseis/go-safe-elevate/internal/safefileio"
	"github.com/pelletier/go-toml/v2"
)

// Loader reads configuration files.
type Loader struct {
	trust safefileio.Trust
}

// NewLoader creates a loader that only accepts root-owned files.
func NewLoader() *Loader {
	return NewLoaderWithTrust(safefileio.RootOnly)
}

// NewLoaderWithTrust creates a loader accepting files owned by trust.OwnerUID.
func NewLoaderWithTrust(trust safefileio.Trust) *Loader {
	return &Loader{trust: trust}
}

// Load reads, parses and validates the file at path. A missing file yields
// the defaults, which leave sudo disabled.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrInvalidConfigPath
	}

	content, err := safefileio.SafeReadTrustedFile(path, l.trust)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML content, rejecting unknown keys, then applies defaults
// and validates.
func Parse(content []byte) (*Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(content)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("failed to parse config: unknown keys:\n%s", strict.String())
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
