// Package config loads the broker configuration from a root-owned TOML file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/isseis/go-safe-elevate/internal/environment"
	"github.com/isseis/go-safe-elevate/internal/policy"
)

// DefaultPath is where the configuration is read from when no path is given.
const DefaultPath = "/etc/sudo-elevate/config.toml"

// Defaults applied to absent keys.
const (
	DefaultRuntimeDir      = "/run/sudo-elevate"
	DefaultConnectAttempts = 10
	DefaultConnectBackoff  = 100 * time.Millisecond
	DefaultCallTimeout     = 30 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultLogLevel        = "info"

	minMessageBytes = 4 << 10
	maxMessageBytes = 64 << 20
)

// Config is the parsed configuration file.
type Config struct {
	Elevation ElevationConfig `toml:"elevation"`
	Policy    PolicyConfig    `toml:"policy"`
	Broker    BrokerConfig    `toml:"broker"`
	Log       LogConfig       `toml:"log"`
}

// ElevationConfig is the administrator's setting.
type ElevationConfig struct {
	// Mode enables sudo. Absent means disabled.
	Mode *string `toml:"mode"`
	// AllowedGroups names the groups, by name or gid, whose members may
	// elevate. Empty admits root only.
	AllowedGroups []string `toml:"allowed_groups"`
	// EnvAllowlist names the caller variables kept in the broker's and
	// children's environment. Absent means environment.DefaultAllowlist.
	EnvAllowlist []string `toml:"env_allowlist"`
}

// PolicyConfig is the upper bound imposed on the setting.
type PolicyConfig struct {
	// MaxMode caps the setting. Absent means no cap.
	MaxMode *string `toml:"max_mode"`
}

// BrokerConfig tunes the connection between client and broker.
type BrokerConfig struct {
	RuntimeDir      string   `toml:"runtime_dir"`
	ConnectAttempts int      `toml:"connect_attempts"`
	ConnectBackoff  Duration `toml:"connect_backoff"`
	CallTimeout     Duration `toml:"call_timeout"`
	SingleUse       *bool    `toml:"single_use"`
	MaxMessageBytes int      `toml:"max_message_bytes"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every default applied and sudo
// disabled.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills absent broker and log settings.
func ApplyDefaults(cfg *Config) {
	if cfg.Broker.RuntimeDir == "" {
		cfg.Broker.RuntimeDir = DefaultRuntimeDir
	}
	if cfg.Broker.ConnectAttempts == 0 {
		cfg.Broker.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.Broker.ConnectBackoff == 0 {
		cfg.Broker.ConnectBackoff = Duration(DefaultConnectBackoff)
	}
	if cfg.Broker.CallTimeout == 0 {
		cfg.Broker.CallTimeout = Duration(DefaultCallTimeout)
	}
	if cfg.Broker.SingleUse == nil {
		singleUse := true
		cfg.Broker.SingleUse = &singleUse
	}
	if cfg.Broker.MaxMessageBytes == 0 {
		cfg.Broker.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// Validate checks value ranges after defaults are applied.
func Validate(cfg *Config) error {
	if cfg.Elevation.Mode != nil {
		if _, err := policy.ParseMode(*cfg.Elevation.Mode); err != nil {
			return &ErrInvalidValue{Field: "elevation.mode", Value: *cfg.Elevation.Mode, Err: err}
		}
	}
	for _, group := range cfg.Elevation.AllowedGroups {
		if group == "" || strings.ContainsAny(group, ":, \t\n") {
			return &ErrInvalidValue{Field: "elevation.allowed_groups", Value: group, Err: ErrInvalidGroupName}
		}
	}
	for _, name := range cfg.Elevation.EnvAllowlist {
		if err := environment.ValidateVariableName(name); err != nil {
			return &ErrInvalidValue{Field: "elevation.env_allowlist", Value: name, Err: err}
		}
	}
	if cfg.Policy.MaxMode != nil {
		if _, err := policy.ParseMode(*cfg.Policy.MaxMode); err != nil {
			return &ErrInvalidValue{Field: "policy.max_mode", Value: *cfg.Policy.MaxMode, Err: err}
		}
	}
	if cfg.Broker.ConnectAttempts < 1 {
		return &ErrInvalidValue{Field: "broker.connect_attempts", Value: fmt.Sprint(cfg.Broker.ConnectAttempts), Err: ErrOutOfRange}
	}
	if cfg.Broker.ConnectBackoff < 0 {
		return &ErrInvalidValue{Field: "broker.connect_backoff", Value: cfg.Broker.ConnectBackoff.Std().String(), Err: ErrOutOfRange}
	}
	if cfg.Broker.CallTimeout < 0 {
		return &ErrInvalidValue{Field: "broker.call_timeout", Value: cfg.Broker.CallTimeout.Std().String(), Err: ErrOutOfRange}
	}
	if n := cfg.Broker.MaxMessageBytes; n < minMessageBytes || n > maxMessageBytes {
		return &ErrInvalidValue{Field: "broker.max_message_bytes", Value: fmt.Sprint(n), Err: ErrOutOfRange}
	}
	if _, err := cfg.LogLevel(); err != nil {
		return &ErrInvalidValue{Field: "log.level", Value: cfg.Log.Level, Err: err}
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Log.Level))
	return level, err
}

// SingleUse reports whether the broker serves one request only.
func (c *Config) SingleUse() bool {
	return c.Broker.SingleUse == nil || *c.Broker.SingleUse
}

// SettingMode implements policy.Provider.
func (c *Config) SettingMode() (uint32, error) {
	return modeValue(c.Elevation.Mode)
}

// PolicyMode implements policy.Provider.
func (c *Config) PolicyMode() (uint32, error) {
	return modeValue(c.Policy.MaxMode)
}

func modeValue(s *string) (uint32, error) {
	if s == nil {
		return 0, policy.ErrNotConfigured
	}
	m, err := policy.ParseMode(*s)
	if err != nil {
		return 0, err
	}
	return uint32(m), nil
}
