// Package policy decides which sudo mode the local machine allows.
package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/isseis/go-safe-elevate/internal/status"
)

// Mode is a sudo mode. Higher values allow more interaction between the
// elevated child and the caller's console.
type Mode uint32

// Modes, ordered from most to least restrictive.
const (
	Disabled Mode = iota
	ForceNewWindow
	DisableInput
	Normal
)

// ErrNotConfigured is returned by a Provider when a value is absent.
var ErrNotConfigured = errors.New("not configured")

var modeNames = map[Mode]string{
	Disabled:       "disabled",
	ForceNewWindow: "forceNewWindow",
	DisableInput:   "disableInput",
	Normal:         "normal",
}

// String returns the configuration name of m.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", uint32(m))
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m <= Normal
}

// FromUint32 converts a raw value. Out of range values are rejected.
func FromUint32(v uint32) (Mode, error) {
	m := Mode(v)
	if !m.Valid() {
		return Disabled, fmt.Errorf("mode %d: %w", v, status.InvalidParameter.Err())
	}
	return m, nil
}

// Clamp converts a configured value, treating anything above Normal as Normal.
func Clamp(v uint32) Mode {
	if v > uint32(Normal) {
		return Normal
	}
	return Mode(v)
}

// ParseMode parses a mode name or number. Names are matched ignoring case,
// hyphens and underscores; "inline" is accepted for Normal.
func ParseMode(s string) (Mode, error) {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(trimmed)) {
	case "disabled", "disable", "off":
		return Disabled, nil
	case "forcenewwindow", "newwindow":
		return ForceNewWindow, nil
	case "disableinput":
		return DisableInput, nil
	case "normal", "inline":
		return Normal, nil
	}

	v, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return Disabled, fmt.Errorf("unknown sudo mode %q: %w", s, status.InvalidParameter.Err())
	}
	return Clamp(uint32(v)), nil
}

// Provider supplies the raw configured values. Either method returns
// ErrNotConfigured when its value is absent.
type Provider interface {
	// SettingMode is the mode enabled by the machine's administrator.
	SettingMode() (uint32, error)
	// PolicyMode is the upper bound imposed by policy.
	PolicyMode() (uint32, error)
}

// ModeFromPolicy returns the upper bound allowed by policy. No policy allows
// every mode. Read errors other than ErrNotConfigured are returned and must be
// treated as disabled by policy.
func ModeFromPolicy(p Provider) (Mode, error) {
	v, err := p.PolicyMode()
	switch {
	case err == nil:
		return Clamp(v), nil
	case errors.Is(err, ErrNotConfigured):
		return Normal, nil
	default:
		return Disabled, fmt.Errorf("read policy mode: %w", err)
	}
}

// SettingMode returns the configured setting. An absent setting means
// Disabled.
func SettingMode(p Provider) (Mode, error) {
	v, err := p.SettingMode()
	switch {
	case err == nil:
		return Clamp(v), nil
	case errors.Is(err, ErrNotConfigured):
		return Disabled, nil
	default:
		return Disabled, fmt.Errorf("read setting mode: %w", err)
	}
}

// AllowedMode returns the most permissive mode the machine allows. When policy
// disables sudo entirely the error wraps status.AccessDisabledByPolicy. An
// unreadable setting counts as Disabled.
func AllowedMode(p Provider) (Mode, error) {
	fromPolicy, err := ModeFromPolicy(p)
	if err != nil {
		return Disabled, err
	}
	if fromPolicy == Disabled {
		return Disabled, status.AccessDisabledByPolicy.Err()
	}

	setting, err := SettingMode(p)
	if err != nil {
		setting = Disabled
	}
	return min(fromPolicy, setting), nil
}

// Check reports whether requested is permitted under p, returning the status
// to send back to the caller.
func Check(p Provider, requested uint32) status.Status {
	allowed, err := AllowedMode(p)
	if err != nil {
		return status.Extract(err, status.AccessDisabledByPolicy)
	}
	if allowed == Disabled || Mode(requested) > allowed {
		return status.AccessDenied
	}
	return status.OK
}

// Static is a Provider with fixed values. A nil field means not configured.
type Static struct {
	Setting *uint32
	Policy  *uint32
}

// SettingMode implements Provider.
func (s Static) SettingMode() (uint32, error) {
	if s.Setting == nil {
		return 0, ErrNotConfigured
	}
	return *s.Setting, nil
}

// PolicyMode implements Provider.
func (s Static) PolicyMode() (uint32, error) {
	if s.Policy == nil {
		return 0, ErrNotConfigured
	}
	return *s.Policy, nil
}
