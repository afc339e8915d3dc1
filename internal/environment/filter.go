// Package environment builds the environments handed to the broker and to
// elevated children from an allowlist, so nothing else the caller set can
// reach a root process.
package environment

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Error definitions
var (
	ErrVariableNameEmpty      = errors.New("variable name cannot be empty")
	ErrInvalidVariableName    = errors.New("invalid variable name")
	ErrDangerousVariableValue = errors.New("variable value contains dangerous pattern")
)

// SafePath replaces the caller's PATH in every filtered environment.
const SafePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// DefaultAllowlist is passed through when the configuration names none.
var DefaultAllowlist = []string{
	"TERM", "COLORTERM", "COLUMNS", "LINES",
	"LANG", "LANGUAGE", "LC_ALL", "LC_COLLATE", "LC_CTYPE", "LC_MESSAGES", "LC_NUMERIC", "LC_TIME",
	"TZ",
}

// Identity of the account elevated children run as.
const (
	rootHome  = "/root"
	rootUser  = "root"
	rootShell = "/bin/sh"
)

const envSeparatorParts = 2

// Filter keeps allowlisted, well-formed variables.
type Filter struct {
	allowlist         map[string]bool
	dangerousPatterns []string
	logger            *slog.Logger
}

// NewFilter creates a filter passing the named variables. A nil allowlist
// means DefaultAllowlist.
func NewFilter(allowlist []string, logger *slog.Logger) *Filter {
	if allowlist == nil {
		allowlist = DefaultAllowlist
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{
		allowlist: make(map[string]bool, len(allowlist)),
		dangerousPatterns: []string{
			// Command injection patterns
			";", "&&", "||", "|", "$(", "`",
			// Redirection patterns
			">", "<",
			// Destructive file system operations
			"rm ", "del ", "format ", "mkfs ", "mkfs.",
			"dd if=", "dd of=",
			// Code execution patterns
			"exec ", "exec(", "system ", "system(", "eval ", "eval(",
		},
		logger: logger,
	}
	for _, v := range allowlist {
		f.allowlist[v] = true
	}
	return f
}

// Filter returns the allowlisted entries of env ("NAME=value") whose name and
// value validate. Order is preserved; later duplicates win.
func (f *Filter) Filter(env []string) []string {
	index := make(map[string]int)
	result := make([]string, 0, len(f.allowlist))

	for _, entry := range env {
		parts := strings.SplitN(entry, "=", envSeparatorParts)
		if len(parts) != envSeparatorParts {
			continue
		}
		name, value := parts[0], parts[1]
		if !f.allowlist[name] {
			continue
		}
		if err := f.ValidateEnvironmentVariable(name, value); err != nil {
			f.logger.Warn("Environment variable validation failed",
				"variable", name,
				"error", err)
			continue
		}

		if i, seen := index[name]; seen {
			result[i] = entry
			continue
		}
		index[name] = len(result)
		result = append(result, entry)
	}

	f.logger.Debug("Filtered environment",
		"total_vars", len(env),
		"filtered_vars", len(result))
	return result
}

// BrokerEnvironment is the environment the client starts the broker with.
func (f *Filter) BrokerEnvironment(env []string) []string {
	return append(f.Filter(withoutName(env, "PATH")), "PATH="+SafePath)
}

// RootEnvironment is the environment of an elevated child that was not sent
// one of its own: the allowlisted part of env plus root's identity.
func (f *Filter) RootEnvironment(env []string) []string {
	base := f.Filter(withoutName(env, "PATH", "HOME", "USER", "LOGNAME", "SHELL"))
	return append(base,
		"PATH="+SafePath,
		"HOME="+rootHome,
		"USER="+rootUser,
		"LOGNAME="+rootUser,
		"SHELL="+rootShell,
	)
}

func withoutName(env []string, names ...string) []string {
	out := make([]string, 0, len(env))
	for _, entry := range env {
		if name, _, _ := strings.Cut(entry, "="); !slices.Contains(names, name) {
			out = append(out, entry)
		}
	}
	return out
}

// ValidateVariableName validates that a variable name is safe and well-formed
func ValidateVariableName(name string) error {
	if name == "" {
		return ErrVariableNameEmpty
	}

	for i, char := range name {
		if i == 0 {
			// First character must be letter or underscore
			if (char < 'A' || char > 'Z') && (char < 'a' || char > 'z') && char != '_' {
				return fmt.Errorf("%w: %s (must start with letter or underscore)", ErrInvalidVariableName, name)
			}
		} else {
			// Subsequent characters can be letters, digits, or underscores
			if (char < 'A' || char > 'Z') && (char < 'a' || char > 'z') && (char < '0' || char > '9') && char != '_' {
				return fmt.Errorf("%w: %s (contains invalid character)", ErrInvalidVariableName, name)
			}
		}
	}

	return nil
}

// ValidateVariableValue validates that a variable value is safe
func (f *Filter) ValidateVariableValue(value string) error {
	for _, pattern := range f.dangerousPatterns {
		if strings.Contains(value, pattern) {
			return fmt.Errorf("%w: %s", ErrDangerousVariableValue, pattern)
		}
	}
	return nil
}

// ValidateEnvironmentVariable validates both name and value of an environment variable
func (f *Filter) ValidateEnvironmentVariable(name, value string) error {
	if err := ValidateVariableName(name); err != nil {
		return err
	}
	return f.ValidateVariableValue(value)
}
