package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/isseis/go-safe-elevate/internal/config"
	"github.com/isseis/go-safe-elevate/internal/elevate"
	"github.com/isseis/go-safe-elevate/internal/environment"
	"github.com/isseis/go-safe-elevate/internal/groupmembership"
	"github.com/isseis/go-safe-elevate/internal/logging"
	"github.com/isseis/go-safe-elevate/internal/policy"
	"github.com/isseis/go-safe-elevate/internal/safefileio"
	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trustTestUser(t *testing.T) {
	t.Helper()
	original := newLoader
	newLoader = func() *config.Loader {
		return config.NewLoaderWithTrust(safefileio.Trust{OwnerUID: os.Getuid()})
	}
	t.Cleanup(func() { newLoader = original })
}

// authorizerFunc adapts a function to elevate.Authorizer.
type authorizerFunc func(uid int, allowed []string) (string, error)

func (f authorizerFunc) Authorize(uid int, allowed []string) (string, error) {
	return f(uid, allowed)
}

func setMembership(t *testing.T, a elevate.Authorizer) {
	t.Helper()
	original := membership
	membership = a
	t.Cleanup(func() { membership = original })
}

// admitTestUser lets the test user past the group check.
func admitTestUser(t *testing.T) {
	setMembership(t, authorizerFunc(func(int, []string) (string, error) {
		return "test", nil
	}))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseClientArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    clientConfig
		wantErr error
	}{
		{
			name: "plain command",
			args: []string{"ls", "-l"},
			want: clientConfig{argv: []string{"ls", "-l"}, mode: policy.Normal},
		},
		{
			name: "options",
			args: []string{"-E", "-D", "/srv", "--disable-input", "make", "install"},
			want: clientConfig{argv: []string{"make", "install"}, copyEnv: true, dir: "/srv", mode: policy.DisableInput},
		},
		{
			name: "new window",
			args: []string{"--new-window", "top"},
			want: clientConfig{argv: []string{"top"}, mode: policy.ForceNewWindow},
		},
		{
			name:    "no command",
			args:    []string{"-E"},
			wantErr: errNoCommand,
		},
		{
			name:    "conflicting modes",
			args:    []string{"--new-window", "--disable-input", "top"},
			wantErr: errConflictingModes,
		},
		{
			name:    "help",
			args:    []string{"-h"},
			wantErr: flag.ErrHelp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			got, err := parseClientArgs(tt.args, &stderr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.argv, got.argv)
			assert.Equal(t, tt.want.copyEnv, got.copyEnv)
			assert.Equal(t, tt.want.dir, got.dir)
			assert.Equal(t, tt.want.mode, got.mode)
			assert.Equal(t, config.DefaultPath, got.configPath)
		})
	}
}

func TestParseClientArgs_StopsAtCommand(t *testing.T) {
	got, err := parseClientArgs([]string{"grep", "-E", "x"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, []string{"grep", "-E", "x"}, got.argv)
	assert.False(t, got.copyEnv)
}

func TestParseBrokerArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "valid", args: []string{"-p", "1234", "-n", "00ff12ab"}},
		{name: "missing pid", args: []string{"-n", "00ff"}, wantErr: true},
		{name: "missing nonce", args: []string{"-p", "1234"}, wantErr: true},
		{name: "path in nonce", args: []string{"-p", "1234", "-n", "../../etc"}, wantErr: true},
		{name: "extra arguments", args: []string{"-p", "1234", "-n", "ab", "ls"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBrokerArgs(tt.args, &bytes.Buffer{})
			if tt.wantErr {
				assert.ErrorIs(t, err, errBrokerArgs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1234, got.parentPID)
			assert.Equal(t, "00ff12ab", got.nonce)
		})
	}
}

func TestRunClient_DisabledWithoutConfig(t *testing.T) {
	admitTestUser(t)
	var stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "absent.toml")

	code, err := run("test-run", []string{"-config", missing, "true"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "sudo is disabled")
}

func TestRunClient_DisabledByPolicy(t *testing.T) {
	trustTestUser(t)
	admitTestUser(t)
	path := writeConfig(t, `
[elevation]
mode = "normal"

[policy]
max_mode = "disabled"
`)
	var stderr bytes.Buffer
	code, err := run("test-run", []string{"-config", path, "true"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "by policy")
}

func TestRunClient_ModeAboveSetting(t *testing.T) {
	trustTestUser(t)
	admitTestUser(t)
	path := writeConfig(t, `
[elevation]
mode = "disableInput"
`)
	var stderr bytes.Buffer
	code, err := run("test-run", []string{"-config", path, "true"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "requested mode is not allowed")
}

func TestRunClient_NotInAllowedGroup(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root is always allowed to elevate")
	}
	trustTestUser(t)
	path := writeConfig(t, `
[elevation]
mode = "normal"
allowed_groups = ["sudo-elevate-test-no-such-group"]
`)
	var stderr bytes.Buffer
	code, err := run("test-run", []string{"-config", path, "true"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "not allowed to elevate")
}

func TestRunClient_AuthorizationPrecedesPolicy(t *testing.T) {
	trustTestUser(t)
	var gotUID int
	var gotAllowed []string
	setMembership(t, authorizerFunc(func(uid int, allowed []string) (string, error) {
		gotUID, gotAllowed = uid, allowed
		return "", groupmembership.ErrNotMember
	}))
	path := writeConfig(t, `
[elevation]
mode = "normal"
allowed_groups = ["wheel"]

[policy]
max_mode = "disabled"
`)
	var stderr bytes.Buffer
	code, err := run("test-run", []string{"-config", path, "true"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "not allowed to elevate")
	assert.NotContains(t, stderr.String(), "by policy")
	assert.Equal(t, os.Getuid(), gotUID)
	assert.Equal(t, []string{"wheel"}, gotAllowed)
}

func TestBrokerCmd_Environment(t *testing.T) {
	t.Setenv("SUDO_ELEVATE_CALLER_SECRET", "leaked")
	t.Setenv("LD_LIBRARY_PATH", "/tmp/evil")
	t.Setenv("PATH", "/home/user/bin:/usr/bin")
	t.Setenv("TERM", "xterm")

	opts := &clientConfig{commonOptions: commonOptions{configPath: "/etc/sudo-elevate/config.toml"}}
	cmd, err := brokerCmd(opts, "00ff", environment.NewFilter(nil, nil))
	require.NoError(t, err)

	assert.Contains(t, cmd.Env, "TERM=xterm")
	assert.Contains(t, cmd.Env, "PATH="+environment.SafePath)
	for _, entry := range cmd.Env {
		assert.NotContains(t, entry, "SUDO_ELEVATE_CALLER_SECRET")
		assert.NotContains(t, entry, "LD_LIBRARY_PATH")
		assert.NotContains(t, entry, "/home/user/bin")
	}
	assert.Equal(t, []string{brokerCommand, "-p", strconv.Itoa(os.Getpid()), "-n", "00ff",
		"-config", "/etc/sudo-elevate/config.toml"}, cmd.Args[1:])
}

func TestRunClient_BadConfig(t *testing.T) {
	trustTestUser(t)
	path := writeConfig(t, "[elevation]\nmode = \"sometimes\"\n")

	_, err := run("test-run", []string{"-config", path, "true"}, &bytes.Buffer{})
	var pe *logging.PreExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, logging.ErrorTypeConfigParsing, pe.Type)
}

func TestRunClient_InvalidArguments(t *testing.T) {
	_, err := run("test-run", nil, &bytes.Buffer{})
	var pe *logging.PreExecutionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, logging.ErrorTypeRequiredArgumentMissing, pe.Type)
	assert.ErrorIs(t, err, errNoCommand)
}

func TestRunBroker_InvalidArguments(t *testing.T) {
	_, err := run("test-run", []string{brokerCommand, "-p", "0"}, &bytes.Buffer{})
	var pe *logging.PreExecutionError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, errBrokerArgs)
}

func TestDenialMessage(t *testing.T) {
	assert.Contains(t, denialMessage(status.AccessDisabledByPolicy), "policy")
	assert.Equal(t, "command not found", denialMessage(status.BadCommandOrFile))
	assert.Equal(t, status.Busy.String(), denialMessage(status.Busy))
}
