//go:build !windows

package elevate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/isseis/go-safe-elevate/internal/audit"
	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/environment"
	"github.com/isseis/go-safe-elevate/internal/groupmembership"
	"github.com/isseis/go-safe-elevate/internal/metrics"
	"github.com/isseis/go-safe-elevate/internal/policy"
	"github.com/isseis/go-safe-elevate/internal/privilege"
	privtesting "github.com/isseis/go-safe-elevate/internal/privilege/testing"
	"github.com/isseis/go-safe-elevate/internal/rpc"
	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modePtr(m policy.Mode) *uint32 {
	v := uint32(m)
	return &v
}

// syncBuffer lets child exit goroutines log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	handler *Handler
	priv    *privtesting.MockPrivilegeManager
	logs    *syncBuffer
}

func newFixture(t *testing.T, provider policy.Provider) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	priv := privtesting.NewMockPrivilegeManager(true)
	h := New(Config{
		Policy:     provider,
		Privileges: priv,
		Audit:      audit.NewAuditLogger(logger),
		Logger:     logger,
		Metrics:    metrics.New(),
	})
	t.Cleanup(h.Wait)
	return &fixture{handler: h, priv: priv, logs: logs}
}

func allowAll() policy.Provider {
	return policy.Static{Setting: modePtr(policy.Normal)}
}

func shellRequest(t *testing.T, script string) *elevation.Request {
	t.Helper()
	return &elevation.Request{
		Mode:          uint32(policy.Normal),
		Application:   "/bin/sh",
		Args:          elevation.PackStringList([]string{"-c", script}),
		TargetDir:     t.TempDir(),
		CorrelationID: uuid.New(),
	}
}

func waitLaunched(t *testing.T, launched *rpc.Launched) int {
	t.Helper()
	require.NotNil(t, launched)
	child := elevation.NewChild(launched.Pid, launched.Exit)
	defer child.Close()
	code, err := child.Wait()
	require.NoError(t, err)
	return code
}

func TestHandleElevation_ExitCode(t *testing.T) {
	f := newFixture(t, allowAll())

	launched, st := f.handler.HandleElevation(context.Background(), shellRequest(t, "exit 3"))
	require.Equal(t, status.OK, st)
	assert.Positive(t, launched.Pid)
	assert.Equal(t, 3, waitLaunched(t, launched))

	calls := f.priv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, privilege.OperationSpawnChild, calls[0].Operation)
	assert.Equal(t, "/bin/sh", calls[0].Application)
}

func TestHandleElevation_Redirection(t *testing.T) {
	f := newFixture(t, allowAll())

	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer outR.Close()

	req := shellRequest(t, "pwd; echo \"FOO=$FOO HOME=$HOME\"")
	req.Pipes[elevation.Stdout] = outW
	req.EnvVars = elevation.EnvBlock([]string{"FOO=bar"})

	launched, st := f.handler.HandleElevation(context.Background(), req)
	require.Equal(t, status.OK, st)
	require.NoError(t, outW.Close())
	assert.Equal(t, 0, waitLaunched(t, launched))

	out, err := io.ReadAll(outR)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], req.TargetDir[strings.LastIndex(req.TargetDir, "/"):])
	assert.Equal(t, "FOO=bar HOME=", lines[1])
}

func TestHandleElevation_DisableInput(t *testing.T) {
	f := newFixture(t, allowAll())

	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	defer inR.Close()
	_, err = inW.WriteString("secret\n")
	require.NoError(t, err)
	require.NoError(t, inW.Close())

	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer outR.Close()

	req := shellRequest(t, "cat; echo done")
	req.Mode = uint32(policy.DisableInput)
	req.Pipes[elevation.Stdin] = inR
	req.Pipes[elevation.Stdout] = outW

	launched, st := f.handler.HandleElevation(context.Background(), req)
	require.Equal(t, status.OK, st)
	require.NoError(t, outW.Close())
	assert.Equal(t, 0, waitLaunched(t, launched))

	out, err := io.ReadAll(outR)
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(out))
}

func TestHandleElevation_Signaled(t *testing.T) {
	f := newFixture(t, allowAll())

	launched, st := f.handler.HandleElevation(context.Background(), shellRequest(t, "kill -9 $$"))
	require.Equal(t, status.OK, st)
	assert.Equal(t, 128+9, waitLaunched(t, launched))
}

func TestHandleElevation_Rejections(t *testing.T) {
	missing := func(t *testing.T) *elevation.Request {
		req := shellRequest(t, "true")
		req.Application = "/nonexistent/definitely-not-here"
		return req
	}

	tests := []struct {
		name     string
		provider policy.Provider
		request  func(t *testing.T) *elevation.Request
		want     status.Status
	}{
		{
			name:     "mode above setting",
			provider: policy.Static{Setting: modePtr(policy.ForceNewWindow)},
			request:  func(t *testing.T) *elevation.Request { return shellRequest(t, "true") },
			want:     status.AccessDenied,
		},
		{
			name:     "not configured",
			provider: policy.Static{},
			request:  func(t *testing.T) *elevation.Request { return shellRequest(t, "true") },
			want:     status.AccessDenied,
		},
		{
			name:     "disabled by policy",
			provider: policy.Static{Setting: modePtr(policy.Normal), Policy: modePtr(policy.Disabled)},
			request:  func(t *testing.T) *elevation.Request { return shellRequest(t, "true") },
			want:     status.AccessDisabledByPolicy,
		},
		{
			name:     "mode out of range",
			provider: allowAll(),
			request: func(t *testing.T) *elevation.Request {
				req := shellRequest(t, "true")
				req.Mode = 7
				return req
			},
			want: status.InvalidParameter,
		},
		{
			name:     "invalid utf-8",
			provider: allowAll(),
			request: func(t *testing.T) *elevation.Request {
				req := shellRequest(t, "true")
				req.TargetDir = "/tmp/\xff"
				return req
			},
			want: status.NoUnicodeTranslation,
		},
		{
			name:     "missing executable",
			provider: allowAll(),
			request:  missing,
			want:     status.BadCommandOrFile,
		},
		{
			name:     "missing directory",
			provider: allowAll(),
			request: func(t *testing.T) *elevation.Request {
				req := shellRequest(t, "true")
				req.TargetDir = "/nonexistent/dir"
				return req
			},
			want: status.FileNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.provider)
			launched, st := f.handler.HandleElevation(context.Background(), tt.request(t))
			assert.Nil(t, launched)
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestHandleElevation_DefaultEnvironment(t *testing.T) {
	t.Setenv("SUDO_ELEVATE_CALLER_SECRET", "leaked")
	t.Setenv("PATH", "/home/user/bin:"+os.Getenv("PATH"))
	t.Setenv("HOME", "/home/user")
	t.Setenv("TERM", "xterm")

	// The default environment is captured when the handler is created.
	f := newFixture(t, allowAll())

	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer outR.Close()

	req := shellRequest(t, `echo "secret=$SUDO_ELEVATE_CALLER_SECRET"; echo "path=$PATH"; echo "home=$HOME user=$USER term=$TERM"`)
	req.Pipes[elevation.Stdout] = outW

	launched, st := f.handler.HandleElevation(context.Background(), req)
	require.Equal(t, status.OK, st)
	require.NoError(t, outW.Close())
	assert.Equal(t, 0, waitLaunched(t, launched))

	out, err := io.ReadAll(outR)
	require.NoError(t, err)
	assert.Equal(t, "secret=\n"+
		"path="+environment.SafePath+"\n"+
		"home=/root user=root term=xterm\n", string(out))
}

// denyAuthorizer admits nobody and records what it was asked.
type denyAuthorizer struct {
	mu      sync.Mutex
	uid     int
	allowed []string
}

func (a *denyAuthorizer) Authorize(uid int, allowed []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uid, a.allowed = uid, allowed
	return "", groupmembership.ErrNotMember
}

func TestHandleElevation_CallerNotAuthorized(t *testing.T) {
	f := newFixture(t, allowAll())
	authorizer := &denyAuthorizer{}
	f.handler.cfg.Membership = authorizer
	f.handler.cfg.CallerUID = 1000
	f.handler.cfg.AllowedGroups = []string{"wheel"}

	launched, st := f.handler.HandleElevation(context.Background(), shellRequest(t, "true"))
	assert.Nil(t, launched)
	assert.Equal(t, status.AccessDenied, st)
	assert.Empty(t, f.priv.Calls())
	assert.Equal(t, 1000, authorizer.uid)
	assert.Equal(t, []string{"wheel"}, authorizer.allowed)
	assert.Contains(t, f.logs.String(), "caller_not_authorized")
}

func TestHandleElevation_CallerOutsideAllowedGroups(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root is always allowed to elevate")
	}
	f := newFixture(t, allowAll())
	f.handler.cfg.Membership = groupmembership.New()
	f.handler.cfg.CallerUID = os.Getuid()
	f.handler.cfg.AllowedGroups = []string{"sudo-elevate-test-no-such-group"}

	launched, st := f.handler.HandleElevation(context.Background(), shellRequest(t, "true"))
	assert.Nil(t, launched)
	assert.Equal(t, status.AccessDenied, st)
	assert.Empty(t, f.priv.Calls())
}

func TestHandleElevation_CallerInAllowedGroup(t *testing.T) {
	current, err := user.Current()
	require.NoError(t, err)

	f := newFixture(t, allowAll())
	f.handler.cfg.Membership = groupmembership.New()
	f.handler.cfg.CallerUID = os.Getuid()
	f.handler.cfg.AllowedGroups = []string{current.Gid}

	launched, st := f.handler.HandleElevation(context.Background(), shellRequest(t, "exit 0"))
	require.Equal(t, status.OK, st)
	assert.Equal(t, 0, waitLaunched(t, launched))
}

func TestHandleElevation_PrivilegeFailure(t *testing.T) {
	f := newFixture(t, allowAll())
	f.handler.cfg.Privileges = privtesting.NewFailingMockPrivilegeManager()

	launched, st := f.handler.HandleElevation(context.Background(), shellRequest(t, "true"))
	assert.Nil(t, launched)
	assert.True(t, st.Failed())
}

func TestHandleElevation_AuditTrail(t *testing.T) {
	f := newFixture(t, allowAll())
	req := shellRequest(t, "exit 0")

	launched, st := f.handler.HandleElevation(context.Background(), req)
	require.Equal(t, status.OK, st)
	waitLaunched(t, launched)
	f.handler.Wait()

	logs := f.logs.String()
	for _, auditType := range []string{"elevation_request", "elevation_result", "child_exit"} {
		assert.Contains(t, logs, `"audit_type":"`+auditType+`"`)
	}
	assert.Equal(t, 3, strings.Count(logs, req.CorrelationID.String()))
	assert.Contains(t, logs, `"side":"broker"`)
}

func TestSpawnStatus(t *testing.T) {
	assert.Equal(t, status.AccessDenied, spawnStatus(privilege.ErrPrivilegeElevationFailed))
	assert.Equal(t, status.AccessDenied, spawnStatus(os.ErrPermission))
	assert.Equal(t, status.Unexpected, spawnStatus(io.ErrClosedPipe))
}
