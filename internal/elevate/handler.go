//go:build !windows

// Package elevate serves elevation requests inside the broker: it checks the
// machine policy, launches the requested program with root privileges and
// reports the program's exit code back through a pipe owned by the client.
package elevate

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/isseis/go-safe-elevate/internal/audit"
	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/environment"
	"github.com/isseis/go-safe-elevate/internal/metrics"
	"github.com/isseis/go-safe-elevate/internal/policy"
	"github.com/isseis/go-safe-elevate/internal/privilege"
	"github.com/isseis/go-safe-elevate/internal/rpc"
	"github.com/isseis/go-safe-elevate/internal/status"
)

// OpSpawn names child launches in metrics.
const OpSpawn = "spawn"

// exitCodeSignalBase is added to the signal number of a killed child, the
// way shells report it.
const exitCodeSignalBase = 128

// Authorizer decides whether a user may elevate. It returns the allowed
// group that admitted uid.
type Authorizer interface {
	Authorize(uid int, allowed []string) (string, error)
}

// Config configures a Handler.
type Config struct {
	Policy     policy.Provider
	Privileges privilege.Manager
	Audit      *audit.Logger
	Logger     *slog.Logger
	Metrics    *metrics.Collector
	// Credential is applied to every child. Nil keeps the broker's
	// credentials, which is only useful in tests.
	Credential *syscall.Credential

	// CallerUID is the real uid of the user the broker serves. Requests are
	// only launched when Membership admits it through AllowedGroups. A nil
	// Membership skips the check, which is only useful in tests.
	CallerUID     int
	AllowedGroups []string
	Membership    Authorizer

	// Environment is given to children whose request carries no environment
	// block. Nil means the allowlisted part of the broker's own environment
	// plus root's identity.
	Environment []string
}

// Handler implements rpc.Handler.
type Handler struct {
	cfg Config
	wg  sync.WaitGroup
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewAuditLogger(cfg.Logger)
	}
	if cfg.Environment == nil {
		cfg.Environment = environment.NewFilter(nil, cfg.Logger).RootEnvironment(os.Environ())
	}
	return &Handler{cfg: cfg}
}

// HandleElevation validates req and launches it. On success the caller owns
// the returned exit pipe.
func (h *Handler) HandleElevation(ctx context.Context, req *elevation.Request) (*rpc.Launched, status.Status) {
	start := time.Now()
	h.cfg.Audit.LogElevationRequest(ctx, audit.SideBroker, req)

	launched, st := h.launch(ctx, req)

	pid := 0
	if launched != nil {
		pid = launched.Pid
	}
	h.cfg.Metrics.ObserveCall(OpSpawn, st, time.Since(start))
	h.cfg.Audit.LogElevationResult(ctx, audit.SideBroker, req.CorrelationID, st, pid, time.Since(start))
	return launched, st
}

// Wait blocks until every launched child has exited and reported.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) launch(ctx context.Context, req *elevation.Request) (*rpc.Launched, status.Status) {
	if st := req.Validate(); st.Failed() {
		return nil, st
	}
	if _, err := policy.FromUint32(req.Mode); err != nil {
		h.cfg.Logger.Warn("Request carries an unknown mode",
			"request_id", req.CorrelationID.String(),
			"mode", req.Mode)
		return nil, status.InvalidParameter
	}
	if st := h.authorize(ctx, req); st.Failed() {
		return nil, st
	}
	if st := policy.Check(h.cfg.Policy, req.Mode); st.Failed() {
		h.cfg.Logger.Warn("Request rejected by policy",
			"request_id", req.CorrelationID.String(),
			"mode", policy.Clamp(req.Mode).String(),
			"status", st.String())
		return nil, st
	}

	cmd := h.command(req)
	if cmd.Err != nil {
		return nil, spawnStatus(cmd.Err)
	}

	exitR, exitW, err := os.Pipe()
	if err != nil {
		return nil, status.FromError(err)
	}

	elevationCtx := privilege.ElevationContext{
		Operation:   privilege.OperationSpawnChild,
		RequestID:   req.CorrelationID.String(),
		Application: req.Application,
		StartTime:   time.Now(),
		OriginalUID: h.cfg.Privileges.GetOriginalUID(),
	}
	start := func() error {
		// The fork child reports a bad directory as a failed exec; check it
		// first so it is reported as such.
		if cmd.Dir != "" {
			if _, err := os.Stat(cmd.Dir); err != nil {
				return &fs.PathError{Op: "chdir", Path: cmd.Dir, Err: errors.Unwrap(err)}
			}
		}
		return cmd.Start()
	}
	if err := h.cfg.Privileges.WithPrivileges(ctx, elevationCtx, start); err != nil {
		_ = exitR.Close()
		_ = exitW.Close()
		h.cfg.Logger.Error("Failed to start child",
			"request_id", req.CorrelationID.String(),
			"application", req.Application,
			"error", err)
		return nil, spawnStatus(err)
	}

	h.wg.Add(1)
	go h.reportExit(ctx, req, cmd, exitW)

	return &rpc.Launched{Pid: cmd.Process.Pid, Exit: exitR}, status.OK
}

// authorize checks that the caller belongs to an allowed group.
func (h *Handler) authorize(ctx context.Context, req *elevation.Request) status.Status {
	if h.cfg.Membership == nil {
		return status.OK
	}
	group, err := h.cfg.Membership.Authorize(h.cfg.CallerUID, h.cfg.AllowedGroups)
	if err != nil {
		h.cfg.Audit.LogSecurityEvent(ctx, "caller_not_authorized", audit.SeverityHigh,
			"Elevation requested by a user outside the allowed groups", map[string]any{
				"caller_uid":     h.cfg.CallerUID,
				"allowed_groups": h.cfg.AllowedGroups,
				"request_id":     req.CorrelationID.String(),
				"error":          err.Error(),
			})
		return status.AccessDenied
	}
	h.cfg.Logger.Debug("Caller authorized",
		"request_id", req.CorrelationID.String(),
		"caller_uid", h.cfg.CallerUID,
		"group", group)
	return status.OK
}

// command builds the child. Slots without a redirected handle inherit the
// broker's own stdio.
func (h *Handler) command(req *elevation.Request) *exec.Cmd {
	// #nosec G204 - the application was resolved by the client and is audited
	cmd := exec.Command(req.Application, req.ArgList()...)
	cmd.Dir = req.TargetDir

	if req.EnvVars != "" {
		cmd.Env = elevation.ParseEnvBlock(req.EnvVars)
	} else {
		cmd.Env = h.cfg.Environment
	}

	cmd.Stdin = orDefault(req.Stdio(elevation.Stdin), os.Stdin)
	cmd.Stdout = orDefault(req.Stdio(elevation.Stdout), os.Stdout)
	cmd.Stderr = orDefault(req.Stdio(elevation.Stderr), os.Stderr)

	attr := &syscall.SysProcAttr{Credential: h.cfg.Credential}
	switch policy.Clamp(req.Mode) {
	case policy.DisableInput:
		// A nil Stdin is connected to the null device.
		cmd.Stdin = nil
	case policy.ForceNewWindow:
		attr.Setsid = true
	}
	cmd.SysProcAttr = attr
	return cmd
}

func orDefault(f, def *os.File) *os.File {
	if f != nil {
		return f
	}
	return def
}

func (h *Handler) reportExit(ctx context.Context, req *elevation.Request, cmd *exec.Cmd, exitW *os.File) {
	defer h.wg.Done()
	defer exitW.Close()

	start := time.Now()
	err := cmd.Wait()
	code := exitCode(cmd.ProcessState, err)

	h.cfg.Audit.LogChildExit(ctx, req.CorrelationID, cmd.Process.Pid, code, time.Since(start))
	if _, err := exitW.Write(elevation.EncodeExitRecord(code)); err != nil {
		h.cfg.Logger.Warn("Failed to report child exit",
			"request_id", req.CorrelationID.String(),
			"child_pid", cmd.Process.Pid,
			"error", err)
	}
}

func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitCodeSignalBase + int(ws.Signal())
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// spawnStatus maps a start failure to the status sent to the client.
func spawnStatus(err error) status.Status {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return status.FromError(err)
	}

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOEXEC):
		return status.BadCommandOrFile
	case errors.Is(err, privilege.ErrPrivilegeElevationFailed):
		return status.AccessDenied
	default:
		return status.FromError(err)
	}
}
