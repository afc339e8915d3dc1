package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/isseis/go-safe-elevate/internal/audit"
	"github.com/isseis/go-safe-elevate/internal/client"
	"github.com/isseis/go-safe-elevate/internal/config"
	"github.com/isseis/go-safe-elevate/internal/elevate"
	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/environment"
	"github.com/isseis/go-safe-elevate/internal/groupmembership"
	"github.com/isseis/go-safe-elevate/internal/logging"
	"github.com/isseis/go-safe-elevate/internal/metrics"
	"github.com/isseis/go-safe-elevate/internal/policy"
	"github.com/isseis/go-safe-elevate/internal/rpc"
	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/isseis/go-safe-elevate/internal/transport"
)

// membership decides who may elevate; tests replace it.
var membership elevate.Authorizer = groupmembership.New()

type clientConfig struct {
	commonOptions
	argv    []string
	copyEnv bool
	dir     string
	mode    policy.Mode
}

func parseClientArgs(args []string, stderr io.Writer) (*clientConfig, error) {
	var (
		cfg          clientConfig
		newWindow    bool
		disableInput bool
	)

	fs := flag.NewFlagSet("sudo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(fs, stderr) }
	cfg.register(fs)
	fs.BoolVar(&cfg.copyEnv, "E", false, "pass the current environment to the command")
	fs.BoolVar(&cfg.copyEnv, "preserve-env", false, "long form of -E")
	fs.StringVar(&cfg.dir, "D", "", "working directory for the command (default: current directory)")
	fs.StringVar(&cfg.dir, "chdir", "", "long form of -D")
	fs.BoolVar(&newWindow, "new-window", false, "run the command in a new session")
	fs.BoolVar(&disableInput, "disable-input", false, "run the command with input disabled")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case newWindow && disableInput:
		printUsage(fs, stderr)
		return nil, errConflictingModes
	case newWindow:
		cfg.mode = policy.ForceNewWindow
	case disableInput:
		cfg.mode = policy.DisableInput
	default:
		cfg.mode = policy.Normal
	}

	cfg.argv = fs.Args()
	if len(cfg.argv) == 0 {
		printUsage(fs, stderr)
		return nil, errNoCommand
	}
	return &cfg, nil
}

func runClient(runID string, args []string, stderr io.Writer) (int, error) {
	opts, err := parseClientArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, err
		}
		return 0, &logging.PreExecutionError{
			Type:      logging.ErrorTypeRequiredArgumentMissing,
			Message:   "Invalid arguments",
			Component: "cli",
			RunID:     runID,
			Err:       err,
		}
	}

	cfg, logger, closeLog, err := loadConfig(runID, string(audit.SideClient), &opts.commonOptions, stderr)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := closeLog(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: %v\n", err)
		}
	}()

	// Refuse early so a disabled machine never starts a broker.
	group, err := membership.Authorize(os.Getuid(), cfg.Elevation.AllowedGroups)
	if err != nil {
		logger.Warn("Caller is not allowed to elevate",
			"uid", os.Getuid(),
			"allowed_groups", cfg.Elevation.AllowedGroups,
			"error", err)
		_, _ = fmt.Fprintln(stderr, "sudo: you are not allowed to elevate on this machine")
		return 1, nil
	}
	logger.Debug("Caller authorized", "group", group)
	if st := policy.Check(cfg, uint32(opts.mode)); st.Failed() {
		_, _ = fmt.Fprintf(stderr, "sudo: %s\n", denialMessage(st))
		return 1, nil
	}

	req, err := elevation.Prepare(opts.argv, elevation.PrepareOptions{
		Mode:    uint32(opts.mode),
		CopyEnv: opts.copyEnv,
		Dir:     opts.dir,
	})
	if err != nil {
		errType := logging.ErrorTypeSystemError
		if errors.Is(err, status.BadCommandOrFile.Err()) {
			errType = logging.ErrorTypeCommandNotFound
		}
		return 0, &logging.PreExecutionError{
			Type:      errType,
			Message:   "Failed to prepare request",
			Component: "client",
			RunID:     runID,
			Err:       err,
		}
	}

	if os.Getuid() == 0 {
		logger.Debug("Already running as root; executing directly", "application", req.Application)
		return runDirect(req, stderr), nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	defer func() {
		if opts.metricsFile == "" {
			return
		}
		if err := m.WriteTextfile(opts.metricsFile); err != nil {
			logger.Warn("Failed to write metrics", "path", opts.metricsFile, "error", err)
		}
	}()

	return requestElevation(ctx, runID, cfg, opts, req, logger, m, stderr)
}

// requestElevation starts a broker, sends req and waits for the launched command.
func requestElevation(ctx context.Context, runID string, cfg *config.Config, opts *clientConfig, req *elevation.Request,
	logger *slog.Logger, m *metrics.Collector, stderr io.Writer,
) (int, error) {
	nonce, err := rpc.NewNonce()
	if err != nil {
		return 0, err
	}

	broker, err := brokerCmd(opts, nonce, environment.NewFilter(cfg.Elevation.EnvAllowlist, logger))
	if err == nil {
		err = broker.Start()
	}
	if err != nil {
		return 0, &logging.PreExecutionError{
			Type:      logging.ErrorTypeBrokerStart,
			Message:   "Failed to start broker",
			Component: "client",
			RunID:     runID,
			Err:       err,
		}
	}
	defer func() {
		if err := broker.Wait(); err != nil {
			logger.Warn("Broker exited abnormally", "error", err)
		}
	}()

	endpoint := rpc.EndpointPath(cfg.Broker.RuntimeDir, os.Getpid(), nonce)
	binding, err := rpc.Dial(ctx, endpoint, rpc.DialConfig{
		Attempts: cfg.Broker.ConnectAttempts,
		Backoff:  cfg.Broker.ConnectBackoff.Std(),
		Logger:   logger,
	})
	if err != nil {
		_ = broker.Process.Kill()
		return 0, &logging.PreExecutionError{
			Type:      logging.ErrorTypeBrokerStart,
			Message:   "Failed to connect to broker",
			Component: "client",
			RunID:     runID,
			Err:       err,
		}
	}
	defer binding.Close()

	stub := rpc.NewClientStub(rpc.StubConfig{
		Alloc:       transport.NewHeapAllocator(cfg.Broker.MaxMessageBytes + rpc.HeaderLen),
		MaxPayload:  cfg.Broker.MaxMessageBytes,
		CallTimeout: cfg.Broker.CallTimeout.Std(),
	})
	c := client.New(stub, client.WithLogger(logger), client.WithMetrics(m))
	auditLog := audit.NewAuditLogger(logger)

	auditLog.LogElevationRequest(ctx, audit.SideClient, req)
	start := time.Now()
	child, st := c.RequestElevation(binding, req)
	pid := 0
	if child != nil {
		pid = child.Pid
	}
	auditLog.LogElevationResult(ctx, audit.SideClient, req.CorrelationID, st, pid, time.Now().Sub(start))

	if shutdown := c.Shutdown(binding); shutdown.Failed() {
		logger.Debug("Broker shutdown reported failure", "status", shutdown.String())
	}

	if st.Failed() {
		_, _ = fmt.Fprintf(stderr, "sudo: %s\n", denialMessage(st))
		return 1, nil
	}
	defer child.Close()

	code, err := child.Wait()
	if err != nil {
		return 0, fmt.Errorf("wait for %s: %w", req.Application, err)
	}
	return code, nil
}

// brokerCmd re-executes this binary in broker mode. The broker inherits the
// console so unredirected stdio reaches the user, but only the allowlisted
// part of the environment.
func brokerCmd(opts *clientConfig, nonce string, envFilter *environment.Filter) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	args := []string{brokerCommand,
		"-p", strconv.Itoa(os.Getpid()),
		"-n", nonce,
		"-config", opts.configPath,
	}
	if opts.logLevel != "" {
		args = append(args, "-log-level", opts.logLevel)
	}
	if opts.logDir != "" {
		args = append(args, "-log-dir", opts.logDir)
	}

	// #nosec G204 - self is this executable
	cmd := exec.Command(self, args...)
	cmd.Env = envFilter.BrokerEnvironment(os.Environ())
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// runDirect runs the request in this process's context.
func runDirect(req *elevation.Request, stderr io.Writer) int {
	// #nosec G204 - the application was resolved from the user's own command line
	cmd := exec.Command(req.Application, req.ArgList()...)
	cmd.Dir = req.TargetDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if req.Mode == uint32(policy.DisableInput) {
		cmd.Stdin = nil
	}
	if req.Mode == uint32(policy.ForceNewWindow) {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		_, _ = fmt.Fprintf(stderr, "sudo: %v\n", err)
		return 1
	}
}

// denialMessage explains a failed status to the user.
func denialMessage(st status.Status) string {
	switch st {
	case status.AccessDisabledByPolicy:
		return "sudo is disabled on this machine by policy"
	case status.AccessDenied:
		return "sudo is disabled on this machine or the requested mode is not allowed"
	case status.BadCommandOrFile:
		return "command not found"
	default:
		return st.String()
	}
}
