package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isseis/go-safe-elevate/internal/audit"
	"github.com/isseis/go-safe-elevate/internal/elevate"
	"github.com/isseis/go-safe-elevate/internal/environment"
	"github.com/isseis/go-safe-elevate/internal/groupmembership"
	"github.com/isseis/go-safe-elevate/internal/logging"
	"github.com/isseis/go-safe-elevate/internal/metrics"
	"github.com/isseis/go-safe-elevate/internal/privilege"
	"github.com/isseis/go-safe-elevate/internal/rpc"
	"github.com/isseis/go-safe-elevate/internal/transport"
)

const runtimeDirPerm = 0o755

type brokerConfig struct {
	commonOptions
	parentPID int
	nonce     string
}

func parseBrokerArgs(args []string, stderr io.Writer) (*brokerConfig, error) {
	var cfg brokerConfig

	fs := flag.NewFlagSet("sudo elevate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.register(fs)
	fs.IntVar(&cfg.parentPID, "p", 0, "pid of the requesting client")
	fs.StringVar(&cfg.nonce, "n", "", "endpoint nonce chosen by the client")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.parentPID <= 0 || cfg.nonce == "" || fs.NArg() != 0 {
		return nil, errBrokerArgs
	}
	for _, r := range cfg.nonce {
		if !isNonceRune(r) {
			return nil, fmt.Errorf("%w: invalid nonce %q", errBrokerArgs, cfg.nonce)
		}
	}
	return &cfg, nil
}

// isNonceRune keeps the nonce from escaping the runtime directory.
func isNonceRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}

func runBroker(runID string, args []string, stderr io.Writer) (int, error) {
	opts, err := parseBrokerArgs(args, stderr)
	if err != nil {
		return 0, &logging.PreExecutionError{
			Type:      logging.ErrorTypeRequiredArgumentMissing,
			Message:   "Invalid broker arguments",
			Component: "cli",
			RunID:     runID,
			Err:       err,
		}
	}

	cfg, logger, closeLog, err := loadConfig(runID, string(audit.SideBroker), &opts.commonOptions, stderr)
	if err != nil {
		return 0, err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	privMgr := privilege.NewManager(logger)
	if !privMgr.IsPrivilegedExecutionSupported() {
		return 0, &logging.PreExecutionError{
			Type:      logging.ErrorTypeBrokerStart,
			Message:   "Broker is not installed setuid root",
			Component: "privilege",
			RunID:     runID,
			Err:       privilege.ErrPrivilegedExecutionNotAvailable,
		}
	}

	self, err := os.Executable()
	if err != nil {
		return 0, &logging.PreExecutionError{
			Type:      logging.ErrorTypeBrokerStart,
			Message:   "Failed to locate executable",
			Component: "rpc",
			RunID:     runID,
			Err:       err,
		}
	}

	m := metrics.New()
	auditLog := audit.NewAuditLogger(logger)
	envFilter := environment.NewFilter(cfg.Elevation.EnvAllowlist, logger)
	handler := elevate.New(elevate.Config{
		Policy:        cfg,
		Privileges:    privMgr,
		Audit:         auditLog,
		Logger:        logger,
		Metrics:       m,
		Credential:    &syscall.Credential{Uid: 0, Gid: 0},
		CallerUID:     os.Getuid(),
		AllowedGroups: cfg.Elevation.AllowedGroups,
		Membership:    groupmembership.New(),
		Environment:   envFilter.RootEnvironment(os.Environ()),
	})

	path := rpc.EndpointPath(cfg.Broker.RuntimeDir, opts.parentPID, opts.nonce)
	var srv *rpc.Server
	listen := func() error {
		if err := os.MkdirAll(cfg.Broker.RuntimeDir, runtimeDirPerm); err != nil {
			return err
		}
		srv, err = rpc.Listen(path, handler, rpc.ServerConfig{
			OwnerUID:    os.Getuid(),
			ExpectedPID: opts.parentPID,
			ExpectedExe: self,
			ResolveExe: func(pid int) (string, error) {
				return peerExecutable(ctx, privMgr, pid)
			},
			SingleUse:  cfg.SingleUse(),
			Alloc:      transport.NewHeapAllocator(cfg.Broker.MaxMessageBytes + rpc.HeaderLen),
			MaxPayload: cfg.Broker.MaxMessageBytes,
			Logger:     logger,
			Audit:      auditLog,
		})
		return err
	}
	if err := privMgr.WithPrivileges(ctx, privilege.ElevationContext{
		Operation:   privilege.OperationListen,
		StartTime:   time.Now(),
		OriginalUID: privMgr.GetOriginalUID(),
	}, listen); err != nil {
		return 0, &logging.PreExecutionError{
			Type:      logging.ErrorTypeBrokerStart,
			Message:   "Failed to create broker endpoint",
			Component: "rpc",
			RunID:     runID,
			Err:       err,
		}
	}
	defer removeSocket(ctx, privMgr, path, logger)

	logger.Info("Broker listening", "endpoint", path, "parent_pid", opts.parentPID)
	if err := srv.Serve(ctx); err != nil {
		return 1, err
	}

	privMetrics := privMgr.GetMetrics()
	logger.Debug("Broker finished",
		"elevations", privMetrics.ElevationAttempts,
		"elevation_failures", privMetrics.ElevationFailures,
		"max_elevation_time", privMetrics.MaxElevationTime)

	if opts.metricsFile != "" {
		if err := m.WriteTextfile(opts.metricsFile); err != nil {
			logger.Warn("Failed to write metrics", "path", opts.metricsFile, "error", err)
		}
	}
	return 0, nil
}

// peerExecutable reads the client's binary path. The client is a set-id
// process, so its /proc entry is only readable with privileges.
func peerExecutable(ctx context.Context, privMgr privilege.Manager, pid int) (string, error) {
	var exe string
	err := privMgr.WithPrivileges(ctx, privilege.ElevationContext{
		Operation:   privilege.OperationInspectPeer,
		StartTime:   time.Now(),
		OriginalUID: privMgr.GetOriginalUID(),
	}, func() error {
		var err error
		exe, err = rpc.PeerExecutable(pid)
		return err
	})
	return exe, err
}

// removeSocket unlinks the endpoint from the root-owned runtime directory.
func removeSocket(ctx context.Context, privMgr privilege.Manager, path string, logger *slog.Logger) {
	err := privMgr.WithPrivileges(ctx, privilege.ElevationContext{
		Operation: privilege.OperationRemoveSocket,
		StartTime: time.Now(),
	}, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Warn("Failed to remove broker endpoint", "path", path, "error", err)
	}
}
