// Package main provides the sudo command. Run by a user it prepares an
// elevation request and hands it to a broker started from the same setuid
// binary ("sudo elevate"), which launches the command as root.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/isseis/go-safe-elevate/internal/config"
	"github.com/isseis/go-safe-elevate/internal/logging"
)

// brokerCommand selects broker mode.
const brokerCommand = "elevate"

var (
	errNoCommand        = errors.New("no command given")
	errConflictingModes = errors.New("--new-window and --disable-input are mutually exclusive")
	errBrokerArgs       = errors.New("elevate requires -p <pid> and -n <nonce>")

	// newLoader is replaced in tests to trust files owned by the test user.
	newLoader = config.NewLoader
)

func main() {
	runID := logging.GenerateRunID()

	// The binary is setuid root. Nothing runs as root until a privileged
	// section asks for it.
	if err := syscall.Seteuid(syscall.Getuid()); err != nil {
		logging.HandlePreExecutionError(&logging.PreExecutionError{
			Type:      logging.ErrorTypePrivilegeDrop,
			Message:   "Failed to drop privileges",
			Component: "main",
			RunID:     runID,
			Err:       err,
		}, runID, os.Stderr, os.Stderr)
		os.Exit(1)
	}

	code, err := run(runID, os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		logging.HandlePreExecutionError(err, runID, os.Stderr, os.Stderr)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(runID string, args []string, stderr io.Writer) (int, error) {
	if len(args) > 0 && args[0] == brokerCommand {
		return runBroker(runID, args[1:], stderr)
	}
	return runClient(runID, args, stderr)
}

// commonOptions are accepted by both modes.
type commonOptions struct {
	configPath  string
	logLevel    string
	logDir      string
	metricsFile string
}

func (o *commonOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", config.DefaultPath, "path to config file")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")
	fs.StringVar(&o.logDir, "log-dir", "", "directory for the per-run JSON log; overrides the config file")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "write call metrics to this file in Prometheus text format")
}

// loadConfig reads the configuration and sets up logging for component.
func loadConfig(runID, component string, opts *commonOptions, stderr io.Writer) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := newLoader().Load(opts.configPath)
	if err != nil {
		return nil, nil, nil, &logging.PreExecutionError{
			Type:      logging.ErrorTypeConfigParsing,
			Message:   "Failed to load config",
			Component: "config",
			RunID:     runID,
			Err:       err,
		}
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logDir != "" {
		cfg.Log.Dir = opts.logDir
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, nil, &logging.PreExecutionError{
			Type:      logging.ErrorTypeConfigParsing,
			Message:   fmt.Sprintf("Invalid log level %q", cfg.Log.Level),
			Component: "config",
			RunID:     runID,
			Err:       err,
		}
	}

	logger, closeLog, err := logging.Setup(logging.Config{
		Level:     level,
		Dir:       cfg.Log.Dir,
		RunID:     runID,
		Component: component,
		Console:   stderr,
	})
	if err != nil {
		return nil, nil, nil, &logging.PreExecutionError{
			Type:      logging.ErrorTypeLogFileOpen,
			Message:   "Failed to setup logger",
			Component: "logging",
			RunID:     runID,
			Err:       err,
		}
	}
	return cfg, logger, closeLog, nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, "Usage: %s [flags] <command> [<arg>...]\n", filepath.Base(os.Args[0]))
	fs.PrintDefaults()
}
