package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// SchemaVersion is written into every JSON log record.
const SchemaVersion = 1

// Config holds everything needed to build the process logger.
type Config struct {
	Level slog.Level
	// Dir receives a per-run JSON log when non-empty.
	Dir   string
	RunID string
	// Component is added to every record ("client" or "broker").
	Component string
	// Console receives human-readable output; defaults to os.Stderr.
	Console io.Writer
}

// Setup builds the logger described by cfg and installs it as the slog
// default. The returned close function flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func() error, error) {
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: cfg.Level}),
	}
	closeFn := func() error { return nil }

	if cfg.Dir != "" {
		f, err := OpenLogFile(cfg.Dir, cfg.RunID)
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() error {
			if err := f.Sync(); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to sync log file: %w", err)
			}
			return f.Close()
		}

		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: cfg.Level}).WithAttrs([]slog.Attr{
			slog.String("hostname", hostname()),
			slog.Int("pid", os.Getpid()),
			slog.Int("schema_version", SchemaVersion),
			slog.String("run_id", cfg.RunID),
		}))
	}

	var handler slog.Handler = NewRedactingHandler(NewMultiHandler(handlers...), nil)
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}
