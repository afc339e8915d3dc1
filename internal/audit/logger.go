// Package audit writes the audit trail of elevation requests. Both sides of
// the boundary record the same request_id, so the two trails can be joined.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/status"
)

// Side identifies which end of the boundary wrote a record.
type Side string

// Sides.
const (
	SideClient Side = "client"
	SideBroker Side = "broker"
)

// Severity of a security event.
type Severity string

// Severities.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Logger provides structured audit logging.
type Logger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogElevationRequest records a request about to be sent (client) or just
// received (broker). Environment values are never written, only names.
func (a *Logger) LogElevationRequest(ctx context.Context, side Side, req *elevation.Request) {
	args := req.ArgList()

	attrs := []slog.Attr{
		slog.String("audit_type", "elevation_request"),
		slog.String("side", string(side)),
		slog.String("request_id", req.CorrelationID.String()),
		slog.Int64("timestamp", time.Now().Unix()),
		slog.String("application", req.Application),
		slog.Any("args", args),
		slog.String("command_line", elevation.JoinArgs(append([]string{req.Application}, args...))),
		slog.String("cwd", req.TargetDir),
		slog.Uint64("mode", uint64(req.Mode)),
		slog.Bool("inherit_env", req.EnvVars == ""),
		slog.Bool("redirected", req.Redirected()),
		slog.Int("parent_pid", req.ParentPID()),
		slog.Int("user_id", os.Getuid()),
		slog.Int("effective_user_id", os.Geteuid()),
		slog.Int("process_id", os.Getpid()),
	}
	if req.EnvVars != "" {
		attrs = append(attrs, slog.Any("env_names", envNames(req.EnvVars)))
	}

	a.logger.LogAttrs(ctx, slog.LevelInfo, "Elevation requested", attrs...)
}

// LogElevationResult records the outcome of a request.
func (a *Logger) LogElevationResult(ctx context.Context, side Side, id uuid.UUID, st status.Status, childPID int, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("audit_type", "elevation_result"),
		slog.String("side", string(side)),
		slog.String("request_id", id.String()),
		slog.Int64("timestamp", time.Now().Unix()),
		slog.String("status", st.String()),
		slog.Bool("success", st.Succeeded()),
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.Int("process_id", os.Getpid()),
	}

	if st.Succeeded() {
		attrs = append(attrs, slog.Int("child_pid", childPID))
		a.logger.LogAttrs(ctx, slog.LevelInfo, "Elevation succeeded", attrs...)
		return
	}
	a.logger.LogAttrs(ctx, slog.LevelWarn, "Elevation failed", attrs...)
}

// LogChildExit records the exit of an elevated child.
func (a *Logger) LogChildExit(ctx context.Context, id uuid.UUID, childPID, exitCode int, runtime time.Duration) {
	a.logger.LogAttrs(ctx, slog.LevelInfo, "Elevated process exited",
		slog.String("audit_type", "child_exit"),
		slog.String("request_id", id.String()),
		slog.Int("child_pid", childPID),
		slog.Int("exit_code", exitCode),
		slog.Int64("runtime_ms", runtime.Milliseconds()),
	)
}

// LogSecurityEvent logs security-related events such as rejected peers.
func (a *Logger) LogSecurityEvent(ctx context.Context, eventType string, severity Severity, message string, details map[string]any) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security_event"),
		slog.Int64("timestamp", time.Now().Unix()),
		slog.String("event_type", eventType),
		slog.String("severity", string(severity)),
		slog.String("message", message),
		slog.Int("user_id", os.Getuid()),
		slog.Int("effective_user_id", os.Geteuid()),
		slog.Int("process_id", os.Getpid()),
	}
	for key, value := range details {
		attrs = append(attrs, slog.Any(key, value))
	}

	switch severity {
	case SeverityCritical, SeverityHigh:
		a.logger.LogAttrs(ctx, slog.LevelError, "Security event", attrs...)
	case SeverityMedium:
		a.logger.LogAttrs(ctx, slog.LevelWarn, "Security event", attrs...)
	default:
		a.logger.LogAttrs(ctx, slog.LevelInfo, "Security event", attrs...)
	}
}

func envNames(block string) []string {
	env := elevation.ParseEnvBlock(block)
	names := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv[1:], "=")
		names = append(names, kv[:1]+name)
	}
	return names
}
