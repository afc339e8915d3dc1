//go:build windows

package privilege

import (
	"context"
	"log/slog"
)

// WindowsPrivilegeManager refuses every elevation.
type WindowsPrivilegeManager struct {
	logger  *slog.Logger
	metrics Metrics
}

func newPlatformManager(logger *slog.Logger) Manager {
	return &WindowsPrivilegeManager{logger: logger}
}

// WithPrivileges always fails with ErrPlatformNotSupported.
func (m *WindowsPrivilegeManager) WithPrivileges(_ context.Context, elevationCtx ElevationContext, _ func() error) error {
	m.logger.Error("Privileged execution requested on unsupported platform",
		"operation", elevationCtx.Operation,
		"request_id", elevationCtx.RequestID)
	m.metrics.RecordElevationFailure(ErrPlatformNotSupported)
	return ErrPlatformNotSupported
}

// IsPrivilegedExecutionSupported returns false.
func (m *WindowsPrivilegeManager) IsPrivilegedExecutionSupported() bool { return false }

// GetOriginalUID returns -1; Windows has no UIDs.
func (m *WindowsPrivilegeManager) GetOriginalUID() int { return -1 }

// GetMetrics returns a snapshot of the metrics.
func (m *WindowsPrivilegeManager) GetMetrics() Metrics { return m.metrics.GetSnapshot() }
