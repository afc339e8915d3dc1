package privilege

import (
	"context"
	"log/slog"
)

// Manager runs functions with root as the effective user.
type Manager interface {
	// WithPrivileges raises privileges, runs fn, and restores them even if fn
	// panics. Calls are serialized.
	WithPrivileges(ctx context.Context, elevationCtx ElevationContext, fn func() error) error
	IsPrivilegedExecutionSupported() bool
	GetOriginalUID() int
	GetMetrics() Metrics
}

// NewManager creates a platform-appropriate privilege manager.
func NewManager(logger *slog.Logger) Manager {
	return newPlatformManager(logger)
}
