//go:build !windows

package privilege

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// UnixPrivilegeManager switches the effective UID between the invoking user
// and root. It requires a root-owned setuid binary or a root invocation.
type UnixPrivilegeManager struct {
	logger      *slog.Logger
	originalUID int
	supported   bool
	metrics     Metrics
	mu          sync.Mutex

	seteuid func(int) error
	geteuid func() int
	exit    func(int)
}

func newPlatformManager(logger *slog.Logger) Manager {
	return &UnixPrivilegeManager{
		logger:      logger,
		originalUID: syscall.Getuid(),
		supported:   isPrivilegeExecutionSupported(logger),
		seteuid:     syscall.Seteuid,
		geteuid:     syscall.Geteuid,
		exit:        os.Exit,
	}
}

// WithPrivileges implements Manager.
func (m *UnixPrivilegeManager) WithPrivileges(ctx context.Context, elevationCtx ElevationContext, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	elevationCtx.StartTime = time.Now()
	elevationCtx.OriginalUID = m.originalUID
	elevationCtx.TargetUID = 0

	if err := m.escalatePrivileges(elevationCtx); err != nil {
		m.metrics.RecordElevationFailure(err)
		return err
	}

	defer m.restoreAfter(ctx, elevationCtx)
	return fn()
}

// restoreAfter restores privileges on both normal return and panic, then
// re-raises the panic. A failed restore terminates the process.
func (m *UnixPrivilegeManager) restoreAfter(ctx context.Context, elevationCtx ElevationContext) {
	r := recover()
	shutdownContext := "normal execution"
	if r != nil {
		shutdownContext = fmt.Sprintf("after panic: %v", r)
		m.logger.ErrorContext(ctx, "Panic occurred during privileged operation, attempting privilege restoration",
			"panic", r,
			"operation", elevationCtx.Operation,
			"request_id", elevationCtx.RequestID)
	}

	if err := m.restorePrivileges(); err != nil {
		m.emergencyShutdown(err, shutdownContext)
	} else if r == nil {
		m.metrics.RecordElevationSuccess(time.Since(elevationCtx.StartTime))
	}

	if r != nil {
		panic(r)
	}
}

func (m *UnixPrivilegeManager) escalatePrivileges(elevationCtx ElevationContext) error {
	if !m.supported {
		return fmt.Errorf("%w: not a setuid-root binary", ErrPrivilegedExecutionNotAvailable)
	}
	if m.originalUID == 0 {
		return nil
	}

	if err := m.seteuid(0); err != nil {
		return &Error{
			Operation:   elevationCtx.Operation,
			RequestID:   elevationCtx.RequestID,
			OriginalUID: m.originalUID,
			TargetUID:   0,
			SyscallErr:  err,
			Timestamp:   time.Now(),
		}
	}

	m.logger.Debug("Privileges elevated",
		"operation", elevationCtx.Operation,
		"request_id", elevationCtx.RequestID,
		"original_uid", m.originalUID)
	return nil
}

func (m *UnixPrivilegeManager) restorePrivileges() error {
	if m.originalUID == 0 {
		return nil
	}
	if err := m.seteuid(m.originalUID); err != nil {
		return fmt.Errorf("%w: %v", ErrPrivilegeRestorationFailed, err)
	}
	if euid := m.geteuid(); euid != m.originalUID {
		return fmt.Errorf("%w: effective uid is %d", ErrPrivilegeRestorationFailed, euid)
	}

	m.logger.Debug("Privileges restored", "restored_uid", m.originalUID)
	return nil
}

// emergencyShutdown terminates the process after a failed restore. Running on
// with root as the effective user is never acceptable.
func (m *UnixPrivilegeManager) emergencyShutdown(restoreErr error, shutdownContext string) {
	criticalMsg := fmt.Sprintf("CRITICAL SECURITY FAILURE: Privilege restoration failed during %s", shutdownContext)

	m.logger.Error(criticalMsg,
		"error", restoreErr,
		"original_uid", m.originalUID,
		"current_uid", os.Getuid(),
		"current_euid", os.Geteuid(),
		"timestamp", time.Now().UTC(),
		"process_id", os.Getpid(),
	)

	progName := "sudo"
	if execPath, err := os.Executable(); err == nil {
		progName = filepath.Base(execPath)
	}
	if w, err := syslog.New(syslog.LOG_ERR|syslog.LOG_AUTH, progName); err == nil {
		_ = w.Err(fmt.Sprintf("%s: %v (PID: %d, UID: %d->%d)",
			criticalMsg, restoreErr, os.Getpid(), m.originalUID, os.Geteuid()))
		_ = w.Close()
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", criticalMsg, restoreErr)
	m.exit(1)
}

// IsPrivilegedExecutionSupported implements Manager.
func (m *UnixPrivilegeManager) IsPrivilegedExecutionSupported() bool {
	return m.supported
}

// GetOriginalUID implements Manager.
func (m *UnixPrivilegeManager) GetOriginalUID() int {
	return m.originalUID
}

// GetMetrics implements Manager.
func (m *UnixPrivilegeManager) GetMetrics() Metrics {
	return m.metrics.GetSnapshot()
}

// isPrivilegeExecutionSupported reports whether the process runs as root or
// from a root-owned setuid binary.
func isPrivilegeExecutionSupported(logger *slog.Logger) bool {
	if syscall.Getuid() == 0 {
		return true
	}

	execPath, err := os.Executable()
	if err != nil {
		logger.Warn("Failed to get executable path for setuid detection", "error", err)
		return false
	}
	fileInfo, err := os.Stat(execPath)
	if err != nil {
		logger.Warn("Failed to stat executable for setuid detection", "path", execPath, "error", err)
		return false
	}

	hasSetuidBit := fileInfo.Mode()&os.ModeSetuid != 0
	stat, ok := fileInfo.Sys().(*syscall.Stat_t)
	isOwnedByRoot := ok && stat.Uid == 0

	logger.Debug("Setuid binary detection completed",
		"executable_path", execPath,
		"has_setuid_bit", hasSetuidBit,
		"is_owned_by_root", isOwnedByRoot)
	return hasSetuidBit && isOwnedByRoot
}
