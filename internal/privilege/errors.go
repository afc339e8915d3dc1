// Package privilege temporarily raises the effective user ID of a setuid-root
// broker around the few operations that need it.
package privilege

import (
	"errors"
	"fmt"
	"time"
)

// Standard errors.
var (
	ErrPrivilegeElevationFailed        = errors.New("failed to elevate privileges")
	ErrPrivilegeRestorationFailed      = errors.New("failed to restore privileges")
	ErrPrivilegedExecutionNotAvailable = errors.New("privileged execution not available")
	ErrPlatformNotSupported            = errors.New("privilege management not supported on this platform")
)

// Error contains detailed information about a failed privilege change.
type Error struct {
	Operation   Operation
	RequestID   string
	OriginalUID int
	TargetUID   int
	SyscallErr  error
	Timestamp   time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("privilege operation '%s' failed for request '%s' (uid %d->%d): %v",
		e.Operation, e.RequestID, e.OriginalUID, e.TargetUID, e.SyscallErr)
}

func (e *Error) Unwrap() error {
	return e.SyscallErr
}

func (e *Error) Is(target error) bool {
	return target == ErrPrivilegeElevationFailed
}
