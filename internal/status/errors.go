package status

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
)

// Raw OS error numbers used when translating Go errors on the elevated side.
const (
	rawFileNotFound     uint32 = 2
	rawAccessDenied     uint32 = 5
	rawNotEnoughMemory  uint32 = 8
	rawInvalidParameter uint32 = 87
	rawBusy             uint32 = 170
	rawTimeout          uint32 = 1460
	rawCancelled        uint32 = 1223
)

var errnoToRaw = map[syscall.Errno]uint32{
	syscall.ENOENT:    rawFileNotFound,
	syscall.EACCES:    rawAccessDenied,
	syscall.EPERM:     rawAccessDenied,
	syscall.ENOMEM:    rawNotEnoughMemory,
	syscall.EINVAL:    rawInvalidParameter,
	syscall.EBUSY:     rawBusy,
	syscall.ETIMEDOUT: rawTimeout,
}

// FromError converts a Go error raised on the elevated side into a unified
// status. Errors that already carry a status keep it.
func FromError(err error) Status {
	if err == nil {
		return OK
	}

	if st, ok := carried(err); ok {
		return st
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if raw, ok := errnoToRaw[errno]; ok {
			return Normalize(raw)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Normalize(rawTimeout)
	case errors.Is(err, context.Canceled):
		return Normalize(rawCancelled)
	case errors.Is(err, fs.ErrNotExist):
		return Normalize(rawFileNotFound)
	case errors.Is(err, fs.ErrPermission):
		return Normalize(rawAccessDenied)
	default:
		return Unexpected
	}
}
