// Package status defines the unified status word returned by every call that
// crosses the elevation boundary, and the normalization of raw transport codes
// into it.
package status

import (
	"errors"
	"fmt"
)

// Status is a 32-bit unified status. Bit 31 marks failure; a code with bit 31
// set is self-describing, one without it is a raw OS-facility code.
type Status uint32

const (
	failureBit    uint32 = 0x80000000
	facilityShift        = 16
	// FacilityWin32 tags raw OS call facility codes.
	FacilityWin32 uint32 = 7

	win32Prefix = failureBit | FacilityWin32<<facilityShift
)

// OK is the only success code handed to callers.
const OK Status = 0

// Named failure codes.
const (
	AccessDenied           Status = 0x80070005
	FileNotFound           Status = 0x80070002
	OutOfMemory            Status = 0x8007000E
	InvalidParameter       Status = 0x80070057
	Busy                   Status = 0x800700AA
	NoUnicodeTranslation   Status = 0x80070459
	Cancelled              Status = 0x800704C7
	AccessDisabledByPolicy Status = 0x800704EC
	Timeout                Status = 0x800705B4
	InvalidBinding         Status = 0x800706A6
	ServerUnavailable      Status = 0x800706BA
	CallFailed             Status = 0x800706BE
	BadStubData            Status = 0x800706F7
	CallCancelled          Status = 0x8007071A
	BadCommandOrFile       Status = 0x80072331
	Unexpected             Status = 0x8000FFFF
)

var names = map[Status]string{
	OK:                     "OK",
	AccessDenied:           "access denied",
	FileNotFound:           "file not found",
	OutOfMemory:            "out of memory",
	InvalidParameter:       "invalid parameter",
	Busy:                   "busy",
	NoUnicodeTranslation:   "no unicode translation",
	Cancelled:              "cancelled",
	AccessDisabledByPolicy: "access disabled by policy",
	Timeout:                "timeout",
	InvalidBinding:         "invalid binding",
	ServerUnavailable:      "server unavailable",
	CallFailed:             "call failed",
	BadStubData:            "bad stub data",
	CallCancelled:          "call cancelled",
	BadCommandOrFile:       "bad command or file name",
	Unexpected:             "unexpected failure",
}

// Normalize maps a raw fault code into the unified status domain. Codes that
// already carry the failure bit pass through unchanged; anything else is
// treated as an OS call facility code and tagged.
func Normalize(raw uint32) Status {
	if raw&failureBit != 0 {
		return Status(raw)
	}
	return Status(win32Prefix | raw&0xFFFF)
}

// Failed reports whether s is a failure code.
func (s Status) Failed() bool { return uint32(s)&failureBit != 0 }

// Succeeded reports whether s is not a failure code.
func (s Status) Succeeded() bool { return !s.Failed() }

// Facility returns the facility tag of s.
func (s Status) Facility() uint32 { return uint32(s) >> facilityShift & 0x7FF }

// Code returns the low 16 bits of s.
func (s Status) Code() uint32 { return uint32(s) & 0xFFFF }

func (s Status) String() string {
	if name, ok := names[s]; ok {
		return fmt.Sprintf("0x%08X (%s)", uint32(s), name)
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// Err returns nil for a successful status and an *Error otherwise.
func (s Status) Err() error {
	if s.Succeeded() {
		return nil
	}
	return &Error{Status: s}
}

// Error adapts a failing Status to the error interface.
type Error struct {
	Status Status
}

func (e *Error) Error() string {
	return "elevation call failed: " + e.Status.String()
}

// Is matches another *Error carrying the same status code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Status == e.Status
	}
	return false
}

// Extract returns the status carried by err, or fallback when err carries
// none. Unlike FromError it never interprets the error itself. A nil err
// yields OK.
func Extract(err error, fallback Status) Status {
	if err == nil {
		return OK
	}
	if st, ok := carried(err); ok {
		return st
	}
	return fallback
}

func carried(err error) (Status, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
