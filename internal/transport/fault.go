// Package transport holds the contracts shared by the cross-boundary call
// layer and the stubs that carry calls to the elevated broker: structured
// faults and the filter that classifies them, the opaque binding, and the
// allocator used for every marshalled payload.
package transport

import (
	"fmt"
)

// Raw transport codes raised by the stubs in this module. They live in the
// OS call facility and are tagged by status.Normalize when intercepted.
const (
	CodeOutOfMemory       uint32 = 14
	CodeInvalidBinding    uint32 = 1702
	CodeServerUnavailable uint32 = 1722
	CodeCallFailed        uint32 = 1726
	CodeBadStubData       uint32 = 1783
	CodeCallCancelled     uint32 = 1818
)

// Fault is a structured fault raised by a stub in place of a return value.
// Stubs raise it with Raise; it is never returned as an ordinary error.
type Fault struct {
	Code uint32
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("transport fault 0x%08X during %s: %v", f.Code, f.Op, f.Err)
	}
	return fmt.Sprintf("transport fault 0x%08X during %s", f.Code, f.Op)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Raise aborts the current call with a structured fault.
func Raise(code uint32, op string, err error) {
	panic(&Fault{Code: code, Op: op, Err: err})
}
