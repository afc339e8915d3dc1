package transport

// FaultFilter decides whether a raised fault may be intercepted by the caller
// (true) or must keep unwinding (false).
type FaultFilter func(code uint32) bool

// Exception codes that indicate process corruption. Faults carrying them are
// never intercepted.
const (
	ExceptionGuardPageViolation    uint32 = 0x80000001
	ExceptionDatatypeMisalignment  uint32 = 0x80000002
	ExceptionBreakpoint            uint32 = 0x80000003
	ExceptionAccessViolation       uint32 = 0xC0000005
	ExceptionInPageError           uint32 = 0xC0000006
	ExceptionIllegalInstruction    uint32 = 0xC000001D
	ExceptionPrivilegedInstruction uint32 = 0xC0000096
	ExceptionInstructionMisalign   uint32 = 0xC00000AA
	ExceptionStackOverflow         uint32 = 0xC00000FD
	ExceptionPossibleDeadlock      uint32 = 0xC0000194
	ExceptionHandleNotClosable     uint32 = 0xC0000235
	ExceptionRegNaTConsumption     uint32 = 0xC00002C9
	ExceptionStackBufferOverrun    uint32 = 0xC0000409
	ExceptionAssertionFailure      uint32 = 0xC0000420
)

var fatalExceptions = map[uint32]struct{}{
	ExceptionGuardPageViolation:    {},
	ExceptionDatatypeMisalignment:  {},
	ExceptionBreakpoint:            {},
	ExceptionAccessViolation:       {},
	ExceptionInPageError:           {},
	ExceptionIllegalInstruction:    {},
	ExceptionPrivilegedInstruction: {},
	ExceptionInstructionMisalign:   {},
	ExceptionStackOverflow:         {},
	ExceptionPossibleDeadlock:      {},
	ExceptionHandleNotClosable:     {},
	ExceptionRegNaTConsumption:     {},
	ExceptionStackBufferOverrun:    {},
	ExceptionAssertionFailure:      {},
}

// DefaultFaultFilter allows interception of every fault except the fatal
// exception codes above.
func DefaultFaultFilter(code uint32) bool {
	_, fatal := fatalExceptions[code]
	return !fatal
}
