package rpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/status"
	"github.com/isseis/go-safe-elevate/internal/transport"
)

// Stub operation names carried in raised faults.
const (
	opRequest  = "DoElevationRequest"
	opShutdown = "Shutdown"
)

// ClientStub carries calls to a broker over a Binding. Failures are raised as
// *transport.Fault panics, never returned.
type ClientStub struct {
	alloc       transport.Allocator
	maxPayload  int
	callTimeout time.Duration
}

// StubConfig configures a ClientStub.
type StubConfig struct {
	// Alloc supplies marshalling buffers; nil means a heap allocator.
	Alloc transport.Allocator
	// MaxPayload bounds a single message payload; zero means 1 MiB.
	MaxPayload int
	// CallTimeout bounds one call; zero means no deadline.
	CallTimeout time.Duration
}

// NewClientStub creates a stub.
func NewClientStub(cfg StubConfig) *ClientStub {
	if cfg.Alloc == nil {
		cfg.Alloc = transport.NewHeapAllocator(0)
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	return &ClientStub{alloc: cfg.Alloc, maxPayload: cfg.MaxPayload, callTimeout: cfg.CallTimeout}
}

// DoElevationRequest sends req and waits for the broker's reply. On success
// the returned child owns the exit pipe received from the broker.
func (s *ClientStub) DoElevationRequest(b transport.Binding, req *elevation.Request) (*elevation.Child, status.Status) {
	binding := s.lock(b, opRequest)
	defer binding.mu.Unlock()

	fields, files := encodeRequest(req)
	s.send(binding, opRequest, MsgRequest, fields, files)

	msg := s.receive(binding, opRequest)
	defer msg.release(s.alloc)

	if msg.Header.Type != MsgReply {
		msg.closeFiles()
		s.fail(binding, transport.CodeBadStubData, opRequest, fmt.Errorf("unexpected message type %d", msg.Header.Type))
	}
	st, pid, err := decodeReply(msg.Payload)
	if err != nil {
		msg.closeFiles()
		s.fail(binding, transport.CodeBadStubData, opRequest, err)
	}

	if st.Failed() {
		msg.closeFiles()
		return nil, st
	}
	if len(msg.Files) != 1 || pid <= 0 {
		msg.closeFiles()
		s.fail(binding, transport.CodeBadStubData, opRequest,
			fmt.Errorf("success reply with pid %d and %d handles", pid, len(msg.Files)))
	}
	return elevation.NewChild(pid, nonBlocking(msg.Files[0])), st
}

// Shutdown asks the broker to stop and waits for its acknowledgement.
func (s *ClientStub) Shutdown(b transport.Binding) {
	binding := s.lock(b, opShutdown)
	defer binding.mu.Unlock()

	s.send(binding, opShutdown, MsgShutdown, nil, nil)

	msg := s.receive(binding, opShutdown)
	defer msg.release(s.alloc)
	msg.closeFiles()

	if msg.Header.Type != MsgShutdownAck {
		s.fail(binding, transport.CodeBadStubData, opShutdown, fmt.Errorf("unexpected message type %d", msg.Header.Type))
	}
}

// lock returns b as a *Binding with its mutex held, or raises when b is not
// usable.
func (s *ClientStub) lock(b transport.Binding, op string) *Binding {
	binding, ok := b.(*Binding)
	if !ok || binding == nil {
		transport.Raise(transport.CodeInvalidBinding, op, fmt.Errorf("unsupported binding %T", b))
	}

	binding.mu.Lock()
	if binding.broken != nil {
		err := binding.broken
		binding.mu.Unlock()
		transport.Raise(transport.CodeServerUnavailable, op, err)
	}

	var deadline time.Time
	if s.callTimeout > 0 {
		deadline = time.Now().Add(s.callTimeout)
	}
	if err := binding.conn.SetDeadline(deadline); err != nil {
		binding.broken = err
		binding.mu.Unlock()
		transport.Raise(transport.CodeServerUnavailable, op, err)
	}
	return binding
}

func (s *ClientStub) send(b *Binding, op string, typ uint16, fields []Field, files []*os.File) {
	err := writeMessage(b.conn, s.alloc, s.maxPayload, typ, fields, files)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrAllocation):
		s.fail(b, transport.CodeOutOfMemory, op, err)
	case errors.Is(err, ErrShortBuffer):
		s.fail(b, transport.ExceptionAccessViolation, op, err)
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrTooManyFiles):
		s.fail(b, transport.CodeBadStubData, op, err)
	case isTimeout(err):
		s.fail(b, transport.CodeCallCancelled, op, err)
	default:
		s.fail(b, transport.CodeServerUnavailable, op, err)
	}
}

func (s *ClientStub) receive(b *Binding, op string) *message {
	msg, err := readMessage(b.conn, s.alloc, s.maxPayload)
	switch {
	case err == nil:
		return msg
	case errors.Is(err, ErrConnClosed), isPeerGone(err):
		s.fail(b, transport.CodeServerUnavailable, op, err)
	case errors.Is(err, ErrAllocation):
		s.fail(b, transport.CodeOutOfMemory, op, err)
	case errors.Is(err, ErrShortBuffer):
		s.fail(b, transport.ExceptionAccessViolation, op, err)
	case isTimeout(err):
		s.fail(b, transport.CodeCallCancelled, op, err)
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrControlTruncated):
		s.fail(b, transport.CodeCallFailed, op, err)
	case isProtocolError(err):
		s.fail(b, transport.CodeBadStubData, op, err)
	default:
		s.fail(b, transport.CodeCallFailed, op, err)
	}
	return nil
}

// fail marks the binding unusable and raises. The caller's deferred unlock
// still runs while the fault unwinds.
func (s *ClientStub) fail(b *Binding, code uint32, op string, err error) {
	if b.broken == nil {
		b.broken = err
	}
	transport.Raise(code, op, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isPeerGone reports errors from a broker that closed without reading.
func isPeerGone(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func isProtocolError(err error) bool {
	for _, target := range []error{ErrBadMagic, ErrBadVersion, ErrPayloadTooLarge, ErrShortHeader, ErrTooManyFiles} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
