package rpc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"

	"github.com/isseis/go-safe-elevate/internal/transport"
	"golang.org/x/sys/unix"
)

var (
	// ErrConnClosed is returned when the peer closed the connection at a
	// message boundary.
	ErrConnClosed = errors.New("rpc: connection closed by peer")
	// ErrTruncated is returned when the peer closed mid-message.
	ErrTruncated = errors.New("rpc: truncated message")
	// ErrAllocation is returned when the allocator cannot supply a buffer.
	ErrAllocation = errors.New("rpc: buffer allocation failed")
	// ErrShortBuffer is returned when the allocator hands out less memory
	// than requested.
	ErrShortBuffer = errors.New("rpc: allocator returned a short buffer")
	// ErrControlTruncated is returned when attached handles were cut off.
	ErrControlTruncated = errors.New("rpc: ancillary data truncated")
	// ErrTooManyFiles is returned when more than MaxFiles handles arrive.
	ErrTooManyFiles = errors.New("rpc: too many attached handles")
)

// message is a received message. Payload aliases buffer memory owned by the
// allocator until release.
type message struct {
	Header  Header
	Payload []byte
	Files   []*os.File

	buf transport.Buffer
}

func (m *message) release(alloc transport.Allocator) {
	alloc.Free(&m.buf)
	m.Payload = nil
}

func (m *message) closeFiles() {
	closeFiles(m.Files)
	m.Files = nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// writeMessage marshals one message into allocator memory and sends it with
// files attached.
func writeMessage(conn *net.UnixConn, alloc transport.Allocator, limit int, typ uint16, fields []Field, files []*os.File) error {
	if len(files) > MaxFiles {
		return ErrTooManyFiles
	}
	n := FieldsLen(fields)
	if n > limit {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limit)
	}

	size := HeaderLen + n
	buf := alloc.Allocate(size)
	if buf.IsNil() {
		return ErrAllocation
	}
	defer alloc.Free(&buf)
	if buf.Len() < size {
		return fmt.Errorf("%w: got %d, want %d", ErrShortBuffer, buf.Len(), size)
	}

	b := buf.Bytes()[:size]
	EncodeHeader(b, Header{Magic: Magic, Version: Version, Type: typ, PayloadLen: uint32(n)})
	EncodeFields(b[HeaderLen:], fields)

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	written, _, err := conn.WriteMsgUnix(b, oob, nil)
	runtime.KeepAlive(files)
	if err != nil {
		return err
	}
	if written < len(b) {
		if _, err := conn.Write(b[written:]); err != nil {
			return err
		}
	}
	return nil
}

// readMessage receives one message. Payload memory comes from alloc.
func readMessage(conn *net.UnixConn, alloc transport.Allocator, limit int) (*message, error) {
	var hdr [HeaderLen]byte
	oob := make([]byte, unix.CmsgSpace(MaxFiles*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(hdr[:], oob)
	files, rightsErr := parseRights(oob[:oobn])
	if err != nil {
		closeFiles(files)
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, ErrConnClosed
		}
		return nil, err
	}
	if rightsErr != nil {
		closeFiles(files)
		return nil, rightsErr
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeFiles(files)
		return nil, ErrControlTruncated
	}

	msg := &message{Files: files}
	if n < HeaderLen {
		if _, err := io.ReadFull(conn, hdr[n:]); err != nil {
			msg.closeFiles()
			return nil, truncated(err)
		}
	}

	if msg.Header, err = DecodeHeader(hdr[:]); err != nil {
		msg.closeFiles()
		return nil, err
	}
	size := int(msg.Header.PayloadLen)
	if size > limit {
		msg.closeFiles()
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, limit)
	}
	if size == 0 {
		return msg, nil
	}

	msg.buf = alloc.Allocate(size)
	if msg.buf.IsNil() {
		msg.closeFiles()
		return nil, ErrAllocation
	}
	if msg.buf.Len() < size {
		msg.release(alloc)
		msg.closeFiles()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShortBuffer, msg.buf.Len(), size)
	}

	msg.Payload = msg.buf.Bytes()[:size]
	if _, err := io.ReadFull(conn, msg.Payload); err != nil {
		msg.release(alloc)
		msg.closeFiles()
		return nil, truncated(err)
	}
	return msg, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("rpc: parse control message: %w", err)
	}

	var files []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("rpc-fd-%d", fd)))
		}
	}
	if len(files) > MaxFiles {
		return files, ErrTooManyFiles
	}
	return files, nil
}

// nonBlocking returns f switched to non-blocking mode so that closing it
// interrupts a pending read. f itself is consumed. On failure f is returned
// unchanged.
func nonBlocking(f *os.File) *os.File {
	raw, err := f.SyscallConn()
	if err != nil {
		return f
	}
	dup := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dup, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil || dupErr != nil {
		return f
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return f
	}
	name := f.Name()
	_ = f.Close()
	return os.NewFile(uintptr(dup), name)
}
