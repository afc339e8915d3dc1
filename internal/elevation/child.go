package elevation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ExitRecordLen is the size of the exit record written by the broker.
const ExitRecordLen = 4

// ErrExitStatusUnavailable is returned by Wait when the broker closed the exit
// pipe without reporting a status.
var ErrExitStatusUnavailable = errors.New("child exit status unavailable")

// ErrChildClosed is returned by Wait after Close.
var ErrChildClosed = errors.New("child handle closed")

// Child is an owned handle to a process launched by the broker.
type Child struct {
	Pid int

	// waitMu serializes readers of the exit record.
	waitMu sync.Mutex
	code   int
	waited bool

	mu   sync.Mutex
	exit *os.File
}

// NewChild takes ownership of exit, the read end of the broker's exit pipe.
// Close interrupts a pending Wait only when exit is in non-blocking mode.
func NewChild(pid int, exit *os.File) *Child {
	return &Child{Pid: pid, exit: exit}
}

// Wait blocks until the child exits and returns its exit code.
func (c *Child) Wait() (int, error) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	if c.waited {
		return c.code, nil
	}
	exit := c.exitFile()
	if exit == nil {
		return 0, ErrChildClosed
	}

	var record [ExitRecordLen]byte
	if _, err := io.ReadFull(exit, record[:]); err != nil {
		switch {
		case c.exitFile() == nil || errors.Is(err, os.ErrClosed):
			return 0, ErrChildClosed
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			return 0, fmt.Errorf("pid %d: %w", c.Pid, ErrExitStatusUnavailable)
		default:
			return 0, fmt.Errorf("pid %d: read exit record: %w", c.Pid, err)
		}
	}

	c.code = int(int32(binary.BigEndian.Uint32(record[:])))
	c.waited = true
	return c.code, nil
}

func (c *Child) exitFile() *os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Close releases the handle without waiting for a pending Wait. It does not
// affect the running process.
func (c *Child) Close() error {
	c.mu.Lock()
	exit := c.exit
	c.exit = nil
	c.mu.Unlock()

	if exit == nil {
		return nil
	}
	return exit.Close()
}

// EncodeExitRecord formats an exit code for the exit pipe.
func EncodeExitRecord(code int) []byte {
	record := make([]byte, ExitRecordLen)
	binary.BigEndian.PutUint32(record, uint32(int32(code)))
	return record
}
