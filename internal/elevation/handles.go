//go:build !windows

package elevation

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// HandleKind classifies a stdio handle for transfer across the boundary.
type HandleKind int

// Handle kinds.
const (
	HandleNone HandleKind = iota
	HandlePipe
	HandleFile
)

// ClassifyHandle reports whether f can be redirected as a pipe or as a file.
// Terminals and other character devices are not redirected; the child keeps
// the broker's own terminal for those slots.
func ClassifyHandle(f *os.File) HandleKind {
	if f == nil {
		return HandleNone
	}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		return HandleNone
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return HandleNone
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFIFO, unix.S_IFSOCK:
		return HandlePipe
	case unix.S_IFREG:
		return HandleFile
	default:
		return HandleNone
	}
}

// SplitHandles sorts stdio handles into the pipe and file slots of a request.
func SplitHandles(handles [StdioCount]*os.File) (pipes, files [StdioCount]*os.File) {
	for i, h := range handles {
		switch ClassifyHandle(h) {
		case HandlePipe:
			pipes[i] = h
		case HandleFile:
			files[i] = h
		}
	}
	return pipes, files
}
