// Package elevation defines the request carried across the elevation boundary
// and the child process handle returned from it.
package elevation

import (
	"os"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/isseis/go-safe-elevate/internal/status"
)

// Stdio slot indexes used by Request.Pipes and Request.Files.
const (
	Stdin = iota
	Stdout
	Stderr
	StdioCount
)

// Request is everything the elevated broker needs to launch a child. Handles
// and strings are borrowed from the caller for the duration of one call.
type Request struct {
	// Parent is the requesting process. Not owned by the request.
	Parent *os.Process
	// Pipes holds stdio handles that are pipes or sockets, by slot.
	Pipes [StdioCount]*os.File
	// Files holds stdio handles that are regular files, by slot.
	Files [StdioCount]*os.File
	// Mode is the requested sudo mode.
	Mode uint32

	Application string
	// Args is the argument list packed with PackStringList.
	Args      string
	TargetDir string
	// EnvVars is a NUL-delimited environment block; empty means inherit.
	EnvVars string

	CorrelationID uuid.UUID
}

// Stdio returns the handle redirected into slot i, preferring the pipe.
func (r *Request) Stdio(i int) *os.File {
	if r.Pipes[i] != nil {
		return r.Pipes[i]
	}
	return r.Files[i]
}

// Redirected reports whether any stdio slot carries a handle.
func (r *Request) Redirected() bool {
	for i := 0; i < StdioCount; i++ {
		if r.Stdio(i) != nil {
			return true
		}
	}
	return false
}

// ParentPID returns the parent's process ID, or 0 when unknown.
func (r *Request) ParentPID() int {
	if r.Parent == nil {
		return 0
	}
	return r.Parent.Pid
}

// ArgList unpacks Args.
func (r *Request) ArgList() []string {
	return UnpackStringList(r.Args)
}

// Validate checks the counted strings received from the other side.
func (r *Request) Validate() status.Status {
	for _, s := range []string{r.Application, r.Args, r.TargetDir, r.EnvVars} {
		if !utf8.ValidString(s) {
			return status.NoUnicodeTranslation
		}
	}
	if r.Application == "" {
		return status.InvalidParameter
	}
	return status.OK
}
