//go:build !windows

package elevation

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/isseis/go-safe-elevate/internal/status"
)

// ErrNoCommand is returned by Prepare when argv is empty.
var ErrNoCommand = errors.New("no command given")

// PrepareOptions controls how Prepare builds a request.
type PrepareOptions struct {
	// Mode is the requested sudo mode.
	Mode uint32
	// CopyEnv forwards the caller's environment to the child.
	CopyEnv bool
	// Dir is the requested working directory; empty means the current one.
	Dir string
	// Stdio are the caller's stdin, stdout and stderr. Nil entries default
	// to the process's own.
	Stdio [StdioCount]*os.File

	// LookPath resolves the application; defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	// Environ returns the caller's environment; defaults to os.Environ.
	Environ func() []string
}

// Prepare builds an elevation request for argv. The application is resolved
// to an absolute path so the broker executes what the caller found.
func Prepare(argv []string, opts PrepareOptions) (*Request, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}

	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}

	application, err := lookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", argv[0], status.BadCommandOrFile.Err())
	}
	if application, err = filepath.Abs(application); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", argv[0], err)
	}

	dir := opts.Dir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	parent, err := os.FindProcess(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("find own process: %w", err)
	}

	stdio := opts.Stdio
	for i, def := range [StdioCount]*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if stdio[i] == nil {
			stdio[i] = def
		}
	}
	pipes, files := SplitHandles(stdio)

	req := &Request{
		Parent:        parent,
		Pipes:         pipes,
		Files:         files,
		Mode:          opts.Mode,
		Application:   application,
		Args:          PackStringList(argv[1:]),
		TargetDir:     dir,
		CorrelationID: uuid.New(),
	}
	if opts.CopyEnv {
		req.EnvVars = EnvBlock(environ())
	}
	return req, nil
}
