package logging

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/isseis/go-safe-elevate/internal/safefileio"
	"github.com/oklog/ulid/v2"
)

// ErrEmptyLogDirectory is returned when a log file is requested without a
// directory.
var ErrEmptyLogDirectory = errors.New("log directory cannot be empty")

const (
	logDirPerm  os.FileMode = 0o750
	logFilePerm os.FileMode = 0o600
)

// GenerateRunID returns a new ULID. Run IDs sort by creation time, so do the
// log files named after them.
func GenerateRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// LogFileName returns the per-run file name for hostname and runID.
func LogFileName(hostname string, now time.Time, runID string) string {
	return fmt.Sprintf("%s_%s_%s.json", hostname, now.UTC().Format("20060102T150405Z"), runID)
}

// OpenLogFile creates a new per-run log file in dir, creating dir if needed.
func OpenLogFile(dir, runID string) (*os.File, error) {
	if dir == "" {
		return nil, ErrEmptyLogDirectory
	}
	if err := os.MkdirAll(dir, logDirPerm); err != nil {
		return nil, fmt.Errorf("cannot create log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, LogFileName(hostname(), time.Now(), runID))
	f, err := safefileio.SafeCreateFile(path, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s safely: %w", path, err)
	}
	return f, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
