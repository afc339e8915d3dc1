package safefileio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// MaxFileSize bounds SafeReadFile.
const MaxFileSize = 1 << 20

// Trust describes who may own a file read with SafeReadTrustedFile.
type Trust struct {
	// OwnerUID is the required owner. Root is always accepted.
	OwnerUID int
}

// RootOnly accepts files owned by root only.
var RootOnly = Trust{OwnerUID: 0}

// SafeReadFile reads a regular file, refusing symbolic links anywhere in the
// path.
func SafeReadFile(filePath string) ([]byte, error) {
	file, absPath, err := openNoFollow(filePath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close() //nolint:errcheck

	info, err := regularFileInfo(file, absPath)
	if err != nil {
		return nil, err
	}
	return readContent(file, info)
}

// SafeReadTrustedFile reads a file that must be owned by trust.OwnerUID or
// root and must not be writable by group or others. Ownership is checked on
// the opened descriptor.
func SafeReadTrustedFile(filePath string, trust Trust) ([]byte, error) {
	file, absPath, err := openNoFollow(filePath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close() //nolint:errcheck

	info, err := regularFileInfo(file, absPath)
	if err != nil {
		return nil, err
	}

	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o", ErrInvalidFilePermissions, absPath, perm)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if uid := int(st.Uid); uid != 0 && uid != trust.OwnerUID {
			return nil, fmt.Errorf("%w: %s is owned by uid %d", ErrUntrustedOwner, absPath, uid)
		}
	}

	return readContent(file, info)
}

// SafeCreateFile creates a new regular file with perm. It fails if the file
// exists or any path component is a symbolic link.
func SafeCreateFile(filePath string, perm os.FileMode) (*os.File, error) {
	file, absPath, err := openNoFollow(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, err
	}
	if _, err := regularFileInfo(file, absPath); err != nil {
		_ = file.Close()
		return nil, err
	}
	return file, nil
}

// openNoFollow opens the file first and checks the directories afterwards,
// so a component swapped in after the check cannot redirect the open.
func openNoFollow(filePath string, flag int, perm os.FileMode) (*os.File, string, error) {
	if filePath == "" {
		return nil, "", ErrInvalidFilePath
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidFilePath, err)
	}

	// #nosec G304 - the path is verified after opening
	file, err := os.OpenFile(absPath, flag|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, perm)
	if err != nil {
		switch {
		case os.IsExist(err):
			return nil, "", ErrFileExists
		case isNoFollowError(err):
			return nil, "", fmt.Errorf("%w: %s", ErrIsSymlink, absPath)
		default:
			return nil, "", err
		}
	}

	if err := verifyPathComponents(absPath); err != nil {
		_ = file.Close()
		return nil, "", err
	}
	return file, absPath, nil
}

func verifyPathComponents(absPath string) error {
	for dir := filepath.Dir(absPath); ; dir = filepath.Dir(dir) {
		fi, err := os.Lstat(dir)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", dir, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s", ErrIsSymlink, dir)
		}
		if parent := filepath.Dir(dir); parent == dir {
			return nil
		}
	}
}

func regularFileInfo(file *os.File, absPath string) (os.FileInfo, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file: %s", ErrInvalidFilePath, absPath)
	}
	return info, nil
}

func readContent(file *os.File, info os.FileInfo) ([]byte, error) {
	if info.Size() > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	content, err := io.ReadAll(io.LimitReader(file, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(content) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return content, nil
}

func isNoFollowError(err error) bool {
	var e *os.PathError
	if !errors.As(err, &e) {
		return false
	}
	return errors.Is(e.Err, syscall.ELOOP) || errors.Is(e.Err, syscall.EMLINK)
}
