// Package safefileio reads and creates files without following symbolic links
// and verifies what it opened through the resulting descriptor.
package safefileio

import "errors"

var (
	// ErrInvalidFilePath indicates that the path is not usable.
	ErrInvalidFilePath = errors.New("invalid file path")

	// ErrIsSymlink indicates that the path or one of its directories is a symbolic link.
	ErrIsSymlink = errors.New("path is a symbolic link")

	// ErrFileTooLarge indicates that the file exceeds MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")

	// ErrFileExists indicates that a file to be created already exists.
	ErrFileExists = errors.New("file exists")

	// ErrInvalidFilePermissions indicates that a trusted file is writable by others.
	ErrInvalidFilePermissions = errors.New("invalid file permissions")

	// ErrUntrustedOwner indicates that a trusted file has an unexpected owner.
	ErrUntrustedOwner = errors.New("file owner is not trusted")
)
