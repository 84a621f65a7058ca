package errors

import (
	goErrors "errors"
	"fmt"
	"strings"
)

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ConnectionError represents a serial link that couldn't be opened or
// maintained.
type ConnectionError struct {
	Device string
	Err    error
}

func (err ConnectionError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("failed to access %s", err.Device)
	}
	return fmt.Sprintf("failed to access %s: %s", err.Device, err.Err)
}

func (err ConnectionError) Unwrap() error {
	return err.Err
}

// ProtocolError represents a violation of the raw REPL protocol: a missing
// banner, a timeout, or a rejected command.
type ProtocolError struct {
	Msg string
}

func (err ProtocolError) Error() string {
	return err.Msg
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(format string, args ...interface{}) error {
	return ProtocolError{fmt.Sprintf(format, args...)}
}

// RemoteExecutionError is returned when the device raised an exception while
// executing a command. Stderr holds the traceback printed by the device.
type RemoteExecutionError struct {
	Stdout []byte
	Stderr []byte
}

func (err RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote exception: %s", strings.TrimSpace(string(err.Stderr)))
}

// FilesystemErrorKind classifies a FilesystemError.
type FilesystemErrorKind int

const (
	// NotFound means the path doesn't exist on the device.
	NotFound FilesystemErrorKind = iota
	// NotEmpty means a directory couldn't be removed because it has children.
	NotEmpty
	// Exists means the path already exists.
	Exists
	// Invalid covers any other OSError raised by the device.
	Invalid
)

func (kind FilesystemErrorKind) String() string {
	switch kind {
	case NotFound:
		return "no such file or directory"
	case NotEmpty:
		return "directory not empty"
	case Exists:
		return "file exists"
	default:
		return "invalid path"
	}
}

// FilesystemError is a RemoteExecutionError that was recognized as a
// filesystem failure on the device.
type FilesystemError struct {
	Path string
	Kind FilesystemErrorKind
	Err  error
}

func (err FilesystemError) Error() string {
	return fmt.Sprintf("%s: %s", err.Kind, err.Path)
}

func (err FilesystemError) Unwrap() error {
	return err.Err
}

// IsNotFound returns whether `err` was caused by a missing remote path.
func IsNotFound(err error) bool {
	var fsErr FilesystemError
	return goErrors.As(err, &fsErr) && fsErr.Kind == NotFound
}

// CompileError represents a missing or failing external compiler.
type CompileError struct {
	Path   string
	Output string
	Err    error
}

func (err CompileError) Error() string {
	msg := fmt.Sprintf("compile %s", err.Path)
	if err.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, err.Err)
	}
	if out := strings.TrimSpace(err.Output); out != "" {
		msg = fmt.Sprintf("%s\n%s", msg, out)
	}
	return msg
}

func (err CompileError) Unwrap() error {
	return err.Err
}

// SyncItemError records the failure of a single file during a sync. It never
// aborts the sync.
type SyncItemError struct {
	Path string
	Op   string
	Err  error
}

func (err SyncItemError) Error() string {
	return fmt.Sprintf("%s %s: %s", err.Op, err.Path, err.Err)
}

func (err SyncItemError) Unwrap() error {
	return err.Err
}
