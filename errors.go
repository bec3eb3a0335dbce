package storagekit

import (
	"errors"
	"fmt"
	"net/http"
)

// Common storage errors
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrNotSupported            = errors.New("operation not supported")
	ErrClosed                  = errors.New("storage already closed")
	ErrReadOnly                = errors.New("storage is read-only")
	ErrUnknownBackend          = errors.New("unknown backend")
	ErrInvalidConnectionString = errors.New("invalid connection string")
)

// PathError records an error and the operation and path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// ProtocolError is a non-success response from a remote backend. Code and
// Message are filled from the structured error body when the backend sends one.
type ProtocolError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("storage protocol error: status=%d", e.StatusCode)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += " message=" + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying transport or SDK error, if any
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether err is a 401 or 403 from a backend. These
// usually point at a signing defect rather than a missing object.
func IsAuthFailure(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsInvalidArgument reports whether err was caused by a bad argument
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsNotSupported reports whether err signals an unsupported operation
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// StatusCode extracts the HTTP status carried by a ProtocolError, or 0.
func StatusCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

func argError(op, path, format string, args ...any) error {
	return &PathError{Op: op, Path: path, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)}
}
