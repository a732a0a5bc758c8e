package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error kinds returned by objectstore backends and the engine.
// Every error produced by this module matches exactly one of them
// with errors.Is.
var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("objectstore: not found")

	// ErrAlreadyExists is returned by the if-not-exists variants of copy
	// and rename when the destination is present.
	ErrAlreadyExists = errors.New("objectstore: already exists")

	// ErrInvalidPath is returned when a path cannot be normalized.
	ErrInvalidPath = errors.New("objectstore: invalid path")

	// ErrInvalidRange is returned when a range starts past the end of an object.
	ErrInvalidRange = errors.New("objectstore: invalid range")

	// ErrInvalidSeek is returned when a seek resolves to a negative offset.
	ErrInvalidSeek = errors.New("objectstore: invalid seek")

	// ErrUnsupportedOperation is returned for operations a handle does not support,
	// such as reading from an output stream.
	ErrUnsupportedOperation = errors.New("objectstore: operation not supported")

	// ErrClosedHandle is returned when using a closed input file or output stream.
	ErrClosedHandle = errors.New("objectstore: handle closed")

	// ErrTimeout is returned when an operation exceeded its deadline.
	ErrTimeout = errors.New("objectstore: timeout")

	// ErrPermissionDenied is returned when the service rejected the credentials.
	ErrPermissionDenied = errors.New("objectstore: permission denied")

	// ErrUnsupportedScheme is returned when a root URL names no known backend.
	ErrUnsupportedScheme = errors.New("objectstore: unsupported scheme")

	// ErrMissingCredential is returned when required configuration could not be resolved.
	ErrMissingCredential = errors.New("objectstore: missing credential")

	// ErrIO is the catch-all kind for transport and service failures.
	ErrIO = errors.New("objectstore: i/o error")

	// ErrBackendClosed is returned when operating on a closed backend.
	ErrBackendClosed = errors.New("objectstore: backend closed")
)

var errorKinds = []error{
	ErrNotFound,
	ErrAlreadyExists,
	ErrInvalidPath,
	ErrInvalidRange,
	ErrInvalidSeek,
	ErrUnsupportedOperation,
	ErrClosedHandle,
	ErrTimeout,
	ErrPermissionDenied,
	ErrUnsupportedScheme,
	ErrMissingCredential,
	ErrBackendClosed,
	ErrIO,
}

// KindOf returns the error kind err belongs to, or ErrIO when err carries
// no known kind. KindOf(nil) returns nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if isTimeout(err) {
		return ErrTimeout
	}
	return ErrIO
}

// BackendError is returned by backend adapters. It carries the error kind
// together with the native error from the underlying SDK so that callers
// can match either with errors.Is and errors.As.
type BackendError struct {
	Kind    error
	Backend Kind
	Err     error
}

// NewBackendError wraps a native error with an error kind.
func NewBackendError(backend Kind, kind, err error) *BackendError {
	return &BackendError{Kind: kind, Backend: backend, Err: err}
}

func (e *BackendError) Error() string {
	kind := strings.TrimPrefix(e.Kind.Error(), "objectstore: ")
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Backend, kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, kind, e.Err)
}

func (e *BackendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Error records a failed engine operation together with the paths involved.
type Error struct {
	Op    string
	Paths []Path
	Err   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("objectstore: ")
	sb.WriteString(e.Op)
	for _, p := range e.Paths {
		fmt.Fprintf(&sb, " %q", p.String())
	}
	sb.WriteString(": ")
	sb.WriteString(strings.TrimPrefix(e.Err.Error(), "objectstore: "))
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TranslateContextError maps context and network timeouts to ErrTimeout and
// cancellations to ErrIO. It returns nil if err is neither.
func TranslateContextError(backend Kind, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return NewBackendError(backend, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewBackendError(backend, ErrIO, err)
	}
	return nil
}

// Classify returns err unchanged if it already carries an error kind.
// Otherwise it wraps err as ErrTimeout, for deadlines and network timeouts,
// or as ErrIO.
func Classify(backend Kind, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return err
		}
	}
	if t := TranslateContextError(backend, err); t != nil {
		return t
	}
	return NewBackendError(backend, ErrIO, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error indicates the destination exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsPermissionDenied returns true if the error indicates permission was denied.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsUnsupported returns true if the error indicates an unsupported operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || isTimeout(err)
}
