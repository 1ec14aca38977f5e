// Package errs defines the error taxonomy shared across the backend.
//
// Errors are plain sentinel values combined with %w wrapping so callers can
// classify failures with errors.Is regardless of how deep the wrap chain is.
// The bridge layer converts anything crossing the UI boundary into a
// {success:false, msg} envelope.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no such conversation, worker, or message.
	ErrNotFound = errors.New("not found")

	// ErrBusy indicates a turn is already in flight for the conversation.
	ErrBusy = errors.New("busy")

	// ErrUnsupported indicates an operation not valid for this worker type.
	ErrUnsupported = errors.New("unsupported")

	// ErrTransport indicates a subprocess or network failure.
	ErrTransport = errors.New("transport error")

	// ErrProtocol indicates malformed JSON-RPC or a framing error.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth indicates an external service returned 401/403.
	ErrAuth = errors.New("authentication required")

	// ErrStorage indicates a SQL error or a corrupt database.
	ErrStorage = errors.New("storage error")

	// ErrTimeout indicates cancellation by deadline.
	ErrTimeout = errors.New("timeout")

	// ErrCanceled indicates cancellation by user or system.
	ErrCanceled = errors.New("canceled")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Transportf wraps ErrTransport with a formatted message.
func Transportf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransport)...)
}

// Protocolf wraps ErrProtocol with a formatted message.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrProtocol)...)
}

// Storagef wraps ErrStorage with a formatted message.
func Storagef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrStorage)...)
}

// IsNotFound reports whether err is classified as a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsBusy reports whether err is classified as a busy rejection.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }
