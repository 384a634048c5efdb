package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed reports a terminated connection. Every fatal error of the
	// send and recv halves matches it.
	ErrClosed = errors.New("protocol: closed")
	// ErrViolated reports a peer that broke the wire contract.
	ErrViolated = fmt.Errorf("protocol: violated: %w", ErrClosed)

	ErrUnknownStream = errors.New("protocol: unknown stream")
	ErrStreamExists  = errors.New("protocol: stream already open")
	ErrStreamClosing = errors.New("protocol: stream closing")
)

// Violationf returns an ErrViolated error carrying detail.
func Violationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrViolated, fmt.Sprintf(format, args...))
}
