package gateway

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against an *Error.
var (
	// ErrUnavailable covers transport failures, timeouts and HTTP 5xx.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrMalformedResponse means the gateway answered with a body that
	// does not have the expected shape.
	ErrMalformedResponse = errors.New("malformed gateway response")
	// ErrRejected means the gateway answered ok=false to a poll, which
	// usually indicates a bad token.
	ErrRejected = errors.New("gateway rejected request")
)

// Error describes a failed gateway call.
type Error struct {
	Op         string // "send", "receive", "ack", "ping"
	Kind       error  // one of the Err* kinds above
	StatusCode int    // 0 when no response was received
	Err        error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// resultLabel maps an error to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
