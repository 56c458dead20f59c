// Package fault defines the error taxonomy shared by the command layer, the
// dispatcher, and the HTTP front-end. Faults carry a kind that maps onto an
// HTTP status and onto a wire name compatible with the Python exception
// classes the RPC protocol was built around.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault.
type Kind string

// Kind values.
const (
	// KindParameter marks a client-supplied value violating a contract.
	// Surfaced as HTTP 422.
	KindParameter Kind = "parameter_error"
	// KindConflict marks a write refused because the target already exists.
	// Surfaced as HTTP 409. Conflicts are raised by the front-end and never
	// cross the dispatcher.
	KindConflict Kind = "conflict"
	// KindServer marks an upstream failure, timeout, or unimplemented path.
	// Surfaced as HTTP 500.
	KindServer Kind = "server_error"
)

// Fault is a typed error with a transport classification.
type Fault struct {
	kind    Kind
	message string
	cause   error
}

// New creates a Fault of the given kind.
func New(kind Kind, message string) *Fault {
	return &Fault{kind: kind, message: message}
}

// Parameter creates a parameter fault.
func Parameter(format string, args ...any) *Fault {
	return &Fault{kind: KindParameter, message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict fault.
func Conflict(format string, args ...any) *Fault {
	return &Fault{kind: KindConflict, message: fmt.Sprintf(format, args...)}
}

// Server creates a server fault.
func Server(format string, args ...any) *Fault {
	return &Fault{kind: KindServer, message: fmt.Sprintf(format, args...)}
}

// Wrap creates a server fault carrying a cause, preserving the chain for
// errors.Is/As.
func Wrap(err error, format string, args ...any) *Fault {
	return &Fault{kind: KindServer, message: fmt.Sprintf(format, args...), cause: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return f.message + ": " + f.cause.Error()
	}
	return f.message
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.cause }

// Kind returns the classification.
func (f *Fault) Kind() Kind { return f.kind }

// Message returns the message without the cause chain.
func (f *Fault) Message() string { return f.message }

// KindOf classifies any error: faults keep their kind, everything else is a
// server fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindServer
}

// IsParameter reports whether err is a parameter fault.
func IsParameter(err error) bool { return KindOf(err) == KindParameter }

// IsConflict reports whether err is a conflict fault.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
