/*Package fault holds the error taxonomy shared by the scanner's devices.

Device packages wrap their causes in an *Error carrying one of the Kinds
below, so that callers far away from the device (the scan orchestrator, the
command gateway) can decide what to report without string matching:

	if errors.Is(err, fault.ProtocolTimeout) {
		...
	}
*/
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.  A Kind is itself an error so it can be used as
// the target of errors.Is.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	// ConnectionFailure means a device or link is unreachable or rejected
	// initialization
	ConnectionFailure Kind = "connection failure"

	// ProtocolTimeout means an expected acknowledgement never arrived
	ProtocolTimeout Kind = "protocol timeout"

	// ProtocolFault means the device actively reported an error condition
	ProtocolFault Kind = "protocol fault"

	// GeometryMismatch means a frame's shape disagrees with an in-progress cube
	GeometryMismatch Kind = "geometry mismatch"

	// ConfigurationError means required settings are missing or malformed
	ConfigurationError Kind = "configuration error"
)

// Error is a classified failure.  Op names the operation that failed,
// e.g. "marlin.Connect".
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New returns an *Error with no underlying cause
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err.  Wrap(kind, op, msg, nil) is the same as New.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Msg
	if e.Msg == "" {
		s = e.Op + ": " + string(e.Kind)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Unwrap returns the cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against a Kind, so errors.Is(err, fault.ProtocolFault)
// works through any amount of wrapping
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there
// is none
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
