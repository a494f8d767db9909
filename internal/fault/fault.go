// Package fault classifies runtime and transport failures.
//
// Every error produced by the scheduler, the mailbox and the notifier carries
// one Kind so callers can decide between retrying later, dropping a message
// aborting the execution context and giving up on a peer:
//
//	if errors.Is(err, fault.ErrResourceExhausted) { /* retry next turn */ }
package fault

import (
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind uint8

const (
	// ResourceExhausted: a bounded structure is full (ids, queues).
	// Recoverable by backpressure.
	ResourceExhausted Kind = iota + 1
	// ProtocolViolation: a peer sent something unusable (unknown tag,
	// stale origin, bad header). The message is dropped or answered
	// with an error reply.
	ProtocolViolation
	// CapacityExceeded: an id does not fit the deferred-wake mask.
	CapacityExceeded
	// Fatal: internal tables are inconsistent. The context must stop.
	Fatal
	// Unavailable: the peer cannot be reached or has stopped serving
	// (doorbell failure, closed queue).
	Unavailable
)

var kindNames = [...]string{
	ResourceExhausted: "resource exhausted",
	ProtocolViolation: "protocol violation",
	CapacityExceeded:  "capacity exceeded",
	Fatal:             "fatal",
	Unavailable:       "unavailable",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is.
var (
	ErrResourceExhausted = &Error{Kind: ResourceExhausted}
	ErrProtocolViolation = &Error{Kind: ProtocolViolation}
	ErrCapacityExceeded  = &Error{Kind: CapacityExceeded}
	ErrFatal             = &Error{Kind: Fatal}
	ErrUnavailable       = &Error{Kind: Unavailable}
)

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf reports the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Panic aborts on a Fatal condition. Table corruption is not recoverable.
func Panic(op, format string, args ...any) {
	panic(New(Fatal, op, format, args...))
}
