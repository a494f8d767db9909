package mailbox

import (
	"fmt"

	"shmcall/internal/fault"
	"shmcall/internal/wire"
)

func errCapacity(n int) error {
	return fault.New(fault.CapacityExceeded, "mailbox.layout", "queue capacity %d outside [1,%d]", n, maxCapacity)
}

// StatusError reports a reply whose status word is not OK.
type StatusError struct {
	Tag    wire.Tag
	Status wire.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mailbox: %s: remote status %s", e.Tag, e.Status)
}

// Unwrap classifies the status: a request the callee could not interpret
// is a protocol violation, a refused one means the callee is unavailable,
// and a failed operation carries no kind.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case wire.StatusUnknownOp, wire.StatusMalformed:
		return fault.ErrProtocolViolation
	case wire.StatusUnavailable:
		return fault.ErrUnavailable
	}
	return nil
}
