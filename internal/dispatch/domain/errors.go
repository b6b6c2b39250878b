package domain

import (
	"errors"
	"fmt"
)

// ErrMessageNotFound is returned when a message lookup fails. It is distinct
// from state-validation errors so callers can treat unknown carrier
// references differently from programming errors.
var ErrMessageNotFound = errors.New("no such message")

// ErrRouteNotFound is returned when a route lookup fails.
var ErrRouteNotFound = errors.New("no such route")

// ErrOutboxNotFound is returned when a message has no outbox entry.
var ErrOutboxNotFound = errors.New("no outbox entry for message")

// InvalidStateError reports an illegal state transition or an operation
// applied to a message in the wrong state. It indicates a programming error
// upstream: the unit of work is abandoned, never retried.
type InvalidStateError struct {
	MessageID int64
	Status    MessageStatus
	Op        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid status %q for message %d in %s", e.Status, e.MessageID, e.Op)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}
