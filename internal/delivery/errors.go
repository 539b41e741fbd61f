package delivery

import (
	"errors"
	"fmt"
)

// ErrUnknownMessage means the provider accepted a message the store has no
// record of.
var ErrUnknownMessage = errors.New("message not found in store")

// Kind classifies the result of a single delivery attempt.
type Kind int

const (
	KindSent Kind = iota
	KindAlreadyDelivered
	KindTransientFailure
	KindPersistenceInconsistency
	KindTerminalFailure
)

func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindAlreadyDelivered:
		return "already_delivered"
	case KindTransientFailure:
		return "transient_failure"
	case KindPersistenceInconsistency:
		return "persistence_inconsistency"
	case KindTerminalFailure:
		return "terminal_failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// TransientDeliveryError is a failed webhook attempt. The executor may
// re-invoke delivery for the same message.
type TransientDeliveryError struct {
	MessageID int64
	Reason    string
	Err       error
}

func (e *TransientDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery of message %d failed: %s: %v", e.MessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("delivery of message %d failed: %s", e.MessageID, e.Reason)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PersistenceInconsistency means the provider accepted the message but the
// outcome could not be recorded. Sending again would duplicate it.
type PersistenceInconsistency struct {
	MessageID  int64
	ExternalID string
	Op         string
	Err        error
}

func (e *PersistenceInconsistency) Error() string {
	return fmt.Sprintf("message %d sent as %s but %s failed: %v", e.MessageID, e.ExternalID, e.Op, e.Err)
}

func (e *PersistenceInconsistency) Unwrap() error { return e.Err }

// TerminalFailure is reported once the retry budget for a message is spent.
type TerminalFailure struct {
	MessageID   int64
	PhoneNumber string
	Attempts    int
	LastError   string
}

func (e *TerminalFailure) Error() string {
	return fmt.Sprintf("message %d to %s failed after %d attempts: %s", e.MessageID, e.PhoneNumber, e.Attempts, e.LastError)
}

// IsRetryable reports whether err allows another delivery attempt.
func IsRetryable(err error) bool {
	var transient *TransientDeliveryError
	return errors.As(err, &transient)
}
