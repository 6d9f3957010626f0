// Package fault defines the failure taxonomy shared by the sync core.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how it must be propagated.
type Kind string

const (
	// ChannelSubscribe is returned once to whoever requested the subscription.
	ChannelSubscribe Kind = "channel_subscribe"
	// Decode covers a malformed or schema-mismatched event. Recovered locally.
	Decode Kind = "decode"
	// Send marks the message failed and is returned to the sender.
	Send Kind = "send"
	// ReadMark is returned to the caller; optimistic counters are not rolled back.
	ReadMark Kind = "read_mark"
	// Presence covers heartbeat and track/untrack failures. Recovered locally.
	Presence Kind = "presence"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that failed. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Recoverable reports whether a failure of this kind is handled locally
// (logged and dropped) rather than surfaced to the UI.
func (k Kind) Recoverable() bool {
	return k == Decode || k == Presence
}
