package model

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders statuses. Sent and failed share a rank: both are
// outcomes of a single send attempt.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusFailed:    1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvance reports whether a message in status from may move to status to.
// Transitions only move up the lattice, with one exception: a failed send
// may still be confirmed by the server (failed -> sent).
func CanAdvance(from, to Status) bool {
	if from == to || !to.Valid() {
		return false
	}
	if from == StatusFailed && to == StatusSent {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// CanRetry reports whether a user-initiated retry may restart a send.
func CanRetry(s Status) bool {
	return s == StatusFailed
}

// Max returns the higher of two statuses under the lattice order.
// Ties keep a.
func Max(a, b Status) Status {
	if CanAdvance(a, b) {
		return b
	}
	return a
}
