package realtime

import "github.com/matheus3301/pulse/internal/model"

// Event is a typed change delivered on a topic. It is one of Inserted,
// Updated, PresenceJoined or PresenceLeft.
type Event interface {
	Topic() string
	isEvent()
}

// Inserted carries a newly created row.
type Inserted struct {
	Source string
	Record model.Record
}

// Updated carries the new state of an existing row.
type Updated struct {
	Source string
	Record model.Record
}

// PresenceJoined lists users that came online in a presence room.
type PresenceJoined struct {
	Source  string
	UserIDs []string
}

// PresenceLeft lists users that went offline in a presence room.
type PresenceLeft struct {
	Source  string
	UserIDs []string
}

func (e Inserted) Topic() string       { return e.Source }
func (e Updated) Topic() string        { return e.Source }
func (e PresenceJoined) Topic() string { return e.Source }
func (e PresenceLeft) Topic() string   { return e.Source }

func (Inserted) isEvent()       {}
func (Updated) isEvent()        {}
func (PresenceJoined) isEvent() {}
func (PresenceLeft) isEvent()   {}

func kindOf(evt Event) string {
	switch evt.(type) {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case PresenceJoined:
		return "presence_joined"
	case PresenceLeft:
		return "presence_left"
	}
	return "unknown"
}
