// Package backend describes the remote collaborator the sync core consumes:
// a change feed with presence rooms plus a small CRUD surface. The core never
// assumes anything about how the backend stores data.
package backend

import (
	"context"
	"time"
)

// Record is a raw, dynamically keyed row as delivered by the backend.
type Record map[string]any

// ChannelID is an opaque handle to an open backend channel.
type ChannelID string

// EventKind selects which row changes a channel stream carries.
type EventKind string

const (
	Insert EventKind = "insert"
	Update EventKind = "update"
)

// Table names understood by the backend.
const (
	TableMessages      = "messages"
	TableNotifications = "notifications"
)

// PresenceDiff is one batch of presence changes in a room. Each entry is the
// payload the member tracked.
type PresenceDiff struct {
	Joins  []Record
	Leaves []Record
}

// Filter is a conjunction of column conditions.
type Filter struct {
	Eq  map[string]any
	Neq map[string]any
}

// NewMessage is the payload of a create-message call.
type NewMessage struct {
	LocalID        string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Type           string
}

// Patch is a partial message update. Nil fields are left unchanged.
type Patch struct {
	Status  *string
	Content *string
}

// NewNotification is the payload of a create-notification call.
type NewNotification struct {
	UserID         string
	ActorID        string
	Kind           string
	Content        string
	ConversationID string
	MessageID      string
}

// Feed opens channels and streams their changes.
type Feed interface {
	OpenChannel(ctx context.Context, topic string) (ChannelID, error)
	CloseChannel(ctx context.Context, id ChannelID) error
	// Events streams rows of table changed by kind on the channel. The
	// returned channel is closed when the backend channel closes or ctx ends.
	Events(ctx context.Context, id ChannelID, table string, kind EventKind) (<-chan Record, error)
	// PresenceChanges streams join/leave batches for a presence channel.
	PresenceChanges(ctx context.Context, id ChannelID) (<-chan PresenceDiff, error)
}

// Presence is the presence primitive of a channel plus liveness heartbeats.
type Presence interface {
	Track(ctx context.Context, id ChannelID, payload Record) error
	Untrack(ctx context.Context, id ChannelID) error
	Heartbeat(ctx context.Context, userID string, at time.Time) error
}

// Store is the CRUD surface.
type Store interface {
	CreateMessage(ctx context.Context, m NewMessage) (Record, error)
	UpdateMessage(ctx context.Context, id string, p Patch) (Record, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Record, error)
	CreateNotification(ctx context.Context, n NewNotification) (Record, error)
	MarkNotificationRead(ctx context.Context, id string) error
	QueryCount(ctx context.Context, table string, f Filter) (int, error)
	UnreadIDs(ctx context.Context, table string, userID string) ([]string, error)
	EnsureConversation(ctx context.Context, userA, userB string) (Record, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// Backend is the full collaborator.
type Backend interface {
	Feed
	Presence
	Store
}

// StringPtr is a helper for building patches.
func StringPtr(s string) *string { return &s }

// UnreadMessagesFilter selects a user's unread messages.
func UnreadMessagesFilter(userID string) Filter {
	return Filter{
		Eq:  map[string]any{"receiver_id": userID},
		Neq: map[string]any{"status": "read"},
	}
}

// UnreadNotificationsFilter selects a user's unread notifications.
func UnreadNotificationsFilter(userID string) Filter {
	return Filter{
		Eq: map[string]any{"user_id": userID, "is_read": false},
	}
}
