package model

import "time"

// Notification is a row of the backend notifications table.
type Notification struct {
	ID             string
	UserID         string
	ActorID        string
	Kind           string
	Content        string
	ConversationID string
	MessageID      string
	IsRead         bool
	CreatedAt      time.Time
}

func (Notification) isRecord() {}

// RecordID implements Record.
func (n Notification) RecordID() string { return n.ID }

// Record is a decoded change-feed row. It is either a Message or a Notification.
type Record interface {
	RecordID() string
	isRecord()
}
