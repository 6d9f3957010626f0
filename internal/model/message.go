package model

import (
	"fmt"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeImage   MessageType = "image"
	TypeVoice   MessageType = "voice"
	TypeVideo   MessageType = "video"
	TypeSticker MessageType = "sticker"
	TypeSystem  MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVoice, TypeVideo, TypeSticker, TypeSystem:
		return true
	}
	return false
}

// Message is a chat message as held by a conversation cache.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Type           MessageType
	Status         Status
	IsOptimistic   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Message) isRecord() {}

// RecordID implements Record.
func (m Message) RecordID() string { return m.ID }

// Key returns the identifier a UI should use for the message: the server
// id once known, the local id before that.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// IsRead reports whether the message has been read by its receiver.
func (m Message) IsRead() bool {
	return m.Status == StatusRead
}

func (m Message) String() string {
	return fmt.Sprintf("message(%s local=%s conv=%s %s->%s %s)", m.ID, m.LocalID, m.ConversationID, m.SenderID, m.ReceiverID, m.Status)
}
