package store

import (
	"github.com/matheus3301/pulse/internal/backend"
)

// MessageRow is a row of the messages table. Times are Unix milliseconds.
type MessageRow struct {
	ID             string `db:"id"`
	LocalID        string `db:"local_id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	ReceiverID     string `db:"receiver_id"`
	Content        string `db:"content"`
	Type           string `db:"type"`
	Status         string `db:"status"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

// ToRecord converts the row to the wire record shape.
func (m MessageRow) ToRecord() backend.Record {
	return backend.Record{
		"id":              m.ID,
		"local_id":        m.LocalID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"receiver_id":     m.ReceiverID,
		"content":         m.Content,
		"type":            m.Type,
		"status":          m.Status,
		"created_at":      m.CreatedAt,
		"updated_at":      m.UpdatedAt,
	}
}

// NotificationRow is a row of the notifications table.
type NotificationRow struct {
	ID             string `db:"id"`
	UserID         string `db:"user_id"`
	ActorID        string `db:"actor_id"`
	Kind           string `db:"kind"`
	Content        string `db:"content"`
	ConversationID string `db:"conversation_id"`
	MessageID      string `db:"message_id"`
	IsRead         bool   `db:"is_read"`
	CreatedAt      int64  `db:"created_at"`
}

func (n NotificationRow) ToRecord() backend.Record {
	return backend.Record{
		"id":              n.ID,
		"user_id":         n.UserID,
		"actor_id":        n.ActorID,
		"kind":            n.Kind,
		"content":         n.Content,
		"conversation_id": n.ConversationID,
		"message_id":      n.MessageID,
		"is_read":         n.IsRead,
		"created_at":      n.CreatedAt,
	}
}

// ConversationRow is a row of the conversations table.
type ConversationRow struct {
	ID            string `db:"id"`
	ParticipantA  string `db:"participant_a"`
	ParticipantB  string `db:"participant_b"`
	LastMessageAt int64  `db:"last_message_at"`
	CreatedAt     int64  `db:"created_at"`
}

func (c ConversationRow) ToRecord() backend.Record {
	return backend.Record{
		"id":              c.ID,
		"participant_a":   c.ParticipantA,
		"participant_b":   c.ParticipantB,
		"last_message_at": c.LastMessageAt,
	}
}
