package model

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ErrMissingField is returned when a raw record lacks a required key.
var ErrMissingField = errors.New("missing field")

type messageRow struct {
	ID             string    `mapstructure:"id"`
	LocalID        string    `mapstructure:"local_id"`
	ConversationID string    `mapstructure:"conversation_id"`
	SenderID       string    `mapstructure:"sender_id"`
	ReceiverID     string    `mapstructure:"receiver_id"`
	Content        string    `mapstructure:"content"`
	Type           string    `mapstructure:"type"`
	Status         string    `mapstructure:"status"`
	CreatedAt      time.Time `mapstructure:"created_at"`
	UpdatedAt      time.Time `mapstructure:"updated_at"`
}

type notificationRow struct {
	ID             string    `mapstructure:"id"`
	UserID         string    `mapstructure:"user_id"`
	ActorID        string    `mapstructure:"actor_id"`
	Kind           string    `mapstructure:"kind"`
	Content        string    `mapstructure:"content"`
	ConversationID string    `mapstructure:"conversation_id"`
	MessageID      string    `mapstructure:"message_id"`
	IsRead         bool      `mapstructure:"is_read"`
	CreatedAt      time.Time `mapstructure:"created_at"`
}

type conversationRow struct {
	ID            string    `mapstructure:"id"`
	ParticipantA  string    `mapstructure:"participant_a"`
	ParticipantB  string    `mapstructure:"participant_b"`
	LastMessageAt time.Time `mapstructure:"last_message_at"`
}

// DecodeMessage converts a raw backend row into a Message. Unknown keys are
// ignored and scalar types are coerced; identity fields, type and status are
// validated. Decoded messages are never optimistic.
func DecodeMessage(raw map[string]any) (Message, error) {
	var row messageRow
	if err := decode(raw, &row); err != nil {
		return Message{}, err
	}
	if err := require(map[string]string{
		"id":              row.ID,
		"conversation_id": row.ConversationID,
		"sender_id":       row.SenderID,
	}); err != nil {
		return Message{}, err
	}
	typ := MessageType(row.Type)
	if typ == "" {
		typ = TypeText
	}
	if !typ.Valid() {
		return Message{}, fmt.Errorf("unknown message type %q", row.Type)
	}
	st := Status(row.Status)
	if st == "" {
		st = StatusSent
	}
	if !st.Valid() {
		return Message{}, fmt.Errorf("unknown message status %q", row.Status)
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	return Message{
		ID:             row.ID,
		LocalID:        row.LocalID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		ReceiverID:     row.ReceiverID,
		Content:        row.Content,
		Type:           typ,
		Status:         st,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// DecodeNotification converts a raw backend row into a Notification.
func DecodeNotification(raw map[string]any) (Notification, error) {
	var row notificationRow
	if err := decode(raw, &row); err != nil {
		return Notification{}, err
	}
	if err := require(map[string]string{"id": row.ID, "user_id": row.UserID}); err != nil {
		return Notification{}, err
	}
	return Notification(row), nil
}

// DecodeConversation converts a raw backend row into a Conversation.
func DecodeConversation(raw map[string]any) (Conversation, error) {
	var row conversationRow
	if err := decode(raw, &row); err != nil {
		return Conversation{}, err
	}
	if err := require(map[string]string{
		"id":            row.ID,
		"participant_a": row.ParticipantA,
		"participant_b": row.ParticipantB,
	}); err != nil {
		return Conversation{}, err
	}
	return Conversation(row), nil
}

func require(fields map[string]string) error {
	for k, v := range fields {
		if v == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, k)
		}
	}
	return nil
}

func decode(raw map[string]any, out any) error {
	if raw == nil {
		return errors.New("nil record")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       timeHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

// timeHook accepts RFC3339 strings and Unix milliseconds for time fields.
func timeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", v, err)
		}
		return t, nil
	case float64:
		return unixMilli(int64(v)), nil
	case int64:
		return unixMilli(v), nil
	case int:
		return unixMilli(int64(v)), nil
	default:
		return nil, fmt.Errorf("unsupported time value %T", data)
	}
}

// unixMilli maps 0 to the zero time so unset columns stay unset.
func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
