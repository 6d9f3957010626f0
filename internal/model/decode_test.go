package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	trequire "github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	raw := map[string]any{
		"id":              "42",
		"local_id":        "l-1",
		"conversation_id": "c1",
		"sender_id":       "alice",
		"receiver_id":     "bob",
		"content":         "hi",
		"type":            "text",
		"status":          "delivered",
		"created_at":      "2026-01-02T03:04:05Z",
		"updated_at":      float64(1767323045000),
		"extra_column":    true,
	}
	m, err := DecodeMessage(raw)
	trequire.NoError(t, err)
	assert.Equal(t, "42", m.ID)
	assert.Equal(t, "l-1", m.LocalID)
	assert.Equal(t, StatusDelivered, m.Status)
	assert.Equal(t, TypeText, m.Type)
	assert.False(t, m.IsOptimistic)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), m.CreatedAt.UTC())
	assert.Equal(t, int64(1767323045000), m.UpdatedAt.UnixMilli())
}

func TestDecodeMessageDefaults(t *testing.T) {
	m, err := DecodeMessage(map[string]any{
		"id": 7, "conversation_id": "c1", "sender_id": "a", "created_at": "2026-01-02T03:04:05Z",
	})
	trequire.NoError(t, err)
	assert.Equal(t, "7", m.ID, "numeric ids are coerced")
	assert.Equal(t, TypeText, m.Type)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, m.CreatedAt, m.UpdatedAt)
}

func TestDecodeMessageRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"nil", nil},
		{"missing id", map[string]any{"conversation_id": "c", "sender_id": "a"}},
		{"missing conversation", map[string]any{"id": "1", "sender_id": "a"}},
		{"bad type", map[string]any{"id": "1", "conversation_id": "c", "sender_id": "a", "type": "gif"}},
		{"bad status", map[string]any{"id": "1", "conversation_id": "c", "sender_id": "a", "status": "seen"}},
		{"bad time", map[string]any{"id": "1", "conversation_id": "c", "sender_id": "a", "created_at": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.raw)
			assert.Error(t, err)
		})
	}

	_, err := DecodeMessage(map[string]any{"conversation_id": "c", "sender_id": "a"})
	assert.True(t, errors.Is(err, ErrMissingField))
}

func TestDecodeNotification(t *testing.T) {
	n, err := DecodeNotification(map[string]any{
		"id": "n1", "user_id": "bob", "actor_id": "alice", "kind": "mention",
		"is_read": 0, "conversation_id": "c1",
	})
	trequire.NoError(t, err)
	assert.Equal(t, "n1", n.ID)
	assert.False(t, n.IsRead)
	assert.Equal(t, "c1", n.ConversationID)

	_, err = DecodeNotification(map[string]any{"id": "n1"})
	assert.Error(t, err)
}

func TestDecodeConversation(t *testing.T) {
	c, err := DecodeConversation(map[string]any{
		"id": "c1", "participant_a": "alice", "participant_b": "bob", "last_message_at": int64(1000),
	})
	trequire.NoError(t, err)
	assert.Equal(t, int64(1000), c.LastMessageAt.UnixMilli())
}
