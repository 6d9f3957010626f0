package store

import (
	"context"
	"database/sql"
	"errors"
)

// EnsureConversation returns the conversation between a and b, creating it
// with id when absent. Participants must already be canonically ordered.
func (db *DB) EnsureConversation(ctx context.Context, id, a, b string, now int64) (ConversationRow, error) {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, last_message_at, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(participant_a, participant_b) DO NOTHING`, id, a, b, now); err != nil {
		return ConversationRow{}, err
	}
	var c ConversationRow
	err := db.GetContext(ctx, &c, `
		SELECT id, participant_a, participant_b, last_message_at, created_at
		FROM conversations WHERE participant_a = ? AND participant_b = ?`, a, b)
	return c, err
}

// Conversation returns a conversation by id.
func (db *DB) Conversation(ctx context.Context, id string) (ConversationRow, error) {
	var c ConversationRow
	err := db.GetContext(ctx, &c, `
		SELECT id, participant_a, participant_b, last_message_at, created_at
		FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRow{}, ErrNotFound
	}
	return c, err
}

// TouchConversation moves last_message_at forward to at. Older values are
// ignored.
func (db *DB) TouchConversation(ctx context.Context, id string, at int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = MAX(last_message_at, ?) WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
