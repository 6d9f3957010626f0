package store

import (
	"context"
	"database/sql"
	"errors"
	"slices"
)

const messageColumns = `id, COALESCE(local_id, '') AS local_id, conversation_id, sender_id, receiver_id,
	content, type, status, created_at, updated_at`

// InsertMessage stores m unless a message with the same local id exists.
// It returns the stored row and whether it was created by this call.
func (db *DB) InsertMessage(ctx context.Context, m MessageRow) (MessageRow, bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, local_id, conversation_id, sender_id, receiver_id, content, type, status, created_at, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO NOTHING`,
		m.ID, m.LocalID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.Type, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return MessageRow{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return MessageRow{}, false, err
	}
	if n == 1 {
		return m, true, nil
	}
	existing, err := db.MessageByLocalID(ctx, m.LocalID)
	return existing, false, err
}

// Message returns a message by id.
func (db *DB) Message(ctx context.Context, id string) (MessageRow, error) {
	var m MessageRow
	err := db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRow{}, ErrNotFound
	}
	return m, err
}

// MessageByLocalID returns a message by its client-generated local id.
func (db *DB) MessageByLocalID(ctx context.Context, localID string) (MessageRow, error) {
	var m MessageRow
	err := db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE local_id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRow{}, ErrNotFound
	}
	return m, err
}

// SaveMessage writes the mutable columns of m.
func (db *DB) SaveMessage(ctx context.Context, m MessageRow) error {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET content = ?, status = ?, updated_at = ? WHERE id = ?`,
		m.Content, m.Status, m.UpdatedAt, m.ID)
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

// ListMessages returns the newest limit messages of a conversation, oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []MessageRow
	err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}
