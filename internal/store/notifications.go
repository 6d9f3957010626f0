package store

import (
	"context"
	"database/sql"
	"errors"
)

const notificationColumns = `id, user_id, actor_id, kind, content, conversation_id, message_id, is_read, created_at`

// InsertNotification stores n.
func (db *DB) InsertNotification(ctx context.Context, n NotificationRow) error {
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (:id, :user_id, :actor_id, :kind, :content, :conversation_id, :message_id, :is_read, :created_at)`, n)
	return err
}

// Notification returns a notification by id.
func (db *DB) Notification(ctx context.Context, id string) (NotificationRow, error) {
	var n NotificationRow
	err := db.GetContext(ctx, &n, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationRow{}, ErrNotFound
	}
	return n, err
}

// MarkNotificationRead flags a notification read. It reports whether the
// row changed.
func (db *DB) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	if _, err := db.Notification(ctx, id); err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND is_read = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
