package store

import (
	"context"
	"database/sql"
	"errors"
)

// TouchUser records that a user was seen at the given Unix millisecond
// time. The stored value never moves backwards.
func (db *DB) TouchUser(ctx context.Context, id string, at int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, last_seen_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = MAX(users.last_seen_at, excluded.last_seen_at)`, id, at)
	return err
}

// LastSeen returns the last-seen time of a user in Unix milliseconds.
func (db *DB) LastSeen(ctx context.Context, id string) (int64, error) {
	var at int64
	err := db.GetContext(ctx, &at, `SELECT last_seen_at FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return at, err
}
