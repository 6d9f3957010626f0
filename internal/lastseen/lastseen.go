// Package lastseen records when users were last alive, fed by presence
// heartbeats.
package lastseen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Store records heartbeats.
type Store interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	// LastSeen returns the last heartbeat time. The boolean is false when
	// nothing is known about the user.
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// SQLite keeps last-seen times in the hub database.
type SQLite struct {
	db *store.DB
}

func NewSQLite(db *store.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Touch(ctx context.Context, userID string, at time.Time) error {
	return s.db.TouchUser(ctx, userID, at.UnixMilli())
}

func (s *SQLite) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	ms, err := s.db.LastSeen(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Redis keeps last-seen times as expiring keys so other services can read
// liveness without touching the hub database.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// DefaultTTL is how long a heartbeat keeps a user's key alive.
const DefaultTTL = 2 * time.Minute

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func redisKey(userID string) string {
	return fmt.Sprintf("pulse:last_seen:%s", userID)
}

func (r *Redis) Touch(ctx context.Context, userID string, at time.Time) error {
	return r.rdb.Set(ctx, redisKey(userID), at.UnixMilli(), r.ttl).Err()
}

func (r *Redis) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	ms, err := r.rdb.Get(ctx, redisKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Tee writes to every store and reads from the first one that knows the user.
type Tee []Store

func (t Tee) Touch(ctx context.Context, userID string, at time.Time) error {
	var errs error
	for _, s := range t {
		errs = multierr.Append(errs, s.Touch(ctx, userID, at))
	}
	return errs
}

func (t Tee) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	var errs error
	for _, s := range t {
		at, ok, err := s.LastSeen(ctx, userID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			return at, true, nil
		}
	}
	return time.Time{}, false, errs
}
