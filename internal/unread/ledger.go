// Package unread keeps the current user's unread message and notification
// counters. The unread id sets are loaded from the backend once per session
// and then moved by live events; each counter is the size of its set.
package unread

import (
	"context"
	"fmt"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/fault"
	"github.com/matheus3301/pulse/internal/loop"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/realtime"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Topic is the update bus topic counter changes are published on.
const Topic = "unread"

// Backend is the part of the backend the ledger calls.
type Backend interface {
	UnreadIDs(ctx context.Context, table string, userID string) ([]string, error)
	UpdateMessage(ctx context.Context, id string, p backend.Patch) (backend.Record, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Counters is a snapshot of both unread counters.
type Counters struct {
	Messages      int
	Notifications int
}

type seen struct {
	unread map[string]struct{}
	read   map[string]struct{}
}

func newSeen() seen {
	return seen{unread: make(map[string]struct{}), read: make(map[string]struct{})}
}

func seeded(ids []string) seen {
	s := newSeen()
	for _, id := range ids {
		s.unread[id] = struct{}{}
	}
	return s
}

// Ledger owns the counters. They are only touched on the loop.
type Ledger struct {
	self    string
	be      Backend
	loop    *loop.Loop
	updates *bus.Bus
	logger  *zap.Logger

	counters      Counters
	loaded        bool
	epoch         uint64
	messages      seen
	notifications seen
}

// New creates a ledger for user self.
func New(self string, be Backend, l *loop.Loop, updates *bus.Bus, logger *zap.Logger) *Ledger {
	if updates == nil {
		updates = bus.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		self:          self,
		be:            be,
		loop:          l,
		updates:       updates,
		logger:        logger.Named("unread"),
		messages:      newSeen(),
		notifications: newSeen(),
	}
}

// Load replaces both unread sets with the backend's. Live events are
// ignored until it succeeds; events queued meanwhile for rows the load
// already saw are then recognized and not counted twice.
func (l *Ledger) Load(ctx context.Context) error {
	var epoch uint64
	if err := l.loop.Do(ctx, func() { epoch = l.epoch }); err != nil {
		return err
	}
	msgs, err := l.be.UnreadIDs(ctx, backend.TableMessages, l.self)
	if err != nil {
		return fmt.Errorf("load unread messages: %w", err)
	}
	notes, err := l.be.UnreadIDs(ctx, backend.TableNotifications, l.self)
	if err != nil {
		return fmt.Errorf("load unread notifications: %w", err)
	}
	return l.loop.Do(ctx, func() {
		if epoch != l.epoch {
			return
		}
		l.loaded = true
		l.messages = seeded(msgs)
		l.notifications = seeded(notes)
		l.recount()
		l.logger.Info("unread counters loaded", zap.Int("messages", len(msgs)), zap.Int("notifications", len(notes)))
	})
}

// Apply moves the counters for one feed event on the loop.
func (l *Ledger) Apply(ctx context.Context, evt realtime.Event) error {
	return l.loop.Do(ctx, func() { l.apply(evt) })
}

func (l *Ledger) apply(evt realtime.Event) {
	if !l.loaded {
		return
	}
	switch e := evt.(type) {
	case realtime.Inserted:
		switch r := e.Record.(type) {
		case model.Message:
			if r.ReceiverID == l.self && !r.IsRead() {
				l.messages.markUnread(r.ID)
			}
		case model.Notification:
			if r.UserID == l.self && !r.IsRead {
				l.notifications.markUnread(r.ID)
			}
		}
	case realtime.Updated:
		switch r := e.Record.(type) {
		case model.Message:
			if r.ReceiverID == l.self && r.IsRead() {
				l.messages.markRead(r.ID)
			}
		case model.Notification:
			if r.UserID == l.self && r.IsRead {
				l.notifications.markRead(r.ID)
			}
		}
	}
	l.recount()
}

// markUnread adds id unless it is already counted or already seen read.
func (s seen) markUnread(id string) {
	if _, ok := s.read[id]; ok {
		return
	}
	s.unread[id] = struct{}{}
}

// markRead moves id out of the unread set. Ids that were never unread only
// get remembered, so a late insert cannot count them.
func (s seen) markRead(id string) {
	delete(s.unread, id)
	s.read[id] = struct{}{}
}

// MarkAllMessagesRead zeroes the message counter and marks every unread
// message read on the backend. Failed updates are reported together; the
// counter is not restored.
func (l *Ledger) MarkAllMessagesRead(ctx context.Context) error {
	return l.markAll(ctx, backend.TableMessages, func(ctx context.Context, id string) error {
		_, err := l.be.UpdateMessage(ctx, id, backend.Patch{Status: backend.StringPtr(string(model.StatusRead))})
		return err
	})
}

// MarkAllNotificationsRead is MarkAllMessagesRead for notifications.
func (l *Ledger) MarkAllNotificationsRead(ctx context.Context) error {
	return l.markAll(ctx, backend.TableNotifications, l.be.MarkNotificationRead)
}

func (l *Ledger) markAll(ctx context.Context, table string, mark func(context.Context, string) error) error {
	ids, err := l.be.UnreadIDs(ctx, table, l.self)
	if err != nil {
		return fault.New(fault.ReadMark, "list unread "+table, err)
	}
	err = l.loop.Do(ctx, func() {
		s := l.notifications
		if table == backend.TableMessages {
			s = l.messages
		}
		for id := range s.unread {
			s.markRead(id)
		}
		for _, id := range ids {
			s.markRead(id)
		}
		l.recount()
	})
	if err != nil {
		return err
	}

	var errs error
	for _, id := range ids {
		if err := mark(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if errs != nil {
		failed := len(multierr.Errors(errs))
		l.logger.Warn("mark all read partially failed", zap.String("table", table), zap.Int("failed", failed), zap.Int("total", len(ids)))
		return fault.New(fault.ReadMark, fmt.Sprintf("mark %d of %d %s read", failed, len(ids), table), errs)
	}
	return nil
}

// Counters returns a snapshot.
func (l *Ledger) Counters(ctx context.Context) (Counters, error) {
	return loop.Query(ctx, l.loop, func() Counters { return l.counters })
}

// Watch streams Counters values on every change.
func (l *Ledger) Watch() (<-chan bus.Event, func()) {
	return l.updates.Subscribe(Topic, 16)
}

// Reset zeroes the counters and forgets the load. It must run on the loop.
func (l *Ledger) Reset() {
	l.epoch++
	l.loaded = false
	l.messages = newSeen()
	l.notifications = newSeen()
	l.set(Counters{})
}

func (l *Ledger) recount() {
	l.set(Counters{Messages: len(l.messages.unread), Notifications: len(l.notifications.unread)})
}

func (l *Ledger) set(c Counters) {
	if c == l.counters {
		return
	}
	l.counters = c
	l.updates.Publish(bus.Event{Topic: Topic, Kind: "unread.changed", Payload: c})
}
