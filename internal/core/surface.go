package core

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/notify"
	"github.com/matheus3301/pulse/internal/realtime"
	"github.com/matheus3301/pulse/internal/unread"
	"go.uber.org/multierr"
)

// EnsureConversation returns the conversation between the user and other,
// creating it on first use.
func (s *Session) EnsureConversation(ctx context.Context, other string) (model.Conversation, error) {
	rec, err := s.be.EnsureConversation(ctx, s.self, other)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("ensure conversation with %s: %w", other, err)
	}
	return model.DecodeConversation(rec)
}

// OpenConversation starts following a conversation: it subscribes its
// topic, loads recent history, clears its notifications and makes it the
// active conversation. Opening an open conversation only reactivates it.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	_, already := s.open[conversationID]
	s.mu.Unlock()

	if !already {
		if err := s.mux.Subscribe(ctx, realtime.ConversationTopic(conversationID)); err != nil {
			return err
		}
		s.mu.Lock()
		s.open[conversationID] = struct{}{}
		s.mu.Unlock()
	}
	if err := s.coord.Open(ctx, conversationID); err != nil {
		return err
	}
	if err := s.SetActiveConversation(ctx, conversationID); err != nil {
		return err
	}
	return s.gate.Clear(ctx, conversationID)
}

// CloseConversation stops following a conversation and drops its cache.
func (s *Session) CloseConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	_, ok := s.open[conversationID]
	delete(s.open, conversationID)
	wasActive := s.active == conversationID
	s.mu.Unlock()

	var errs error
	if ok {
		errs = multierr.Append(errs, s.mux.Unsubscribe(ctx, realtime.ConversationTopic(conversationID)))
	}
	if wasActive {
		errs = multierr.Append(errs, s.SetActiveConversation(ctx, ""))
	}
	return multierr.Append(errs, s.coord.Close(ctx, conversationID))
}

// Send sends a message in a conversation. On failure the message stays in
// the conversation as failed and can be retried by its local id.
func (s *Session) Send(ctx context.Context, conversationID, receiverID, content string, typ model.MessageType) (model.Message, error) {
	return s.coord.Send(ctx, conversationID, s.self, receiverID, content, typ)
}

func (s *Session) Retry(ctx context.Context, localID string) (model.Message, error) {
	return s.coord.Retry(ctx, localID)
}

func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	return s.coord.MarkRead(ctx, messageID)
}

// Messages returns a snapshot of an open conversation, oldest first.
func (s *Session) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	return s.coord.Messages(ctx, conversationID)
}

// Message looks a cached message up by server or local id.
func (s *Session) Message(ctx context.Context, key string) (model.Message, error) {
	return s.coord.Message(ctx, key)
}

func (s *Session) LastMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	return s.coord.LastMessageAt(ctx, conversationID)
}

func (s *Session) WatchConversation(conversationID string) (<-chan bus.Event, func()) {
	return s.coord.WatchConversation(conversationID)
}

func (s *Session) WatchStatus(key string) (<-chan bus.Event, func()) {
	return s.coord.WatchStatus(key)
}

// Unread returns both unread counters.
func (s *Session) Unread(ctx context.Context) (unread.Counters, error) {
	return s.ledger.Counters(ctx)
}

func (s *Session) WatchUnread() (<-chan bus.Event, func()) {
	return s.ledger.Watch()
}

func (s *Session) MarkAllMessagesRead(ctx context.Context) error {
	return s.ledger.MarkAllMessagesRead(ctx)
}

func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	return s.ledger.MarkAllNotificationsRead(ctx)
}

// MarkAllRead marks every unread message and notification read. Both
// tables are attempted even when the first fails.
func (s *Session) MarkAllRead(ctx context.Context) error {
	return multierr.Append(s.MarkAllMessagesRead(ctx), s.MarkAllNotificationsRead(ctx))
}

// SetActiveConversation tells the notification gate which conversation is
// on screen. An empty id means none.
func (s *Session) SetActiveConversation(ctx context.Context, conversationID string) error {
	if err := s.gate.SetActiveConversation(ctx, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
	return nil
}

func (s *Session) SetForeground(ctx context.Context, foreground bool) error {
	return s.gate.SetForeground(ctx, foreground)
}

func (s *Session) SetPermission(ctx context.Context, granted bool) error {
	return s.gate.SetPermission(ctx, granted)
}

func (s *Session) ShouldNotify(ctx context.Context, t notify.Trigger) (bool, error) {
	return s.gate.ShouldNotify(ctx, t)
}

// Dispatched reports whether a notification with key was rendered.
func (s *Session) Dispatched(ctx context.Context, key string) (notify.DispatchRecord, bool, error) {
	return s.gate.Dispatched(ctx, key)
}

// OnNotificationTap registers where tapped notifications are routed.
func (s *Session) OnNotificationTap(fn func(notify.Route)) {
	s.gate.OnTap(fn)
}

// TapNotification routes a tapped notification.
func (s *Session) TapNotification(r notify.Route) {
	s.gate.Tap(r)
}

func (s *Session) HandleNotificationAction(ctx context.Context, a notify.Action) error {
	return s.gate.HandleAction(ctx, a)
}

func (s *Session) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.tracker.IsOnline(ctx, userID)
}

// OnlineDuration returns how long userID has been online. The boolean is
// false when the user is offline.
func (s *Session) OnlineDuration(ctx context.Context, userID string) (time.Duration, bool, error) {
	return s.tracker.OnlineDuration(ctx, userID, s.now())
}

func (s *Session) OnlineUsers(ctx context.Context) ([]string, error) {
	return s.tracker.OnlineUsers(ctx)
}

// WatchPresence streams presence.Change events for every user.
func (s *Session) WatchPresence() (<-chan bus.Event, func()) {
	return s.updates.Subscribe("presence.", 64)
}

// Notify creates a notification row for another user.
func (s *Session) Notify(ctx context.Context, n backend.NewNotification) (model.Notification, error) {
	n.ActorID = s.self
	rec, err := s.be.CreateNotification(ctx, n)
	if err != nil {
		return model.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	return model.DecodeNotification(rec)
}

// Topics lists the open feed topics.
func (s *Session) Topics() []string {
	return s.mux.Topics()
}
