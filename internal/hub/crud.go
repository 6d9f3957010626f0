package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/store"
	"go.uber.org/zap"
)

// CreateMessage stores a message with status sent. A repeated local id
// returns the stored row and publishes nothing.
func (h *Hub) CreateMessage(ctx context.Context, m backend.NewMessage) (backend.Record, error) {
	if m.ConversationID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return nil, fmt.Errorf("%w: message needs conversation, sender and receiver", ErrInvalid)
	}
	if m.Type == "" {
		m.Type = string(model.TypeText)
	}
	if !model.MessageType(m.Type).Valid() {
		return nil, fmt.Errorf("%w: message type %q", ErrInvalid, m.Type)
	}
	id, err := h.nextID()
	if err != nil {
		return nil, err
	}
	now := h.now().UnixMilli()
	row := store.MessageRow{
		ID:             id,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Type:           m.Type,
		Status:         string(model.StatusSent),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	stored, created, err := h.db.InsertMessage(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	rec := stored.ToRecord()
	if created {
		h.publish(backend.TableMessages, backend.Insert, rec)
	} else {
		h.logger.Debug("duplicate send", zap.String("local_id", m.LocalID), zap.String("id", stored.ID))
	}
	return rec, nil
}

// UpdateMessage applies p. Status never moves down the lattice: a stale
// status is ignored and the rest of the patch still applies.
func (h *Hub) UpdateMessage(ctx context.Context, id string, p backend.Patch) (backend.Record, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	row, err := h.db.Message(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update message %s: %w", id, err)
	}
	changed := false
	if p.Status != nil {
		to := model.Status(*p.Status)
		if !to.Valid() {
			return nil, fmt.Errorf("%w: status %q", ErrInvalid, *p.Status)
		}
		if model.CanAdvance(model.Status(row.Status), to) {
			row.Status = string(to)
			changed = true
		}
	}
	if p.Content != nil && *p.Content != row.Content {
		row.Content = *p.Content
		changed = true
	}
	if !changed {
		return row.ToRecord(), nil
	}
	row.UpdatedAt = max(h.now().UnixMilli(), row.UpdatedAt)
	if err := h.db.SaveMessage(ctx, row); err != nil {
		return nil, fmt.Errorf("save message %s: %w", id, err)
	}
	rec := row.ToRecord()
	h.publish(backend.TableMessages, backend.Update, rec)
	return rec, nil
}

// ListMessages returns the newest limit messages of a conversation, oldest
// first.
func (h *Hub) ListMessages(ctx context.Context, conversationID string, limit int) ([]backend.Record, error) {
	rows, err := h.db.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]backend.Record, len(rows))
	for i, r := range rows {
		out[i] = r.ToRecord()
	}
	return out, nil
}

func (h *Hub) CreateNotification(ctx context.Context, n backend.NewNotification) (backend.Record, error) {
	if n.UserID == "" || n.Kind == "" {
		return nil, fmt.Errorf("%w: notification needs user and kind", ErrInvalid)
	}
	id, err := h.nextID()
	if err != nil {
		return nil, err
	}
	row := store.NotificationRow{
		ID:             id,
		UserID:         n.UserID,
		ActorID:        n.ActorID,
		Kind:           n.Kind,
		Content:        n.Content,
		ConversationID: n.ConversationID,
		MessageID:      n.MessageID,
		CreatedAt:      h.now().UnixMilli(),
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.db.InsertNotification(ctx, row); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	rec := row.ToRecord()
	h.publish(backend.TableNotifications, backend.Insert, rec)
	return rec, nil
}

func (h *Hub) MarkNotificationRead(ctx context.Context, id string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	changed, err := h.db.MarkNotificationRead(ctx, id)
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	if !changed {
		return nil
	}
	row, err := h.db.Notification(ctx, id)
	if err != nil {
		return fmt.Errorf("reload notification %s: %w", id, err)
	}
	h.publish(backend.TableNotifications, backend.Update, row.ToRecord())
	return nil
}

func (h *Hub) QueryCount(ctx context.Context, table string, f backend.Filter) (int, error) {
	n, err := h.db.Count(ctx, table, f)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// UnreadIDs lists the ids of userID's unread rows in table.
func (h *Hub) UnreadIDs(ctx context.Context, table string, userID string) ([]string, error) {
	var f backend.Filter
	switch table {
	case backend.TableMessages:
		f = backend.UnreadMessagesFilter(userID)
	case backend.TableNotifications:
		f = backend.UnreadNotificationsFilter(userID)
	default:
		return nil, fmt.Errorf("%w: table %q", ErrInvalid, table)
	}
	ids, err := h.db.IDs(ctx, table, f)
	if err != nil {
		return nil, fmt.Errorf("unread %s: %w", table, err)
	}
	return ids, nil
}

// EnsureConversation returns the conversation between two users, creating
// it on first use. Argument order does not matter.
func (h *Hub) EnsureConversation(ctx context.Context, userA, userB string) (backend.Record, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, fmt.Errorf("%w: conversation needs two distinct users", ErrInvalid)
	}
	a, b := model.CanonicalPair(userA, userB)
	id, err := h.nextID()
	if err != nil {
		return nil, err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	row, err := h.db.EnsureConversation(ctx, id, a, b, h.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	return row.ToRecord(), nil
}

func (h *Hub) TouchConversation(ctx context.Context, id string, at time.Time) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.db.TouchConversation(ctx, id, at.UnixMilli()); err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
