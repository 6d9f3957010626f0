// Package testutil provides an in-memory backend for component tests. Feed
// events are never generated implicitly: tests push them with Emit and
// EmitPresence, so every interleaving is explicit.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
)

var ErrUnknownChannel = errors.New("unknown channel")

type streamKey struct {
	table string
	kind  backend.EventKind
}

type channel struct {
	topic    string
	streams  map[streamKey]chan backend.Record
	presence chan backend.PresenceDiff
}

// Backend is a scriptable backend.Backend. Hook fields may be set before use
// to inject latency or failures; nil hooks fall back to the in-memory tables.
type Backend struct {
	// OpenHook runs before a channel is opened. A non-nil error fails the open.
	OpenHook func(ctx context.Context, topic string) error
	// CreateHook replaces CreateMessage when set.
	CreateHook func(ctx context.Context, m backend.NewMessage) (backend.Record, error)
	// UpdateErrs fails UpdateMessage for the given ids.
	UpdateErrs map[string]error
	// MarkErrs fails MarkNotificationRead for the given ids.
	MarkErrs     map[string]error
	TrackErr     error
	HeartbeatErr error

	mu            sync.Mutex
	next          int
	channels      map[backend.ChannelID]*channel
	tracked       map[backend.ChannelID]backend.Record
	closed        []string
	heartbeats    int
	messages      []backend.Record
	notifications []backend.Record
	conversations map[string]backend.Record
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		UpdateErrs:    make(map[string]error),
		MarkErrs:      make(map[string]error),
		channels:      make(map[backend.ChannelID]*channel),
		tracked:       make(map[backend.ChannelID]backend.Record),
		conversations: make(map[string]backend.Record),
	}
}

func (b *Backend) OpenChannel(ctx context.Context, topic string) (backend.ChannelID, error) {
	if b.OpenHook != nil {
		if err := b.OpenHook(ctx, topic); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := backend.ChannelID(fmt.Sprintf("fake-%d", b.next))
	b.channels[id] = &channel{topic: topic, streams: make(map[streamKey]chan backend.Record)}
	return id, nil
}

func (b *Backend) CloseChannel(_ context.Context, id backend.ChannelID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[id]
	if !ok {
		return ErrUnknownChannel
	}
	for _, s := range ch.streams {
		close(s)
	}
	if ch.presence != nil {
		close(ch.presence)
	}
	delete(b.channels, id)
	delete(b.tracked, id)
	b.closed = append(b.closed, ch.topic)
	return nil
}

func (b *Backend) Events(_ context.Context, id backend.ChannelID, table string, kind backend.EventKind) (<-chan backend.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[id]
	if !ok {
		return nil, ErrUnknownChannel
	}
	s := make(chan backend.Record, 256)
	ch.streams[streamKey{table, kind}] = s
	return s, nil
}

func (b *Backend) PresenceChanges(_ context.Context, id backend.ChannelID) (<-chan backend.PresenceDiff, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[id]
	if !ok {
		return nil, ErrUnknownChannel
	}
	ch.presence = make(chan backend.PresenceDiff, 256)
	return ch.presence, nil
}

// Emit pushes rec to every open channel of topic streaming table changes of
// kind. It reports how many streams received it.
func (b *Backend) Emit(topic, table string, kind backend.EventKind, rec backend.Record) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		if ch.topic != topic {
			continue
		}
		if s, ok := ch.streams[streamKey{table, kind}]; ok {
			s <- rec
			n++
		}
	}
	return n
}

// EmitPresence pushes diff to every open presence stream of topic.
func (b *Backend) EmitPresence(topic string, diff backend.PresenceDiff) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		if ch.topic == topic && ch.presence != nil {
			ch.presence <- diff
			n++
		}
	}
	return n
}

// OpenTopics returns the topics of open channels, sorted.
func (b *Backend) OpenTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ch := range b.channels {
		out = append(out, ch.topic)
	}
	slices.Sort(out)
	return out
}

// Streaming reports whether topic has an open channel with at least one
// attached stream.
func (b *Backend) Streaming(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.channels {
		if ch.topic == topic && (len(ch.streams) > 0 || ch.presence != nil) {
			return true
		}
	}
	return false
}

// Closed returns the topics of channels closed so far, in close order.
func (b *Backend) Closed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.closed)
}

func (b *Backend) Track(_ context.Context, id backend.ChannelID, payload backend.Record) error {
	if b.TrackErr != nil {
		return b.TrackErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[id]; !ok {
		return ErrUnknownChannel
	}
	b.tracked[id] = payload
	return nil
}

func (b *Backend) Untrack(_ context.Context, id backend.ChannelID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tracked, id)
	return nil
}

// Tracked returns every payload currently tracked.
func (b *Backend) Tracked() []backend.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.Record
	for _, p := range b.tracked {
		out = append(out, p)
	}
	return out
}

func (b *Backend) Heartbeat(_ context.Context, _ string, _ time.Time) error {
	b.mu.Lock()
	b.heartbeats++
	b.mu.Unlock()
	return b.HeartbeatErr
}

// Heartbeats returns the number of heartbeat calls, failed or not.
func (b *Backend) Heartbeats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeats
}

func (b *Backend) CreateMessage(ctx context.Context, m backend.NewMessage) (backend.Record, error) {
	if b.CreateHook != nil {
		return b.CreateHook(ctx, m)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.messages {
		if m.LocalID != "" && rec["local_id"] == m.LocalID {
			return clone(rec), nil
		}
	}
	b.next++
	now := time.Now().UTC()
	rec := MessageRecord(fmt.Sprintf("m%d", b.next), m.ConversationID, m.SenderID, m.ReceiverID, m.Content, "sent", now)
	rec["local_id"] = m.LocalID
	if m.Type != "" {
		rec["type"] = m.Type
	}
	b.messages = append(b.messages, rec)
	return clone(rec), nil
}

// AddMessage seeds the messages table.
func (b *Backend) AddMessage(rec backend.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, clone(rec))
}

// AddNotification seeds the notifications table.
func (b *Backend) AddNotification(rec backend.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, clone(rec))
}

// MessageCount returns the number of stored messages.
func (b *Backend) MessageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func (b *Backend) UpdateMessage(_ context.Context, id string, p backend.Patch) (backend.Record, error) {
	if err := b.UpdateErrs[id]; err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.messages {
		if rec["id"] != id {
			continue
		}
		if p.Status != nil {
			rec["status"] = *p.Status
		}
		if p.Content != nil {
			rec["content"] = *p.Content
		}
		rec["updated_at"] = time.Now().UTC()
		return clone(rec), nil
	}
	return nil, fmt.Errorf("message %s not found", id)
}

func (b *Backend) ListMessages(_ context.Context, conversationID string, limit int) ([]backend.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.Record
	for _, rec := range b.messages {
		if rec["conversation_id"] == conversationID {
			out = append(out, clone(rec))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *Backend) CreateNotification(_ context.Context, n backend.NewNotification) (backend.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	rec := NotificationRecord(fmt.Sprintf("n%d", b.next), n.UserID, n.ActorID, n.Content, false)
	rec["kind"] = n.Kind
	rec["conversation_id"] = n.ConversationID
	rec["message_id"] = n.MessageID
	b.notifications = append(b.notifications, rec)
	return clone(rec), nil
}

func (b *Backend) MarkNotificationRead(_ context.Context, id string) error {
	if err := b.MarkErrs[id]; err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.notifications {
		if rec["id"] == id {
			rec["is_read"] = true
			return nil
		}
	}
	return fmt.Errorf("notification %s not found", id)
}

func (b *Backend) QueryCount(_ context.Context, table string, f backend.Filter) (int, error) {
	rows, err := b.table(table)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range rows {
		if matches(rec, f) {
			n++
		}
	}
	return n, nil
}

func (b *Backend) UnreadIDs(_ context.Context, table string, userID string) ([]string, error) {
	var f backend.Filter
	switch table {
	case backend.TableMessages:
		f = backend.UnreadMessagesFilter(userID)
	case backend.TableNotifications:
		f = backend.UnreadNotificationsFilter(userID)
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	rows, err := b.table(table)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range rows {
		if matches(rec, f) {
			ids = append(ids, rec["id"].(string))
		}
	}
	return ids, nil
}

func (b *Backend) EnsureConversation(_ context.Context, userA, userB string) (backend.Record, error) {
	if userA > userB {
		userA, userB = userB, userA
	}
	id := userA + ":" + userB
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.conversations[id]
	if !ok {
		rec = backend.Record{"id": id, "participant_a": userA, "participant_b": userB}
		b.conversations[id] = rec
	}
	return clone(rec), nil
}

func (b *Backend) TouchConversation(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.conversations[id]; ok {
		rec["last_message_at"] = at
	}
	return nil
}

func (b *Backend) table(name string) ([]backend.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch name {
	case backend.TableMessages:
		return cloneAll(b.messages), nil
	case backend.TableNotifications:
		return cloneAll(b.notifications), nil
	}
	return nil, fmt.Errorf("unknown table %q", name)
}

func matches(rec backend.Record, f backend.Filter) bool {
	for k, v := range f.Eq {
		if rec[k] != v {
			return false
		}
	}
	for k, v := range f.Neq {
		if rec[k] == v {
			return false
		}
	}
	return true
}

func clone(rec backend.Record) backend.Record {
	out := make(backend.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func cloneAll(rows []backend.Record) []backend.Record {
	out := make([]backend.Record, len(rows))
	for i, r := range rows {
		out[i] = clone(r)
	}
	return out
}

// MessageRecord builds a raw message row.
func MessageRecord(id, conversationID, sender, receiver, content, status string, at time.Time) backend.Record {
	return backend.Record{
		"id":              id,
		"conversation_id": conversationID,
		"sender_id":       sender,
		"receiver_id":     receiver,
		"content":         content,
		"type":            "text",
		"status":          status,
		"created_at":      at,
		"updated_at":      at,
	}
}

// NotificationRecord builds a raw notification row.
func NotificationRecord(id, userID, actorID, content string, read bool) backend.Record {
	return backend.Record{
		"id":         id,
		"user_id":    userID,
		"actor_id":   actorID,
		"kind":       "message",
		"content":    content,
		"is_read":    read,
		"created_at": time.Now().UTC(),
	}
}
