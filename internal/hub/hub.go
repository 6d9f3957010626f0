// Package hub is a local backend: it serves the change feed, presence rooms
// and CRUD surface of backend.Backend from a SQLite store.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/lastseen"
	"github.com/matheus3301/pulse/internal/metrics"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrInvalid        = errors.New("invalid argument")
)

const streamBuffer = 64

// Hub implements backend.Backend.
type Hub struct {
	db      *store.DB
	seen    lastseen.Store
	logger  *zap.Logger
	ids     *sonyflake.Sonyflake
	now     func() time.Time
	changes *bus.Bus

	writeMu sync.Mutex

	mu       sync.Mutex
	next     int
	channels map[backend.ChannelID]*channel
	rooms    map[string]*room
}

type channel struct {
	topic   string
	ctx     context.Context
	cancel  context.CancelFunc
	tracked string
}

// room is a presence room. Members are ref-counted so a user tracked from
// several channels joins once and leaves once.
type room struct {
	refs     map[string]int
	payloads map[string]backend.Record
}

// New creates a hub. machineID distinguishes id generators of hubs sharing
// a database.
func New(db *store.DB, seen lastseen.Store, logger *zap.Logger, machineID uint16) (*Hub, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		db:       db,
		seen:     seen,
		logger:   logger.Named("hub"),
		ids:      sf,
		now:      time.Now,
		changes:  bus.New(),
		channels: make(map[backend.ChannelID]*channel),
		rooms:    make(map[string]*room),
	}, nil
}

func (h *Hub) nextID() (string, error) {
	id, err := h.ids.NextID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return fmt.Sprintf("%d", id), nil
}

func validTopic(topic string) bool {
	for _, p := range []string{backend.ConversationPrefix, backend.InboxPrefix, backend.NotificationsPrefix, backend.PresencePrefix} {
		if rest, ok := strings.CutPrefix(topic, p); ok {
			return rest != ""
		}
	}
	return false
}

// OpenChannel registers a channel for topic.
func (h *Hub) OpenChannel(_ context.Context, topic string) (backend.ChannelID, error) {
	if !validTopic(topic) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.next++
	id := backend.ChannelID(fmt.Sprintf("ch-%d", h.next))
	h.channels[id] = &channel{topic: topic, ctx: ctx, cancel: cancel}
	h.mu.Unlock()

	metrics.IncHubChannels()
	h.logger.Debug("channel opened", zap.String("channel", string(id)), zap.String("topic", topic))
	return id, nil
}

// CloseChannel untracks the channel's presence, ends its streams and
// forgets it.
func (h *Hub) CloseChannel(_ context.Context, id backend.ChannelID) error {
	h.mu.Lock()
	ch, ok := h.channels[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	h.untrackLocked(ch)
	delete(h.channels, id)
	h.mu.Unlock()

	ch.cancel()
	metrics.DecHubChannels()
	h.logger.Debug("channel closed", zap.String("channel", string(id)), zap.String("topic", ch.topic))
	return nil
}

func (h *Hub) channel(id backend.ChannelID) (*channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return ch, nil
}

// Events streams changes of table that belong to the channel's topic.
func (h *Hub) Events(ctx context.Context, id backend.ChannelID, table string, kind backend.EventKind) (<-chan backend.Record, error) {
	ch, err := h.channel(id)
	if err != nil {
		return nil, err
	}
	if want := backend.TableFor(ch.topic); want == "" || want != table {
		return nil, fmt.Errorf("%w: topic %s does not carry %s rows", ErrInvalid, ch.topic, table)
	}
	if kind != backend.Insert && kind != backend.Update {
		return nil, fmt.Errorf("%w: event kind %q", ErrInvalid, kind)
	}

	in, unsub := h.changes.Subscribe(table, streamBuffer)
	out := make(chan backend.Record, streamBuffer)
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case evt, ok := <-in:
				if !ok {
					return
				}
				rec := evt.Payload.(backend.Record)
				if evt.Kind != string(kind) || !belongs(ch.topic, rec) {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				case <-ch.ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-ch.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// belongs reports whether a changed row is visible on topic.
func belongs(topic string, rec backend.Record) bool {
	switch {
	case strings.HasPrefix(topic, backend.ConversationPrefix):
		return rec["conversation_id"] == strings.TrimPrefix(topic, backend.ConversationPrefix)
	case strings.HasPrefix(topic, backend.InboxPrefix):
		return rec["receiver_id"] == strings.TrimPrefix(topic, backend.InboxPrefix)
	case strings.HasPrefix(topic, backend.NotificationsPrefix):
		return rec["user_id"] == strings.TrimPrefix(topic, backend.NotificationsPrefix)
	}
	return false
}

func (h *Hub) publish(table string, kind backend.EventKind, rec backend.Record) {
	h.changes.Publish(bus.Event{Topic: table, Kind: string(kind), Payload: rec})
}
