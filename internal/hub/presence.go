package hub

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"go.uber.org/zap"
)

// PresenceChanges streams the room's current members as one join batch,
// then every later change.
func (h *Hub) PresenceChanges(ctx context.Context, id backend.ChannelID) (<-chan backend.PresenceDiff, error) {
	ch, err := h.channel(id)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(ch.topic, backend.PresencePrefix) {
		return nil, fmt.Errorf("%w: %s is not a presence topic", ErrInvalid, ch.topic)
	}

	h.mu.Lock()
	in, unsub := h.changes.Subscribe(ch.topic, streamBuffer)
	var initial backend.PresenceDiff
	if r := h.rooms[ch.topic]; r != nil {
		for _, uid := range slices.Sorted(maps.Keys(r.payloads)) {
			initial.Joins = append(initial.Joins, r.payloads[uid])
		}
	}
	h.mu.Unlock()

	out := make(chan backend.PresenceDiff, streamBuffer)
	if len(initial.Joins) > 0 {
		out <- initial
	}
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case evt, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- evt.Payload.(backend.PresenceDiff):
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

// Track announces payload in the channel's presence room. payload must
// carry a user_id. Tracking again replaces the previous payload.
func (h *Hub) Track(_ context.Context, id backend.ChannelID, payload backend.Record) error {
	uid, _ := payload["user_id"].(string)
	if uid == "" {
		return fmt.Errorf("%w: presence payload without user_id", ErrInvalid)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	if !strings.HasPrefix(ch.topic, backend.PresencePrefix) {
		return fmt.Errorf("%w: %s is not a presence topic", ErrInvalid, ch.topic)
	}
	if ch.tracked == uid {
		h.rooms[ch.topic].payloads[uid] = payload
		return nil
	}
	h.untrackLocked(ch)

	r := h.rooms[ch.topic]
	if r == nil {
		r = &room{refs: make(map[string]int), payloads: make(map[string]backend.Record)}
		h.rooms[ch.topic] = r
	}
	ch.tracked = uid
	r.refs[uid]++
	if r.refs[uid] == 1 {
		r.payloads[uid] = payload
		h.changes.Publish(bus.Event{Topic: ch.topic, Kind: "presence", Payload: backend.PresenceDiff{Joins: []backend.Record{payload}}})
		h.logger.Debug("presence join", zap.String("room", ch.topic), zap.String("user", uid))
	}
	return nil
}

// Untrack withdraws the channel's presence.
func (h *Hub) Untrack(_ context.Context, id backend.ChannelID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	h.untrackLocked(ch)
	return nil
}

func (h *Hub) untrackLocked(ch *channel) {
	if ch.tracked == "" {
		return
	}
	uid := ch.tracked
	ch.tracked = ""
	r := h.rooms[ch.topic]
	if r == nil {
		return
	}
	r.refs[uid]--
	if r.refs[uid] > 0 {
		return
	}
	payload := r.payloads[uid]
	delete(r.refs, uid)
	delete(r.payloads, uid)
	if payload == nil {
		payload = backend.Record{"user_id": uid}
	}
	h.changes.Publish(bus.Event{Topic: ch.topic, Kind: "presence", Payload: backend.PresenceDiff{Leaves: []backend.Record{payload}}})
	h.logger.Debug("presence leave", zap.String("room", ch.topic), zap.String("user", uid))
}

// Heartbeat records that userID is alive.
func (h *Hub) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalid)
	}
	return h.seen.Touch(ctx, userID, at)
}

// LastSeen returns the last heartbeat of userID.
func (h *Hub) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	return h.seen.LastSeen(ctx, userID)
}

// Members returns the users present in a room, sorted.
func (h *Hub) Members(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[topic]
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.refs))
}
