// Package notify decides when a feed event becomes a system notification
// and renders it at most once per process.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/loop"
	"github.com/matheus3301/pulse/internal/metrics"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/realtime"
	"go.uber.org/zap"
)

// Counter provides the authoritative unread count for the badge.
type Counter interface {
	QueryCount(ctx context.Context, table string, f backend.Filter) (int, error)
}

// Sender is the message path quick actions go through.
type Sender interface {
	Send(ctx context.Context, conversationID, senderID, receiverID, content string, typ model.MessageType) (model.Message, error)
	MarkRead(ctx context.Context, messageID string) error
}

// DispatchRecord remembers a rendered notification. Records live in memory
// only.
type DispatchRecord struct {
	Key            string
	ConversationID string
	SenderID       string
	MessageID      string
	RenderedAt     time.Time
}

// Decision reasons, also used as metric labels.
const (
	ReasonSelf       = "self"
	ReasonPermission = "permission"
	ReasonActive     = "active_conversation"
	ReasonDuplicate  = "duplicate"
	ReasonRendered   = "rendered"
)

// Gate holds the UI state that drives notification decisions. State is only
// touched on the loop.
type Gate struct {
	self    string
	counter Counter
	surface Surface
	sender  Sender
	loop    *loop.Loop
	logger  *zap.Logger
	now     func() time.Time

	active     string
	permission bool
	foreground bool
	dispatched map[string]DispatchRecord

	tapMu sync.Mutex
	onTap func(Route)
}

// New creates a gate for user self. Permission starts denied.
func New(self string, counter Counter, surface Surface, sender Sender, l *loop.Loop, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		self:       self,
		counter:    counter,
		surface:    surface,
		sender:     sender,
		loop:       l,
		logger:     logger.Named("notify"),
		now:        time.Now,
		dispatched: make(map[string]DispatchRecord),
	}
}

// SetActiveConversation records the conversation the user is looking at.
// An empty id means none.
func (g *Gate) SetActiveConversation(ctx context.Context, conversationID string) error {
	return g.loop.Do(ctx, func() { g.active = conversationID })
}

func (g *Gate) SetPermission(ctx context.Context, granted bool) error {
	return g.loop.Do(ctx, func() { g.permission = granted })
}

// SetForeground records app visibility. It never changes a decision; it is
// copied into rendered payloads.
func (g *Gate) SetForeground(ctx context.Context, foreground bool) error {
	return g.loop.Do(ctx, func() { g.foreground = foreground })
}

// ShouldNotify applies the suppression rules to t.
func (g *Gate) ShouldNotify(ctx context.Context, t Trigger) (bool, error) {
	return loop.Query(ctx, g.loop, func() bool { return g.decide(t) == "" })
}

// decide returns the suppression reason, or "" when t should notify.
func (g *Gate) decide(t Trigger) string {
	switch {
	case t.ActorID == g.self:
		return ReasonSelf
	case !g.permission:
		return ReasonPermission
	case t.ConversationID != "" && t.ConversationID == g.active:
		return ReasonActive
	}
	return ""
}

// Apply turns a feed event into a notification when the gate allows it.
// Events not addressed to the current user are ignored.
func (g *Gate) Apply(ctx context.Context, evt realtime.Event) error {
	ins, ok := evt.(realtime.Inserted)
	if !ok {
		return nil
	}
	var t Trigger
	switch r := ins.Record.(type) {
	case model.Message:
		if r.ReceiverID != g.self || r.IsRead() {
			return nil
		}
		t = FromMessage(r)
	case model.Notification:
		if r.UserID != g.self || r.IsRead {
			return nil
		}
		t = FromNotification(r)
	default:
		return nil
	}

	var reason string
	var payload Payload
	err := g.loop.Do(ctx, func() {
		if reason = g.decide(t); reason != "" {
			return
		}
		reason, payload = g.reserve(t)
	})
	if err != nil {
		return err
	}
	metrics.IncNotification(reason)
	if reason != ReasonRendered {
		g.logger.Debug("notification suppressed", zap.String("key", t.Key()), zap.String("reason", reason))
		return nil
	}
	return g.post(ctx, payload)
}

// Render posts t to the surface without consulting the suppression rules.
// A trigger already rendered in this process is skipped.
func (g *Gate) Render(ctx context.Context, t Trigger) error {
	var reason string
	var payload Payload
	if err := g.loop.Do(ctx, func() { reason, payload = g.reserve(t) }); err != nil {
		return err
	}
	metrics.IncNotification(reason)
	if reason != ReasonRendered {
		return nil
	}
	return g.post(ctx, payload)
}

// reserve records the dispatch of t. It runs on the loop.
func (g *Gate) reserve(t Trigger) (string, Payload) {
	key := t.Key()
	if _, ok := g.dispatched[key]; ok {
		return ReasonDuplicate, Payload{}
	}
	g.dispatched[key] = DispatchRecord{
		Key:            key,
		ConversationID: t.ConversationID,
		SenderID:       t.ActorID,
		MessageID:      t.MessageID,
		RenderedAt:     g.now(),
	}
	return ReasonRendered, build(t, g.foreground)
}

func (g *Gate) post(ctx context.Context, p Payload) error {
	if err := g.surface.Post(ctx, p); err != nil {
		return fmt.Errorf("post notification %s: %w", p.Key, err)
	}
	g.refreshBadge(ctx)
	return nil
}

func (g *Gate) refreshBadge(ctx context.Context) {
	n, err := g.counter.QueryCount(ctx, backend.TableMessages, backend.UnreadMessagesFilter(g.self))
	if err != nil {
		g.logger.Warn("badge count failed", zap.Error(err))
		return
	}
	if err := g.surface.SetBadge(ctx, n); err != nil {
		g.logger.Warn("set badge failed", zap.Error(err))
	}
}

// Clear removes every pending and delivered notification of a conversation.
func (g *Gate) Clear(ctx context.Context, conversationID string) error {
	pending, err := g.surface.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending notifications: %w", err)
	}
	delivered, err := g.surface.Delivered(ctx)
	if err != nil {
		return fmt.Errorf("list delivered notifications: %w", err)
	}
	var keys []string
	for _, p := range append(pending, delivered...) {
		if p.Metadata[MetaConversationID] == conversationID {
			keys = append(keys, p.Key)
		}
	}
	if err := g.loop.Do(ctx, func() {
		for key, rec := range g.dispatched {
			if rec.ConversationID == conversationID {
				delete(g.dispatched, key)
			}
		}
	}); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return g.surface.Remove(ctx, keys)
}

// Dispatched returns the dispatch record for key.
func (g *Gate) Dispatched(ctx context.Context, key string) (DispatchRecord, bool, error) {
	var (
		rec DispatchRecord
		ok  bool
	)
	err := g.loop.Do(ctx, func() { rec, ok = g.dispatched[key] })
	return rec, ok, err
}

// ActionKind is a quick action offered on a notification.
type ActionKind string

const (
	ActionReply    ActionKind = "reply"
	ActionMarkRead ActionKind = "mark_read"
)

// Action is a quick action invoked from a notification.
type Action struct {
	Kind  ActionKind
	Route Route
	Text  string
}

// HandleAction runs a quick action through the regular message path.
func (g *Gate) HandleAction(ctx context.Context, a Action) error {
	switch a.Kind {
	case ActionReply:
		if a.Text == "" {
			return fmt.Errorf("reply to %s: empty text", a.Route.ConversationID)
		}
		_, err := g.sender.Send(ctx, a.Route.ConversationID, g.self, a.Route.SenderID, a.Text, model.TypeText)
		return err
	case ActionMarkRead:
		return g.sender.MarkRead(ctx, a.Route.MessageID)
	default:
		return fmt.Errorf("unknown action %q", a.Kind)
	}
}

// OnTap registers the callback invoked when a notification is tapped.
func (g *Gate) OnTap(fn func(Route)) {
	g.tapMu.Lock()
	g.onTap = fn
	g.tapMu.Unlock()
}

// Tap routes a tapped notification to the registered callback.
func (g *Gate) Tap(r Route) {
	g.tapMu.Lock()
	fn := g.onTap
	g.tapMu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Reset forgets UI state and dispatch records. It must run on the loop.
func (g *Gate) Reset() {
	g.active = ""
	g.foreground = false
	clear(g.dispatched)
}
