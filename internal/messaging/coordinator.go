// Package messaging keeps per-conversation message caches consistent with
// the change feed. Sends are optimistic: an entry appears immediately and is
// reconciled exactly once with the server record.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/fault"
	"github.com/matheus3301/pulse/internal/loop"
	"github.com/matheus3301/pulse/internal/metrics"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/realtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotRetryable   = errors.New("message is not in a retryable state")
)

const (
	DefaultSendTimeout  = 10 * time.Second
	DefaultHistoryLimit = 50
)

// Update kinds published on the coordinator's update bus.
const (
	KindStatus  = "message.status"
	KindChanged = "message.changed"
)

var tracer = otel.Tracer("github.com/matheus3301/pulse/internal/messaging")

// Backend is the part of the backend the coordinator calls.
type Backend interface {
	CreateMessage(ctx context.Context, m backend.NewMessage) (backend.Record, error)
	UpdateMessage(ctx context.Context, id string, p backend.Patch) (backend.Record, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]backend.Record, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// StatusChange is published whenever a cached message changes status.
type StatusChange struct {
	ConversationID string
	ID             string
	LocalID        string
	From           model.Status
	To             model.Status
}

// Options configures a Coordinator.
type Options struct {
	SendTimeout  time.Duration
	HistoryLimit int
	// NewID generates local ids. Defaults to uuid.NewString.
	NewID func() string
	Now   func() time.Time
}

// Coordinator owns the conversation caches of one user. Caches are only
// touched on the loop; backend calls happen off the loop.
type Coordinator struct {
	self    string
	be      Backend
	loop    *loop.Loop
	updates *bus.Bus
	logger  *zap.Logger
	opts    Options

	convs map[string]*cache
	epoch uint64
}

// New creates a coordinator for user self.
func New(self string, be Backend, l *loop.Loop, updates *bus.Bus, logger *zap.Logger, opts Options) *Coordinator {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if updates == nil {
		updates = bus.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		self:    self,
		be:      be,
		loop:    l,
		updates: updates,
		logger:  logger.Named("messaging"),
		opts:    opts,
		convs:   make(map[string]*cache),
	}
}

// Send appends an optimistic message to the conversation and submits it.
// On failure the entry stays in the cache as failed and is returned with a
// send fault.
func (c *Coordinator) Send(ctx context.Context, conversationID, senderID, receiverID, content string, typ model.MessageType) (model.Message, error) {
	if typ == "" {
		typ = model.TypeText
	}
	if !typ.Valid() {
		return model.Message{}, fmt.Errorf("invalid message type %q", typ)
	}
	now := c.opts.Now().UTC()
	msg := model.Message{
		LocalID:        c.opts.NewID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Type:           typ,
		Status:         model.StatusSending,
		IsOptimistic:   true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var epoch uint64
	err := c.loop.Do(ctx, func() {
		epoch = c.epoch
		cc := c.cacheFor(conversationID)
		cc.insert(msg)
		c.changed(msg)
	})
	if err != nil {
		return model.Message{}, err
	}
	return c.submit(ctx, epoch, msg)
}

// Retry re-submits a failed message under its original local id.
func (c *Coordinator) Retry(ctx context.Context, localID string) (model.Message, error) {
	var (
		msg   model.Message
		epoch uint64
		rerr  error
	)
	err := c.loop.Do(ctx, func() {
		epoch = c.epoch
		cc, i := c.findLocal(localID)
		if cc == nil {
			rerr = fmt.Errorf("retry %s: %w", localID, ErrUnknownMessage)
			return
		}
		m := &cc.msgs[i]
		if !m.IsOptimistic || !model.CanRetry(m.Status) {
			rerr = fmt.Errorf("retry %s (%s): %w", localID, m.Status, ErrNotRetryable)
			return
		}
		c.setStatus(m, model.StatusSending)
		msg = *m
	})
	if err != nil {
		return model.Message{}, err
	}
	if rerr != nil {
		return model.Message{}, rerr
	}
	c.logger.Info("retrying message", zap.String("local_id", localID))
	return c.submit(ctx, epoch, msg)
}

func (c *Coordinator) submit(ctx context.Context, epoch uint64, msg model.Message) (model.Message, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	sendCtx, span := tracer.Start(sendCtx, "messaging.Send", trace.WithAttributes(
		attribute.String("conversation_id", msg.ConversationID),
		attribute.String("local_id", msg.LocalID),
	))
	rec, err := c.be.CreateMessage(sendCtx, backend.NewMessage{
		LocalID:        msg.LocalID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Type:           string(msg.Type),
	})
	var confirmed model.Message
	if err == nil {
		confirmed, err = model.DecodeMessage(rec)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
	}
	span.End()

	if err != nil {
		metrics.IncSend("failed")
		c.logger.Warn("send failed", zap.String("local_id", msg.LocalID), zap.Error(err))
		failed := msg
		failed.Status = model.StatusFailed
		_ = c.loop.Do(context.WithoutCancel(ctx), func() {
			if epoch != c.epoch {
				return
			}
			if cc, i := c.findLocal(msg.LocalID); cc != nil {
				m := &cc.msgs[i]
				if m.IsOptimistic && m.Status == model.StatusSending {
					c.setStatus(m, model.StatusFailed)
				}
				failed = *m
			}
		})
		return failed, fault.New(fault.Send, "create message", err)
	}

	metrics.IncSend("sent")
	if confirmed.LocalID == "" {
		confirmed.LocalID = msg.LocalID
	}
	result := confirmed
	_ = c.loop.Do(context.WithoutCancel(ctx), func() {
		if epoch != c.epoch {
			return
		}
		if cc := c.convs[msg.ConversationID]; cc != nil {
			result = c.reconcile(cc, confirmed)
			cc.touch(confirmed.CreatedAt)
		}
	})

	touchCtx, cancelTouch := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SendTimeout)
	defer cancelTouch()
	if err := c.be.TouchConversation(touchCtx, msg.ConversationID, confirmed.CreatedAt); err != nil {
		c.logger.Warn("touch conversation failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
	c.logger.Debug("message sent", zap.String("local_id", msg.LocalID), zap.String("id", confirmed.ID))
	return result, nil
}

// MarkRead marks a message read on the backend, then locally. A failed call
// leaves the local status untouched.
func (c *Coordinator) MarkRead(ctx context.Context, messageID string) error {
	ctx, span := tracer.Start(ctx, "messaging.MarkRead", trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	var epoch uint64
	if err := c.loop.Do(ctx, func() { epoch = c.epoch }); err != nil {
		return err
	}
	if _, err := c.be.UpdateMessage(ctx, messageID, backend.Patch{Status: backend.StringPtr(string(model.StatusRead))}); err != nil {
		span.RecordError(err)
		return fault.New(fault.ReadMark, "mark message "+messageID, err)
	}
	return c.loop.Do(context.WithoutCancel(ctx), func() {
		if epoch != c.epoch {
			return
		}
		if cc, i := c.findID(messageID); cc != nil {
			m := &cc.msgs[i]
			if model.CanAdvance(m.Status, model.StatusRead) {
				c.setStatus(m, model.StatusRead)
			}
		}
	})
}

// Open loads recent history for a conversation into its cache. Entries
// already cached, including optimistic ones, are kept.
func (c *Coordinator) Open(ctx context.Context, conversationID string) error {
	var epoch uint64
	if err := c.loop.Do(ctx, func() {
		epoch = c.epoch
		c.cacheFor(conversationID)
	}); err != nil {
		return err
	}
	recs, err := c.be.ListMessages(ctx, conversationID, c.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", conversationID, err)
	}
	history := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		m, err := model.DecodeMessage(rec)
		if err != nil {
			metrics.IncDecodeFailure(backend.TableMessages)
			c.logger.Warn("dropping undecodable history row", zap.Error(fault.New(fault.Decode, "history", err)))
			continue
		}
		history = append(history, m)
	}
	return c.loop.Do(ctx, func() {
		if epoch != c.epoch {
			return
		}
		cc := c.cacheFor(conversationID)
		for _, m := range history {
			c.applyInsert(cc, m)
		}
	})
}

// Close drops a conversation's cache.
func (c *Coordinator) Close(ctx context.Context, conversationID string) error {
	return c.loop.Do(ctx, func() { delete(c.convs, conversationID) })
}

// Messages returns a snapshot of a conversation, oldest first. A conversation
// that is not open yields nil.
func (c *Coordinator) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	return loop.Query(ctx, c.loop, func() []model.Message {
		cc := c.convs[conversationID]
		if cc == nil {
			return nil
		}
		return append([]model.Message(nil), cc.msgs...)
	})
}

// Message looks a cached message up by server id or local id.
func (c *Coordinator) Message(ctx context.Context, key string) (model.Message, error) {
	var (
		msg   model.Message
		found bool
	)
	err := c.loop.Do(ctx, func() {
		cc, i := c.findID(key)
		if cc == nil {
			cc, i = c.findLocal(key)
		}
		if cc != nil {
			msg, found = cc.msgs[i], true
		}
	})
	if err != nil {
		return model.Message{}, err
	}
	if !found {
		return model.Message{}, fmt.Errorf("message %s: %w", key, ErrUnknownMessage)
	}
	return msg, nil
}

// LastMessageAt returns the time of the newest confirmed send or cached
// message in the conversation.
func (c *Coordinator) LastMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	return loop.Query(ctx, c.loop, func() time.Time {
		if cc := c.convs[conversationID]; cc != nil {
			return cc.lastMessageAt
		}
		return time.Time{}
	})
}

// WatchStatus streams StatusChange values for a message, keyed by local id
// or server id.
func (c *Coordinator) WatchStatus(key string) (<-chan bus.Event, func()) {
	return c.updates.Subscribe("status."+key, 16)
}

// WatchConversation streams every changed entry of a conversation.
func (c *Coordinator) WatchConversation(conversationID string) (<-chan bus.Event, func()) {
	return c.updates.Subscribe("conversation."+conversationID, 64)
}

// Apply reconciles a feed event on the loop.
func (c *Coordinator) Apply(ctx context.Context, evt realtime.Event) error {
	return c.loop.Do(ctx, func() { c.apply(evt) })
}

// Reset drops every cache and invalidates in-flight calls. It must run on
// the loop.
func (c *Coordinator) Reset() {
	c.epoch++
	clear(c.convs)
}

func (c *Coordinator) apply(evt realtime.Event) {
	switch e := evt.(type) {
	case realtime.Inserted:
		m, ok := e.Record.(model.Message)
		if !ok {
			return
		}
		cc := c.convs[m.ConversationID]
		if cc == nil {
			return
		}
		c.applyInsert(cc, m)
	case realtime.Updated:
		m, ok := e.Record.(model.Message)
		if !ok {
			return
		}
		cc, i := c.findID(m.ID)
		if cc == nil {
			return
		}
		c.merge(&cc.msgs[i], m)
	}
}

func (c *Coordinator) applyInsert(cc *cache, m model.Message) {
	if m.LocalID != "" {
		if i := cc.indexLocal(m.LocalID); i >= 0 {
			c.reconcile(cc, m)
			return
		}
	}
	if i := cc.indexID(m.ID); i >= 0 {
		c.merge(&cc.msgs[i], m)
		return
	}
	if m.SenderID == c.self && m.LocalID == "" && cc.pendingEcho(m) {
		c.logger.Debug("ignoring echo of pending send", zap.String("id", m.ID))
		return
	}
	m.IsOptimistic = false
	cc.insert(m)
	cc.touch(m.CreatedAt)
	c.changed(m)
}

// reconcile folds a server record into the entry holding its local id.
// The first confirmation replaces the optimistic entry wholesale; later
// ones merge.
func (c *Coordinator) reconcile(cc *cache, m model.Message) model.Message {
	i := cc.indexLocal(m.LocalID)
	if i < 0 {
		return m
	}
	cur := &cc.msgs[i]
	if !cur.IsOptimistic {
		c.merge(cur, m)
		return *cur
	}
	from := cur.Status
	m.IsOptimistic = false
	if !model.CanAdvance(from, m.Status) {
		m.Status = from
	}
	*cur = m
	c.statusChanged(*cur, from)
	c.changed(*cur)
	return *cur
}

// merge applies an update to a cached entry. Status only moves forward;
// other fields follow the newer UpdatedAt.
func (c *Coordinator) merge(cur *model.Message, m model.Message) {
	before := *cur
	if cur.ID == "" {
		cur.ID = m.ID
	}
	if cur.LocalID == "" {
		cur.LocalID = m.LocalID
	}
	cur.IsOptimistic = false
	if !m.UpdatedAt.Before(cur.UpdatedAt) {
		cur.Content = m.Content
		cur.Type = m.Type
		cur.ReceiverID = m.ReceiverID
		cur.UpdatedAt = m.UpdatedAt
	}
	if model.CanAdvance(cur.Status, m.Status) {
		cur.Status = m.Status
	}
	if cur.Status != before.Status {
		c.statusChanged(*cur, before.Status)
	}
	if *cur != before {
		c.changed(*cur)
	}
}

func (c *Coordinator) setStatus(m *model.Message, to model.Status) {
	from := m.Status
	m.Status = to
	m.UpdatedAt = c.opts.Now().UTC()
	c.statusChanged(*m, from)
	c.changed(*m)
}

func (c *Coordinator) statusChanged(m model.Message, from model.Status) {
	if m.Status == from {
		return
	}
	change := StatusChange{ConversationID: m.ConversationID, ID: m.ID, LocalID: m.LocalID, From: from, To: m.Status}
	if m.LocalID != "" {
		c.updates.Publish(bus.Event{Topic: "status." + m.LocalID, Kind: KindStatus, Payload: change})
	}
	if m.ID != "" {
		c.updates.Publish(bus.Event{Topic: "status." + m.ID, Kind: KindStatus, Payload: change})
	}
}

func (c *Coordinator) changed(m model.Message) {
	c.updates.Publish(bus.Event{Topic: "conversation." + m.ConversationID, Kind: KindChanged, Payload: m})
}

func (c *Coordinator) cacheFor(conversationID string) *cache {
	cc := c.convs[conversationID]
	if cc == nil {
		cc = &cache{}
		c.convs[conversationID] = cc
	}
	return cc
}

func (c *Coordinator) findID(id string) (*cache, int) {
	if id == "" {
		return nil, -1
	}
	for _, cc := range c.convs {
		if i := cc.indexID(id); i >= 0 {
			return cc, i
		}
	}
	return nil, -1
}

func (c *Coordinator) findLocal(localID string) (*cache, int) {
	if localID == "" {
		return nil, -1
	}
	for _, cc := range c.convs {
		if i := cc.indexLocal(localID); i >= 0 {
			return cc, i
		}
	}
	return nil, -1
}
