// Package realtime owns the backend channels of a session. It opens one
// channel per topic, decodes raw rows into typed events and fans them out to
// independent listeners. It holds no business logic.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/fault"
	"github.com/matheus3301/pulse/internal/metrics"
	"github.com/matheus3301/pulse/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrRetired is returned by Subscribe when the topic was unsubscribed or
// re-subscribed while its channel was still opening.
var ErrRetired = errors.New("topic retired while opening")

// ErrNotSubscribed is returned for presence calls on a topic with no open channel.
var ErrNotSubscribed = errors.New("topic not subscribed")

// DefaultSubscribeTimeout bounds a channel handshake when none is configured.
const DefaultSubscribeTimeout = 5 * time.Second

const closeTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/matheus3301/pulse/internal/realtime")

// Source is the part of the backend the multiplexer drives.
type Source interface {
	backend.Feed
	Track(ctx context.Context, id backend.ChannelID, payload backend.Record) error
	Untrack(ctx context.Context, id backend.ChannelID) error
}

// Multiplexer manages one backend channel per topic.
type Multiplexer struct {
	src     Source
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	topics map[string]*topic
	gen    uint64
}

type topic struct {
	gen    uint64
	handle backend.ChannelID // empty while the channel is opening
	cancel context.CancelFunc
	done   chan struct{}
}

type sources struct {
	table    string
	inserts  <-chan backend.Record
	updates  <-chan backend.Record
	presence <-chan backend.PresenceDiff
}

// New creates a multiplexer. A zero timeout uses DefaultSubscribeTimeout.
func New(src Source, logger *zap.Logger, timeout time.Duration) *Multiplexer {
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		src:     src,
		bus:     bus.New(),
		logger:  logger.Named("realtime"),
		timeout: timeout,
		topics:  make(map[string]*topic),
	}
}

// Listen registers an independent consumer queue for events whose topic
// matches pattern (see bus.Matches). The returned function stops delivery.
func (m *Multiplexer) Listen(pattern string, bufSize int) (<-chan bus.Event, func()) {
	return m.bus.Subscribe(pattern, bufSize)
}

// Subscribe opens a channel for topic and starts delivering the requested
// kinds of change. With no kinds, row topics get inserts and updates and
// presence topics get presence. An already open topic is retired first.
func (m *Multiplexer) Subscribe(ctx context.Context, name string, kinds ...Kind) error {
	ctx, span := tracer.Start(ctx, "realtime.Subscribe", trace.WithAttributes(attribute.String("topic", name)))
	defer span.End()

	if len(kinds) == 0 {
		kinds = defaultKinds(name)
	}
	table := TableFor(name)
	for _, k := range kinds {
		if (k == KindInsert || k == KindUpdate) && table == "" {
			return fault.New(fault.ChannelSubscribe, "subscribe "+name, fmt.Errorf("topic carries no rows for %s", k))
		}
	}

	m.mu.Lock()
	old := m.topics[name]
	m.gen++
	gen := m.gen
	m.topics[name] = &topic{gen: gen}
	m.mu.Unlock()

	if old != nil {
		m.retire(name, old)
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, m.timeout)
	handle, err := m.src.OpenChannel(openCtx, name)
	cancelOpen()
	if err != nil {
		m.forget(name, gen)
		span.RecordError(err)
		m.logger.Warn("channel subscribe failed", zap.String("topic", name), zap.Error(err))
		return fault.New(fault.ChannelSubscribe, "open "+name, err)
	}

	consumeCtx, stop := context.WithCancel(context.Background())
	src, err := m.attach(consumeCtx, handle, table, kinds)
	if err != nil {
		stop()
		m.closeHandle(name, handle)
		m.forget(name, gen)
		span.RecordError(err)
		return fault.New(fault.ChannelSubscribe, "attach "+name, err)
	}

	m.mu.Lock()
	cur := m.topics[name]
	if cur == nil || cur.gen != gen {
		m.mu.Unlock()
		stop()
		m.closeHandle(name, handle)
		m.logger.Debug("discarding channel opened for retired topic", zap.String("topic", name))
		return ErrRetired
	}
	cur.handle = handle
	cur.cancel = stop
	cur.done = make(chan struct{})
	done := cur.done
	open := m.openCountLocked()
	m.mu.Unlock()

	metrics.SetOpenTopics(open)
	go m.consume(consumeCtx, name, gen, src, done)
	m.logger.Info("topic subscribed", zap.String("topic", name), zap.String("channel", string(handle)))
	return nil
}

// Unsubscribe cancels the topic's consumer and closes its channel. Unknown
// topics are ignored.
func (m *Multiplexer) Unsubscribe(_ context.Context, name string) error {
	m.mu.Lock()
	t := m.topics[name]
	delete(m.topics, name)
	open := m.openCountLocked()
	m.mu.Unlock()

	if t == nil {
		return nil
	}
	m.retire(name, t)
	metrics.SetOpenTopics(open)
	m.logger.Info("topic unsubscribed", zap.String("topic", name))
	return nil
}

// Close retires every topic. It returns once all consumers have exited.
func (m *Multiplexer) Close(_ context.Context) error {
	m.mu.Lock()
	all := m.topics
	m.topics = make(map[string]*topic)
	m.mu.Unlock()

	for name, t := range all {
		m.retire(name, t)
	}
	metrics.SetOpenTopics(0)
	return nil
}

// Topics returns the subscribed topic names in sorted order.
func (m *Multiplexer) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Track announces payload on the presence channel of topic.
func (m *Multiplexer) Track(ctx context.Context, name string, payload backend.Record) error {
	handle, ok := m.handle(name)
	if !ok {
		return fmt.Errorf("track %s: %w", name, ErrNotSubscribed)
	}
	return m.src.Track(ctx, handle, payload)
}

// Untrack withdraws this session's presence from topic.
func (m *Multiplexer) Untrack(ctx context.Context, name string) error {
	handle, ok := m.handle(name)
	if !ok {
		return fmt.Errorf("untrack %s: %w", name, ErrNotSubscribed)
	}
	return m.src.Untrack(ctx, handle)
}

func (m *Multiplexer) handle(name string) (backend.ChannelID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[name]
	if t == nil || t.handle == "" {
		return "", false
	}
	return t.handle, true
}

func (m *Multiplexer) attach(ctx context.Context, handle backend.ChannelID, table string, kinds []Kind) (sources, error) {
	src := sources{table: table}
	var err error
	for _, k := range kinds {
		switch k {
		case KindInsert:
			src.inserts, err = m.src.Events(ctx, handle, table, backend.Insert)
		case KindUpdate:
			src.updates, err = m.src.Events(ctx, handle, table, backend.Update)
		case KindPresence:
			src.presence, err = m.src.PresenceChanges(ctx, handle)
		default:
			err = fmt.Errorf("unknown event kind %q", k)
		}
		if err != nil {
			return sources{}, err
		}
	}
	return src, nil
}

// retire stops a topic's consumer and closes its channel. A topic still
// opening has no handle yet; its Subscribe call cleans up after itself.
func (m *Multiplexer) retire(name string, t *topic) {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	if t.handle != "" {
		m.closeHandle(name, t.handle)
	}
}

func (m *Multiplexer) closeHandle(name string, handle backend.ChannelID) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := m.src.CloseChannel(ctx, handle); err != nil {
		m.logger.Warn("close channel failed", zap.String("topic", name), zap.String("channel", string(handle)), zap.Error(err))
	}
}

func (m *Multiplexer) forget(name string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.topics[name]; t != nil && t.gen == gen {
		delete(m.topics, name)
	}
}

func (m *Multiplexer) current(name string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[name]
	return t != nil && t.gen == gen
}

func (m *Multiplexer) openCountLocked() int {
	n := 0
	for _, t := range m.topics {
		if t.handle != "" {
			n++
		}
	}
	return n
}

// consume is the topic's long-lived task. It yields one event at a time, in
// the order each backend stream delivers them.
func (m *Multiplexer) consume(ctx context.Context, name string, gen uint64, src sources, done chan struct{}) {
	defer close(done)
	inserts, updates, presence := src.inserts, src.updates, src.presence
	for {
		if inserts == nil && updates == nil && presence == nil {
			m.logger.Warn("backend closed every stream of topic", zap.String("topic", name))
			return
		}
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-inserts:
			if !ok {
				inserts = nil
				continue
			}
			m.dispatchRow(name, gen, src.table, KindInsert, rec)
		case rec, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.dispatchRow(name, gen, src.table, KindUpdate, rec)
		case diff, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			m.dispatchPresence(name, gen, diff)
		}
	}
}

func (m *Multiplexer) dispatchRow(name string, gen uint64, table string, kind Kind, raw backend.Record) {
	rec, err := decodeRow(table, raw)
	if err != nil {
		metrics.IncDecodeFailure(table)
		m.logger.Warn("dropping undecodable event",
			zap.String("topic", name), zap.String("table", table), zap.Error(fault.New(fault.Decode, string(kind), err)))
		return
	}
	var evt Event
	if kind == KindInsert {
		evt = Inserted{Source: name, Record: rec}
	} else {
		evt = Updated{Source: name, Record: rec}
	}
	m.publish(name, gen, evt)
}

func (m *Multiplexer) dispatchPresence(name string, gen uint64, diff backend.PresenceDiff) {
	joins := m.userIDs(name, diff.Joins)
	leaves := m.userIDs(name, diff.Leaves)
	if len(joins) > 0 {
		m.publish(name, gen, PresenceJoined{Source: name, UserIDs: joins})
	}
	if len(leaves) > 0 {
		m.publish(name, gen, PresenceLeft{Source: name, UserIDs: leaves})
	}
}

func (m *Multiplexer) userIDs(name string, payloads []backend.Record) []string {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, _ := p["user_id"].(string)
		if id == "" {
			metrics.IncDecodeFailure("presence")
			m.logger.Warn("dropping presence payload without user_id",
				zap.String("topic", name), zap.Error(fault.New(fault.Decode, "presence", model.ErrMissingField)))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (m *Multiplexer) publish(name string, gen uint64, evt Event) {
	if !m.current(name, gen) {
		return
	}
	metrics.IncFeedEvent(kindOf(evt))
	m.bus.Publish(bus.Event{Topic: name, Kind: kindOf(evt), Payload: evt})
}

func decodeRow(table string, raw backend.Record) (model.Record, error) {
	switch table {
	case backend.TableMessages:
		return model.DecodeMessage(raw)
	case backend.TableNotifications:
		return model.DecodeNotification(raw)
	default:
		return nil, fmt.Errorf("no decoder for table %q", table)
	}
}
