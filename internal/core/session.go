// Package core assembles the sync components of one logged-in user into a
// session with a login/logout lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/loop"
	"github.com/matheus3301/pulse/internal/messaging"
	"github.com/matheus3301/pulse/internal/notify"
	"github.com/matheus3301/pulse/internal/presence"
	"github.com/matheus3301/pulse/internal/realtime"
	"github.com/matheus3301/pulse/internal/status"
	"github.com/matheus3301/pulse/internal/unread"
	"go.uber.org/zap"
)

// Options configures a Session. UserID and Backend are required.
type Options struct {
	UserID  string
	Backend backend.Backend
	Logger  *zap.Logger
	// Surface receives rendered notifications. Defaults to a LogSurface.
	Surface notify.Surface

	HeartbeatInterval time.Duration
	SubscribeTimeout  time.Duration
	SendTimeout       time.Duration
	HistoryLimit      int
	Now               func() time.Time
}

// Session owns every component of one user. Nothing is shared between
// sessions.
type Session struct {
	self   string
	be     backend.Backend
	logger *zap.Logger
	now    func() time.Time

	loop    *loop.Loop
	updates *bus.Bus
	state   *status.Machine

	mux     *realtime.Multiplexer
	coord   *messaging.Coordinator
	ledger  *unread.Ledger
	tracker *presence.Tracker
	gate    *notify.Gate

	mu        sync.Mutex
	cancel    context.CancelFunc
	consumers sync.WaitGroup
	unsubs    []func()
	open      map[string]struct{}
	active    string
}

// New builds a session. It does not touch the backend until Start.
func New(opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, errors.New("session needs a user id")
	}
	if opts.Backend == nil {
		return nil, errors.New("session needs a backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user", opts.UserID))
	if opts.Surface == nil {
		opts.Surface = notify.NewLogSurface(logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := loop.New()
	updates := bus.New()
	mux := realtime.New(opts.Backend, logger, opts.SubscribeTimeout)
	coord := messaging.New(opts.UserID, opts.Backend, l, updates, logger, messaging.Options{
		SendTimeout:  opts.SendTimeout,
		HistoryLimit: opts.HistoryLimit,
		Now:          opts.Now,
	})

	return &Session{
		self:    opts.UserID,
		be:      opts.Backend,
		logger:  logger.Named("core"),
		now:     opts.Now,
		loop:    l,
		updates: updates,
		state:   status.NewMachine(updates),
		mux:     mux,
		coord:   coord,
		ledger:  unread.New(opts.UserID, opts.Backend, l, updates, logger),
		tracker: presence.New(mux, opts.Backend, l, updates, logger, presence.Options{
			Interval: opts.HeartbeatInterval,
			Now:      opts.Now,
		}),
		gate: notify.New(opts.UserID, opts.Backend, opts.Surface, coord, l, logger),
		open: make(map[string]struct{}),
	}, nil
}

// route feeds the events of one topic family to one component. Every route
// has its own mailbox so a slow component never holds up another.
type route struct {
	pattern string
	name    string
	apply   func(context.Context, realtime.Event) error
}

func (s *Session) routes() []route {
	return []route{
		{realtime.ConversationPrefix, "messaging", s.coord.Apply},
		{realtime.InboxPrefix, "unread", s.ledger.Apply},
		{realtime.NotificationsPrefix, "unread", s.ledger.Apply},
		{realtime.InboxPrefix, "notify", s.gate.Apply},
		{realtime.NotificationsPrefix, "notify", s.gate.Apply},
		{realtime.PresencePrefix, "presence", s.tracker.Apply},
	}
}

// Start logs the user in: it subscribes the user's own topics, loads the
// unread counters, joins presence and starts dispatching events. A failed
// subscription leaves the session FAILED; Stop still cleans up.
func (s *Session) Start(ctx context.Context) error {
	if err := s.state.Transition(status.Starting); err != nil {
		return err
	}
	s.loop.Start(context.Background())

	// Mailboxes exist before any topic opens, so nothing published during
	// start is lost.
	routes := s.routes()
	feeds := make([]<-chan bus.Event, len(routes))
	s.mu.Lock()
	for i, r := range routes {
		ch, unsub := s.mux.Listen(r.pattern, 256)
		feeds[i] = ch
		s.unsubs = append(s.unsubs, unsub)
	}
	s.mu.Unlock()

	if err := s.startup(ctx); err != nil {
		_ = s.state.Fail(err)
		s.logger.Error("session start failed", zap.Error(err))
		return err
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	for i, r := range routes {
		s.consumers.Add(1)
		go s.consume(consumeCtx, r, feeds[i])
	}

	if err := s.state.Transition(status.Active); err != nil {
		return err
	}
	s.logger.Info("session started")
	return nil
}

func (s *Session) startup(ctx context.Context) error {
	for _, topic := range []string{realtime.InboxTopic(s.self), realtime.NotificationsTopic(s.self)} {
		if err := s.mux.Subscribe(ctx, topic); err != nil {
			return err
		}
	}
	if err := s.ledger.Load(ctx); err != nil {
		return fmt.Errorf("load unread counters: %w", err)
	}
	return s.tracker.Connect(ctx, s.self)
}

func (s *Session) consume(ctx context.Context, r route, feed <-chan bus.Event) {
	defer s.consumers.Done()
	for {
		select {
		case evt, ok := <-feed:
			if !ok {
				return
			}
			e, ok := evt.Payload.(realtime.Event)
			if !ok {
				continue
			}
			if err := r.apply(ctx, e); err != nil {
				if errors.Is(err, loop.ErrStopped) || ctx.Err() != nil {
					return
				}
				s.logger.Warn("event handler failed",
					zap.String("component", r.name), zap.String("topic", evt.Topic), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop logs the user out. Consumers stop first, then presence and every
// topic close, and only then is state cleared, so no handler can write into
// a cache after it is reset.
func (s *Session) Stop(ctx context.Context) error {
	if s.state.Current() == status.Idle {
		s.loop.Stop()
		return s.state.Transition(status.Stopped)
	}
	if err := s.state.Transition(status.Stopping); err != nil {
		return err
	}

	s.mu.Lock()
	cancel := s.cancel
	unsubs := s.unsubs
	s.cancel, s.unsubs = nil, nil
	clear(s.open)
	s.active = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	s.consumers.Wait()

	if err := s.tracker.Disconnect(ctx); err != nil {
		s.logger.Warn("presence disconnect failed", zap.Error(err))
	}
	if err := s.mux.Close(ctx); err != nil {
		s.logger.Warn("closing topics failed", zap.Error(err))
	}
	if err := s.loop.Do(ctx, func() {
		s.coord.Reset()
		s.ledger.Reset()
		s.tracker.Reset()
		s.gate.Reset()
	}); err != nil {
		s.logger.Warn("state reset failed", zap.Error(err))
	}
	s.loop.Stop()

	if err := s.state.Transition(status.Stopped); err != nil {
		return err
	}
	s.logger.Info("session stopped")
	return nil
}

// State returns the lifecycle state.
func (s *Session) State() status.State {
	return s.state.Current()
}

// WatchState streams status.StatusChange events.
func (s *Session) WatchState() (<-chan bus.Event, func()) {
	return s.updates.Subscribe(status.Topic, 8)
}

// UserID is the logged-in user.
func (s *Session) UserID() string {
	return s.self
}
