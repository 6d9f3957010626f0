// Package presence maintains the set of online users seen in the shared
// presence room and keeps the local user's liveness fresh on the backend.
package presence

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/fault"
	"github.com/matheus3301/pulse/internal/loop"
	"github.com/matheus3301/pulse/internal/metrics"
	"github.com/matheus3301/pulse/internal/realtime"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is used when no interval is configured.
const DefaultHeartbeatInterval = 30 * time.Second

const trackTimeout = 5 * time.Second

// UpdateKind is the kind of update published when the online set changes.
const UpdateKind = "presence.changed"

// Room is the multiplexer surface the tracker needs.
type Room interface {
	Subscribe(ctx context.Context, topic string, kinds ...realtime.Kind) error
	Unsubscribe(ctx context.Context, topic string) error
	Track(ctx context.Context, topic string, payload backend.Record) error
	Untrack(ctx context.Context, topic string) error
}

// Heartbeater refreshes a user's last-seen time.
type Heartbeater interface {
	Heartbeat(ctx context.Context, userID string, at time.Time) error
}

// Change is the payload of an UpdateKind event.
type Change struct {
	UserID string
	Online bool
}

// Tracker owns the online set. The set is only touched on the loop.
type Tracker struct {
	room     Room
	hb       Heartbeater
	loop     *loop.Loop
	updates  *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	online map[string]time.Time

	mu      sync.Mutex
	userID  string
	cancel  context.CancelFunc
	workers sync.WaitGroup // heartbeat and the initial track
}

// Options configures a Tracker.
type Options struct {
	Interval time.Duration
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// New creates a tracker. updates may be nil.
func New(room Room, hb Heartbeater, l *loop.Loop, updates *bus.Bus, logger *zap.Logger, opts Options) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		room:     room,
		hb:       hb,
		loop:     l,
		updates:  updates,
		logger:   logger.Named("presence"),
		interval: opts.Interval,
		now:      opts.Now,
		online:   make(map[string]time.Time),
	}
}

// Connect joins the presence room as userID, announces the user and starts
// the heartbeat. Only the room subscription can fail; the announcement is
// fire-and-forget.
func (t *Tracker) Connect(ctx context.Context, userID string) error {
	if err := t.room.Subscribe(ctx, realtime.PresenceTopic, realtime.KindPresence); err != nil {
		return err
	}

	t.mu.Lock()
	t.stopLocked()
	t.userID = userID
	hbCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.workers.Add(2)
	t.mu.Unlock()

	payload := backend.Record{"user_id": userID, "online_at": t.now().UTC().Format(time.RFC3339Nano)}
	go func() {
		defer t.workers.Done()
		ctx, cancel := context.WithTimeout(hbCtx, trackTimeout)
		defer cancel()
		if err := t.room.Track(ctx, realtime.PresenceTopic, payload); err != nil {
			t.failed("track", err)
		}
	}()
	go t.heartbeat(hbCtx, userID)

	t.logger.Info("presence connected", zap.String("user", userID), zap.Duration("heartbeat", t.interval))
	return nil
}

// Disconnect stops the heartbeat and any pending announcement and waits
// for both, then withdraws the user from the room.
func (t *Tracker) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	userID := t.userID
	t.stopLocked()
	t.userID = ""
	t.mu.Unlock()

	if userID == "" {
		return nil
	}
	if err := t.room.Untrack(ctx, realtime.PresenceTopic); err != nil {
		t.failed("untrack", err)
	}
	t.logger.Info("presence disconnected", zap.String("user", userID))
	return t.room.Unsubscribe(ctx, realtime.PresenceTopic)
}

func (t *Tracker) stopLocked() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.workers.Wait()
	t.cancel = nil
}

func (t *Tracker) heartbeat(ctx context.Context, userID string) {
	defer t.workers.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.beat(ctx, userID)
	for {
		select {
		case <-ticker.C:
			t.beat(ctx, userID)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) beat(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()
	if err := t.hb.Heartbeat(ctx, userID, t.now().UTC()); err != nil && ctx.Err() == nil {
		t.failed("heartbeat", err)
	}
}

func (t *Tracker) failed(op string, err error) {
	metrics.IncPresenceFailure(op)
	t.logger.Warn("presence call failed", zap.Error(fault.New(fault.Presence, op, err)))
}

// Apply folds a presence event into the online set on the loop. Other
// events are ignored.
func (t *Tracker) Apply(ctx context.Context, evt realtime.Event) error {
	return t.loop.Do(ctx, func() { t.apply(evt) })
}

func (t *Tracker) apply(evt realtime.Event) {
	switch e := evt.(type) {
	case realtime.PresenceJoined:
		for _, id := range e.UserIDs {
			if _, ok := t.online[id]; ok {
				continue
			}
			t.online[id] = t.now()
			t.publish(id, true)
		}
	case realtime.PresenceLeft:
		for _, id := range e.UserIDs {
			if _, ok := t.online[id]; !ok {
				continue
			}
			delete(t.online, id)
			t.publish(id, false)
		}
	}
}

func (t *Tracker) publish(userID string, online bool) {
	if t.updates == nil {
		return
	}
	t.updates.Publish(bus.Event{Topic: "presence." + userID, Kind: UpdateKind, Payload: Change{UserID: userID, Online: online}})
}

// IsOnline reports whether userID currently has a presence entry.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	return loop.Query(ctx, t.loop, func() bool {
		_, ok := t.online[userID]
		return ok
	})
}

// OnlineDuration returns how long userID has been online as of now. The
// boolean is false when the user is offline.
func (t *Tracker) OnlineDuration(ctx context.Context, userID string, now time.Time) (time.Duration, bool, error) {
	var (
		d  time.Duration
		ok bool
	)
	err := t.loop.Do(ctx, func() {
		var since time.Time
		since, ok = t.online[userID]
		if ok {
			d = max(now.Sub(since), 0)
		}
	})
	return d, ok, err
}

// OnlineUsers returns the online user ids, sorted.
func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	return loop.Query(ctx, t.loop, func() []string {
		return slices.Sorted(maps.Keys(t.online))
	})
}

// Reset clears the online set. It must run on the loop.
func (t *Tracker) Reset() {
	clear(t.online)
}
