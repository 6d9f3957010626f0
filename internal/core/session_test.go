package core

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/fault"
	"github.com/matheus3301/pulse/internal/hub"
	"github.com/matheus3301/pulse/internal/lastseen"
	"github.com/matheus3301/pulse/internal/loop"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/notify"
	"github.com/matheus3301/pulse/internal/status"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/matheus3301/pulse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newHub(t *testing.T) *hub.Hub {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h, err := hub.New(db, lastseen.NewSQLite(db), zap.NewNop(), 1)
	require.NoError(t, err)
	return h
}

type user struct {
	*Session
	surface *notify.MemorySurface
}

func login(t *testing.T, be backend.Backend, id string) *user {
	t.Helper()
	surface := notify.NewMemorySurface()
	s, err := New(Options{UserID: id, Backend: be, Surface: surface, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.SetPermission(context.Background(), true))
	t.Cleanup(func() {
		if s.State() != status.Stopped {
			_ = s.Stop(context.Background())
		}
	})
	return &user{Session: s, surface: surface}
}

func conversation(t *testing.T, u *user, other string) string {
	t.Helper()
	c, err := u.EnsureConversation(context.Background(), other)
	require.NoError(t, err)
	return c.ID
}

func pendingKeys(t *testing.T, s *notify.MemorySurface) []string {
	t.Helper()
	pending, err := s.Pending(context.Background())
	require.NoError(t, err)
	keys := make([]string, len(pending))
	for i, p := range pending {
		keys[i] = p.Key
	}
	return keys
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Backend: testutil.NewBackend()})
	assert.Error(t, err)
	_, err = New(Options{UserID: "alice"})
	assert.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	s, err := New(Options{UserID: "alice", Backend: h})
	require.NoError(t, err)
	assert.Equal(t, status.Idle, s.State())

	states, unsub := s.WatchState()
	defer unsub()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, status.Active, s.State())
	assert.ElementsMatch(t, []string{"messages:alice", "notifications:alice", "presence:users"}, s.Topics())

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, status.Stopped, s.State())
	assert.Empty(t, s.Topics())

	var seen []status.State
	for len(seen) < 4 {
		select {
		case evt := <-states:
			seen = append(seen, evt.Payload.(status.StatusChange).To)
		case <-time.After(waitFor):
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []status.State{status.Starting, status.Active, status.Stopping, status.Stopped}, seen)

	_, err = s.Unread(ctx)
	assert.ErrorIs(t, err, loop.ErrStopped)
	assert.Error(t, s.Start(ctx))
}

func TestStopBeforeStart(t *testing.T) {
	s, err := New(Options{UserID: "alice", Backend: testutil.NewBackend()})
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, status.Stopped, s.State())
}

func TestStartFailsOnSubscribe(t *testing.T) {
	be := testutil.NewBackend()
	be.OpenHook = func(context.Context, string) error { return errors.New("unauthorized") }
	s, err := New(Options{UserID: "alice", Backend: be})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ChannelSubscribe))
	assert.Equal(t, status.Failed, s.State())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, status.Stopped, s.State())
}

// Alice sends "hi" to Bob while Bob looks at the conversation: Bob gets the
// message as sent and no notification is rendered.
func TestMessageToActiveConversationIsNotNotified(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := login(t, h, "alice")
	bob := login(t, h, "bob")
	carol := login(t, h, "carol")

	c1 := conversation(t, bob, "alice")
	require.NoError(t, bob.OpenConversation(ctx, c1))

	sent, err := alice.Send(ctx, c1, "bob", "hi", model.TypeText)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, sent.Status)
	assert.False(t, sent.IsOptimistic)

	require.Eventually(t, func() bool {
		msgs, err := bob.Messages(ctx, c1)
		return err == nil && len(msgs) == 1 && msgs[0].ID == sent.ID && msgs[0].Status == model.StatusSent
	}, waitFor, tick)

	// A message from another conversation on the same inbox topic is
	// processed after the first one, so once it is rendered the first has
	// been decided.
	c2 := conversation(t, carol, "bob")
	other, err := carol.Send(ctx, c2, "bob", "hey", model.TypeText)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return slices.Equal(pendingKeys(t, bob.surface), []string{"message_" + other.ID})
	}, waitFor, tick)

	_, ok, err := bob.Dispatched(ctx, "message_"+sent.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenConversationClearsNotifications(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := login(t, h, "alice")
	bob := login(t, h, "bob")

	c1 := conversation(t, alice, "bob")
	msg, err := alice.Send(ctx, c1, "bob", "ping", model.TypeText)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(pendingKeys(t, bob.surface)) == 1
	}, waitFor, tick)

	require.NoError(t, bob.OpenConversation(ctx, c1))
	assert.Empty(t, pendingKeys(t, bob.surface))

	msgs, err := bob.Messages(ctx, c1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestUnreadInvariant(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := login(t, h, "alice")
	bob := login(t, h, "bob")

	c1 := conversation(t, bob, "alice")
	require.NoError(t, bob.OpenConversation(ctx, c1))
	require.NoError(t, bob.SetActiveConversation(ctx, ""))

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		m, err := alice.Send(ctx, c1, "bob", text, model.TypeText)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	require.Eventually(t, func() bool {
		msgs, _ := bob.Messages(ctx, c1)
		return len(msgs) == 3
	}, waitFor, tick)

	require.NoError(t, bob.MarkRead(ctx, ids[1]))

	cachedUnread := func() int {
		msgs, err := bob.Messages(ctx, c1)
		require.NoError(t, err)
		n := 0
		for _, m := range msgs {
			if m.ReceiverID == "bob" && m.Status != model.StatusRead {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool {
		c, err := bob.Unread(ctx)
		return err == nil && c.Messages == 2 && cachedUnread() == 2
	}, waitFor, tick)

	n, err := h.QueryCount(ctx, backend.TableMessages, backend.UnreadMessagesFilter("bob"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func unreadMatchesBackend(t *testing.T, h *hub.Hub, u *user, want int) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		c, err := u.Unread(ctx)
		return err == nil && c.Messages == want
	}, waitFor, tick)
	// Events still queued must not move it afterwards.
	assert.Never(t, func() bool {
		c, err := u.Unread(ctx)
		return err != nil || c.Messages != want
	}, 200*time.Millisecond, tick)
	n, err := h.QueryCount(ctx, backend.TableMessages, backend.UnreadMessagesFilter(u.UserID()))
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func TestEditOfReadMessageKeepsUnread(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	rec, err := h.EnsureConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	conv, err := model.DecodeConversation(rec)
	require.NoError(t, err)

	old, err := h.CreateMessage(ctx, backend.NewMessage{ConversationID: conv.ID, SenderID: "alice", ReceiverID: "bob", Content: "before"})
	require.NoError(t, err)
	oldID := old["id"].(string)
	_, err = h.UpdateMessage(ctx, oldID, backend.Patch{Status: backend.StringPtr(string(model.StatusRead))})
	require.NoError(t, err)

	bob := login(t, h, "bob")
	_, err = h.CreateMessage(ctx, backend.NewMessage{ConversationID: conv.ID, SenderID: "alice", ReceiverID: "bob", Content: "new"})
	require.NoError(t, err)
	unreadMatchesBackend(t, h, bob, 1)

	_, err = h.UpdateMessage(ctx, oldID, backend.Patch{Content: backend.StringPtr("edited")})
	require.NoError(t, err)
	unreadMatchesBackend(t, h, bob, 1)
}

// insertDuringLoad creates a message for bob while his session is loading
// its unread ids, after the inbox topic is already open.
type insertDuringLoad struct {
	*hub.Hub
	conv string
	once sync.Once
}

func (b *insertDuringLoad) UnreadIDs(ctx context.Context, table, userID string) ([]string, error) {
	var err error
	if table == backend.TableMessages {
		b.once.Do(func() {
			_, err = b.Hub.CreateMessage(ctx, backend.NewMessage{ConversationID: b.conv, SenderID: "alice", ReceiverID: userID, Content: "racing"})
		})
	}
	if err != nil {
		return nil, err
	}
	return b.Hub.UnreadIDs(ctx, table, userID)
}

func TestMessageDuringLoginCountedOnce(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	rec, err := h.EnsureConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	conv, err := model.DecodeConversation(rec)
	require.NoError(t, err)

	bob := login(t, &insertDuringLoad{Hub: h, conv: conv.ID}, "bob")
	unreadMatchesBackend(t, h, bob, 1)

	_, err = h.CreateMessage(ctx, backend.NewMessage{ConversationID: conv.ID, SenderID: "alice", ReceiverID: "bob", Content: "after"})
	require.NoError(t, err)
	unreadMatchesBackend(t, h, bob, 2)
}

func TestMarkAllRead(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := login(t, h, "alice")
	c1 := conversation(t, alice, "bob")
	for range 3 {
		_, err := alice.Send(ctx, c1, "bob", "x", model.TypeText)
		require.NoError(t, err)
	}
	_, err := alice.Notify(ctx, backend.NewNotification{UserID: "bob", Kind: "like", Content: "liked your photo"})
	require.NoError(t, err)

	bob := login(t, h, "bob")
	c, err := bob.Unread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Messages)
	assert.Equal(t, 1, c.Notifications)

	require.NoError(t, bob.MarkAllRead(ctx))
	c, err = bob.Unread(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Messages)
	assert.Zero(t, c.Notifications)

	n, err := h.QueryCount(ctx, backend.TableMessages, backend.UnreadMessagesFilter("bob"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotificationRowsAreCountedAndRendered(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := login(t, h, "alice")
	bob := login(t, h, "bob")

	n, err := alice.Notify(ctx, backend.NewNotification{UserID: "bob", Kind: "follow", Content: "started following you"})
	require.NoError(t, err)
	assert.Equal(t, "alice", n.ActorID)

	require.Eventually(t, func() bool {
		c, err := bob.Unread(ctx)
		return err == nil && c.Notifications == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return slices.Equal(pendingKeys(t, bob.surface), []string{"notification_" + n.ID})
	}, waitFor, tick)
}

func TestPresenceAcrossSessions(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := login(t, h, "alice")
	bob := login(t, h, "bob")

	require.Eventually(t, func() bool {
		users, err := alice.OnlineUsers(ctx)
		return err == nil && slices.Equal(users, []string{"alice", "bob"})
	}, waitFor, tick)

	online, err := bob.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	_, ok, err := bob.OnlineDuration(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		_, seen, err := h.LastSeen(ctx, "bob")
		return err == nil && seen
	}, waitFor, tick)

	require.NoError(t, bob.Stop(ctx))
	require.Eventually(t, func() bool {
		online, err := alice.IsOnline(ctx, "bob")
		return err == nil && !online
	}, waitFor, tick)
}

func TestReplyFromNotification(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	alice := login(t, h, "alice")
	bob := login(t, h, "bob")

	c1 := conversation(t, alice, "bob")
	_, err := alice.Send(ctx, c1, "bob", "lunch?", model.TypeText)
	require.NoError(t, err)

	var payload notify.Payload
	require.Eventually(t, func() bool {
		pending, err := bob.surface.Pending(ctx)
		if err != nil || len(pending) != 1 {
			return false
		}
		payload = pending[0]
		return true
	}, waitFor, tick)

	route := notify.RouteOf(payload)
	assert.Equal(t, c1, route.ConversationID)

	tapped := make(chan notify.Route, 1)
	bob.OnNotificationTap(func(r notify.Route) { tapped <- r })
	bob.TapNotification(route)
	assert.Equal(t, route, <-tapped)

	require.NoError(t, bob.HandleNotificationAction(ctx, notify.Action{Kind: notify.ActionReply, Route: route, Text: "sure"}))
	recs, err := h.ListMessages(ctx, c1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "sure", recs[1]["content"])
	assert.Equal(t, "alice", recs[1]["receiver_id"])
}

func TestCloseConversation(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	bob := login(t, h, "bob")
	c1 := conversation(t, bob, "alice")

	require.NoError(t, bob.OpenConversation(ctx, c1))
	assert.Contains(t, bob.Topics(), "conversation:"+c1)

	require.NoError(t, bob.CloseConversation(ctx, c1))
	assert.NotContains(t, bob.Topics(), "conversation:"+c1)
	msgs, err := bob.Messages(ctx, c1)
	require.NoError(t, err)
	assert.Nil(t, msgs)

	ok, err := bob.ShouldNotify(ctx, notify.Trigger{ActorID: "alice", ConversationID: c1})
	require.NoError(t, err)
	assert.True(t, ok)
}
