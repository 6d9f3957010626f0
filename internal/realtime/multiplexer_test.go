package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/fault"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMux(t *testing.T, be *testutil.Backend) *Multiplexer {
	t.Helper()
	m := New(be, zap.NewNop(), time.Second)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func next(t *testing.T, ch <-chan bus.Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "listener closed")
		return e.Payload.(Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func quiet(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeDeliversDecodedRows(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)
	events, stop := m.Listen(ConversationPrefix, 8)
	defer stop()

	topic := ConversationTopic("c1")
	require.NoError(t, m.Subscribe(context.Background(), topic))
	assert.Equal(t, []string{topic}, m.Topics())

	now := time.Now().UTC()
	be.Emit(topic, backend.TableMessages, backend.Insert, testutil.MessageRecord("1", "c1", "a", "b", "hi", "sent", now))
	be.Emit(topic, backend.TableMessages, backend.Update, testutil.MessageRecord("1", "c1", "a", "b", "hi", "read", now))

	ins, ok := next(t, events).(Inserted)
	require.True(t, ok)
	assert.Equal(t, topic, ins.Topic())
	msg := ins.Record.(model.Message)
	assert.Equal(t, "1", msg.ID)
	assert.Equal(t, model.StatusSent, msg.Status)

	upd, ok := next(t, events).(Updated)
	require.True(t, ok)
	assert.Equal(t, model.StatusRead, upd.Record.(model.Message).Status)
}

func TestNotificationTopicDecodesNotifications(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)
	events, stop := m.Listen(NotificationsPrefix, 8)
	defer stop()

	topic := NotificationsTopic("bob")
	require.NoError(t, m.Subscribe(context.Background(), topic, KindInsert))
	be.Emit(topic, backend.TableNotifications, backend.Insert, testutil.NotificationRecord("n1", "bob", "alice", "ping", false))

	ins := next(t, events).(Inserted)
	n, ok := ins.Record.(model.Notification)
	require.True(t, ok)
	assert.Equal(t, "n1", n.ID)
}

func TestDecodeFailureIsDroppedAndSubscriptionSurvives(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)
	events, stop := m.Listen(InboxPrefix, 8)
	defer stop()

	topic := InboxTopic("bob")
	require.NoError(t, m.Subscribe(context.Background(), topic))
	be.Emit(topic, backend.TableMessages, backend.Insert, backend.Record{"content": "no ids"})
	be.Emit(topic, backend.TableMessages, backend.Insert, testutil.MessageRecord("2", "c1", "a", "bob", "ok", "sent", time.Now()))

	ins := next(t, events).(Inserted)
	assert.Equal(t, "2", ins.Record.RecordID())
}

func TestPresenceEvents(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)
	events, stop := m.Listen(PresenceTopic, 8)
	defer stop()

	require.NoError(t, m.Subscribe(context.Background(), PresenceTopic))
	be.EmitPresence(PresenceTopic, backend.PresenceDiff{
		Joins:  []backend.Record{{"user_id": "a"}, {"no_user": true}, {"user_id": "b"}},
		Leaves: []backend.Record{{"user_id": "c"}},
	})

	joined := next(t, events).(PresenceJoined)
	assert.Equal(t, []string{"a", "b"}, joined.UserIDs)
	left := next(t, events).(PresenceLeft)
	assert.Equal(t, []string{"c"}, left.UserIDs)
}

func TestSubscribeFailureIsChannelSubscribeFault(t *testing.T) {
	be := testutil.NewBackend()
	be.OpenHook = func(context.Context, string) error { return errors.New("refused") }
	m := newMux(t, be)

	err := m.Subscribe(context.Background(), InboxTopic("bob"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ChannelSubscribe))
	assert.Empty(t, m.Topics())
}

func TestSubscribeTimeout(t *testing.T) {
	be := testutil.NewBackend()
	be.OpenHook = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m := New(be, zap.NewNop(), 50*time.Millisecond)
	defer m.Close(context.Background())

	err := m.Subscribe(context.Background(), InboxTopic("bob"))
	assert.True(t, fault.Is(err, fault.ChannelSubscribe))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRowKindOnPresenceTopicRejected(t *testing.T) {
	m := newMux(t, testutil.NewBackend())
	err := m.Subscribe(context.Background(), PresenceTopic, KindInsert)
	assert.True(t, fault.Is(err, fault.ChannelSubscribe))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)
	events, stop := m.Listen(ConversationPrefix, 8)
	defer stop()

	topic := ConversationTopic("c1")
	require.NoError(t, m.Subscribe(context.Background(), topic))
	require.NoError(t, m.Unsubscribe(context.Background(), topic))

	assert.Empty(t, m.Topics())
	assert.Empty(t, be.OpenTopics())
	assert.Equal(t, []string{topic}, be.Closed())
	assert.Equal(t, 0, be.Emit(topic, backend.TableMessages, backend.Insert, testutil.MessageRecord("1", "c1", "a", "b", "x", "sent", time.Now())))
	quiet(t, events)

	// Unknown topics are ignored.
	require.NoError(t, m.Unsubscribe(context.Background(), "conversation:nope"))
}

func TestResubscribeRetiresPreviousChannel(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)
	topic := ConversationTopic("c1")

	require.NoError(t, m.Subscribe(context.Background(), topic))
	require.NoError(t, m.Subscribe(context.Background(), topic))

	assert.Equal(t, []string{topic}, be.OpenTopics(), "exactly one channel stays open")
	assert.Equal(t, []string{topic}, be.Closed())
}

// A topic unsubscribed while its channel is still opening never delivers.
func TestUnsubscribeDuringOpen(t *testing.T) {
	be := testutil.NewBackend()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	be.OpenHook = func(context.Context, string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	m := newMux(t, be)
	events, stop := m.Listen(ConversationPrefix, 8)
	defer stop()

	topic := ConversationTopic("c1")
	errc := make(chan error, 1)
	go func() { errc <- m.Subscribe(context.Background(), topic) }()

	<-entered
	require.NoError(t, m.Unsubscribe(context.Background(), topic))
	close(release)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrRetired)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}
	assert.Empty(t, m.Topics())
	assert.Empty(t, be.OpenTopics(), "late channel is closed")
	be.Emit(topic, backend.TableMessages, backend.Insert, testutil.MessageRecord("1", "c1", "a", "b", "x", "sent", time.Now()))
	quiet(t, events)
}

func TestListenersAreIndependent(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)
	slow, stopSlow := m.Listen(InboxPrefix, 0)
	defer stopSlow()
	fast, stopFast := m.Listen(InboxPrefix, 0)
	defer stopFast()

	topic := InboxTopic("bob")
	require.NoError(t, m.Subscribe(context.Background(), topic))
	for i := 0; i < 20; i++ {
		be.Emit(topic, backend.TableMessages, backend.Insert,
			testutil.MessageRecord(string(rune('a'+i)), "c1", "a", "bob", "x", "sent", time.Now()))
	}

	// Nobody reads slow; fast still gets everything in order.
	for i := 0; i < 20; i++ {
		got := next(t, fast).(Inserted)
		assert.Equal(t, string(rune('a'+i)), got.Record.RecordID())
	}
	got := next(t, slow).(Inserted)
	assert.Equal(t, "a", got.Record.RecordID())
}

func TestTrackRequiresOpenTopic(t *testing.T) {
	be := testutil.NewBackend()
	m := newMux(t, be)

	err := m.Track(context.Background(), PresenceTopic, backend.Record{"user_id": "a"})
	assert.ErrorIs(t, err, ErrNotSubscribed)

	require.NoError(t, m.Subscribe(context.Background(), PresenceTopic))
	require.NoError(t, m.Track(context.Background(), PresenceTopic, backend.Record{"user_id": "a"}))
	assert.Len(t, be.Tracked(), 1)
	require.NoError(t, m.Untrack(context.Background(), PresenceTopic))
	assert.Empty(t, be.Tracked())
}

func TestCloseRetiresEverything(t *testing.T) {
	be := testutil.NewBackend()
	m := New(be, zap.NewNop(), time.Second)
	require.NoError(t, m.Subscribe(context.Background(), InboxTopic("a")))
	require.NoError(t, m.Subscribe(context.Background(), NotificationsTopic("a")))
	require.NoError(t, m.Subscribe(context.Background(), PresenceTopic))

	require.NoError(t, m.Close(context.Background()))
	assert.Empty(t, m.Topics())
	assert.Empty(t, be.OpenTopics())
	assert.Len(t, be.Closed(), 3)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, backend.TableMessages, TableFor(ConversationTopic("c")))
	assert.Equal(t, backend.TableMessages, TableFor(InboxTopic("u")))
	assert.Equal(t, backend.TableNotifications, TableFor(NotificationsTopic("u")))
	assert.Equal(t, "", TableFor(PresenceTopic))

	id, ok := ConversationIDOf("conversation:c9")
	assert.True(t, ok)
	assert.Equal(t, "c9", id)
	_, ok = ConversationIDOf("messages:u")
	assert.False(t, ok)
}
