package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/api"
	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/core"
	"github.com/matheus3301/pulse/internal/hub"
	"github.com/matheus3301/pulse/internal/lastseen"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func serve(t *testing.T) (*hub.Hub, *Client) {
	t.Helper()
	// Short path: Unix socket paths are limited to ~104 chars on macOS.
	dir, err := os.MkdirTemp("/tmp", "pulse-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "pulse.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h, err := hub.New(db, lastseen.NewSQLite(db), zap.NewNop(), 1)
	require.NoError(t, err)

	socket := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socket)
	require.NoError(t, err)
	srv := grpc.NewServer(grpc.UnaryInterceptor(api.LoggingInterceptor(zap.NewNop())))
	api.Register(srv, h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := New(socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return h, c
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed")
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestCRUDRoundTrip(t *testing.T) {
	_, c := serve(t)
	ctx := context.Background()

	conv, err := c.EnsureConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	decoded, err := model.DecodeConversation(conv)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.ParticipantA)

	rec, err := c.CreateMessage(ctx, backend.NewMessage{
		LocalID: "l1", ConversationID: decoded.ID, SenderID: "alice", ReceiverID: "bob", Content: "hi", Type: "text",
	})
	require.NoError(t, err)
	msg, err := model.DecodeMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.Equal(t, "l1", msg.LocalID)
	assert.False(t, msg.CreatedAt.IsZero())

	rec, err = c.UpdateMessage(ctx, msg.ID, backend.Patch{Status: backend.StringPtr("read")})
	require.NoError(t, err)
	assert.Equal(t, "read", rec["status"])

	recs, err := c.ListMessages(ctx, decoded.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	n, err := c.QueryCount(ctx, backend.TableMessages, backend.UnreadMessagesFilter("bob"))
	require.NoError(t, err)
	assert.Zero(t, n)

	note, err := c.CreateNotification(ctx, backend.NewNotification{UserID: "bob", ActorID: "alice", Kind: "like"})
	require.NoError(t, err)
	ids, err := c.UnreadIDs(ctx, backend.TableNotifications, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{note["id"].(string)}, ids)
	n, err = c.QueryCount(ctx, backend.TableNotifications, backend.UnreadNotificationsFilter("bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.MarkNotificationRead(ctx, note["id"].(string)))
	require.NoError(t, c.TouchConversation(ctx, decoded.ID, time.Now()))
	require.NoError(t, c.Heartbeat(ctx, "bob", time.Now()))
}

func TestErrorCodes(t *testing.T) {
	_, c := serve(t)
	ctx := context.Background()

	_, err := c.OpenChannel(ctx, "rooms:1")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	err = c.CloseChannel(ctx, "ch-404")
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	_, err = c.UpdateMessage(ctx, "missing", backend.Patch{Status: backend.StringPtr("read")})
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	_, err = c.Events(ctx, "ch-404", backend.TableMessages, backend.Insert)
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
}

func TestEventsStream(t *testing.T) {
	h, c := serve(t)
	ctx := context.Background()

	id, err := c.OpenChannel(ctx, "messages:bob")
	require.NoError(t, err)
	ins, err := c.Events(ctx, id, backend.TableMessages, backend.Insert)
	require.NoError(t, err)

	_, err = h.CreateMessage(ctx, backend.NewMessage{LocalID: "l1", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)

	rec := next(t, ins)
	assert.Equal(t, "hi", rec["content"])
	m, err := model.DecodeMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, "c1", m.ConversationID)

	require.NoError(t, c.CloseChannel(ctx, id))
	select {
	case _, ok := <-ins:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestPresenceStream(t *testing.T) {
	_, c := serve(t)
	ctx := context.Background()

	alice, err := c.OpenChannel(ctx, "presence:users")
	require.NoError(t, err)
	require.NoError(t, c.Track(ctx, alice, backend.Record{"user_id": "alice"}))

	watcher, err := c.OpenChannel(ctx, "presence:users")
	require.NoError(t, err)
	diffs, err := c.PresenceChanges(ctx, watcher)
	require.NoError(t, err)
	snap := next(t, diffs)
	require.Len(t, snap.Joins, 1)
	assert.Equal(t, "alice", snap.Joins[0]["user_id"])

	require.NoError(t, c.Untrack(ctx, alice))
	left := next(t, diffs)
	require.Len(t, left.Leaves, 1)
	assert.Equal(t, "alice", left.Leaves[0]["user_id"])
}

// Two sessions talking through the daemon.
func TestSessionsOverTheWire(t *testing.T) {
	_, c := serve(t)
	ctx := context.Background()

	start := func(id string) *core.Session {
		s, err := core.New(core.Options{UserID: id, Backend: c})
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))
		t.Cleanup(func() { _ = s.Stop(context.Background()) })
		return s
	}
	alice := start("alice")
	bob := start("bob")

	conv, err := bob.EnsureConversation(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, bob.OpenConversation(ctx, conv.ID))

	sent, err := alice.Send(ctx, conv.ID, "bob", "over the wire", model.TypeText)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, sent.Status)

	require.Eventually(t, func() bool {
		msgs, err := bob.Messages(ctx, conv.ID)
		return err == nil && len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		users, err := alice.OnlineUsers(ctx)
		return err == nil && len(users) == 2
	}, 3*time.Second, 10*time.Millisecond)
}
