// Package client implements backend.Backend against a pulsed daemon over
// its Unix domain socket.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/api"
	"github.com/matheus3301/pulse/internal/backend"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const streamBuffer = 64

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

var _ backend.Backend = (*Client)(nil)

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, args api.Args) (backend.Record, error) {
	req, err := args.Struct()
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.Method(method), req, resp); err != nil {
		return nil, err
	}
	return api.FromStruct(resp), nil
}

func (c *Client) OpenChannel(ctx context.Context, topic string) (backend.ChannelID, error) {
	resp, err := c.call(ctx, "OpenChannel", api.Args{"topic": topic})
	if err != nil {
		return "", err
	}
	id, _ := resp["channel"].(string)
	return backend.ChannelID(id), nil
}

func (c *Client) CloseChannel(ctx context.Context, id backend.ChannelID) error {
	_, err := c.call(ctx, "CloseChannel", api.Args{"channel": string(id)})
	return err
}

func (c *Client) Track(ctx context.Context, id backend.ChannelID, payload backend.Record) error {
	_, err := c.call(ctx, "Track", api.Args{"channel": string(id), "payload": map[string]any(payload)})
	return err
}

func (c *Client) Untrack(ctx context.Context, id backend.ChannelID) error {
	_, err := c.call(ctx, "Untrack", api.Args{"channel": string(id)})
	return err
}

func (c *Client) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	_, err := c.call(ctx, "Heartbeat", api.Args{"user_id": userID, "at": at.UnixMilli()})
	return err
}

func (c *Client) CreateMessage(ctx context.Context, m backend.NewMessage) (backend.Record, error) {
	return c.call(ctx, "CreateMessage", api.Args{
		"local_id":        m.LocalID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"receiver_id":     m.ReceiverID,
		"content":         m.Content,
		"type":            m.Type,
	})
}

func (c *Client) UpdateMessage(ctx context.Context, id string, p backend.Patch) (backend.Record, error) {
	args := api.Args{"id": id}
	if p.Status != nil {
		args["status"] = *p.Status
	}
	if p.Content != nil {
		args["content"] = *p.Content
	}
	return c.call(ctx, "UpdateMessage", args)
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]backend.Record, error) {
	resp, err := c.call(ctx, "ListMessages", api.Args{"conversation_id": conversationID, "limit": limit})
	if err != nil {
		return nil, err
	}
	return api.Records(resp, "records")
}

func (c *Client) CreateNotification(ctx context.Context, n backend.NewNotification) (backend.Record, error) {
	return c.call(ctx, "CreateNotification", api.Args{
		"user_id":         n.UserID,
		"actor_id":        n.ActorID,
		"kind":            n.Kind,
		"content":         n.Content,
		"conversation_id": n.ConversationID,
		"message_id":      n.MessageID,
	})
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.call(ctx, "MarkNotificationRead", api.Args{"id": id})
	return err
}

func (c *Client) QueryCount(ctx context.Context, table string, f backend.Filter) (int, error) {
	resp, err := c.call(ctx, "QueryCount", api.Args{"table": table, "filter": api.Filter(f)})
	if err != nil {
		return 0, err
	}
	n, _ := resp["count"].(float64)
	return int(n), nil
}

func (c *Client) UnreadIDs(ctx context.Context, table string, userID string) ([]string, error) {
	resp, err := c.call(ctx, "UnreadIDs", api.Args{"table": table, "user_id": userID})
	if err != nil {
		return nil, err
	}
	return api.Strings(resp, "ids"), nil
}

func (c *Client) EnsureConversation(ctx context.Context, userA, userB string) (backend.Record, error) {
	return c.call(ctx, "EnsureConversation", api.Args{"user_a": userA, "user_b": userB})
}

func (c *Client) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := c.call(ctx, "TouchConversation", api.Args{"id": id, "at": at.UnixMilli()})
	return err
}
