package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/pulse/internal/api"
	"github.com/matheus3301/pulse/internal/backend"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// open starts a server stream and waits until the daemon has attached it to
// the channel, so nothing emitted after return is missed.
func (c *Client) open(ctx context.Context, index int, args api.Args) (grpc.ClientStream, context.CancelFunc, error) {
	req, err := args.Struct()
	if err != nil {
		return nil, nil, err
	}
	desc := &api.ServiceDesc.Streams[index]
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, desc, api.Method(desc.StreamName))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, nil, err
	}
	md, err := stream.Header()
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if len(md.Get(api.AttachedHeader)) == 0 {
		// The handler failed before attaching; its status arrives on the
		// first receive.
		err := stream.RecvMsg(new(structpb.Struct))
		cancel()
		if err == nil {
			err = fmt.Errorf("%s: stream not attached", desc.StreamName)
		}
		return nil, nil, err
	}
	return stream, cancel, nil
}

// Events streams change records. The channel closes when the daemon ends
// the stream or ctx is done.
func (c *Client) Events(ctx context.Context, id backend.ChannelID, table string, kind backend.EventKind) (<-chan backend.Record, error) {
	stream, cancel, err := c.open(ctx, 0, api.Args{"channel": string(id), "table": table, "kind": string(kind)})
	if err != nil {
		return nil, err
	}
	out := make(chan backend.Record, streamBuffer)
	go func() {
		defer close(out)
		defer cancel()
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			select {
			case out <- api.FromStruct(msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) PresenceChanges(ctx context.Context, id backend.ChannelID) (<-chan backend.PresenceDiff, error) {
	stream, cancel, err := c.open(ctx, 1, api.Args{"channel": string(id)})
	if err != nil {
		return nil, err
	}
	out := make(chan backend.PresenceDiff, streamBuffer)
	go func() {
		defer close(out)
		defer cancel()
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			d, err := api.DiffOf(api.FromStruct(msg))
			if err != nil {
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
