// Package api exposes a backend.Backend over gRPC as the pulse.v1.Feed
// service. Every request and response is a google.protobuf.Struct, so the
// service needs no generated code.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/hub"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "pulse.v1.Feed"

// AttachedHeader is sent once a stream is attached to its backend channel.
const AttachedHeader = "pulse-attached"

// Method returns the full gRPC method name.
func Method(name string) string {
	return "/" + ServiceName + "/" + name
}

type unaryFunc func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error)

var unaries = map[string]unaryFunc{
	"OpenChannel": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		id, err := be.OpenChannel(ctx, str(req, "topic"))
		return Args{"channel": string(id)}, err
	},
	"CloseChannel": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		return Args{}, be.CloseChannel(ctx, backend.ChannelID(str(req, "channel")))
	},
	"Track": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		payload, _ := req["payload"].(map[string]any)
		return Args{}, be.Track(ctx, backend.ChannelID(str(req, "channel")), backend.Record(payload))
	},
	"Untrack": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		return Args{}, be.Untrack(ctx, backend.ChannelID(str(req, "channel")))
	},
	"Heartbeat": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		return Args{}, be.Heartbeat(ctx, str(req, "user_id"), millis(req, "at"))
	},
	"CreateMessage": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		rec, err := be.CreateMessage(ctx, backend.NewMessage{
			LocalID:        str(req, "local_id"),
			ConversationID: str(req, "conversation_id"),
			SenderID:       str(req, "sender_id"),
			ReceiverID:     str(req, "receiver_id"),
			Content:        str(req, "content"),
			Type:           str(req, "type"),
		})
		return Args(rec), err
	},
	"UpdateMessage": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		rec, err := be.UpdateMessage(ctx, str(req, "id"), backend.Patch{
			Status:  strPtr(req, "status"),
			Content: strPtr(req, "content"),
		})
		return Args(rec), err
	},
	"ListMessages": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		recs, err := be.ListMessages(ctx, str(req, "conversation_id"), int(num(req, "limit")))
		return Args{"records": records(recs)}, err
	},
	"CreateNotification": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		rec, err := be.CreateNotification(ctx, backend.NewNotification{
			UserID:         str(req, "user_id"),
			ActorID:        str(req, "actor_id"),
			Kind:           str(req, "kind"),
			Content:        str(req, "content"),
			ConversationID: str(req, "conversation_id"),
			MessageID:      str(req, "message_id"),
		})
		return Args(rec), err
	},
	"MarkNotificationRead": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		return Args{}, be.MarkNotificationRead(ctx, str(req, "id"))
	},
	"QueryCount": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		n, err := be.QueryCount(ctx, str(req, "table"), filterOf(req))
		return Args{"count": n}, err
	},
	"UnreadIDs": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		ids, err := be.UnreadIDs(ctx, str(req, "table"), str(req, "user_id"))
		list := make([]any, len(ids))
		for i, id := range ids {
			list[i] = id
		}
		return Args{"ids": list}, err
	},
	"EnsureConversation": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		rec, err := be.EnsureConversation(ctx, str(req, "user_a"), str(req, "user_b"))
		return Args(rec), err
	},
	"TouchConversation": func(ctx context.Context, be backend.Backend, req backend.Record) (Args, error) {
		return Args{}, be.TouchConversation(ctx, str(req, "id"), millis(req, "at"))
	},
}

func unaryHandler(name string, fn unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			out, err := fn(ctx, srv.(backend.Backend), FromStruct(req.(*structpb.Struct)))
			if err != nil {
				return nil, toStatus(err)
			}
			resp, err := out.Struct()
			if err != nil {
				return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Method(name)}
		return interceptor(ctx, in, info, handler)
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	req, err := recvRequest(stream)
	if err != nil {
		return err
	}
	be := srv.(backend.Backend)
	recs, err := be.Events(stream.Context(), backend.ChannelID(str(req, "channel")), str(req, "table"), backend.EventKind(str(req, "kind")))
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendHeader(metadata.Pairs(AttachedHeader, "1")); err != nil {
		return err
	}
	for rec := range recs {
		msg, err := ToStruct(rec)
		if err != nil {
			return grpcstatus.Errorf(codes.Internal, "encode record: %v", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func presenceHandler(srv any, stream grpc.ServerStream) error {
	req, err := recvRequest(stream)
	if err != nil {
		return err
	}
	be := srv.(backend.Backend)
	diffs, err := be.PresenceChanges(stream.Context(), backend.ChannelID(str(req, "channel")))
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendHeader(metadata.Pairs(AttachedHeader, "1")); err != nil {
		return err
	}
	for d := range diffs {
		msg, err := Diff(d).Struct()
		if err != nil {
			return grpcstatus.Errorf(codes.Internal, "encode presence: %v", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func recvRequest(stream grpc.ServerStream) (backend.Record, error) {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return nil, err
	}
	return FromStruct(in), nil
}

// ServiceDesc describes pulse.v1.Feed. The registered implementation is the
// backend itself.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*backend.Backend)(nil),
	Methods:     methods(),
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
		{StreamName: "PresenceChanges", Handler: presenceHandler, ServerStreams: true},
	},
	Metadata: "pulse/v1/feed.proto",
}

func methods() []grpc.MethodDesc {
	out := make([]grpc.MethodDesc, 0, len(unaries))
	for name, fn := range unaries {
		out = append(out, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name, fn)})
	}
	return out
}

// Register serves be on s.
func Register(s *grpc.Server, be backend.Backend) {
	s.RegisterService(&ServiceDesc, be)
}

// toStatus maps backend errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, hub.ErrInvalid), errors.Is(err, hub.ErrInvalidTopic):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, hub.ErrUnknownChannel), hub.IsNotFound(err):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every unary call with its duration and outcome.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		if err != nil {
			logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return resp, err
	}
}
