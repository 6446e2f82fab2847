// Package api exposes the messaging core to local clients over gRPC. Requests
// and responses are google.protobuf.Struct values so the service needs no
// generated code; the view types in codec.go describe their shape.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "deptportal.msgcore.v1.Messaging"

// MessagingServer is implemented by *Service.
type MessagingServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Conversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	More(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unstage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Staged(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Edit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Read(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Discard(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Presence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Members(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(MessagingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc describes the Messaging service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", MessagingServer.Status),
		unary("Conversations", MessagingServer.Conversations),
		unary("Open", MessagingServer.Open),
		unary("Close", MessagingServer.Close),
		unary("History", MessagingServer.History),
		unary("More", MessagingServer.More),
		unary("Send", MessagingServer.Send),
		unary("Stage", MessagingServer.Stage),
		unary("Unstage", MessagingServer.Unstage),
		unary("Staged", MessagingServer.Staged),
		unary("Edit", MessagingServer.Edit),
		unary("Delete", MessagingServer.Delete),
		unary("Read", MessagingServer.Read),
		unary("Retry", MessagingServer.Retry),
		unary("Discard", MessagingServer.Discard),
		unary("Presence", MessagingServer.Presence),
		unary("Search", MessagingServer.Search),
		unary("Members", MessagingServer.Members),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MessagingServer).Watch(in, stream)
			},
		},
	},
	Metadata: "deptportal/msgcore/v1/messaging.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv MessagingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary(name string, call unaryFunc) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MessagingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(MessagingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// UnaryErrors converts domain errors returned by a handler into gRPC statuses.
func UnaryErrors(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}
