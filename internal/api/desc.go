package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names on the daemon socket.
const (
	SessionServiceName      = "campus.v1.SessionService"
	ChatServiceName         = "campus.v1.ChatService"
	NotificationServiceName = "campus.v1.NotificationService"
	RequestServiceName      = "campus.v1.RequestService"
)

// Method returns the full method name of service/method.
func Method(service, method string) string {
	return "/" + service + "/" + method
}

type unaryHandler func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

type streamHandler func(in *structpb.Struct, stream grpc.ServerStream) error

func unary(service, name string, pick func(srv any) unaryHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := pick(srv)
			if interceptor == nil {
				return h(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Method(service, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(ctx, req.(*structpb.Struct))
			})
		},
	}
}

func serverStream(name string, pick func(srv any) streamHandler) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return pick(srv)(in, stream)
		},
	}
}

// SessionServer reports daemon state and signs the user in and out.
type SessionServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryChannel(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", func(srv any) unaryHandler { return srv.(SessionServer).GetStatus }),
		unary(SessionServiceName, "SignIn", func(srv any) unaryHandler { return srv.(SessionServer).SignIn }),
		unary(SessionServiceName, "SignOut", func(srv any) unaryHandler { return srv.(SessionServer).SignOut }),
		unary(SessionServiceName, "RetryChannel", func(srv any) unaryHandler { return srv.(SessionServer).RetryChannel }),
	},
}

// ChatServer serves entity chat threads.
type ChatServer interface {
	OpenThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchThread(*structpb.Struct, grpc.ServerStream) error
}

var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "OpenThread", func(srv any) unaryHandler { return srv.(ChatServer).OpenThread }),
		unary(ChatServiceName, "ListMessages", func(srv any) unaryHandler { return srv.(ChatServer).ListMessages }),
		unary(ChatServiceName, "SendMessage", func(srv any) unaryHandler { return srv.(ChatServer).SendMessage }),
		unary(ChatServiceName, "CloseThread", func(srv any) unaryHandler { return srv.(ChatServer).CloseThread }),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchThread", func(srv any) streamHandler { return srv.(ChatServer).WatchThread }),
	},
}

// NotificationServer serves the signed-in user's notification feed.
type NotificationServer interface {
	ListNotifications(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkAllRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchNotifications(*structpb.Struct, grpc.ServerStream) error
}

var NotificationServiceDesc = grpc.ServiceDesc{
	ServiceName: NotificationServiceName,
	HandlerType: (*NotificationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(NotificationServiceName, "ListNotifications", func(srv any) unaryHandler { return srv.(NotificationServer).ListNotifications }),
		unary(NotificationServiceName, "MarkRead", func(srv any) unaryHandler { return srv.(NotificationServer).MarkRead }),
		unary(NotificationServiceName, "MarkAllRead", func(srv any) unaryHandler { return srv.(NotificationServer).MarkAllRead }),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchNotifications", func(srv any) streamHandler { return srv.(NotificationServer).WatchNotifications }),
	},
}

// RequestServer creates join requests.
type RequestServer interface {
	JoinRide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestErrand(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var RequestServiceDesc = grpc.ServiceDesc{
	ServiceName: RequestServiceName,
	HandlerType: (*RequestServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(RequestServiceName, "JoinRide", func(srv any) unaryHandler { return srv.(RequestServer).JoinRide }),
		unary(RequestServiceName, "RequestErrand", func(srv any) unaryHandler { return srv.(RequestServer).RequestErrand }),
	},
}

// Register adds every service to srv.
func Register(srv *grpc.Server, sessions SessionServer, chats ChatServer, notifications NotificationServer, requests RequestServer) {
	srv.RegisterService(&SessionServiceDesc, sessions)
	srv.RegisterService(&ChatServiceDesc, chats)
	srv.RegisterService(&NotificationServiceDesc, notifications)
	srv.RegisterService(&RequestServiceDesc, requests)
}
