package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the gRPC service path segment used by both client and
// server; it never round-trips through a .proto file.
const ServiceName = "pvc.store.Store"

// serverAPI is implemented by the coordinator-side gRPC server (server.go).
// Every method takes and returns the boxed JSON envelope directly so the
// hand-written handlers below need no reflection.
type serverAPI interface {
	Read(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Children(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	WriteTxn(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	EphemeralCreate(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Lock(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Unlock(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	WatchData(in *wrapperspb.BytesValue, stream grpc.ServerStream) error
	WatchChildren(in *wrapperspb.BytesValue, stream grpc.ServerStream) error
}

func unaryHandler(method func(srv interface{}, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return method(srv, ctx, req.(*wrapperspb.BytesValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is registered on the coordinator's grpc.Server and dialed by
// the remote Client's grpc.ClientConn. Method/stream names are arbitrary
// strings since nothing downstream parses them against a .proto schema.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*serverAPI)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Read",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
				return srv.(serverAPI).Read(ctx, in)
			}),
		},
		{
			MethodName: "Children",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
				return srv.(serverAPI).Children(ctx, in)
			}),
		},
		{
			MethodName: "WriteTxn",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
				return srv.(serverAPI).WriteTxn(ctx, in)
			}),
		},
		{
			MethodName: "EphemeralCreate",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
				return srv.(serverAPI).EphemeralCreate(ctx, in)
			}),
		},
		{
			MethodName: "Lock",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
				return srv.(serverAPI).Lock(ctx, in)
			}),
		},
		{
			MethodName: "Unlock",
			Handler: unaryHandler(func(srv interface{}, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
				return srv.(serverAPI).Unlock(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchData",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(wrapperspb.BytesValue)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(serverAPI).WatchData(in, stream)
			},
			ServerStreams: true,
		},
		{
			StreamName: "WatchChildren",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(wrapperspb.BytesValue)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(serverAPI).WatchChildren(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "pvc/store/remote",
}
