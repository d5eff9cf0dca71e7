package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Unary describes one unary method of service. fn is usually a method
// expression on the service interface, such as SessionServiceServer.Create.
func Unary[S any, Req any, Resp any](service, name string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// FullMethod returns the gRPC method path for service and name.
func FullMethod(service, name string) string {
	return "/" + service + "/" + name
}
