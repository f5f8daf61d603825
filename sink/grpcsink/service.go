// Package grpcsink ships duplication batches to a remote cluster over gRPC
// and provides the receiving side of that service.
package grpcsink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the backlog service.
const ServiceName = "nexusdup.backlog.v1.Backlog"

const shipMethod = "/" + ServiceName + "/Ship"

// BacklogServer is the server API of the backlog service. The request carries
// a frame produced by sink.EncodeBatch; the response is the highest decree the
// remote partition holds afterwards.
type BacklogServer interface {
	Ship(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error)
}

func shipHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BacklogServer).Ship(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: shipMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BacklogServer).Ship(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the backlog service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacklogServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ship",
			Handler:    shipHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexusdup/backlog/v1/backlog.proto",
}

// RegisterBacklogServer registers srv with s.
func RegisterBacklogServer(s grpc.ServiceRegistrar, srv BacklogServer) {
	s.RegisterService(&ServiceDesc, srv)
}
