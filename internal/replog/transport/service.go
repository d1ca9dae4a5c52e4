package transport

import (
	"context"

	"google.golang.org/grpc"

	"replicated-log/internal/replog"
)

const (
	serviceName         = "replog.ReplicationService"
	appendEntriesMethod = "/" + serviceName + "/AppendEntries"
)

// replicationServer is the server side of ReplicationService, see wire/replication.proto
type replicationServer interface {
	AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(replog.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicationServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: appendEntriesMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicationServer).AppendEntries(ctx, req.(*replog.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// replicationServiceDesc describes ReplicationService for grpc.Server.RegisterService
var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AppendEntries",
			Handler:    appendEntriesHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replication.proto",
}

// invokeAppendEntries performs the unary call on conn using the replog codec
func invokeAppendEntries(ctx context.Context, conn grpc.ClientConnInterface, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	out := new(replog.AppendEntriesResult)
	if err := conn.Invoke(ctx, appendEntriesMethod, req, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}
