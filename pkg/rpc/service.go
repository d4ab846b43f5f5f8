package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mu-protocol/executor/pkg/wire"
)

const executeFunctionMethod = "/mu.rpc.ExecutorService/ExecuteFunction"

// ExecutorServer is implemented by whatever serves ExecuteFunction
// calls — NewServer registers an adapter around a LocalExecutor
// (pkg/runtime.Engine).
type ExecutorServer interface {
	ExecuteFunction(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// RegisterExecutorServiceServer registers srv against s the same way
// protoc-generated code would, but against a hand-written ServiceDesc.
func RegisterExecutorServiceServer(s *grpc.Server, srv ExecutorServer) {
	s.RegisterService(&executorServiceDesc, srv)
}

func executeFunctionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wire.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).ExecuteFunction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeFunctionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).ExecuteFunction(ctx, req.(*wire.Request))
	}
	return interceptor(ctx, in, info, handler)
}

var executorServiceDesc = grpc.ServiceDesc{
	ServiceName: "mu.rpc.ExecutorService",
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteFunction", Handler: executeFunctionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpc.proto",
}

// executorServiceClient is the ExecuteFunction caller used against a
// remote owner node.
type executorServiceClient struct {
	cc grpc.ClientConnInterface
}

func newExecutorServiceClient(cc grpc.ClientConnInterface) *executorServiceClient {
	return &executorServiceClient{cc: cc}
}

func (c *executorServiceClient) ExecuteFunction(ctx context.Context, req *wire.Request, opts ...grpc.CallOption) (*wire.Response, error) {
	out := new(wire.Response)
	if err := c.cc.Invoke(ctx, executeFunctionMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
