package server

import (
	"context"

	"google.golang.org/grpc"
)

const (
	runMethod         = "/" + ServiceName + "/Run"
	disassembleMethod = "/" + ServiceName + "/Disassemble"
)

// RegisterRunnerServer registers srv on s.
func RegisterRunnerServer(s grpc.ServiceRegistrar, srv RunnerServer) {
	s.RegisterService(&runnerServiceDesc, srv)
}

var runnerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Disassemble", Handler: disassembleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procvm.Runner",
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func disassembleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DisassembleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServer).Disassemble(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: disassembleMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerServer).Disassemble(ctx, req.(*DisassembleRequest))
	}
	return interceptor(ctx, in, info, handler)
}
