// Package server exposes procvm over gRPC as the procvm.Runner service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chazu/procvm/journal"
	"github.com/chazu/procvm/pkg/asm"
	"github.com/chazu/procvm/pkg/bytecode"
	"github.com/chazu/procvm/vm"
)

var log = commonlog.GetLogger("procvm.server")

// ErrWorkerStopped is returned for work submitted after Stop.
var ErrWorkerStopped = errors.New("worker stopped")

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "procvm.Runner"

// RunnerServer is the server API for the procvm.Runner service.
type RunnerServer interface {
	Run(context.Context, *RunRequest) (*RunResponse, error)
	Disassemble(context.Context, *DisassembleRequest) (*DisassembleResponse, error)
}

// Server serves procvm.Runner.
type Server struct {
	opts    vm.Options
	worker  *Worker
	journal *journal.Journal
	grpc    *grpc.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	journal  *journal.Journal
	grpcOpts []grpc.ServerOption
}

// WithJournal records every run in j.
func WithJournal(j *journal.Journal) ServerOption {
	return func(c *serverConfig) {
		c.journal = j
	}
}

// WithGRPCOptions passes extra options to the underlying grpc.Server.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) {
		c.grpcOpts = append(c.grpcOpts, opts...)
	}
}

// New creates a Server that runs programs with opts unless a request
// overrides them.
func New(opts vm.Options, options ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, o := range options {
		o(cfg)
	}

	s := &Server{
		opts:    opts,
		worker:  NewWorker(),
		journal: cfg.journal,
	}

	grpcOpts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, cfg.grpcOpts...)
	s.grpc = grpc.NewServer(grpcOpts...)
	RegisterRunnerServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Infof("procvm server listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop gracefully stops the gRPC server and the worker.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	s.worker.Stop()
}

// ---------------------------------------------------------------------------
// RPCs
// ---------------------------------------------------------------------------

// Run executes a program to completion, a fault or the step limit.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	program, err := decodeProgram(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	opts, err := s.requestOptions(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	v, err := s.worker.Do(ctx, func() (interface{}, error) {
		return s.execute(ctx, program, opts, req.Snapshot)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		if errors.Is(err, ErrWorkerStopped) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return v.(*RunResponse), nil
}

// Disassemble returns a listing of a program.
func (s *Server) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	if req.Raw {
		return &DisassembleResponse{Listing: bytecode.DisassembleCode(req.Image)}, nil
	}
	img, err := bytecode.Deserialize(req.Image)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	name := req.Name
	if name == "" {
		name = "program"
	}
	return &DisassembleResponse{Listing: img.DisassembleWithName(name)}, nil
}

func (s *Server) requestOptions(req *RunRequest) (vm.Options, error) {
	opts := s.opts
	if req.MaxSteps > 0 && (opts.MaxSteps == 0 || req.MaxSteps < opts.MaxSteps) {
		opts.MaxSteps = req.MaxSteps
	}
	if req.Policy != "" {
		p, err := vm.ParseSchedulerPolicy(req.Policy)
		if err != nil {
			return opts, err
		}
		opts.Policy = p
	}
	if req.OnFault != "" {
		p, err := vm.ParseFaultPolicy(req.OnFault)
		if err != nil {
			return opts, err
		}
		opts.OnFault = p
	}
	return opts, nil
}

// execute runs on the worker goroutine. Cancellation of ctx surfaces as
// an error; every other outcome, faults included, is a response.
func (s *Server) execute(ctx context.Context, program []byte, opts vm.Options, wantSnapshot bool) (*RunResponse, error) {
	started := time.Now()
	sched := vm.NewScheduler(program, opts)
	runErr := sched.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	resp := describe(sched)
	if runErr != nil {
		resp.Fault = runErr.Error()
		if f, ok := vm.AsFault(runErr); ok {
			resp.FaultKind = f.Kind.String()
		}
		log.Infof("run ended early: %s", runErr)
	}
	if wantSnapshot {
		snap := sched.Snapshot()
		data, err := vm.MarshalSnapshot(&snap)
		if err != nil {
			return nil, err
		}
		resp.Snapshot = data
	}

	stats := sched.Stats()
	run := journal.Run{
		ID:            journal.NewRunID(),
		ProgramSHA256: journal.ProgramHash(program),
		StartedAt:     started,
		Duration:      stats.Duration,
		Steps:         stats.Steps,
		Processes:     resp.Processes,
		Fault:         resp.Fault,
	}
	resp.RunID = run.ID
	if s.journal != nil {
		if _, err := s.journal.Record(ctx, run); err != nil {
			log.Errorf("journal: %s", err)
		}
	}
	return resp, nil
}

func describe(sched *vm.Scheduler) *RunResponse {
	stats := sched.Stats()
	resp := &RunResponse{
		Done:      sched.Done(),
		Steps:     stats.Steps,
		Processes: stats.Spawns + 1,
		Switches:  stats.Switches,
		Current:   processState(sched.Current()),
	}
	for _, p := range sched.Waiting() {
		resp.Waiting = append(resp.Waiting, processState(p))
	}
	for _, f := range sched.Faults() {
		resp.Faults = append(resp.Faults, f.Error())
	}
	return resp
}

func processState(p *vm.Process) ProcessState {
	return ProcessState{
		ID:         p.ID(),
		State:      p.State().String(),
		PC:         p.PC(),
		StackBytes: p.Stack().Len(),
		CallDepth:  p.Calls().Depth(),
	}
}

func decodeProgram(req *RunRequest) ([]byte, error) {
	if len(req.Image) == 0 && req.Source != "" {
		img, err := asm.Assemble(req.Source)
		if err != nil {
			return nil, err
		}
		return img.Code, nil
	}
	if req.Raw {
		return req.Image, nil
	}
	img, err := bytecode.Deserialize(req.Image)
	if err != nil {
		return nil, err
	}
	return img.Code, nil
}

func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Errorf("%s failed after %s: %s", info.FullMethod, time.Since(start), err)
	} else {
		log.Debugf("%s took %s", info.FullMethod, time.Since(start))
	}
	return resp, err
}
