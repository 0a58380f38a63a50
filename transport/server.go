package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/pydpiper-project/pydpiper-core/rpcproto"
	"github.com/pydpiper-project/pydpiper-core/scheduler"
)

// Logger is the shared structured-logging interface used across the
// scheduler, transport, and executor packages.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Server implements rpcproto.SchedulerServiceServer over a *scheduler.Scheduler.
// It holds no scheduling state of its own: every RPC is a thin
// proto<->domain translation plus a single call into the scheduler's
// critical section.
type Server struct {
	rpcproto.UnimplementedSchedulerServiceServer

	logger Logger
	sched  *scheduler.Scheduler
}

// NewServer wraps sched for gRPC service.
func NewServer(logger Logger, sched *scheduler.Scheduler) *Server {
	return &Server{logger: logger, sched: sched}
}

func (s *Server) RegisterExecutor(ctx context.Context, req *rpcproto.RegisterExecutorRequest) (*rpcproto.RegisterExecutorResponse, error) {
	if req.TotalMemoryGb <= 0 {
		return nil, invalidArgument("total_memory_gb")
	}
	id, err := s.sched.RegisterExecutor(req.TotalMemoryGb, int(req.Cores), req.Hostname)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("executor_registered", "executor_id", id, "memory_gb", req.TotalMemoryGb, "cores", req.Cores, "hostname", req.Hostname)
	return &rpcproto.RegisterExecutorResponse{ExecutorId: id}, nil
}

func (s *Server) RequestWork(ctx context.Context, req *rpcproto.RequestWorkRequest) (*rpcproto.RequestWorkResponse, error) {
	if req.ExecutorId == "" {
		return nil, invalidArgument("executor_id")
	}
	res, err := s.sched.RequestWork(req.ExecutorId, req.FreeMemoryGb, int(req.FreeCores))
	if err != nil {
		// ResourceInfeasibleError still carries a SHUTDOWN result the
		// executor should act on, so translate both.
		return workResultToProto(res), toStatus(err)
	}
	return workResultToProto(res), nil
}

func workResultToProto(res *scheduler.RequestWorkResult) *rpcproto.RequestWorkResponse {
	resp := &rpcproto.RequestWorkResponse{}
	if res == nil {
		resp.Kind = rpcproto.RequestWorkKind_REQUEST_WORK_KIND_NONE
		return resp
	}
	switch res.Kind {
	case scheduler.Assigned:
		resp.Kind = rpcproto.RequestWorkKind_REQUEST_WORK_KIND_ASSIGNED
		a := res.Assignment
		resp.Assignment = &rpcproto.StageAssignment{
			StageId:     a.StageID,
			Fingerprint: a.Fingerprint,
			Command:     a.Command,
			InputPaths:  a.InputPaths,
			OutputPaths: a.OutputPaths,
			MemoryGb:    a.MemoryGB,
		}
	case scheduler.Shutdown:
		resp.Kind = rpcproto.RequestWorkKind_REQUEST_WORK_KIND_SHUTDOWN
	default:
		resp.Kind = rpcproto.RequestWorkKind_REQUEST_WORK_KIND_NONE
	}
	return resp
}

func (s *Server) ReportFinished(ctx context.Context, req *rpcproto.ReportFinishedRequest) (*rpcproto.ReportFinishedResponse, error) {
	if req.ExecutorId == "" || req.StageId == "" {
		return nil, invalidArgument("executor_id/stage_id")
	}
	if err := s.sched.ReportFinished(req.ExecutorId, req.StageId); err != nil {
		return nil, toStatus(err)
	}
	return &rpcproto.ReportFinishedResponse{}, nil
}

func (s *Server) ReportFailed(ctx context.Context, req *rpcproto.ReportFailedRequest) (*rpcproto.ReportFailedResponse, error) {
	if req.ExecutorId == "" || req.StageId == "" {
		return nil, invalidArgument("executor_id/stage_id")
	}
	err := s.sched.ReportFailed(req.ExecutorId, req.StageId, req.Reason)
	switch err.(type) {
	case nil:
		return &rpcproto.ReportFailedResponse{WillRetry: true}, nil
	case *scheduler.TransientStageError:
		return &rpcproto.ReportFailedResponse{WillRetry: true}, nil
	case *scheduler.PermanentStageError:
		return &rpcproto.ReportFailedResponse{WillRetry: false}, nil
	default:
		return nil, toStatus(err)
	}
}

func (s *Server) Heartbeat(ctx context.Context, req *rpcproto.HeartbeatRequest) (*rpcproto.HeartbeatResponse, error) {
	if req.ExecutorId == "" {
		return nil, invalidArgument("executor_id")
	}
	if err := s.sched.Heartbeat(req.ExecutorId, req.ResidentMemoryGb, req.Sequence); err != nil {
		return nil, toStatus(err)
	}
	return &rpcproto.HeartbeatResponse{}, nil
}

func (s *Server) QueryStatus(ctx context.Context, req *rpcproto.QueryStatusRequest) (*rpcproto.QueryStatusResponse, error) {
	c := s.sched.QueryStatus()
	execs := make([]*rpcproto.ExecutorStatus, 0, len(c.Executors))
	for _, e := range c.Executors {
		execs = append(execs, &rpcproto.ExecutorStatus{
			Id:               e.ID,
			Hostname:         e.Hostname,
			State:            executorStateToProto(e.State),
			RunningStages:    int32(e.RunningStages),
			ReservedMemoryGb: e.ReservedMemoryGB,
			DeclaredMemoryGb: e.DeclaredMemoryGB,
		})
	}
	return &rpcproto.QueryStatusResponse{
		Total:     int64(c.Total),
		Finished:  int64(c.Finished),
		Failed:    int64(c.Failed),
		Running:   int64(c.Running),
		Runnable:  int64(c.Runnable),
		Executors: execs,
	}, nil
}

func executorStateToProto(s scheduler.ExecutorState) rpcproto.ExecutorState {
	switch s {
	case scheduler.ExecutorRegistered:
		return rpcproto.ExecutorState_EXECUTOR_STATE_REGISTERED
	case scheduler.ExecutorActive:
		return rpcproto.ExecutorState_EXECUTOR_STATE_ACTIVE
	case scheduler.ExecutorDraining:
		return rpcproto.ExecutorState_EXECUTOR_STATE_DRAINING
	case scheduler.ExecutorDead:
		return rpcproto.ExecutorState_EXECUTOR_STATE_DEAD
	default:
		return rpcproto.ExecutorState_EXECUTOR_STATE_UNSPECIFIED
	}
}

// GracefulServer wraps a grpc.Server with a single-acceptor listener and
// graceful shutdown: the transport layer never runs more than one
// concurrent acceptor per scheduler process (the scheduler's own
// concurrency comes from its mutex, not from parallel listeners).
type GracefulServer struct {
	grpcServer *grpc.Server
	address    string
	logger     Logger

	mu       sync.Mutex
	shutdown bool
}

// NewGracefulServer builds a GracefulServer with logging+recovery interceptors.
func NewGracefulServer(logger Logger, address string, sched *scheduler.Scheduler) *GracefulServer {
	opts := ServerOptions(logger)
	grpcServer := grpc.NewServer(opts...)
	rpcproto.RegisterSchedulerServiceServer(grpcServer, NewServer(logger, sched))
	return &GracefulServer{grpcServer: grpcServer, address: address, logger: logger}
}

// Start listens and serves, blocking until ctx is cancelled.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.address, err)
	}

	s.logger.Info("scheduler_rpc_server_started", "address", s.address)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("scheduler_rpc_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// GracefulStop stops accepting new connections and waits for in-flight ones.
func (s *GracefulServer) GracefulStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.grpcServer.GracefulStop()
}

// ShutdownWithTimeout forces an immediate stop if graceful shutdown
// doesn't complete within timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("scheduler_rpc_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}
