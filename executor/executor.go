// Package executor implements the C5 executor agent: it registers with
// the scheduler, repeatedly requests work, runs up to Concurrency
// stages as child processes, and reports results back.
package executor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pydpiper-project/pydpiper-core/coreengine/kernel"
	"github.com/pydpiper-project/pydpiper-core/rpcproto"
	"github.com/pydpiper-project/pydpiper-core/transport"
)

// Logger is the shared structured-logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures an Executor.
type Options struct {
	TotalMemoryGB float64
	Cores         int
	Concurrency   int // max simultaneous child stages; defaults to Cores

	LogDir string

	// Greedy runs a single stage at a time using the executor's full
	// declared memory allotment regardless of the stage's own estimate,
	// instead of bin-packing several stages against their individual
	// estimates (spec's --greedy mode). Forces Concurrency to 1.
	Greedy bool

	// HeartbeatInterval defaults to 20s (well under H=60s, spec §6).
	HeartbeatInterval time.Duration
	// IdleTimeout: exit after this long with zero work requested and
	// zero running stages. Defaults to 10 minutes (spec §6).
	IdleTimeout time.Duration

	PollBackoff time.Duration // backoff used when RequestWork returns NONE
}

func (o Options) withDefaults() Options {
	if o.Greedy {
		// Greedy mode runs one stage at a time using the executor's full
		// allotted memory regardless of the stage's own estimate, so
		// concurrency above 1 would make the free-resource advertisement
		// below meaningless.
		o.Concurrency = 1
	} else if o.Concurrency <= 0 {
		o.Concurrency = o.Cores
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.NumCPU()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.PollBackoff <= 0 {
		o.PollBackoff = 2 * time.Second
	}
	if o.LogDir == "" {
		o.LogDir = "pydpiper-backups/logs"
	}
	return o
}

// stageOutcome is what a completed/failed child stage reports back
// through the coordinate loop's single result channel; err is nil on
// success.
type stageOutcome struct {
	assignment *rpcproto.StageAssignment
	err        error
}

// Executor runs the register -> (request work -> run -> report)* loop.
type Executor struct {
	opts   Options
	client *transport.Client
	log    Logger

	execID string

	mu      sync.Mutex
	running map[string]*childProcess
}

// New constructs an Executor bound to an already-dialed scheduler client.
func New(client *transport.Client, log Logger, opts Options) *Executor {
	return &Executor{
		opts:    opts.withDefaults(),
		client:  client,
		log:     log,
		running: make(map[string]*childProcess),
	}
}

// Run registers with the scheduler and drives the work loop until ctx
// is cancelled, the scheduler signals SHUTDOWN, or IdleTimeout elapses
// with no work available.
func (e *Executor) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	execID, err := e.client.RegisterExecutor(ctx, e.opts.TotalMemoryGB, e.opts.Cores, hostname)
	if err != nil {
		return fmt.Errorf("register executor: %w", err)
	}
	e.execID = execID
	e.log.Info("executor_registered", "executor_id", execID, "memory_gb", e.opts.TotalMemoryGB, "cores", e.opts.Cores, "hostname", hostname)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	kernel.SafeGo(e.log, "heartbeat-loop", func() {
		e.heartbeatLoop(hbCtx)
	}, func(recovered any) {
		e.log.Error("heartbeat_loop_panicked", "panic", recovered)
	})

	completed := make(chan stageOutcome, e.opts.Concurrency)
	var lastWorkAt = time.Now()
	slots := e.opts.Concurrency

	for {
		select {
		case <-ctx.Done():
			if err := e.terminateAll(); err != nil {
				e.log.Error("stage_teardown_incomplete", "err", err.Error())
			}
			return ctx.Err()
		case out := <-completed:
			slots++
			e.reportOutcome(ctx, out)
			lastWorkAt = time.Now()
		default:
		}

		if slots <= 0 {
			out := <-completed
			slots++
			e.reportOutcome(ctx, out)
			lastWorkAt = time.Now()
			continue
		}

		freeMem, freeCores := e.freeResources()
		res, err := e.client.RequestWork(ctx, e.execID, freeMem, freeCores)
		if err != nil {
			e.log.Error("request_work_failed", "error", err.Error())
			time.Sleep(e.opts.PollBackoff)
			continue
		}

		switch res.Kind {
		case rpcproto.RequestWorkKind_REQUEST_WORK_KIND_ASSIGNED:
			slots--
			lastWorkAt = time.Now()
			e.startStage(ctx, res.Assignment, completed)
		case rpcproto.RequestWorkKind_REQUEST_WORK_KIND_SHUTDOWN:
			e.log.Info("scheduler_shutdown_received")
			e.drainAll(completed)
			return nil
		default: // NONE
			if e.isIdle() && time.Since(lastWorkAt) > e.opts.IdleTimeout {
				e.log.Info("executor_idle_timeout")
				return nil
			}
			if !e.opts.Greedy || e.isIdle() {
				time.Sleep(e.opts.PollBackoff)
			}
		}
	}
}

func (e *Executor) isIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running) == 0
}

func (e *Executor) freeResources() (float64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.Greedy {
		// One stage at a time, advertising the full declared allotment
		// rather than bin-packing against per-stage memory estimates.
		if len(e.running) > 0 {
			return 0, 0
		}
		return e.opts.TotalMemoryGB, e.opts.Cores
	}
	usedMem := 0.0
	for _, p := range e.running {
		usedMem += p.reservedMemoryGB
	}
	free := e.opts.TotalMemoryGB - usedMem
	if free < 0 {
		free = 0
	}
	freeCores := e.opts.Cores - len(e.running)
	if freeCores < 0 {
		freeCores = 0
	}
	return free, freeCores
}

func (e *Executor) startStage(ctx context.Context, a *rpcproto.StageAssignment, completed chan<- stageOutcome) {
	proc, err := newChildProcess(a.StageId, e.opts.LogDir, a.Command, os.Environ())
	if err != nil {
		completed <- stageOutcome{assignment: a, err: err}
		return
	}
	if e.opts.Greedy {
		proc.reservedMemoryGB = e.opts.TotalMemoryGB
	} else {
		proc.reservedMemoryGB = a.MemoryGb
	}

	e.mu.Lock()
	e.running[a.StageId] = proc
	e.mu.Unlock()

	if err := proc.Start(); err != nil {
		e.mu.Lock()
		delete(e.running, a.StageId)
		e.mu.Unlock()
		completed <- stageOutcome{assignment: a, err: err}
		return
	}

	e.log.Info("stage_started", "stage_id", a.StageId, "pid", proc.pid)

	go func() {
		<-proc.Done()
		e.mu.Lock()
		delete(e.running, a.StageId)
		e.mu.Unlock()
		completed <- stageOutcome{assignment: a, err: proc.ExitErr()}
	}()
}

func (e *Executor) reportOutcome(ctx context.Context, out stageOutcome) {
	if out.err == nil {
		e.log.Info("stage_finished", "stage_id", out.assignment.StageId)
		if err := e.client.ReportFinished(ctx, e.execID, out.assignment.StageId); err != nil {
			e.log.Error("report_finished_failed", "stage_id", out.assignment.StageId, "error", err.Error())
		}
		return
	}
	e.log.Warn("stage_failed", "stage_id", out.assignment.StageId, "error", out.err.Error())
	if _, err := e.client.ReportFailed(ctx, e.execID, out.assignment.StageId, out.err.Error()); err != nil {
		e.log.Error("report_failed_failed", "stage_id", out.assignment.StageId, "error", err.Error())
	}
}

// drainAll waits for all currently running stages to finish and
// reports each, then returns — used when the scheduler signals
// SHUTDOWN so in-flight work still gets reported.
func (e *Executor) drainAll(completed <-chan stageOutcome) {
	for !e.isIdle() {
		out := <-completed
		e.reportOutcome(context.Background(), out)
	}
}

func (e *Executor) terminateAll() error {
	e.mu.Lock()
	procs := make([]*childProcess, 0, len(e.running))
	for _, p := range e.running {
		procs = append(procs, p)
	}
	e.mu.Unlock()

	errs := make([]error, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		wg.Add(1)
		go func(i int, p *childProcess) {
			defer wg.Done()
			errs[i] = p.Terminate(5 * time.Second)
		}(i, p)
	}
	wg.Wait()

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return &kernel.ShutdownError{Errors: nonNil}
}

func (e *Executor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			residentMem := e.residentMemoryGB()
			err := transport.CallWithTimeout(ctx, 10*time.Second, func(hbCtx context.Context) error {
				return e.client.Heartbeat(hbCtx, e.execID, residentMem, seq)
			})
			if err != nil {
				e.log.Warn("heartbeat_failed", "error", err.Error(), "sequence", seq)
			}
		}
	}
}

func (e *Executor) residentMemoryGB() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0.0
	for _, p := range e.running {
		total += p.reservedMemoryGB
	}
	return total
}
