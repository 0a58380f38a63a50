// Package scheduler owns the DAG, the completion log, and the executor
// table, and applies the dispatch and retry policy that binds them
// together. It is the C3 Scheduler Core of the pydpiper design: a single
// coordinator object, instantiated once per pipeline invocation, never a
// process-wide singleton.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pydpiper-project/pydpiper-core/commbus"
	"github.com/pydpiper-project/pydpiper-core/completionlog"
	"github.com/pydpiper-project/pydpiper-core/dag"
)

// maxRetries is the retry cap: a stage may run at most maxRetries+1 times
// (spec §8's "no more than 3 total RUNNING episodes before FAILED").
const maxRetries = 2

// Logger is the structured-logging shape shared by every package in
// this module, so a single adapter (see logging/) satisfies all of them.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Recorder receives scheduling events for metrics/observability purposes.
// The observability package implements this against Prometheus; tests may
// use a no-op.
type Recorder interface {
	StageDispatched(stageID string)
	StageFinished(stageID string, attempt int)
	StageFailed(stageID string, permanent bool)
	StageRetried(stageID string, attempt int)
	ExecutorRegistered(executorID string)
	ExecutorLost(executorID string, inFlight int)
	HeartbeatLatency(executorID string, since time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) StageDispatched(string)             {}
func (noopRecorder) StageFinished(string, int)          {}
func (noopRecorder) StageFailed(string, bool)           {}
func (noopRecorder) StageRetried(string, int)           {}
func (noopRecorder) ExecutorRegistered(string)          {}
func (noopRecorder) ExecutorLost(string, int)           {}
func (noopRecorder) HeartbeatLatency(string, time.Duration) {}

// Options configures a Scheduler.
type Options struct {
	PipelineName string
	WorkingDir   string

	// LatencyTolerance (T) bounds silent executors; default 10 minutes.
	LatencyTolerance time.Duration
	// Policy selects runnable-frontier iteration order.
	Policy dag.Policy

	Logger   Logger
	Recorder Recorder
	Bus      *commbus.Bus
}

// RequestWorkKind discriminates the three-case result of RequestWork.
type RequestWorkKind int

const (
	Assigned RequestWorkKind = iota
	NoWorkYet
	Shutdown
)

// Assignment is the stage handed to an executor on a successful RequestWork.
type Assignment struct {
	StageID     string
	Fingerprint string
	Command     []string
	InputPaths  []string
	OutputPaths []string
	MemoryGB    float64
}

// RequestWorkResult is the sum type returned by RequestWork, per spec §4.3's
// `stage_id | NONE | SHUTDOWN`.
type RequestWorkResult struct {
	Kind       RequestWorkKind
	Assignment *Assignment
}

// StatusCounts is the read-only status query result (spec §6).
type StatusCounts struct {
	Total, Finished, Failed, Running, Runnable int
	Executors                                  []ExecutorStatus
}

// ExecutorStatus is one executor's contribution to a QueryStatus snapshot:
// enough to drive both the status CLI's per-executor table and the
// per-executor Prometheus gauges.
type ExecutorStatus struct {
	ID               string
	Hostname         string
	State            ExecutorState
	RunningStages    int
	ReservedMemoryGB float64
	DeclaredMemoryGB float64
}

// Scheduler is the C3 coordinator. All exported methods acquire mu, giving
// the "logically single-threaded" critical section required by spec §5;
// RPC I/O (the transport package) may be concurrent up to this boundary.
type Scheduler struct {
	opts Options
	log  Logger
	rec  Recorder
	bus  *commbus.Bus

	mu        sync.Mutex
	graph     *dag.Graph
	clog      *completionlog.Log
	executors map[string]*executorRecord
	draining  bool
	fatalErr  error

	maxKnownExecutorMemoryGB float64
}

// New constructs a Scheduler over an already-built (TopologicalValidate'd)
// graph and an opened completion log. Call Bootstrap before serving RPCs.
func New(graph *dag.Graph, clog *completionlog.Log, opts Options) *Scheduler {
	if opts.LatencyTolerance == 0 {
		opts.LatencyTolerance = 10 * time.Minute
	}
	rec := opts.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Scheduler{
		opts:      opts,
		log:       opts.Logger,
		rec:       rec,
		bus:       opts.Bus,
		graph:     graph,
		clog:      clog,
		executors: make(map[string]*executorRecord),
	}
}

// Bootstrap replays the completion log against the graph — marking as
// FINISHED any stage whose fingerprint is already present — without writing
// to the log, then seeds the initial runnable frontier. Spec §4.2.
func (s *Scheduler) Bootstrap(finished map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byFingerprint := make(map[string]string, s.graph.Len())
	for id := range finished {
		byFingerprint[id] = id
	}

	replayed := 0
	for _, id := range s.stageIDsLocked() {
		st := s.graph.Get(id)
		if _, ok := finished[st.Fingerprint]; ok {
			if _, err := s.graph.MarkFinishedFromLog(id); err != nil {
				return fmt.Errorf("scheduler: bootstrap replay of %s: %w", id, err)
			}
			replayed++
		}
	}
	s.graph.Seed()
	if s.log != nil {
		s.log.Info("bootstrap complete", "total_stages", s.graph.Len(), "replayed_finished", replayed)
	}
	return nil
}

func (s *Scheduler) stageIDsLocked() []string {
	// RunnableIter only covers the runnable frontier, but bootstrap needs
	// every stage regardless of status; AllStageIDs provides that without
	// exposing Graph's internals.
	return s.graph.AllStageIDs()
}

// RegisterExecutor admits a new executor with its declared resources and
// returns an opaque executor ID.
func (s *Scheduler) RegisterExecutor(totalMemoryGB float64, cores int, hostname string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if totalMemoryGB <= 0 || cores <= 0 {
		return "", &RegistrationFailureError{Reason: "declared memory and cores must be positive"}
	}

	id := newExecutorID()
	s.executors[id] = newExecutorRecord(id, totalMemoryGB, cores, hostname, time.Now())
	s.executors[id].state = ExecutorActive
	if totalMemoryGB > s.maxKnownExecutorMemoryGB {
		s.maxKnownExecutorMemoryGB = totalMemoryGB
	}
	s.rec.ExecutorRegistered(id)
	if s.bus != nil {
		s.bus.PublishEvent(&commbus.ExecutorRegistered{ExecutorID: id, TotalMemoryGB: totalMemoryGB, Cores: cores})
	}
	if s.log != nil {
		s.log.Info("executor registered", "executor_id", id, "memory_gb", totalMemoryGB, "cores", cores, "hostname", hostname)
	}
	return id, nil
}

// RequestWork implements the dispatch policy: it walks the runnable stages
// in opts.Policy order (insertion order by default) and dispatches the first
// one whose memory estimate fits the executor's free memory, taken as the
// smaller of freeMemoryGB and the scheduler's own reservation bookkeeping.
// freeCores is not consulted.
func (s *Scheduler) RequestWork(executorID string, freeMemoryGB float64, freeCores int) (*RequestWorkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executors[executorID]
	if !ok {
		return nil, &NotFoundError{Kind: "executor", ID: executorID}
	}

	if s.draining {
		exec.state = ExecutorDraining
		return &RequestWorkResult{Kind: Shutdown}, nil
	}

	candidates := s.graph.RunnableIter(s.opts.Policy)
	if len(candidates) == 0 {
		if s.shouldDrainLocked() {
			s.beginDrainLocked()
			return &RequestWorkResult{Kind: Shutdown}, nil
		}
		return &RequestWorkResult{Kind: NoWorkYet}, nil
	}

	budget := freeMemoryGB
	if budget > exec.freeMemoryGB() {
		budget = exec.freeMemoryGB()
	}

	anyCouldEverFit := false
	for _, id := range candidates {
		st := s.graph.Get(id)
		mem, err := st.ResolveMemoryGB()
		if err != nil {
			if s.log != nil {
				s.log.Error("runnable-time memory hook failed", "stage_id", id, "err", err.Error())
			}
			continue
		}
		if mem <= s.maxKnownExecutorMemoryGB || s.maxKnownExecutorMemoryGB == 0 {
			anyCouldEverFit = true
		}
		if mem > budget {
			continue
		}
		if err := s.graph.MarkRunning(id); err != nil {
			return nil, fmt.Errorf("scheduler: dispatch %s: %w", id, err)
		}
		exec.reservedMemoryGB += mem
		exec.runningStages[id] = struct{}{}
		s.rec.StageDispatched(id)
		if s.bus != nil {
			s.bus.PublishEvent(&commbus.StageDispatched{StageID: id, ExecutorID: executorID, MemoryGB: mem})
		}
		return &RequestWorkResult{Kind: Assigned, Assignment: &Assignment{
			StageID:     id,
			Fingerprint: st.Fingerprint,
			Command:     st.Command,
			InputPaths:  st.InputPaths,
			OutputPaths: st.OutputPaths,
			MemoryGB:    mem,
		}}, nil
	}

	if !anyCouldEverFit {
		biggest := candidates[0]
		biggestMem, _ := s.graph.Get(biggest).ResolveMemoryGB()
		for _, id := range candidates[1:] {
			mem, err := s.graph.Get(id).ResolveMemoryGB()
			if err == nil && mem > biggestMem {
				biggest, biggestMem = id, mem
			}
		}
		err := &ResourceInfeasibleError{StageID: biggest, RequiredGB: biggestMem, MaxExecutorGB: s.maxKnownExecutorMemoryGB}
		s.fatalErr = err
		s.beginDrainLocked()
		if s.log != nil {
			s.log.Error("fatal: insufficient resources", "stage_id", biggest, "required_gb", biggestMem, "max_executor_gb", s.maxKnownExecutorMemoryGB)
		}
		return &RequestWorkResult{Kind: Shutdown}, err
	}

	return &RequestWorkResult{Kind: NoWorkYet}, nil
}

// ReportFinished implements spec §4.3's completion sequence: run completion
// hooks, then append to C2, then unblock dependents, then release memory.
func (s *Scheduler) ReportFinished(executorID, stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executors[executorID]
	if !ok {
		return &NotFoundError{Kind: "executor", ID: executorID}
	}
	st := s.graph.Get(stageID)
	if st == nil {
		return &NotFoundError{Kind: "stage", ID: stageID}
	}

	if err := runCompletionHooks(st, s.log); err != nil {
		if s.log != nil {
			s.log.Error("completion hook failed, treating as stage failure", "stage_id", stageID, "err", err.Error())
		}
		return s.reportFailedLocked(exec, stageID, err.Error())
	}

	if err := s.clog.Append(st.Fingerprint); err != nil {
		if s.log != nil {
			s.log.Error("completion log append failed", "stage_id", stageID, "err", err.Error())
		}
		return &LogWriteFailureError{StageID: stageID, Cause: err}
	}

	newlyRunnable, err := s.graph.MarkFinished(stageID)
	if err != nil {
		return err
	}

	delete(exec.runningStages, stageID)
	exec.reservedMemoryGB -= st.ResolveMemoryGBUnsafeCache()
	if exec.reservedMemoryGB < 0 {
		exec.reservedMemoryGB = 0
	}

	s.rec.StageFinished(stageID, st.Retries()+1)
	if s.bus != nil {
		s.bus.PublishEvent(&commbus.StageFinished{StageID: stageID, ExecutorID: executorID})
	}
	if s.log != nil {
		s.log.Info("stage finished", "stage_id", stageID, "newly_runnable", len(newlyRunnable))
	}
	return nil
}

// ReportFailed implements spec §4.3's retry policy.
func (s *Scheduler) ReportFailed(executorID, stageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executors[executorID]
	if !ok {
		return &NotFoundError{Kind: "executor", ID: executorID}
	}
	return s.reportFailedLocked(exec, stageID, reason)
}

func (s *Scheduler) reportFailedLocked(exec *executorRecord, stageID, reason string) error {
	st := s.graph.Get(stageID)
	if st == nil {
		return &NotFoundError{Kind: "stage", ID: stageID}
	}

	delete(exec.runningStages, stageID)
	exec.reservedMemoryGB -= st.ResolveMemoryGBUnsafeCache()
	if exec.reservedMemoryGB < 0 {
		exec.reservedMemoryGB = 0
	}

	retries := st.Retries() + 1
	if retries <= maxRetries {
		if err := s.graph.MarkRunnable(stageID, retries, reason); err != nil {
			return err
		}
		s.rec.StageFailed(stageID, false)
		s.rec.StageRetried(stageID, retries)
		if s.bus != nil {
			s.bus.PublishEvent(&commbus.StageRetried{StageID: stageID, Attempt: retries, Reason: reason})
		}
		if s.log != nil {
			s.log.Warn("stage failed, retrying", "stage_id", stageID, "attempt", retries, "reason", reason)
		}
		return &TransientStageError{StageID: stageID, Reason: reason, Retries: retries}
	}

	failedIDs, err := s.graph.MarkFailed(stageID, dag.CausePermanent, reason)
	if err != nil {
		return err
	}
	s.rec.StageFailed(stageID, true)
	if s.bus != nil {
		s.bus.PublishEvent(&commbus.StageFailed{StageID: stageID, Permanent: true, Reason: reason})
	}
	if s.log != nil {
		s.log.Error("stage failed permanently", "stage_id", stageID, "reason", reason, "dependents_failed", len(failedIDs)-1)
	}
	return &PermanentStageError{StageID: stageID, Reason: reason}
}

// Heartbeat records liveness for executorID. Out-of-order heartbeats (seq
// not strictly greater than the last recorded one) are ignored per spec
// §5's monotonicity guarantee.
func (s *Scheduler) Heartbeat(executorID string, residentMemoryGB float64, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executors[executorID]
	if !ok {
		return &NotFoundError{Kind: "executor", ID: executorID}
	}
	if seq <= exec.lastHeartbeatSeq && exec.lastHeartbeatSeq != 0 {
		return nil
	}
	now := time.Now()
	s.rec.HeartbeatLatency(executorID, now.Sub(exec.lastHeartbeat))
	exec.lastHeartbeat = now
	exec.lastHeartbeatSeq = seq
	if exec.state == ExecutorRegistered {
		exec.state = ExecutorActive
	}
	return nil
}

// QueryStatus returns the read-only status counts (spec §6), plus an
// [EXPANSION] per-executor breakdown for the status CLI and Prometheus
// gauges.
func (s *Scheduler) QueryStatus() StatusCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, finished, failed, running, runnable := s.graph.Counts()

	execs := make([]ExecutorStatus, 0, len(s.executors))
	for _, e := range s.executors {
		execs = append(execs, ExecutorStatus{
			ID:               e.id,
			Hostname:         e.hostname,
			State:            e.state,
			RunningStages:    len(e.runningStages),
			ReservedMemoryGB: e.reservedMemoryGB,
			DeclaredMemoryGB: e.totalMemoryGB,
		})
	}

	return StatusCounts{
		Total: total, Finished: finished, Failed: failed, Running: running, Runnable: runnable,
		Executors: execs,
	}
}

// FatalError returns the error that caused the scheduler to begin a fatal
// drain (resource-infeasible), or nil.
func (s *Scheduler) FatalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// ExitCode returns 0 if every stage finished successfully, non-zero
// otherwise, per spec §6's CLI exit-code contract.
func (s *Scheduler) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr != nil || s.graph.AnyFailed() {
		return 1
	}
	return 0
}

// shouldDrainLocked reports whether no RUNNABLE/RUNNING stages remain and at
// least one stage FAILED — the condition under which request_work starts
// returning SHUTDOWN (spec §4.3).
func (s *Scheduler) shouldDrainLocked() bool {
	_, _, failed, running, runnable := s.graph.Counts()
	return running == 0 && runnable == 0 && failed > 0
}

func (s *Scheduler) beginDrainLocked() {
	if s.draining {
		return
	}
	s.draining = true
	for _, exec := range s.executors {
		exec.state = ExecutorDraining
	}
	if s.bus != nil {
		ev := &commbus.PipelineDrained{}
		if s.fatalErr != nil {
			ev.FatalReason = s.fatalErr.Error()
		}
		s.bus.PublishEvent(ev)
	}
	if s.log != nil {
		s.log.Info("scheduler draining")
	}
}

// Drain begins draining once no RUNNABLE/RUNNING stages remain, whether or
// not any stage FAILED. Subsequent RequestWork calls return SHUTDOWN.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, _, running, runnable := s.graph.Counts()
	if running == 0 && runnable == 0 {
		s.beginDrainLocked()
	}
}

// SweepLostExecutors declares any executor silent for longer than
// LatencyTolerance LOST, returns its in-flight stages to RUNNABLE with
// incremented retry counters, and destroys the record. RunCleanupLoop
// calls it periodically from a ticker, adapted from the teacher's
// StartCleanupLoop pattern.
func (s *Scheduler) SweepLostExecutors(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lostIDs []string
	for id, exec := range s.executors {
		if exec.state == ExecutorDead {
			continue
		}
		silentFor := now.Sub(exec.lastHeartbeat)
		if silentFor <= s.opts.LatencyTolerance {
			continue
		}
		inFlight := make([]string, 0, len(exec.runningStages))
		for stageID := range exec.runningStages {
			inFlight = append(inFlight, stageID)
			st := s.graph.Get(stageID)
			if st == nil {
				continue
			}
			if err := s.graph.MarkLost(stageID); err != nil {
				continue
			}
			retries := st.Retries() + 1
			_ = s.graph.MarkRunnable(stageID, retries, "")
			s.rec.StageRetried(stageID, retries)
		}
		exec.state = ExecutorDead
		lostIDs = append(lostIDs, id)
		s.rec.ExecutorLost(id, len(inFlight))
		if s.bus != nil {
			s.bus.PublishEvent(&commbus.ExecutorLost{ExecutorID: id, InFlightStages: len(inFlight)})
		}
		if s.log != nil {
			s.log.Warn("executor lost", "executor_id", id, "silent_for", silentFor.String(), "in_flight", len(inFlight))
		}
		delete(s.executors, id)
	}
	return lostIDs
}

// RunCleanupLoop runs SweepLostExecutors every interval until ctx is done.
func (s *Scheduler) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepLostExecutors(now)
		}
	}
}
