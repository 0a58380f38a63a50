package executor

import (
	"context"
	"testing"
	"time"

	"github.com/pydpiper-project/pydpiper-core/rpcproto"
)

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

func newTestExecutor(t *testing.T, opts Options) *Executor {
	t.Helper()
	opts.LogDir = t.TempDir()
	return &Executor{
		opts:    opts.withDefaults(),
		log:     testLogger{},
		running: make(map[string]*childProcess),
	}
}

func TestWithDefaultsGreedyForcesSingleConcurrency(t *testing.T) {
	o := Options{Cores: 4, Concurrency: 4, Greedy: true}.withDefaults()
	if o.Concurrency != 1 {
		t.Fatalf("expected greedy mode to force Concurrency=1, got %d", o.Concurrency)
	}
}

func TestWithDefaultsNonGreedyUsesCores(t *testing.T) {
	o := Options{Cores: 4}.withDefaults()
	if o.Concurrency != 4 {
		t.Fatalf("expected Concurrency to default to Cores=4, got %d", o.Concurrency)
	}
}

func TestFreeResourcesGreedyIdleAdvertisesFullAllotment(t *testing.T) {
	e := newTestExecutor(t, Options{TotalMemoryGB: 16, Cores: 4, Greedy: true})

	mem, cores := e.freeResources()
	if mem != 16 || cores != 4 {
		t.Fatalf("expected full allotment (16, 4) while idle, got (%v, %v)", mem, cores)
	}
}

func TestFreeResourcesGreedyBusyAdvertisesNothing(t *testing.T) {
	e := newTestExecutor(t, Options{TotalMemoryGB: 16, Cores: 4, Greedy: true})

	proc, err := newChildProcess("A", e.opts.LogDir, []string{"sleep", "5"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.running["A"] = proc

	mem, cores := e.freeResources()
	if mem != 0 || cores != 0 {
		t.Fatalf("expected (0, 0) while a stage is running in greedy mode, got (%v, %v)", mem, cores)
	}
}

func TestFreeResourcesNonGreedySumsReservedMemory(t *testing.T) {
	e := newTestExecutor(t, Options{TotalMemoryGB: 16, Cores: 4})

	a, err := newChildProcess("A", e.opts.LogDir, []string{"sleep", "5"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	a.reservedMemoryGB = 6
	e.running["A"] = a

	mem, cores := e.freeResources()
	if mem != 10 {
		t.Fatalf("expected 16-6=10 free GB, got %v", mem)
	}
	if cores != 3 {
		t.Fatalf("expected 4-1=3 free cores, got %v", cores)
	}
}

func TestStartStageReservesFullAllotmentInGreedyMode(t *testing.T) {
	e := newTestExecutor(t, Options{TotalMemoryGB: 32, Cores: 4, Greedy: true})
	completed := make(chan stageOutcome, 1)

	a := &rpcproto.StageAssignment{StageId: "A", Command: []string{"true"}, MemoryGb: 2}
	e.startStage(context.Background(), a, completed)

	e.mu.Lock()
	proc, ok := e.running["A"]
	e.mu.Unlock()
	if !ok {
		t.Fatal("expected stage A to be tracked in e.running")
	}
	if proc.reservedMemoryGB != 32 {
		t.Fatalf("expected greedy mode to reserve the full 32GB allotment regardless of the 2GB estimate, got %v", proc.reservedMemoryGB)
	}

	select {
	case out := <-completed:
		if out.err != nil {
			t.Fatalf("unexpected error from stage A: %v", out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stage A to complete")
	}
}

func TestStartStageNonGreedyReservesPerStageEstimate(t *testing.T) {
	e := newTestExecutor(t, Options{TotalMemoryGB: 32, Cores: 4})
	completed := make(chan stageOutcome, 1)

	a := &rpcproto.StageAssignment{StageId: "A", Command: []string{"true"}, MemoryGb: 2}
	e.startStage(context.Background(), a, completed)

	e.mu.Lock()
	proc := e.running["A"]
	e.mu.Unlock()
	if proc.reservedMemoryGB != 2 {
		t.Fatalf("expected non-greedy mode to reserve the stage's own 2GB estimate, got %v", proc.reservedMemoryGB)
	}

	<-completed
}
