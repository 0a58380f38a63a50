package scheduler

import (
	"testing"
	"time"

	"github.com/pydpiper-project/pydpiper-core/completionlog"
	"github.com/pydpiper-project/pydpiper-core/dag"
)

func newTestScheduler(t *testing.T, specs []*dag.Spec, deps [][2]string) *Scheduler {
	t.Helper()
	g := dag.NewGraph()
	for _, s := range specs {
		if err := g.AddStage(s); err != nil {
			t.Fatal(err)
		}
	}
	for _, d := range deps {
		if err := g.AddDependency(d[0], d[1]); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.TopologicalValidate(); err != nil {
		t.Fatal(err)
	}

	clog, err := completionlog.Open(completionlog.Path(t.TempDir(), "test-pipeline"))
	if err != nil {
		t.Fatal(err)
	}

	s := New(g, clog, Options{PipelineName: "test-pipeline"})
	if err := s.Bootstrap(map[string]struct{}{}); err != nil {
		t.Fatal(err)
	}
	return s
}

// Scenario 1: linear chain A->B->C, all succeed, single executor with 4GB,
// each stage estimates 1GB.
func TestLinearChainAllSucceed(t *testing.T) {
	specs := []*dag.Spec{
		{ID: "A", Fingerprint: "fp-A", MemoryGB: 1},
		{ID: "B", Fingerprint: "fp-B", MemoryGB: 1},
		{ID: "C", Fingerprint: "fp-C", MemoryGB: 1},
	}
	s := newTestScheduler(t, specs, [][2]string{{"A", "B"}, {"B", "C"}})

	execID, err := s.RegisterExecutor(4, 4, "test-host")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"A", "B", "C"} {
		res, err := s.RequestWork(execID, 4, 4)
		if err != nil {
			t.Fatal(err)
		}
		if res.Kind != Assigned || res.Assignment.StageID != want {
			t.Fatalf("expected %s assigned, got kind=%v assignment=%+v", want, res.Kind, res.Assignment)
		}
		if err := s.ReportFinished(execID, want); err != nil {
			t.Fatalf("ReportFinished(%s): %v", want, err)
		}
	}

	counts := s.QueryStatus()
	if counts.Finished != 3 || counts.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if s.ExitCode() != 0 {
		t.Fatalf("expected exit code 0")
	}
}

// Scenario 2: A->B; B fails twice then succeeds on the third attempt.
func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	specs := []*dag.Spec{
		{ID: "A", Fingerprint: "fp-A", MemoryGB: 1},
		{ID: "B", Fingerprint: "fp-B", MemoryGB: 1},
	}
	s := newTestScheduler(t, specs, [][2]string{{"A", "B"}})
	execID, _ := s.RegisterExecutor(4, 4, "test-host")

	res, _ := s.RequestWork(execID, 4, 4)
	if res.Assignment.StageID != "A" {
		t.Fatalf("expected A first")
	}
	if err := s.ReportFinished(execID, "A"); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := s.RequestWork(execID, 4, 4)
		if err != nil || res.Kind != Assigned || res.Assignment.StageID != "B" {
			t.Fatalf("attempt %d: expected B assigned, got %+v err=%v", attempt, res, err)
		}
		err = s.ReportFailed(execID, "B", "nfs race")
		if _, ok := err.(*TransientStageError); !ok {
			t.Fatalf("attempt %d: expected TransientStageError, got %v (%T)", attempt, err, err)
		}
	}

	res, err := s.RequestWork(execID, 4, 4)
	if err != nil || res.Kind != Assigned || res.Assignment.StageID != "B" {
		t.Fatalf("final attempt: expected B assigned, got %+v err=%v", res, err)
	}
	if err := s.ReportFinished(execID, "B"); err != nil {
		t.Fatalf("ReportFinished(B): %v", err)
	}
	if s.graph.Get("B").Retries() != 2 {
		t.Fatalf("expected retry counter 2, got %d", s.graph.Get("B").Retries())
	}
	if s.ExitCode() != 0 {
		t.Fatalf("expected exit code 0")
	}
}

// Scenario 3: A->{B,C}; B fails permanently (3 attempts all fail).
func TestPermanentFailurePropagation(t *testing.T) {
	specs := []*dag.Spec{
		{ID: "A", Fingerprint: "fp-A", MemoryGB: 1},
		{ID: "B", Fingerprint: "fp-B", MemoryGB: 1},
		{ID: "C", Fingerprint: "fp-C", MemoryGB: 1},
	}
	s := newTestScheduler(t, specs, [][2]string{{"A", "B"}, {"A", "C"}})
	execID, _ := s.RegisterExecutor(4, 4, "test-host")

	res, _ := s.RequestWork(execID, 4, 4)
	if res.Assignment.StageID != "A" {
		t.Fatalf("expected A first")
	}
	if err := s.ReportFinished(execID, "A"); err != nil {
		t.Fatal(err)
	}

	// B was registered before C, so insertion-order dispatch always offers
	// B first; this loop never needs to touch C.
	var lastErr error
	for i := 0; i < 3; i++ {
		res, err := s.RequestWork(execID, 4, 4)
		if err != nil {
			t.Fatal(err)
		}
		if res.Kind != Assigned || res.Assignment.StageID != "B" {
			t.Fatalf("attempt %d: expected B assigned, got %+v", i, res)
		}
		lastErr = s.ReportFailed(execID, "B", "boom")
	}

	cRes, err := s.RequestWork(execID, 4, 4)
	if err != nil || cRes.Kind != Assigned || cRes.Assignment.StageID != "C" {
		t.Fatalf("expected C assignable independently of B's failure, got %+v err=%v", cRes, err)
	}
	if err := s.ReportFinished(execID, "C"); err != nil {
		t.Fatalf("ReportFinished(C): %v", err)
	}

	if _, ok := lastErr.(*PermanentStageError); !ok {
		t.Fatalf("expected PermanentStageError on final attempt, got %v (%T)", lastErr, lastErr)
	}

	counts := s.QueryStatus()
	if counts.Failed != 1 {
		t.Fatalf("expected exactly 1 FAILED stage (B; B has no dependents), got %+v", counts)
	}
	if s.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code after permanent failure")
	}
}

// Scenario 4: executor-lost mid-run; stages return to RUNNABLE with
// incremented retry, a fresh executor picks them up.
func TestExecutorLostRequeuesInFlightStages(t *testing.T) {
	specs := []*dag.Spec{
		{ID: "S1", Fingerprint: "fp-S1", MemoryGB: 1},
		{ID: "S2", Fingerprint: "fp-S2", MemoryGB: 1},
	}
	s := newTestScheduler(t, specs, nil)
	s.opts.LatencyTolerance = 1 * time.Millisecond

	e1, _ := s.RegisterExecutor(4, 4, "test-host")
	r1, _ := s.RequestWork(e1, 4, 4)
	r2, _ := s.RequestWork(e1, 4, 4)
	if r1.Kind != Assigned || r2.Kind != Assigned {
		t.Fatalf("expected both stages dispatched to e1")
	}

	time.Sleep(5 * time.Millisecond)
	lost := s.SweepLostExecutors(time.Now())
	if len(lost) != 1 || lost[0] != e1 {
		t.Fatalf("expected e1 declared lost, got %v", lost)
	}

	e2, _ := s.RegisterExecutor(4, 4, "test-host")
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		res, err := s.RequestWork(e2, 4, 4)
		if err != nil || res.Kind != Assigned {
			t.Fatalf("expected reassignment to e2, got %+v err=%v", res, err)
		}
		seen[res.Assignment.StageID] = true
		if err := s.ReportFinished(e2, res.Assignment.StageID); err != nil {
			t.Fatal(err)
		}
	}
	if !seen["S1"] || !seen["S2"] {
		t.Fatalf("expected both S1 and S2 reassigned, got %v", seen)
	}
	if s.graph.Get("S1").Retries() != 1 || s.graph.Get("S2").Retries() != 1 {
		t.Fatalf("expected retry counters incremented to 1 after executor-lost")
	}
}

// Scenario 6: resource-infeasible stage is fatal.
func TestResourceInfeasibleIsFatal(t *testing.T) {
	specs := []*dag.Spec{
		{ID: "huge", Fingerprint: "fp-huge", MemoryGB: 32},
	}
	s := newTestScheduler(t, specs, nil)
	execID, _ := s.RegisterExecutor(16, 4, "test-host")

	res, err := s.RequestWork(execID, 16, 4)
	if err == nil {
		t.Fatal("expected ResourceInfeasibleError")
	}
	if _, ok := err.(*ResourceInfeasibleError); !ok {
		t.Fatalf("expected ResourceInfeasibleError, got %v (%T)", err, err)
	}
	if res.Kind != Shutdown {
		t.Fatalf("expected SHUTDOWN result alongside the fatal error")
	}
}

// Idempotent-restart: bootstrapping against a completion log containing
// every stage's fingerprint results in zero runnable stages.
func TestBootstrapIdempotentRestart(t *testing.T) {
	specs := []*dag.Spec{
		{ID: "A", Fingerprint: "fp-A", MemoryGB: 1},
		{ID: "B", Fingerprint: "fp-B", MemoryGB: 1},
	}
	g := dag.NewGraph()
	for _, sp := range specs {
		if err := g.AddStage(sp); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.AddDependency("A", "B"); err != nil {
		t.Fatal(err)
	}
	if err := g.TopologicalValidate(); err != nil {
		t.Fatal(err)
	}

	finished := map[string]struct{}{"fp-A": {}, "fp-B": {}}
	clog, err := completionlog.Open(completionlog.Path(t.TempDir(), "restart"))
	if err != nil {
		t.Fatal(err)
	}
	s := New(g, clog, Options{PipelineName: "restart"})
	if err := s.Bootstrap(finished); err != nil {
		t.Fatal(err)
	}

	counts := s.QueryStatus()
	if counts.Finished != 2 || counts.Runnable != 0 {
		t.Fatalf("expected both stages already finished on restart, got %+v", counts)
	}
}
