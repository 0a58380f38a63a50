package dag

import (
	"container/heap"
	"fmt"
	"sort"
)

// Policy selects how RunnableIter orders the runnable frontier when more
// than one stage is eligible for dispatch. The reference policy is
// insertion order; SmallestFittingFirst is an alternative that may reduce
// resource fragmentation (spec Open Question, left to the implementer).
type Policy int

const (
	InsertionOrder Policy = iota
	SmallestFittingFirst
)

// Graph is the in-memory stage DAG. It is not safe for concurrent use; the
// scheduler package is responsible for serializing access to it under its
// single critical section (spec §5's "logically single-threaded" rule).
type Graph struct {
	stages map[string]*Stage
	// adjacency[id] lists stages that depend on id (edges out of id).
	adjacency map[string][]string
	// insertion order of stage IDs, for InsertionOrder iteration.
	order []string

	runnable map[string]struct{}

	built bool
}

// NewGraph returns an empty stage graph.
func NewGraph() *Graph {
	return &Graph{
		stages:    make(map[string]*Stage),
		adjacency: make(map[string][]string),
		runnable:  make(map[string]struct{}),
	}
}

// AddStage registers a new stage. It must be called before TopologicalValidate.
func (g *Graph) AddStage(spec *Spec) error {
	if g.built {
		return fmt.Errorf("dag: AddStage after TopologicalValidate: stages are immutable once the graph is built")
	}
	if spec.ID == "" {
		return fmt.Errorf("dag: stage ID must not be empty")
	}
	if _, exists := g.stages[spec.ID]; exists {
		return fmt.Errorf("dag: duplicate stage id %q", spec.ID)
	}
	g.stages[spec.ID] = newStage(spec)
	g.adjacency[spec.ID] = nil
	g.order = append(g.order, spec.ID)
	return nil
}

// AddDependency records that dependent only becomes RUNNABLE after
// prerequisite reaches FINISHED.
func (g *Graph) AddDependency(prerequisite, dependent string) error {
	if g.built {
		return fmt.Errorf("dag: AddDependency after TopologicalValidate")
	}
	if _, ok := g.stages[prerequisite]; !ok {
		return fmt.Errorf("dag: unknown prerequisite stage %q", prerequisite)
	}
	if _, ok := g.stages[dependent]; !ok {
		return fmt.Errorf("dag: unknown dependent stage %q", dependent)
	}
	if prerequisite == dependent {
		return fmt.Errorf("dag: stage %q cannot depend on itself", prerequisite)
	}
	g.adjacency[prerequisite] = append(g.adjacency[prerequisite], dependent)
	g.stages[dependent].predecessors++
	return nil
}

// TopologicalValidate checks the graph is acyclic (a cycle is a fatal
// build-time error) and freezes it: the graph becomes immutable to
// AddStage/AddDependency. It changes no stage status; Seed moves the
// zero-predecessor stages to RUNNABLE. Uses Kahn's algorithm (in-degree
// table + queue).
func (g *Graph) TopologicalValidate() error {
	if g.built {
		return nil
	}

	inDegree := make(map[string]int32, len(g.stages))
	for id, st := range g.stages {
		inDegree[id] = st.predecessors
	}

	queue := make([]string, 0, len(g.stages))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range g.adjacency[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(g.stages) {
		cyclic := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("dag: dependency cycle detected involving stages: %v", cyclic)
	}

	for _, st := range g.stages {
		st.dependents = append(st.dependents, g.adjacency[st.ID]...)
	}

	g.built = true
	return nil
}

// Seed promotes every NOT_STARTED stage with zero remaining predecessors to
// RUNNABLE. Call this once, after TopologicalValidate and after replaying
// the completion log (MarkFinishedFromLog for each already-finished
// fingerprint) — replaying first ensures a stage whose dependencies were all
// already finished in a prior run does not get needlessly re-dispatched.
func (g *Graph) Seed() {
	for _, id := range g.order {
		st := g.stages[id]
		if st.status == NotStarted && st.predecessors == 0 {
			st.status = Runnable
			g.runnable[id] = struct{}{}
		}
	}
}

// Get returns the stage with the given ID, or nil.
func (g *Graph) Get(id string) *Stage { return g.stages[id] }

// AllStageIDs returns every stage ID in registration order, regardless of
// status. Used by the scheduler's startup completion-log replay, which must
// visit every stage once.
func (g *Graph) AllStageIDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of stages in the graph.
func (g *Graph) Len() int { return len(g.stages) }

// DependentsOf returns the stage IDs with a dependency edge from id.
func (g *Graph) DependentsOf(id string) []string {
	return append([]string(nil), g.adjacency[id]...)
}

// MarkRunning transitions a RUNNABLE stage to RUNNING and removes it from
// the runnable set. Callers (the scheduler) are expected to have already
// selected id via RunnableIter.
func (g *Graph) MarkRunning(id string) error {
	st, ok := g.stages[id]
	if !ok {
		return fmt.Errorf("dag: unknown stage %q", id)
	}
	if !IsValidTransition(st.status, Running) {
		return fmt.Errorf("dag: invalid transition %s -> RUNNING for stage %q", st.status, id)
	}
	st.status = Running
	st.lastError = ""
	delete(g.runnable, id)
	return nil
}

// MarkFinished transitions a RUNNING stage to FINISHED and, for each
// dependent, decrements its predecessor counter; a dependent whose counter
// reaches zero moves to RUNNABLE. This is the O(out-degree) incremental
// frontier update required by spec §3 (no full graph re-scan).
//
// Callers MUST have already durably recorded the stage's fingerprint in the
// completion log before calling MarkFinished, per the write-ahead rule
// (spec §3, §5(a)): that ordering is the scheduler's responsibility, not
// this graph's.
func (g *Graph) MarkFinished(id string) ([]string, error) {
	st, ok := g.stages[id]
	if !ok {
		return nil, fmt.Errorf("dag: unknown stage %q", id)
	}
	if !IsValidTransition(st.status, Finished) {
		return nil, fmt.Errorf("dag: invalid transition %s -> FINISHED for stage %q", st.status, id)
	}
	st.status = Finished

	newlyRunnable := make([]string, 0)
	for _, depID := range st.dependents {
		dep := g.stages[depID]
		if dep == nil || dep.status.IsTerminal() {
			continue
		}
		dep.predecessors--
		if dep.predecessors == 0 && dep.status == NotStarted {
			dep.status = Runnable
			g.runnable[depID] = struct{}{}
			newlyRunnable = append(newlyRunnable, depID)
		}
	}
	return newlyRunnable, nil
}

// MarkRunnable reverts a RUNNING or LOST stage back to RUNNABLE, used for
// transient-failure retry and executor-lost recovery. retries is the new
// total retry count after this reversion; reason is recorded as the
// stage's LastError (empty for executor-lost recovery, which isn't a
// command failure).
func (g *Graph) MarkRunnable(id string, retries int, reason string) error {
	st, ok := g.stages[id]
	if !ok {
		return fmt.Errorf("dag: unknown stage %q", id)
	}
	if !IsValidTransition(st.status, Runnable) {
		return fmt.Errorf("dag: invalid transition %s -> RUNNABLE for stage %q", st.status, id)
	}
	st.status = Runnable
	st.retries = retries
	st.lastError = reason
	g.runnable[id] = struct{}{}
	return nil
}

// MarkLost transitions a RUNNING stage to LOST (its executor stopped
// heartbeating). The scheduler follows this immediately with MarkRunnable
// once the retry counter is incremented.
func (g *Graph) MarkLost(id string) error {
	st, ok := g.stages[id]
	if !ok {
		return fmt.Errorf("dag: unknown stage %q", id)
	}
	if !IsValidTransition(st.status, Lost) {
		return fmt.Errorf("dag: invalid transition %s -> LOST for stage %q", st.status, id)
	}
	st.status = Lost
	return nil
}

// MarkFailed transitions id to FAILED with the given cause and, whatever
// that cause, recursively propagates CauseDependency to every
// non-terminal transitive dependent — none of which are
// retried, per spec §4.1. reason is recorded as id's LastError; dependents
// failed by propagation get a LastError describing the upstream cause.
func (g *Graph) MarkFailed(id string, cause FailureCause, reason string) ([]string, error) {
	st, ok := g.stages[id]
	if !ok {
		return nil, fmt.Errorf("dag: unknown stage %q", id)
	}
	if st.status.IsTerminal() {
		return nil, nil
	}
	st.status = Failed
	st.cause = cause
	st.lastError = reason
	delete(g.runnable, id)

	failed := []string{id}
	queue := append([]string(nil), st.dependents...)
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		depID := queue[0]
		queue = queue[1:]
		if seen[depID] {
			continue
		}
		seen[depID] = true
		dep := g.stages[depID]
		if dep == nil || dep.status.IsTerminal() {
			continue
		}
		dep.status = Failed
		dep.cause = CauseDependency
		dep.lastError = fmt.Sprintf("upstream dependency %s failed", id)
		delete(g.runnable, depID)
		failed = append(failed, depID)
		queue = append(queue, dep.dependents...)
	}
	return failed, nil
}

// RunnableIter returns the current runnable frontier ordered per policy.
// For SmallestFittingFirst, stages are ordered by ascending resolved memory
// estimate (a stage whose memory hook errors sorts last and is skipped by
// callers, which will observe the error on ResolveMemoryGB when dispatching).
func (g *Graph) RunnableIter(policy Policy) []string {
	switch policy {
	case SmallestFittingFirst:
		return g.runnableBySmallestMemory()
	default:
		ids := make([]string, 0, len(g.runnable))
		for _, id := range g.order {
			if _, ok := g.runnable[id]; ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
}

// memoryHeapItem pairs a stage ID with its resolved memory for heap ordering.
type memoryHeapItem struct {
	id  string
	mem float64
}

type memoryHeap []memoryHeapItem

func (h memoryHeap) Len() int            { return len(h) }
func (h memoryHeap) Less(i, j int) bool  { return h[i].mem < h[j].mem }
func (h memoryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *memoryHeap) Push(x interface{}) { *h = append(*h, x.(memoryHeapItem)) }
func (h *memoryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// runnableBySmallestMemory orders the runnable frontier by ascending memory
// estimate using a container/heap priority queue, the same pattern the
// teacher kernel uses for priority-based scheduling.
func (g *Graph) runnableBySmallestMemory() []string {
	h := make(memoryHeap, 0, len(g.runnable))
	for id := range g.runnable {
		st := g.stages[id]
		mem, err := st.ResolveMemoryGB()
		if err != nil {
			// Hook failure is surfaced at dispatch time, not here; push the
			// stage to the back so dispatch attempts cheaper stages first.
			mem = float64(int64(1) << 40)
		}
		h = append(h, memoryHeapItem{id: id, mem: mem})
	}
	heap.Init(&h)
	ids := make([]string, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(&h).(memoryHeapItem)
		ids = append(ids, item.id)
	}
	return ids
}

// IsRunnableSetEmpty reports whether the runnable frontier is empty.
func (g *Graph) IsRunnableSetEmpty() bool { return len(g.runnable) == 0 }

// Counts returns (total, finished, failed, running, runnable) for the
// status query RPC.
func (g *Graph) Counts() (total, finished, failed, running, runnable int) {
	total = len(g.stages)
	for _, st := range g.stages {
		switch st.status {
		case Finished:
			finished++
		case Failed:
			failed++
		case Running:
			running++
		case Runnable:
			runnable++
		}
	}
	return
}

// AnyFailed reports whether at least one stage is in the FAILED state.
func (g *Graph) AnyFailed() bool {
	for _, st := range g.stages {
		if st.status == Failed {
			return true
		}
	}
	return false
}

// MarkFinishedFromLog marks id FINISHED during startup replay, without
// touching the completion log (it is already the source we loaded from) and
// without running completion hooks (they already ran in a prior process).
// Used by the scheduler when reconciling a freshly-built DAG against C2.
func (g *Graph) MarkFinishedFromLog(id string) ([]string, error) {
	st, ok := g.stages[id]
	if !ok {
		return nil, fmt.Errorf("dag: unknown stage %q", id)
	}
	if st.status != NotStarted {
		return nil, fmt.Errorf("dag: stage %q must be NOT_STARTED for log replay, was %s", id, st.status)
	}
	st.status = Finished
	delete(g.runnable, id)

	newlyRunnable := make([]string, 0)
	for _, depID := range st.dependents {
		dep := g.stages[depID]
		if dep == nil || dep.status.IsTerminal() {
			continue
		}
		dep.predecessors--
		if dep.predecessors == 0 && dep.status == NotStarted {
			dep.status = Runnable
			g.runnable[depID] = struct{}{}
			newlyRunnable = append(newlyRunnable, depID)
		}
	}
	return newlyRunnable, nil
}
