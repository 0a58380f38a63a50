// Package dag implements the in-memory stage graph: statuses, dependency
// edges, and the incrementally-maintained runnable frontier.
package dag

import (
	"fmt"
	"time"
)

// Status is a stage's lifecycle state.
//
//	NOT_STARTED --(all preds FINISHED)--> RUNNABLE
//	RUNNABLE    --(dispatched)----------> RUNNING
//	RUNNING     --(success)-------------> FINISHED  [terminal]
//	RUNNING     --(fail, retry<=2)------> RUNNABLE
//	RUNNING     --(fail, retry>2)-------> FAILED    [terminal]
//	RUNNING     --(executor LOST)-------> RUNNABLE  (implicit retry)
//	*           --(pred FAILED)---------> FAILED    [terminal, cause=dependency]
type Status int

const (
	NotStarted Status = iota
	Runnable
	Running
	Finished
	Failed
	Lost
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is a state the stage will never leave.
func (s Status) IsTerminal() bool {
	return s == Finished || s == Failed
}

// validTransitions is an explicit allow-list instead of ad-hoc status
// assignment, so an invalid transition is a programming error caught
// at the call site.
var validTransitions = map[Status][]Status{
	NotStarted: {Runnable, Failed},
	Runnable:   {Running, Failed},
	Running:    {Finished, Runnable, Failed, Lost},
	Lost:       {Runnable},
	Finished:   {},
	Failed:     {},
}

// IsValidTransition reports whether from -> to is an allowed edge in the
// stage state machine.
func IsValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailureCause distinguishes why a stage ended in FAILED.
type FailureCause int

const (
	NoCause FailureCause = iota
	CausePermanent
	CauseDependency
	CauseResourceInfeasible
)

// HookKind is the sum-type discriminant for hook actions. The source
// language allowed arbitrary callables here; hooks are re-architected as a
// closed set of actions the scheduler itself knows how to evaluate, so a
// stage can never inject arbitrary code into the scheduler's critical
// section.
type HookKind int

const (
	HookRecomputeMemory HookKind = iota
	HookEmitVerificationImage
	HookRegisterFollowupStage
)

// HookAction is one runnable-time or completion-time action attached to a
// stage. Exactly one of the Kind-specific fields is meaningful, selected by
// Kind.
type HookAction struct {
	Kind HookKind

	// HookRecomputeMemory: inspect InputPaths on disk and return a memory
	// estimate in GB. Evaluated at most once per dispatch attempt; the
	// result is cached on the stage (see Stage.ResolveMemoryGB).
	RecomputeMemory func(inputPaths []string) (float64, error)

	// HookEmitVerificationImage: produce a side-artifact after success.
	// Returns the path written, for logging purposes only.
	EmitVerificationImage func() (string, error)

	// HookRegisterFollowupStage: returns a spec for a follow-up stage of
	// the stage that ran this hook. The scheduler evaluates the hook (an
	// error fails the stage) but does not add the returned spec to the
	// graph. Nil return means no follow-up was needed this run.
	RegisterFollowupStage func() (*Spec, error)
}

// Spec is the builder-facing description of a stage: everything needed to
// construct a Stage node. ID must be unique within the graph; Fingerprint
// must be stable across processes and runs with identical semantics (see
// the fingerprint package).
type Spec struct {
	ID          string
	Fingerprint string
	Command     []string
	InputPaths  []string
	OutputPaths []string

	// Name is an optional human-readable label shown in logs, metrics, and
	// CLI output in place of ID; defaults to ID when empty.
	Name string

	// MemoryGB is the static memory estimate. Ignored if MemoryHook is set.
	MemoryGB float64

	// MemoryHook, if non-nil, is a HookRecomputeMemory action evaluated at
	// runnable-time instead of using MemoryGB.
	MemoryHook *HookAction

	// CompletionHooks run, in order, after a successful command exit and
	// before the stage is reported FINISHED to the DAG. A failing
	// completion hook marks the stage FAILED for retry purposes, per the
	// resolved Open Question on hook-failure semantics.
	CompletionHooks []HookAction
}

// Stage is a DAG node. Stages are constructed once during DAG build and
// never mutated structurally; only Status, retries, and the cached memory
// estimate change over the stage's lifetime.
type Stage struct {
	ID          string
	Fingerprint string
	Command     []string
	InputPaths  []string
	OutputPaths []string
	Name        string
	CreatedAt   time.Time

	memoryGB   float64
	memoryHook *HookAction
	memoryDone bool

	CompletionHooks []HookAction

	status    Status
	retries   int
	cause     FailureCause
	lastError string

	predecessors int32 // remaining unfinished predecessor count
	dependents   []string
}

// newStage builds a Stage from a Spec. It does not touch the graph.
func newStage(spec *Spec) *Stage {
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return &Stage{
		ID:              spec.ID,
		Fingerprint:     spec.Fingerprint,
		Command:         spec.Command,
		InputPaths:      spec.InputPaths,
		OutputPaths:     spec.OutputPaths,
		Name:            name,
		CreatedAt:       stageClock(),
		memoryGB:        spec.MemoryGB,
		memoryHook:      spec.MemoryHook,
		CompletionHooks: spec.CompletionHooks,
		status:          NotStarted,
	}
}

// stageClock is a package-level indirection over time.Now so tests can
// pin CreatedAt without reaching into unexported state.
var stageClock = time.Now

// LastError returns the most recent failure reason recorded for this
// stage, cleared on its next successful dispatch. Empty if the stage has
// never failed or has since been re-dispatched.
func (s *Stage) LastError() string { return s.lastError }

// GetStatus returns the stage's current lifecycle state.
func (s *Stage) GetStatus() Status { return s.status }

// Retries returns the number of times the stage has been re-run after a
// failed attempt.
func (s *Stage) Retries() int { return s.retries }

// Cause returns why a FAILED stage failed; NoCause for any other status.
func (s *Stage) Cause() FailureCause { return s.cause }

// ResolveMemoryGB returns the stage's memory estimate in GB, evaluating and
// caching the MemoryHook (if any) on first call. Subsequent calls return the
// cached value without re-invoking the hook, per the "at most once per
// dispatch attempt" rule — in practice this means "once per stage", since a
// RUNNABLE stage is only ever dispatched while not yet RUNNING.
func (s *Stage) ResolveMemoryGB() (float64, error) {
	if s.memoryHook == nil || s.memoryDone {
		return s.memoryGB, nil
	}
	v, err := s.memoryHook.RecomputeMemory(s.InputPaths)
	if err != nil {
		return 0, fmt.Errorf("stage %s: recompute memory hook: %w", s.ID, err)
	}
	s.memoryGB = v
	s.memoryDone = true
	return s.memoryGB, nil
}

// ResolveMemoryGBUnsafeCache returns the cached memory estimate without
// invoking the hook — used when releasing a reservation for a stage whose
// memory was already resolved at dispatch time, where re-invoking a
// side-effecting hook would be wrong.
func (s *Stage) ResolveMemoryGBUnsafeCache() float64 {
	return s.memoryGB
}
