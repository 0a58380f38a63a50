package scheduler

import "fmt"

// Error kinds adapted from commbus/errors.go's typed-error-with-Unwrap
// pattern: each kind is a distinct Go type so callers can use errors.As to
// branch on failure category, per spec §7.

// TransientStageError represents a stage exit that is retried (cap 2),
// motivated by observed NFS races on shared filesystems.
type TransientStageError struct {
	StageID string
	Reason  string
	Retries int
}

func (e *TransientStageError) Error() string {
	return fmt.Sprintf("scheduler: stage %s failed transiently (attempt %d): %s", e.StageID, e.Retries, e.Reason)
}

// PermanentStageError represents a stage that exceeded its retry cap.
type PermanentStageError struct {
	StageID string
	Reason  string
}

func (e *PermanentStageError) Error() string {
	return fmt.Sprintf("scheduler: stage %s failed permanently after retries: %s", e.StageID, e.Reason)
}

// DependencyFailedError represents a stage marked FAILED because an
// ancestor failed permanently; never retried.
type DependencyFailedError struct {
	StageID      string
	AncestorID   string
	AncestorKind string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("scheduler: stage %s failed because ancestor %s failed (%s)", e.StageID, e.AncestorID, e.AncestorKind)
}

// ExecutorLostError represents a heartbeat-timeout detection; in-flight
// stages are re-queued with their retry counters incremented.
type ExecutorLostError struct {
	ExecutorID  string
	SilentFor   string
	StageIDs    []string
}

func (e *ExecutorLostError) Error() string {
	return fmt.Sprintf("scheduler: executor %s lost (silent for %s), %d stages re-queued", e.ExecutorID, e.SilentFor, len(e.StageIDs))
}

// ResourceInfeasibleError is fatal: a stage's memory estimate exceeds every
// known executor's declared total memory.
type ResourceInfeasibleError struct {
	StageID       string
	RequiredGB    float64
	MaxExecutorGB float64
}

func (e *ResourceInfeasibleError) Error() string {
	return fmt.Sprintf("scheduler: insufficient resources: stage %s requires %.2f GB, max known executor has %.2f GB",
		e.StageID, e.RequiredGB, e.MaxExecutorGB)
}

// RegistrationFailureError represents an executor unable to reach the
// server within its initial registration window; the server itself is
// unaffected.
type RegistrationFailureError struct {
	Reason string
}

func (e *RegistrationFailureError) Error() string {
	return fmt.Sprintf("scheduler: executor registration failed: %s", e.Reason)
}

// LogWriteFailureError wraps a completion-log append failure; the stage
// stays RUNNING and the executor is expected to re-report.
type LogWriteFailureError struct {
	StageID string
	Cause   error
}

func (e *LogWriteFailureError) Error() string {
	return fmt.Sprintf("scheduler: stage %s completion log write failed: %v", e.StageID, e.Cause)
}

func (e *LogWriteFailureError) Unwrap() error { return e.Cause }

// NotFoundError is returned when an RPC references an unknown executor or
// stage ID.
type NotFoundError struct {
	Kind string // "executor" | "stage"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("scheduler: unknown %s %q", e.Kind, e.ID)
}
