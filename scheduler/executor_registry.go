package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// ExecutorState is an executor record's lifecycle state.
type ExecutorState int

const (
	ExecutorRegistered ExecutorState = iota
	ExecutorActive
	ExecutorDraining
	ExecutorDead
)

func (s ExecutorState) String() string {
	switch s {
	case ExecutorRegistered:
		return "REGISTERED"
	case ExecutorActive:
		return "ACTIVE"
	case ExecutorDraining:
		return "DRAINING"
	case ExecutorDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// executorRecord is the scheduler's C3-side view of one executor:
// declared-memory/reserved-memory bookkeeping plus heartbeat-based
// liveness tracking.
type executorRecord struct {
	id            string
	totalMemoryGB float64
	cores         int
	hostname      string
	startedAt     time.Time

	reservedMemoryGB float64
	runningStages    map[string]struct{}

	lastHeartbeat    time.Time
	lastHeartbeatSeq uint64

	state ExecutorState
}

func newExecutorRecord(id string, totalMemoryGB float64, cores int, hostname string, now time.Time) *executorRecord {
	return &executorRecord{
		id:            id,
		totalMemoryGB: totalMemoryGB,
		cores:         cores,
		hostname:      hostname,
		startedAt:     now,
		runningStages: make(map[string]struct{}),
		lastHeartbeat: now,
		state:         ExecutorRegistered,
	}
}

// freeMemoryGB returns the executor's declared total minus its currently
// reserved memory. This is the scheduler's own bookkeeping, independent of
// whatever free_memory value the executor itself reports on request_work —
// the two should agree in a correct executor, but the scheduler never trusts
// the remote value for the reservation invariant.
func (e *executorRecord) freeMemoryGB() float64 {
	free := e.totalMemoryGB - e.reservedMemoryGB
	if free < 0 {
		return 0
	}
	return free
}

// newExecutorID mints an opaque executor identity: a short prefix plus
// a truncated UUID, cheap to generate and log without colliding.
func newExecutorID() string {
	return "exec_" + uuid.New().String()[:16]
}
