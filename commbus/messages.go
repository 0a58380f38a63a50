// Package commbus provides the in-memory publish/subscribe bus used as the
// scheduler's internal event stream.
//
// This module defines the pydpiper event catalogue. Every event the
// scheduler core emits during dispatch, completion, failure, and executor
// liveness changes is declared here. The scheduler publishes them only
// when scheduler.Options.Bus is set; cmd/pydpiper-server does not set it,
// and no package outside commbus subscribes to them.
package commbus

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	MessageCategoryEvent   MessageCategory = "event"
	MessageCategoryQuery   MessageCategory = "query"
	MessageCategoryCommand MessageCategory = "command"
)

// StageDispatched is emitted when the scheduler hands a stage to an executor.
type StageDispatched struct {
	StageID    string  `json:"stage_id"`
	ExecutorID string  `json:"executor_id"`
	MemoryGB   float64 `json:"memory_gb"`
}

func (m *StageDispatched) Category() string    { return string(MessageCategoryEvent) }
func (m *StageDispatched) MessageType() string { return "StageDispatched" }

// StageFinished is emitted after a stage's fingerprint is durably committed
// to the completion log and its dependents have been unblocked.
type StageFinished struct {
	StageID    string `json:"stage_id"`
	ExecutorID string `json:"executor_id"`
}

func (m *StageFinished) Category() string    { return string(MessageCategoryEvent) }
func (m *StageFinished) MessageType() string { return "StageFinished" }

// StageRetried is emitted when a stage returns to RUNNABLE after a
// transient failure.
type StageRetried struct {
	StageID string `json:"stage_id"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

func (m *StageRetried) Category() string    { return string(MessageCategoryEvent) }
func (m *StageRetried) MessageType() string { return "StageRetried" }

// StageFailed is emitted when a stage fails permanently. Dependents
// failed by propagation get no StageFailed event of their own.
type StageFailed struct {
	StageID   string `json:"stage_id"`
	Permanent bool   `json:"permanent"`
	Reason    string `json:"reason"`
}

func (m *StageFailed) Category() string    { return string(MessageCategoryEvent) }
func (m *StageFailed) MessageType() string { return "StageFailed" }

// ExecutorRegistered is emitted when a new executor joins the pool.
type ExecutorRegistered struct {
	ExecutorID    string  `json:"executor_id"`
	TotalMemoryGB float64 `json:"total_memory_gb"`
	Cores         int     `json:"cores"`
}

func (m *ExecutorRegistered) Category() string    { return string(MessageCategoryEvent) }
func (m *ExecutorRegistered) MessageType() string { return "ExecutorRegistered" }

// ExecutorLost is emitted when an executor's heartbeat exceeds the latency
// tolerance and its in-flight stages are re-queued.
type ExecutorLost struct {
	ExecutorID     string `json:"executor_id"`
	InFlightStages int    `json:"in_flight_stages"`
}

func (m *ExecutorLost) Category() string    { return string(MessageCategoryEvent) }
func (m *ExecutorLost) MessageType() string { return "ExecutorLost" }

// PipelineDrained is emitted once when the scheduler transitions to DRAIN
// (spec §4.4): no RUNNABLE/RUNNING stages remain, or a fatal error
// (FatalReason) stopped dispatch.
type PipelineDrained struct {
	FatalReason string `json:"fatal_reason,omitempty"`
}

func (m *PipelineDrained) Category() string    { return string(MessageCategoryEvent) }
func (m *PipelineDrained) MessageType() string { return "PipelineDrained" }

// TypedMessage is an optional interface for messages that can provide their
// own type name without a static type switch — every pydpiper event
// implements it directly above.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the routing type name of a message.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}
	return "unknown"
}
