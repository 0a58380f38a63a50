// Package commbus provides tests for the pydpiper event catalogue.
package commbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageDispatched_Category(t *testing.T) {
	msg := &StageDispatched{}
	assert.Equal(t, "event", msg.Category())
	assert.Equal(t, "StageDispatched", GetMessageType(msg))
}

func TestStageFinished_Category(t *testing.T) {
	msg := &StageFinished{}
	assert.Equal(t, "event", msg.Category())
	assert.Equal(t, "StageFinished", GetMessageType(msg))
}

func TestStageRetried_Category(t *testing.T) {
	msg := &StageRetried{}
	assert.Equal(t, "event", msg.Category())
	assert.Equal(t, "StageRetried", GetMessageType(msg))
}

func TestStageFailed_Category(t *testing.T) {
	msg := &StageFailed{}
	assert.Equal(t, "event", msg.Category())
	assert.Equal(t, "StageFailed", GetMessageType(msg))
}

func TestExecutorRegistered_Category(t *testing.T) {
	msg := &ExecutorRegistered{}
	assert.Equal(t, "event", msg.Category())
	assert.Equal(t, "ExecutorRegistered", GetMessageType(msg))
}

func TestExecutorLost_Category(t *testing.T) {
	msg := &ExecutorLost{}
	assert.Equal(t, "event", msg.Category())
	assert.Equal(t, "ExecutorLost", GetMessageType(msg))
}

func TestPipelineDrained_Category(t *testing.T) {
	msg := &PipelineDrained{}
	assert.Equal(t, "event", msg.Category())
	assert.Equal(t, "PipelineDrained", GetMessageType(msg))
}

func TestGetMessageTypeUnknown(t *testing.T) {
	assert.Equal(t, "unknown", GetMessageType(plainMessage{}))
}

type plainMessage struct{}

func (plainMessage) Category() string { return string(MessageCategoryEvent) }
