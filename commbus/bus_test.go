package commbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(2 * time.Second)
}

func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := newTestBus()
	var a, b int32
	bus.Subscribe("StageDispatched", countingHandler(&a))
	bus.Subscribe("StageDispatched", countingHandler(&b))

	err := bus.Publish(context.Background(), &StageDispatched{StageID: "s1", ExecutorID: "e1"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&a))
	assert.EqualValues(t, 1, atomic.LoadInt32(&b))
}

func TestPublishWithNoSubscribersIsANoop(t *testing.T) {
	bus := newTestBus()
	err := bus.Publish(context.Background(), &ExecutorRegistered{ExecutorID: "e1"})
	require.NoError(t, err)
}

func TestSubscriberErrorDoesNotStopOthers(t *testing.T) {
	bus := newTestBus()
	var called int32
	bus.Subscribe("StageFailed", failingHandler("boom"))
	bus.Subscribe("StageFailed", countingHandler(&called))

	err := bus.Publish(context.Background(), &StageFailed{StageID: "s1", Permanent: true})
	require.NoError(t, err) // Publish never surfaces subscriber errors directly
	assert.EqualValues(t, 1, atomic.LoadInt32(&called))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	var called int32
	unsubscribe := bus.Subscribe("StageRetried", countingHandler(&called))

	_ = bus.Publish(context.Background(), &StageRetried{StageID: "s1", Attempt: 1})
	unsubscribe()
	_ = bus.Publish(context.Background(), &StageRetried{StageID: "s1", Attempt: 2})

	assert.EqualValues(t, 1, atomic.LoadInt32(&called))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus()
	unsubscribe := bus.Subscribe("StageFinished", func(ctx context.Context, msg Message) (any, error) { return nil, nil })
	unsubscribe()
	unsubscribe() // must not panic
}

func TestRegisterHandlerRejectsDuplicates(t *testing.T) {
	bus := newTestBus()
	handler := func(ctx context.Context, msg Message) (any, error) { return nil, nil }

	require.NoError(t, bus.RegisterHandler("GetStatus", handler))
	err := bus.RegisterHandler("GetStatus", handler)
	require.Error(t, err)

	var alreadyRegistered *HandlerAlreadyRegisteredError
	assert.ErrorAs(t, err, &alreadyRegistered)
}

type statusQuery struct{}

func (statusQuery) Category() string { return string(MessageCategoryQuery) }
func (statusQuery) IsQuery()         {}

func TestQuerySyncReturnsHandlerResult(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("statusQuery", func(ctx context.Context, msg Message) (any, error) {
		return "ok", nil
	}))

	result, err := bus.QuerySync(context.Background(), statusQuery{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestQuerySyncWithNoHandlerErrors(t *testing.T) {
	bus := newTestBus()
	_, err := bus.QuerySync(context.Background(), statusQuery{})
	require.Error(t, err)

	var noHandler *NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestQuerySyncTimesOut(t *testing.T) {
	bus := NewInMemoryCommBus(10 * time.Millisecond)
	require.NoError(t, bus.RegisterHandler("statusQuery", func(ctx context.Context, msg Message) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "too slow", nil
	}))

	_, err := bus.QuerySync(context.Background(), statusQuery{})
	require.Error(t, err)

	var timeoutErr *QueryTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestGetSubscribersReflectsCurrentState(t *testing.T) {
	bus := newTestBus()
	assert.Len(t, bus.GetSubscribers("StageDispatched"), 0)

	bus.Subscribe("StageDispatched", func(ctx context.Context, msg Message) (any, error) { return nil, nil })
	bus.Subscribe("StageDispatched", func(ctx context.Context, msg Message) (any, error) { return nil, nil })

	assert.Len(t, bus.GetSubscribers("StageDispatched"), 2)
}

func TestClearRemovesEverything(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("StageDispatched", func(ctx context.Context, msg Message) (any, error) { return nil, nil })
	require.NoError(t, bus.RegisterHandler("statusQuery", func(ctx context.Context, msg Message) (any, error) { return nil, nil }))

	bus.Clear()

	assert.Len(t, bus.GetSubscribers("StageDispatched"), 0)
	assert.False(t, bus.HasHandler("statusQuery"))
}
