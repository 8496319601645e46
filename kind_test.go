package eventbus

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	taskCompletedKind  = NewKind[TaskCompleted](TaskCompletedTopic)
	progressUpdateKind = NewKind[*ProgressUpdate](ProgressUpdateTopic)
)

func TestKind_SubscribeAndPublish(t *testing.T) {
	eventBus := NewLocalEventBus()
	var received []TaskCompleted
	_, err := SubscribeKind(eventBus, taskCompletedKind, func(ctx context.Context, payload TaskCompleted) error {
		received = append(received, payload)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, PublishKind(context.Background(), eventBus, taskCompletedKind, TaskCompleted{TaskId: "42", Status: "done"}))
	assert.Equal(t, []TaskCompleted{{TaskId: "42", Status: "done"}}, received)
}

func TestKind_RuntimePayloadCheck(t *testing.T) {
	eventBus := NewLocalEventBus()
	_, err := SubscribeKind(eventBus, taskCompletedKind, func(ctx context.Context, payload TaskCompleted) error {
		t.Fatal("wrong payload delivered")
		return nil
	})
	require.NoError(t, err)
	err = eventBus.Publish(context.Background(), Event{Topic: TaskCompletedTopic, Data: "not a task"})
	assert.ErrorIs(t, err, ErrPayloadType)
	err = eventBus.Publish(context.Background(), Event{Topic: TaskCompletedTopic})
	assert.ErrorIs(t, err, ErrPayloadType, "结构体类型不能推送nil")
}

func TestKind_ConflictingBinding(t *testing.T) {
	eventBus := NewLocalEventBus()
	require.NoError(t, eventBus.BindPayload(TaskCompletedTopic, taskCompletedKind.PayloadType()))
	require.NoError(t, eventBus.BindPayload(TaskCompletedTopic, reflect.TypeOf(TaskCompleted{})))

	other := NewKind[ProgressUpdate](TaskCompletedTopic)
	_, err := SubscribeKind(eventBus, other, func(ctx context.Context, payload ProgressUpdate) error { return nil })
	assert.ErrorIs(t, err, ErrPayloadType)
	assert.ErrorIs(t, PublishKind(context.Background(), eventBus, other, ProgressUpdate{}), ErrPayloadType)
	assert.ErrorIs(t, eventBus.BindPayload(TaskCompletedTopic, nil), ErrPayloadType)
	assert.ErrorIs(t, eventBus.BindPayload("", reflect.TypeOf(0)), ErrTopicEmpty)
}

func TestKind_PointerPayload(t *testing.T) {
	eventBus := NewLocalEventBus()
	var got []*ProgressUpdate
	_, err := SubscribeKind(eventBus, progressUpdateKind, func(ctx context.Context, payload *ProgressUpdate) error {
		got = append(got, payload)
		return nil
	})
	require.NoError(t, err)
	update := &ProgressUpdate{OperationId: "op", Percent: 10}
	require.NoError(t, PublishKind(context.Background(), eventBus, progressUpdateKind, update))
	require.NoError(t, PublishKind(context.Background(), eventBus, progressUpdateKind, nil))
	require.Len(t, got, 2)
	assert.Same(t, update, got[0])
	assert.Nil(t, got[1])
}

func TestKind_InterfacePayload(t *testing.T) {
	eventBus := NewLocalEventBus()
	kind := NewKind[error]("errors")
	var got []error
	_, err := SubscribeKind(eventBus, kind, func(ctx context.Context, payload error) error {
		got = append(got, payload)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(context.Background(), Event{Topic: "errors", Data: ErrTopicEmpty}))
	assert.ErrorIs(t, eventBus.Publish(context.Background(), Event{Topic: "errors", Data: 1}), ErrPayloadType)
	assert.Equal(t, []error{ErrTopicEmpty}, got)
}

func TestKind_NilHandler(t *testing.T) {
	_, err := SubscribeKind[TaskCompleted](NewLocalEventBus(), taskCompletedKind, nil)
	assert.ErrorIs(t, err, ErrHandlerNil)
}
