package eventbus

import (
	"context"
	"fmt"
	"reflect"
)

// Kind binds a topic to the payload type T.
type Kind[T any] struct {
	topic Topic
}

// FaultKind carries handler failures reported by a LocalEventBus.
var FaultKind = NewKind[ErrorOption](FaultTopic)

func NewKind[T any](topic Topic) Kind[T] {
	return Kind[T]{topic: topic}
}

func (kind Kind[T]) Topic() Topic {
	return kind.topic
}

func (kind Kind[T]) PayloadType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (kind Kind[T]) Event(payload T) Event {
	return Event{
		Topic: kind.topic,
		Data:  payload,
	}
}

// SubscribeKind subscribes a handler typed on the kind's payload.
func SubscribeKind[T any](bus EventBus, kind Kind[T], handler func(ctx context.Context, payload T) error, options ...SubscriberOption) (Unsubscribe, error) {
	if handler == nil {
		return nil, ErrHandlerNil
	}
	if err := bus.BindPayload(kind.Topic(), kind.PayloadType()); err != nil {
		return nil, err
	}
	return bus.Subscribe(kind.Topic(), func(ctx context.Context, data interface{}) error {
		if data == nil {
			var zero T
			return handler(ctx, zero)
		}
		payload, ok := data.(T)
		if !ok {
			return fmt.Errorf("%w: topic %s expects %s, got %T", ErrPayloadType, kind.Topic(), kind.PayloadType(), data)
		}
		return handler(ctx, payload)
	}, options...)
}

func PublishKind[T any](ctx context.Context, bus EventBus, kind Kind[T], payload T) error {
	if err := bus.BindPayload(kind.Topic(), kind.PayloadType()); err != nil {
		return err
	}
	return bus.Publish(ctx, kind.Event(payload))
}
