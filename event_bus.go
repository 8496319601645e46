package eventbus

import (
	"context"
	"reflect"
)

type EventBus interface {
	Subscribe(topic Topic, handler Handler, options ...SubscriberOption) (Unsubscribe, error)
	Register(subscriber Subscriber, options ...SubscriberOption) (Unsubscribe, error)
	Publish(ctx context.Context, event Event) error
	UnsubscribeAll(topics ...Topic) int
	BindPayload(topic Topic, payloadType reflect.Type) error
	GetTopicInfo() []TopicInfo
}
