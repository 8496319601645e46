package eventbus

import "context"

// Subscriber describes its topic and a sample payload through Event.
// A non-nil sample binds the topic's payload type on Register.
type Subscriber interface {
	Event() Event
	Handle(ctx context.Context, data interface{}) error
}

type subscription struct {
	uid     string
	topic   Topic
	handler Handler
	active  int32
	SubscriberOptional
}
