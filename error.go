package eventbus

import "errors"

var (
	ErrEventLoopOverflow   = errors.New("event loop overflow")
	ErrEventDataMustStruct = errors.New("err event data must struct")
	ErrTopicEmpty          = errors.New("err topic empty")
	ErrSubscriberNil       = errors.New("err subscriber nil")
	ErrHandlerNil          = errors.New("err handler nil")
	ErrHandlerPanic        = errors.New("err handler panic")
	ErrPayloadType         = errors.New("err payload type")
	ErrRelayClosed         = errors.New("err relay closed")
	ErrInvalidConfig       = errors.New("err invalid config")
)
