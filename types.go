package eventbus

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Topic string

func (topic Topic) String() string {
	return string(topic)
}

type contextKey string

type Event struct {
	Topic Topic
	Data  interface{}
}

// Handler 处理一次事件推送，返回的错误只会被上报，不会传给推送方
type Handler func(ctx context.Context, data interface{}) error

// Unsubscribe 移除对应的订阅，重复调用无副作用
type Unsubscribe func()

type EventBusOptional struct {
	errorHandler ErrorHandler
	logger       *zerolog.Logger
	metrics      *Metrics
	maxDepth     int
}

type EventBusOption func(optional *EventBusOptional)

type ErrorHandler func(option ErrorOption)

func WithErrHandlerOption(errorHandler ErrorHandler) EventBusOption {
	if errorHandler == nil {
		panic("err handler is nil")
	}
	return func(optional *EventBusOptional) {
		optional.errorHandler = errorHandler
	}
}

func WithLoggerOption(logger zerolog.Logger) EventBusOption {
	return func(optional *EventBusOptional) {
		optional.logger = &logger
	}
}

func WithMetricsOption(metrics *Metrics) EventBusOption {
	return func(optional *EventBusOptional) {
		optional.metrics = metrics
	}
}

// WithMaxDepthOption 限制处理器内嵌套推送的层数
func WithMaxDepthOption(maxDepth int) EventBusOption {
	return func(optional *EventBusOptional) {
		if maxDepth < MinMaxDepth {
			maxDepth = MinMaxDepth
		}
		optional.maxDepth = maxDepth
	}
}

type SubscriberOption func(*SubscriberOptional)

func WithOrderOption(order int) SubscriberOption {
	return func(optional *SubscriberOptional) {
		optional.order = order
	}
}

func WithNameOption(name string) SubscriberOption {
	return func(optional *SubscriberOptional) {
		optional.name = name
	}
}

// WithOnceOption 订阅者收到第一次事件后自动取消订阅
func WithOnceOption() SubscriberOption {
	return func(optional *SubscriberOptional) {
		optional.once = true
	}
}

type SubscriberOptional struct {
	name  string
	order int
	once  bool
}

type ErrorOption struct {
	Title string `json:"title"`
	Topic Topic  `json:"topic"`
	// Uid is the failing subscription id.
	Uid   string      `json:"uid,omitempty"`
	Name  string      `json:"name,omitempty"`
	Panic interface{} `json:"panic,omitempty"`
	Error error       `json:"-"`
	// remote
	Message      string  `json:"message,omitempty"`
	ExecuteTimes int     `json:"execute_times,omitempty"`
	Topics       []Topic `json:"topics,omitempty"`
}

type TopicInfo struct {
	Topic           Topic
	SubscriberCount int
	Published       int64
	Delivered       int64
	Failed          int64
}

// redis relay

type PublishOption func(*PublishOptional)
type PublishOptional struct {
	Interval    time.Duration                       `json:"interval"`
	MaxDuration time.Duration                       `json:"max_duration"`
	TryTimes    int                                 `json:"try_times"`
	LeastDelay  time.Duration                       `json:"least_delay"`
	Encode      func(v interface{}) ([]byte, error) `json:"-"`
}

func WithIntervalOption(interval time.Duration) PublishOption {
	return func(optional *PublishOptional) {
		if interval <= RedisMinInterval {
			interval = RedisMinInterval
		}
		optional.Interval = interval
	}
}

func WithMaxDurationOption(maxDuration time.Duration) PublishOption {
	return func(optional *PublishOptional) {
		if maxDuration <= RedisMinDuration {
			maxDuration = RedisMinDuration
		}
		optional.MaxDuration = maxDuration
	}
}

func WithTryTimesOption(tryTimes int) PublishOption {
	return func(optional *PublishOptional) {
		if tryTimes < 0 {
			tryTimes = 0
		}
		optional.TryTimes = tryTimes
	}
}

func WithLeastDelayOption(leastDelay time.Duration) PublishOption {
	return func(optional *PublishOptional) {
		optional.LeastDelay = leastDelay
	}
}

func WithEncodeOption(encode func(v interface{}) ([]byte, error)) PublishOption {
	if encode == nil {
		panic("encode is nil")
	}
	return func(optional *PublishOptional) {
		optional.Encode = encode
	}
}

type ListenOption func(*ListenOptional)
type ListenOptional struct {
	decode func([]byte) (interface{}, error)
}

func WithDecodeOption(decode func([]byte) (interface{}, error)) ListenOption {
	if decode == nil {
		panic("decode is nil")
	}
	return func(optional *ListenOptional) {
		optional.decode = decode
	}
}

type RelayOptional struct {
	errorHandler  ErrorHandler
	logger        *zerolog.Logger
	pollDuration  time.Duration
	handleTimeout time.Duration
}

type RelayOption func(optional *RelayOptional)

func WithRelayErrHandlerOption(errorHandler ErrorHandler) RelayOption {
	if errorHandler == nil {
		panic("err handler is nil")
	}
	return func(optional *RelayOptional) {
		optional.errorHandler = errorHandler
	}
}

func WithRelayLoggerOption(logger zerolog.Logger) RelayOption {
	return func(optional *RelayOptional) {
		optional.logger = &logger
	}
}

func WithPollDurationOption(pollDuration time.Duration) RelayOption {
	return func(optional *RelayOptional) {
		optional.pollDuration = pollDuration
	}
}

func WithHandleTimeout(timeout time.Duration) RelayOption {
	return func(optional *RelayOptional) {
		optional.handleTimeout = timeout
	}
}

type DoneMessage struct {
	Uid   string
	Error error
}

type RemoteMessage struct {
	Message      []byte
	Optional     PublishOptional
	ExecuteTimes int
}

type QueueInfo struct {
	Topic        Topic
	MessageCount int64
}
