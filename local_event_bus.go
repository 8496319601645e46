package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LocalEventBus is an in-memory bus. Publish runs handlers synchronously on
// the caller's goroutine, in order, against a snapshot of the subscribers.
type LocalEventBus struct {
	mu           sync.RWMutex
	subscribers  map[Topic][]*subscription
	payloadTypes map[Topic]reflect.Type
	stats        map[Topic]*topicStats
	errorHandler ErrorHandler
	log          zerolog.Logger
	metrics      *Metrics
	maxDepth     int
}

// topicStats exists only for topics that have had a subscriber, so publishing
// arbitrary topics does not grow the bus.
type topicStats struct {
	topic     Topic
	metrics   *Metrics
	published int64
	delivered int64
	failed    int64
}

func (stats *topicStats) markPublished() {
	if stats == nil {
		return
	}
	atomic.AddInt64(&stats.published, 1)
	stats.metrics.incPublished(stats.topic)
}

func (stats *topicStats) markDelivered() {
	if stats == nil {
		return
	}
	atomic.AddInt64(&stats.delivered, 1)
	stats.metrics.incDelivered(stats.topic)
}

func (stats *topicStats) markFailed() {
	if stats == nil {
		return
	}
	atomic.AddInt64(&stats.failed, 1)
	stats.metrics.incFaults(stats.topic)
}

func (eventBus *LocalEventBus) Subscribe(topic Topic, handler Handler, options ...SubscriberOption) (Unsubscribe, error) {
	if len(topic.String()) == 0 {
		return nil, ErrTopicEmpty
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}
	sub := &subscription{
		uid:                uuid.New().String(),
		topic:              topic,
		handler:            handler,
		active:             1,
		SubscriberOptional: BuildSubscriberOptional(options...),
	}
	eventBus.mu.Lock()
	if eventBus.subscribers == nil {
		eventBus.subscribers = make(map[Topic][]*subscription)
	}
	eventBus.subscribers[topic] = append(eventBus.subscribers[topic], sub)
	SortSubscriptions(eventBus.subscribers[topic])
	eventBus.ensureTopicStats(topic)
	eventBus.metrics.setSubscribers(topic, len(eventBus.subscribers[topic]))
	eventBus.mu.Unlock()

	eventBus.log.Debug().Str("topic", topic.String()).Str("uid", sub.uid).Str("name", sub.name).Msg("subscribed")
	return eventBus.unsubscribeFunc(sub), nil
}

func (eventBus *LocalEventBus) Register(subscriber Subscriber, options ...SubscriberOption) (Unsubscribe, error) {
	if subscriber == nil {
		return nil, ErrSubscriberNil
	}
	event := subscriber.Event()
	if len(event.Topic.String()) == 0 {
		return nil, ErrTopicEmpty
	}
	if event.Data != nil {
		if err := eventBus.BindPayload(event.Topic, reflect.TypeOf(event.Data)); err != nil {
			return nil, err
		}
	}
	return eventBus.Subscribe(event.Topic, subscriber.Handle, options...)
}

// BindPayload fixes the payload type of topic. Rebinding to the same type is
// allowed, a different type is rejected.
func (eventBus *LocalEventBus) BindPayload(topic Topic, payloadType reflect.Type) error {
	if len(topic.String()) == 0 {
		return ErrTopicEmpty
	}
	if payloadType == nil {
		return fmt.Errorf("%w: topic %s bound to nil type", ErrPayloadType, topic)
	}
	eventBus.mu.Lock()
	defer eventBus.mu.Unlock()
	if eventBus.payloadTypes == nil {
		eventBus.payloadTypes = make(map[Topic]reflect.Type)
	}
	bound, ok := eventBus.payloadTypes[topic]
	if ok {
		if bound != payloadType {
			return fmt.Errorf("%w: topic %s bound to %s, got %s", ErrPayloadType, topic, bound, payloadType)
		}
		return nil
	}
	eventBus.payloadTypes[topic] = payloadType
	return nil
}

func (eventBus *LocalEventBus) unsubscribeFunc(sub *subscription) Unsubscribe {
	var done int32
	return func() {
		if !atomic.CompareAndSwapInt32(&done, 0, 1) {
			return
		}
		eventBus.remove(sub)
	}
}

func (eventBus *LocalEventBus) remove(sub *subscription) {
	sub.deactivate()
	eventBus.mu.Lock()
	current := eventBus.subscribers[sub.topic]
	// copy on write, in-flight snapshots keep their own slice
	kept := make([]*subscription, 0, len(current))
	removed := false
	for _, s := range current {
		if s == sub {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(eventBus.subscribers, sub.topic)
	} else {
		eventBus.subscribers[sub.topic] = kept
	}
	if removed {
		eventBus.metrics.setSubscribers(sub.topic, len(kept))
	}
	eventBus.mu.Unlock()
	if !removed {
		return
	}
	eventBus.log.Debug().Str("topic", sub.topic.String()).Str("uid", sub.uid).Msg("unsubscribed")
}

// UnsubscribeAll drops every subscription of the given topics, or of all
// topics when none is given. It returns how many were removed.
func (eventBus *LocalEventBus) UnsubscribeAll(topics ...Topic) int {
	eventBus.mu.Lock()
	if len(topics) == 0 {
		topics = make([]Topic, 0, len(eventBus.subscribers))
		for topic := range eventBus.subscribers {
			topics = append(topics, topic)
		}
	}
	removed := 0
	for _, topic := range topics {
		for _, sub := range eventBus.subscribers[topic] {
			if sub.deactivate() {
				removed++
			}
		}
		delete(eventBus.subscribers, topic)
		eventBus.metrics.setSubscribers(topic, 0)
	}
	eventBus.mu.Unlock()
	eventBus.log.Debug().Int("removed", removed).Int("topics", len(topics)).Msg("unsubscribed all")
	return removed
}

func (eventBus *LocalEventBus) getSubscribers(topic Topic) []*subscription {
	eventBus.mu.RLock()
	defer eventBus.mu.RUnlock()
	return CopySubscriptions(eventBus.subscribers[topic])
}

func (eventBus *LocalEventBus) getPayloadType(topic Topic) reflect.Type {
	eventBus.mu.RLock()
	defer eventBus.mu.RUnlock()
	return eventBus.payloadTypes[topic]
}

// getTopicStats returns nil for topics that never had a subscriber.
func (eventBus *LocalEventBus) getTopicStats(topic Topic) *topicStats {
	eventBus.mu.RLock()
	defer eventBus.mu.RUnlock()
	return eventBus.stats[topic]
}

// ensureTopicStats must be called with mu held.
func (eventBus *LocalEventBus) ensureTopicStats(topic Topic) {
	if eventBus.stats == nil {
		eventBus.stats = make(map[Topic]*topicStats)
	}
	if _, ok := eventBus.stats[topic]; !ok {
		eventBus.stats[topic] = &topicStats{topic: topic, metrics: eventBus.metrics}
	}
}

// Publish delivers event to every current subscriber of its topic. Handler
// failures are reported, never returned; the error is only for bad input.
func (eventBus *LocalEventBus) Publish(ctx context.Context, event Event) error {
	topic := event.Topic
	data := event.Data
	if len(topic.String()) == 0 {
		return ErrTopicEmpty
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if payloadType := eventBus.getPayloadType(topic); !payloadAssignable(data, payloadType) {
		return fmt.Errorf("%w: topic %s expects %s, got %T", ErrPayloadType, topic, payloadType, data)
	}
	depth := GetPublishDepth(ctx)
	if depth >= eventBus.maxDepth {
		return fmt.Errorf("%w: topic %s at depth %d", ErrEventLoopOverflow, topic, depth)
	}
	collector := getFaultCollector(ctx)
	ctx = withPublishDepth(ctx, depth+1)
	if collector != nil {
		ctx = context.WithValue(ctx, ctxFaultCollector, (*faultCollector)(nil))
	}
	stats := eventBus.getTopicStats(topic)
	stats.markPublished()

	for _, sub := range eventBus.getSubscribers(topic) {
		if !sub.isActive() {
			continue
		}
		if sub.once {
			if !sub.deactivate() {
				continue
			}
			eventBus.remove(sub)
		}
		if err := eventBus.invoke(ctx, sub, data); err != nil {
			stats.markFailed()
			collector.add(err)
			eventBus.reportFault(ctx, sub, err)
			continue
		}
		stats.markDelivered()
	}
	return nil
}

func (eventBus *LocalEventBus) invoke(ctx context.Context, sub *subscription, data interface{}) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return sub.handler(ctx, data)
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s: %v", ErrHandlerPanic, e.value)
}

func (e *panicError) Unwrap() error {
	return ErrHandlerPanic
}

func (eventBus *LocalEventBus) reportFault(ctx context.Context, sub *subscription, err error) {
	option := ErrorOption{
		Title: "【事件总线】订阅者处理事件出错",
		Topic: sub.topic,
		Uid:   sub.uid,
		Name:  sub.name,
		Error: err,
	}
	if p, ok := err.(*panicError); ok {
		option.Title = "【事件总线】订阅者处理事件出现panic"
		option.Panic = p.value
	}
	eventBus.log.Error().Err(err).
		Str("topic", sub.topic.String()).
		Str("uid", sub.uid).
		Str("name", sub.name).
		Msg(option.Title)
	eventBus.safeErrorHandler(option)
	//故障事件的订阅者出错时不再推送，避免循环
	if sub.topic == FaultTopic {
		return
	}
	if err := eventBus.Publish(ctx, FaultKind.Event(option)); err != nil {
		eventBus.log.Warn().Err(err).Str("topic", sub.topic.String()).Msg("fault not published")
	}
}

func (eventBus *LocalEventBus) safeErrorHandler(option ErrorOption) {
	defer func() {
		if p := recover(); p != nil {
			eventBus.log.Error().Interface("panic", p).Msg("【事件总线】错误处理器出现panic")
		}
	}()
	eventBus.errorHandler(option)
}

func (eventBus *LocalEventBus) GetTopicInfo() []TopicInfo {
	eventBus.mu.RLock()
	infos := make(map[Topic]*TopicInfo)
	for topic, subs := range eventBus.subscribers {
		infos[topic] = &TopicInfo{Topic: topic, SubscriberCount: len(subs)}
	}
	for topic, stats := range eventBus.stats {
		info, ok := infos[topic]
		if !ok {
			info = &TopicInfo{Topic: topic}
			infos[topic] = info
		}
		info.Published = atomic.LoadInt64(&stats.published)
		info.Delivered = atomic.LoadInt64(&stats.delivered)
		info.Failed = atomic.LoadInt64(&stats.failed)
	}
	eventBus.mu.RUnlock()

	result := make([]TopicInfo, 0, len(infos))
	for _, info := range infos {
		result = append(result, *info)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SubscriberCount != result[j].SubscriberCount {
			return result[i].SubscriberCount > result[j].SubscriberCount
		}
		return result[i].Topic < result[j].Topic
	})
	return result
}

func NewLocalEventBus(options ...EventBusOption) *LocalEventBus {
	eventBus := &LocalEventBus{
		subscribers:  nil,
		payloadTypes: nil,
		stats:        nil,
		errorHandler: nil,
		maxDepth:     0,
	}
	optional := EventBusOptional{}
	if len(options) != 0 {
		for _, opt := range options {
			if opt != nil {
				opt(&optional)
			}
		}
	}
	eventBus.errorHandler = optional.errorHandler
	if eventBus.errorHandler == nil {
		eventBus.errorHandler = func(option ErrorOption) {

		}
	}
	logger := zerolog.Nop()
	if optional.logger != nil {
		logger = *optional.logger
	}
	eventBus.log = logger.With().Str("component", ComponentBus).Logger()
	eventBus.metrics = optional.metrics
	eventBus.maxDepth = optional.maxDepth
	if eventBus.maxDepth == 0 {
		eventBus.maxDepth = DefaultMaxDepth
	}
	_ = eventBus.BindPayload(FaultTopic, FaultKind.PayloadType())
	eventBus.ensureTopicStats(FaultTopic)
	var _ EventBus = eventBus
	return eventBus
}
