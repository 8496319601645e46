package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"
	"time"
)

func GetRedisBlockListKey(topic Topic) string {
	return fmt.Sprintf("%s:%s", RedisEventBlockList, topic)
}
func GetRedisQueueKey(topic Topic) string {
	return fmt.Sprintf("%s:%s", RedisEventTopicQueue, topic)
}
func GetMessageUid(uid string) string {
	return fmt.Sprintf("%s:%s", RedisEventMessageUid, uid)
}
func GetPublishOptionalUid(uid string) string {
	return fmt.Sprintf("%s:%s", RedisEventPublishOptionalUid, uid)
}

func GetMessageHandleUid(uid string) string {
	return fmt.Sprintf("%s:%s", RedisEventMessageHandleUid, uid)
}
func GetMessageExecuteTimesUid(uid string) string {
	return fmt.Sprintf("%s:%s", RedisEventMessageExecuteTimes, uid)
}
func GetIntTimestamp(t time.Time) int64 {
	return t.UnixMilli()
}
func GetFloatTimestamp(t time.Time) float64 {
	return float64(GetIntTimestamp(t))
}
func TimestampToTime(timestamp int64) time.Time {
	return time.UnixMilli(timestamp)
}

// GetNextTryDelay returns the backoff before the next attempt, doubling
// Interval per past attempt and capping at MaxDuration.
func GetNextTryDelay(executeTimes int, optional PublishOptional) (time.Duration, bool) {
	if optional.TryTimes != 0 && executeTimes >= optional.TryTimes {
		return 0, false
	}
	add := optional.Interval
	if add < RedisMinInterval {
		add = RedisMinInterval
	}
	if add > RedisMaxInterval {
		add = RedisMaxInterval
	}
	max := optional.MaxDuration
	if max < RedisMinDuration || max > RedisMaxDuration {
		max = RedisMaxDuration
	}
	for i := 0; i < executeTimes; i++ {
		add *= 2
		if add > max {
			add = max
			break
		}
	}
	return add, true
}

func GetNextTryTime(executeTimes int, optional PublishOptional) (time.Time, bool) {
	delay, ok := GetNextTryDelay(executeTimes, optional)
	if !ok {
		return time.Time{}, false
	}
	return time.Now().Add(delay), true
}

func GetDefaultPublishOptional() PublishOptional {
	return PublishOptional{
		Interval:    RedisDefaultInterval,
		MaxDuration: time.Hour,
		TryTimes:    0,
	}
}

// GetPublishDepth reports how many publishes are on the stack of ctx.
func GetPublishDepth(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	depth, ok := ctx.Value(ctxPublishDepth).(int)
	if !ok {
		return 0
	}
	return depth
}

func withPublishDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxPublishDepth, depth)
}

// IsRelayed reports whether ctx descends from a delivery made by a RedisRelay.
func IsRelayed(ctx context.Context) bool {
	_, ok := RelayedTopic(ctx)
	return ok
}

// RelayedTopic returns the topic of the relayed delivery ctx descends from.
func RelayedTopic(ctx context.Context) (Topic, bool) {
	if ctx == nil {
		return "", false
	}
	topic, ok := ctx.Value(ctxRelayed).(Topic)
	return topic, ok && topic != ""
}

func withRelayed(ctx context.Context, topic Topic) context.Context {
	return context.WithValue(ctx, ctxRelayed, topic)
}

// faultCollector gathers the handler faults of a single publish. Nested
// publishes made by the handlers do not report into it.
type faultCollector struct {
	errs []error
}

func (collector *faultCollector) add(err error) {
	if collector == nil {
		return
	}
	collector.errs = append(collector.errs, err)
}

func (collector *faultCollector) err() error {
	if collector == nil {
		return nil
	}
	return errors.Join(collector.errs...)
}

func withFaultCollector(ctx context.Context) (context.Context, *faultCollector) {
	collector := &faultCollector{}
	return context.WithValue(ctx, ctxFaultCollector, collector), collector
}

func getFaultCollector(ctx context.Context) *faultCollector {
	collector, _ := ctx.Value(ctxFaultCollector).(*faultCollector)
	return collector
}

func BuildSubscriberOptional(option ...SubscriberOption) SubscriberOptional {
	optional := SubscriberOptional{}
	if len(option) != 0 {
		for _, opt := range option {
			if opt != nil {
				opt(&optional)
			}
		}
	}
	return optional
}

// SortSubscriptions keeps registration order among equal orders.
func SortSubscriptions(subscriptions []*subscription) {
	if len(subscriptions) <= 1 {
		return
	}
	sort.SliceStable(subscriptions, func(i, j int) bool {
		return subscriptions[i].order < subscriptions[j].order
	})
}

func CopySubscriptions(subscriptions []*subscription) []*subscription {
	result := make([]*subscription, 0, len(subscriptions))
	result = append(result, subscriptions...)
	return result
}

func (sub *subscription) isActive() bool {
	return atomic.LoadInt32(&sub.active) == 1
}

// deactivate returns false when the subscription was already inactive.
func (sub *subscription) deactivate() bool {
	return atomic.CompareAndSwapInt32(&sub.active, 1, 0)
}

// payloadAssignable reports whether data may be published on a topic bound to payloadType.
func payloadAssignable(data interface{}, payloadType reflect.Type) bool {
	if payloadType == nil {
		return true
	}
	if data == nil {
		switch payloadType.Kind() {
		case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return true
		}
		return false
	}
	return reflect.TypeOf(data).AssignableTo(payloadType)
}
