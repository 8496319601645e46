package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"golang.org/x/sync/semaphore"
)

// RedisRelay hands events of selected topics from one process to another
// through Redis. Each enqueued message is claimed by exactly one listening
// instance and re-published into that instance's bus. A delivery fails when
// decoding fails or any local subscriber returns an error or panics; failed
// deliveries are retried with exponential backoff, so subscribers of relayed
// topics should tolerate seeing a message more than once.
type RedisRelay struct {
	mu            sync.RWMutex
	bus           EventBus
	redisClient   *redis.Client
	once          sync.Once
	decoders      map[Topic]func([]byte) (interface{}, error)
	forwards      map[Topic][]Unsubscribe
	errorHandler  ErrorHandler
	log           zerolog.Logger
	pollDuration  time.Duration
	handleTimeout time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

func (relay *RedisRelay) reportError(option ErrorOption) {
	event := relay.log.Error().Str("topic", option.Topic.String())
	if option.Error != nil {
		event = event.Err(option.Error)
	}
	if option.Uid != "" {
		event = event.Str("uid", option.Uid)
	}
	if option.Panic != nil {
		event = event.Interface("panic", option.Panic)
	}
	event.Msg(option.Title)
	relay.errorHandler(option)
}

func (relay *RedisRelay) asyncDo(fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			relay.reportError(ErrorOption{
				Title: "【事件总线】出现panic",
				Panic: r,
			})
		}()
		fn()
	}()
}

func (relay *RedisRelay) closed() bool {
	return relay.ctx.Err() != nil
}

func (relay *RedisRelay) asyncListenTopic(topic Topic) {
	relay.asyncDo(func() {
		key := GetRedisBlockListKey(topic)
		for !relay.closed() {
			scores, err := relay.redisClient.BLPop(relay.ctx, RedisBlockTimeout, key).Result()
			if relay.closed() {
				return
			}
			if err != nil && !errors.Is(err, redis.Nil) {
				relay.reportError(ErrorOption{
					Title: "【事件总线】监听队列出错",
					Topic: topic,
					Error: err,
				})
				relay.sleep(relay.pollDuration)
				continue
			}
			scoreMap := make(map[int64]struct{})
			// BLPOP returns [key, value]
			for _, score := range scores {
				if score == key {
					continue
				}
				s := cast.ToInt64(score)
				if _, ok := scoreMap[s]; ok {
					continue
				}
				scoreMap[s] = struct{}{}
				if s == 0 {
					relay.asyncPollTopic(topic)
					continue
				}
				relay.asyncDo(func() {
					//按照任务要执行的时间，延迟一点再拉取，避免不同机器时间不一致
					relay.sleep(time.Until(TimestampToTime(s).Add(RedisDueSkew)))
					relay.asyncPollTopic(topic)
				})
			}
		}
	})
}

// sleep waits for d or until the relay is closed.
func (relay *RedisRelay) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-relay.ctx.Done():
	}
}

func (relay *RedisRelay) asyncPollTopic(topics ...Topic) {
	if len(topics) == 0 || relay.closed() {
		return
	}
	relay.asyncDo(func() {
		ctx := relay.ctx
		pipeline := relay.redisClient.Pipeline()
		cmdMap := make(map[Topic]*redis.StringSliceCmd)
		minScore := cast.ToString(0)
		maxScore := cast.ToString(GetIntTimestamp(time.Now()))
		//先按照时间拉取消息
		for _, topic := range topics {
			cmdMap[topic] = pipeline.ZRangeByScore(ctx, GetRedisQueueKey(topic), &redis.ZRangeBy{
				Min: minScore,
				Max: maxScore,
			})
		}
		_, err := pipeline.Exec(ctx)
		if err != nil && !errors.Is(err, redis.Nil) {
			relay.reportError(ErrorOption{
				Title:  "【事件总线】拉取远程事件出现异常",
				Error:  err,
				Topics: topics,
			})
			return
		}
		topicMessageUidHandleMap := make(map[Topic]map[string]*redis.BoolCmd)
		//只有setnx成功的实例才能处理该消息，防止多实例同时处理
		for topic, cmd := range cmdMap {
			messageUidList, err := cmd.Result()
			if err != nil {
				relay.reportError(ErrorOption{
					Title: "【事件总线】批量拉取主题消息出错",
					Error: err,
					Topic: topic,
				})
				continue
			}
			for _, uid := range messageUidList {
				if topicMessageUidHandleMap[topic] == nil {
					topicMessageUidHandleMap[topic] = make(map[string]*redis.BoolCmd)
				}
				topicMessageUidHandleMap[topic][uid] = pipeline.SetNX(ctx, GetMessageHandleUid(uid), 1, relay.handleTimeout)
			}
		}
		if len(topicMessageUidHandleMap) == 0 {
			return
		}
		if _, err = pipeline.Exec(ctx); err != nil {
			relay.reportError(ErrorOption{
				Title:  "【事件总线】判断可否处理消息出错",
				Error:  err,
				Topics: topics,
			})
			return
		}
		for topic, messageUidHandleMap := range topicMessageUidHandleMap {
			messageUidList := make([]string, 0, len(messageUidHandleMap))
			for messageUid, setNxCmd := range messageUidHandleMap {
				setNx, err := setNxCmd.Result()
				if err != nil {
					relay.reportError(ErrorOption{
						Title: "【事件总线】抢占消息处理出错",
						Error: err,
						Topic: topic,
						Uid:   messageUid,
					})
					continue
				}
				if !setNx {
					continue
				}
				messageUidList = append(messageUidList, messageUid)
			}
			if len(messageUidList) == 0 {
				continue
			}
			relay.asyncPollMessage(topic, messageUidList)
		}
	})
}

func (relay *RedisRelay) getRemoteMessage(uidList []string) map[string]RemoteMessage {
	messages := make(map[string]RemoteMessage)
	if len(uidList) == 0 {
		return messages
	}
	ctx := relay.ctx
	messageCmdMap := make(map[string]*redis.StringCmd)
	optionalCmdMap := make(map[string]*redis.StringCmd)
	executeTimesCmdMap := make(map[string]*redis.StringCmd)
	pipeline := relay.redisClient.Pipeline()
	for _, uid := range uidList {
		messageCmdMap[uid] = pipeline.Get(ctx, GetMessageUid(uid))
		optionalCmdMap[uid] = pipeline.Get(ctx, GetPublishOptionalUid(uid))
		executeTimesCmdMap[uid] = pipeline.Get(ctx, GetMessageExecuteTimesUid(uid))
	}
	_, err := pipeline.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return messages
	}
	for _, uid := range uidList {
		msgBytes, err := messageCmdMap[uid].Bytes()
		if err != nil {
			continue
		}
		publishOptional := GetDefaultPublishOptional()
		if optionalBytes, err := optionalCmdMap[uid].Bytes(); err == nil {
			if err = jsoniter.Unmarshal(optionalBytes, &publishOptional); err != nil {
				publishOptional = GetDefaultPublishOptional()
			}
		}
		executeTimes, _ := executeTimesCmdMap[uid].Int()
		messages[uid] = RemoteMessage{
			Message:      msgBytes,
			Optional:     publishOptional,
			ExecuteTimes: executeTimes,
		}
	}
	return messages
}

func (relay *RedisRelay) getDecoder(topic Topic) (func([]byte) (interface{}, error), bool) {
	relay.mu.RLock()
	defer relay.mu.RUnlock()
	decode, ok := relay.decoders[topic]
	return decode, ok
}

func (relay *RedisRelay) handleQueueMessage(topic Topic, uid string, message []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			relay.reportError(ErrorOption{
				Title:   "【事件总线】处理消息出现异常",
				Topic:   topic,
				Uid:     uid,
				Message: string(message),
				Panic:   p,
			})
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	decode, ok := relay.getDecoder(topic)
	if !ok {
		return fmt.Errorf("no decoder for topic %s", topic)
	}
	data, err := decode(message)
	if err != nil {
		return fmt.Errorf("decode message %s: %w", uid, err)
	}
	//订阅者出错时消息也要重试，收集本次推送中的订阅者错误
	ctx, collector := withFaultCollector(withRelayed(relay.ctx, topic))
	if err = relay.bus.Publish(ctx, Event{
		Topic: topic,
		Data:  data,
	}); err != nil {
		return err
	}
	return collector.err()
}

func (relay *RedisRelay) asyncPollMessage(topic Topic, messageUidList []string) {
	relay.asyncDo(func() {
		if len(messageUidList) == 0 {
			return
		}
		ctx := context.Background()
		doneMsgUidMap := make(map[string]struct{})
		defer func() {
			pipe := relay.redisClient.Pipeline()
			released := 0
			for _, messageUid := range messageUidList {
				//处理完成的消息让执行权自然过期，处理失败的消息删除执行权等待下次执行
				if _, ok := doneMsgUidMap[messageUid]; ok {
					continue
				}
				pipe.Del(ctx, GetMessageHandleUid(messageUid))
				released++
			}
			if released == 0 {
				return
			}
			if _, err := pipe.Exec(ctx); err != nil {
				relay.reportError(ErrorOption{
					Title: "【事件总线】释放消息处理权限出错",
					Error: err,
					Topic: topic,
				})
			}
		}()
		remoteMessage := relay.getRemoteMessage(messageUidList)
		num := int64(len(messageUidList))
		weight := semaphore.NewWeighted(num)
		if !weight.TryAcquire(num) {
			relay.reportError(ErrorOption{
				Title: "【事件总线】获取信号量出错",
				Topic: topic,
				Error: fmt.Errorf("获取信号量出错,n:%d", num),
			})
			return
		}
		doneMessageChan := make(chan DoneMessage, num)
		for _, messageUid := range messageUidList {
			uid := messageUid
			relay.asyncDo(func() {
				defer weight.Release(1)
				message, ok := remoteMessage[uid]
				if !ok {
					relay.reportError(ErrorOption{
						Title: "【事件总线】获取不到消息内容",
						Topic: topic,
						Uid:   uid,
					})
					return
				}
				doneMessageChan <- DoneMessage{
					Uid:   uid,
					Error: relay.handleQueueMessage(topic, uid, message.Message),
				}
			})
		}
		waitCtx, cancel := context.WithTimeout(ctx, relay.handleTimeout)
		defer cancel()
		if err := weight.Acquire(waitCtx, num); err == nil {
			close(doneMessageChan)
		}
		doneMessageMap := make(map[string]DoneMessage)
		pipeline := relay.redisClient.Pipeline()
	collect:
		for {
			select {
			case msg, ok := <-doneMessageChan:
				if !ok {
					break collect
				}
				doneMessageMap[msg.Uid] = msg
				if msg.Error == nil {
					doneMsgUidMap[msg.Uid] = struct{}{}
					//处理成功，移除消息及其推送参数
					pipeline.Del(ctx, GetMessageUid(msg.Uid))
					pipeline.Del(ctx, GetPublishOptionalUid(msg.Uid))
					pipeline.Del(ctx, GetMessageExecuteTimesUid(msg.Uid))
					pipeline.ZRem(ctx, GetRedisQueueKey(topic), msg.Uid)
				}
			default:
				break collect
			}
		}
		retryUidList := make([]string, 0)
		for _, uid := range messageUidList {
			message := remoteMessage[uid]
			msg, ok := doneMessageMap[uid]
			if !ok {
				retryUidList = append(retryUidList, uid)
				relay.reportError(ErrorOption{
					Title:        "【事件总线】处理消息超时",
					Topic:        topic,
					Uid:          uid,
					Message:      string(message.Message),
					ExecuteTimes: message.ExecuteTimes,
				})
				continue
			}
			if msg.Error != nil {
				retryUidList = append(retryUidList, uid)
				relay.reportError(ErrorOption{
					Title:        "【事件总线】处理消息出现错误",
					Error:        msg.Error,
					Topic:        topic,
					Uid:          uid,
					Message:      string(message.Message),
					ExecuteTimes: message.ExecuteTimes,
				})
			}
		}
		for _, uid := range retryUidList {
			optional := GetDefaultPublishOptional()
			message, ok := remoteMessage[uid]
			if ok {
				optional = message.Optional
			}
			if nextTime, ok := GetNextTryTime(message.ExecuteTimes, optional); ok {
				pipeline.Expire(ctx, GetMessageUid(uid), RedisMessageTimeout)
				pipeline.Expire(ctx, GetPublishOptionalUid(uid), RedisMessageTimeout)
				pipeline.ZAdd(ctx, GetRedisQueueKey(topic), &redis.Z{
					Score:  GetFloatTimestamp(nextTime),
					Member: uid,
				})
				pipeline.Incr(ctx, GetMessageExecuteTimesUid(uid))
			} else {
				relay.reportError(ErrorOption{
					Title:   "【事件总线】消息达到最大失败处理次数",
					Topic:   topic,
					Uid:     uid,
					Message: string(message.Message),
				})
				pipeline.ZRem(ctx, GetRedisQueueKey(topic), uid)
				pipeline.Del(ctx, GetMessageUid(uid))
				pipeline.Del(ctx, GetPublishOptionalUid(uid))
				pipeline.Del(ctx, GetMessageExecuteTimesUid(uid))
			}
		}
		if len(doneMessageMap) == 0 && len(retryUidList) == 0 {
			return
		}
		if _, err := pipeline.Exec(ctx); err != nil {
			relay.reportError(ErrorOption{
				Title: "【事件总线】消息处理完毕后执行Redis管道命令出错",
				Error: err,
				Topic: topic,
			})
		}
	})
}

func (relay *RedisRelay) getAllTopic() []Topic {
	relay.mu.RLock()
	defer relay.mu.RUnlock()
	result := make([]Topic, 0, len(relay.decoders))
	for topic := range relay.decoders {
		result = append(result, topic)
	}
	return result
}

// asyncLoopTopic periodically polls every listened topic, picking up retries
// and messages whose wake-up was missed.
func (relay *RedisRelay) asyncLoopTopic() {
	relay.once.Do(func() {
		relay.asyncDo(func() {
			ticker := time.NewTicker(relay.pollDuration)
			defer ticker.Stop()
			for {
				select {
				case <-relay.ctx.Done():
					return
				case <-ticker.C:
					relay.asyncPollTopic(relay.getAllTopic()...)
				}
			}
		})
	})
}

// Listen claims messages of topic and publishes them into the local bus.
// Without WithDecodeOption the payload is decoded as the struct type of sample.
func (relay *RedisRelay) Listen(topic Topic, sample interface{}, options ...ListenOption) error {
	if len(topic.String()) == 0 {
		return ErrTopicEmpty
	}
	optional := ListenOptional{}
	for _, opt := range options {
		if opt != nil {
			opt(&optional)
		}
	}
	if optional.decode == nil {
		typeOf := reflect.TypeOf(sample)
		if typeOf == nil || typeOf.Kind() != reflect.Struct {
			return ErrEventDataMustStruct
		}
		optional.decode = func(dataBytes []byte) (interface{}, error) {
			value := reflect.New(typeOf)
			if err := jsoniter.Unmarshal(dataBytes, value.Interface()); err != nil {
				return nil, err
			}
			return value.Elem().Interface(), nil
		}
	}
	return relay.listen(topic, optional.decode)
}

func (relay *RedisRelay) listen(topic Topic, decode func([]byte) (interface{}, error)) error {
	if relay.closed() {
		return ErrRelayClosed
	}
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if relay.decoders == nil {
		relay.decoders = make(map[Topic]func([]byte) (interface{}, error))
	}
	//该主题第一次被监听时，创建一个协程阻塞等待唤醒
	if _, ok := relay.decoders[topic]; !ok {
		relay.asyncListenTopic(topic)
	}
	relay.decoders[topic] = decode
	relay.asyncLoopTopic()
	relay.log.Debug().Str("topic", topic.String()).Msg("listening")
	return nil
}

// ListenKind listens on kind's topic, decoding payloads as T.
func ListenKind[T any](relay *RedisRelay, kind Kind[T]) error {
	if len(kind.Topic().String()) == 0 {
		return ErrTopicEmpty
	}
	return relay.listen(kind.Topic(), func(dataBytes []byte) (interface{}, error) {
		var payload T
		if err := jsoniter.Unmarshal(dataBytes, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
}

// Forward enqueues every event published locally on topic. An event of topic
// that reached the bus through a relay is not forwarded again; events its
// handlers publish on other topics are.
func (relay *RedisRelay) Forward(topic Topic, options ...PublishOption) (Unsubscribe, error) {
	if relay.closed() {
		return nil, ErrRelayClosed
	}
	unsubscribe, err := relay.bus.Subscribe(topic, func(ctx context.Context, data interface{}) error {
		if relayedTopic, ok := RelayedTopic(ctx); ok && relayedTopic == topic {
			return nil
		}
		return relay.Enqueue(ctx, Event{Topic: topic, Data: data}, options...)
	}, WithNameOption("relay:"+topic.String()))
	if err != nil {
		return nil, err
	}
	relay.mu.Lock()
	if relay.forwards == nil {
		relay.forwards = make(map[Topic][]Unsubscribe)
	}
	relay.forwards[topic] = append(relay.forwards[topic], unsubscribe)
	relay.mu.Unlock()
	return unsubscribe, nil
}

func (relay *RedisRelay) Enqueue(ctx context.Context, event Event, options ...PublishOption) error {
	topic := event.Topic
	if len(topic.String()) == 0 {
		return ErrTopicEmpty
	}
	if ctx == nil {
		ctx = context.Background()
	}
	publishOptional := GetDefaultPublishOptional()
	for _, opt := range options {
		if opt != nil {
			opt(&publishOptional)
		}
	}
	if publishOptional.Encode == nil {
		publishOptional.Encode = func(v interface{}) ([]byte, error) {
			return jsoniter.Marshal(v)
		}
	}
	optionalBytes, err := jsoniter.Marshal(publishOptional)
	if err != nil {
		return err
	}
	dataBytes, err := publishOptional.Encode(event.Data)
	if err != nil {
		return err
	}
	uid := uuid.New().String()
	queueKey := GetRedisQueueKey(topic)
	var score float64
	if publishOptional.LeastDelay > 0 {
		score = GetFloatTimestamp(time.Now().Add(publishOptional.LeastDelay))
	}
	pipeline := relay.redisClient.Pipeline()
	pipeline.Set(ctx, GetMessageUid(uid), dataBytes, RedisMessageTimeout)
	pipeline.Set(ctx, GetPublishOptionalUid(uid), optionalBytes, RedisMessageTimeout)
	pipeline.Set(ctx, GetMessageExecuteTimesUid(uid), 0, RedisMessageTimeout)
	pipeline.ZAdd(ctx, queueKey, &redis.Z{
		Score:  score,
		Member: uid,
	})
	pipeline.Expire(ctx, queueKey, RedisMessageTimeout)
	pipeline.SAdd(ctx, RedisEventRemoteSet, topic.String())
	pipeline.LPush(ctx, GetRedisBlockListKey(topic), int64(score))
	if _, err = pipeline.Exec(ctx); err != nil {
		return err
	}
	return nil
}

func (relay *RedisRelay) GetQueueInfo(ctx context.Context) ([]QueueInfo, error) {
	result := make([]QueueInfo, 0)
	topics, err := relay.redisClient.SMembers(ctx, RedisEventRemoteSet).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return result, err
	}
	if len(topics) == 0 {
		return result, nil
	}
	pipeline := relay.redisClient.Pipeline()
	cmdMap := make(map[string]*redis.IntCmd)
	for _, topic := range topics {
		cmdMap[topic] = pipeline.ZCard(ctx, GetRedisQueueKey(Topic(topic)))
	}
	_, err = pipeline.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return result, err
	}
	for topic, cmd := range cmdMap {
		count, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return result, err
		}
		result = append(result, QueueInfo{
			Topic:        Topic(topic),
			MessageCount: count,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MessageCount != result[j].MessageCount {
			return result[i].MessageCount > result[j].MessageCount
		}
		return result[i].Topic < result[j].Topic
	})
	return result, nil
}

// Close stops the background loops and removes all forwards. Messages
// already claimed keep being handled.
func (relay *RedisRelay) Close() {
	relay.cancel()
	relay.mu.Lock()
	forwards := relay.forwards
	relay.forwards = nil
	relay.mu.Unlock()
	for _, list := range forwards {
		for _, unsubscribe := range list {
			unsubscribe()
		}
	}
}

func NewRedisRelay(bus EventBus, redisClient *redis.Client, options ...RelayOption) *RedisRelay {
	ctx, cancel := context.WithCancel(context.Background())
	relay := &RedisRelay{
		bus:           bus,
		redisClient:   redisClient,
		once:          sync.Once{},
		decoders:      nil,
		forwards:      nil,
		errorHandler:  nil,
		pollDuration:  0,
		handleTimeout: 0,
		ctx:           ctx,
		cancel:        cancel,
	}
	optional := RelayOptional{}
	for _, opt := range options {
		if opt != nil {
			opt(&optional)
		}
	}
	relay.errorHandler = optional.errorHandler
	if relay.errorHandler == nil {
		relay.errorHandler = func(option ErrorOption) {

		}
	}
	logger := zerolog.Nop()
	if optional.logger != nil {
		logger = *optional.logger
	}
	relay.log = logger.With().Str("component", ComponentRelay).Logger()

	relay.pollDuration = optional.pollDuration
	if relay.pollDuration == 0 {
		relay.pollDuration = RedisDefaultPollDuration
	}
	if relay.pollDuration < RedisMinPollDuration {
		relay.pollDuration = RedisMinPollDuration
	}
	relay.handleTimeout = optional.handleTimeout
	if relay.handleTimeout == 0 {
		relay.handleTimeout = RedisDefaultHandleTimeout
	}
	if relay.handleTimeout < RedisMinHandleTimeout {
		relay.handleTimeout = RedisMinHandleTimeout
	}
	return relay
}
