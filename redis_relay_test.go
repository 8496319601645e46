package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func GetRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	require.NoError(t, client.Ping(context.Background()).Err())
	return server, client
}

type RedisData1 struct {
	Name string
	Age  int
}

const RedisTopic Topic = "redis_topic"

func TestRedisRelay_ForwardAndListen(t *testing.T) {
	_, client := GetRedisClient(t)
	producerBus := NewLocalEventBus()
	consumerBus := NewLocalEventBus()

	producer := NewRedisRelay(producerBus, client)
	defer producer.Close()
	consumer := NewRedisRelay(consumerBus, client)
	defer consumer.Close()

	var mu sync.Mutex
	var received []RedisData1
	var relayed int32
	_, err := consumerBus.Subscribe(RedisTopic, func(ctx context.Context, data interface{}) error {
		if IsRelayed(ctx) {
			atomic.AddInt32(&relayed, 1)
		}
		mu.Lock()
		defer mu.Unlock()
		received = append(received, data.(RedisData1))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Listen(RedisTopic, RedisData1{}))
	_, err = producer.Forward(RedisTopic)
	require.NoError(t, err)

	require.NoError(t, producerBus.Publish(context.Background(), Event{
		Topic: RedisTopic,
		Data:  RedisData1{Name: "Amy", Age: 20},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 10*time.Second, 50*time.Millisecond)
	mu.Lock()
	assert.Equal(t, RedisData1{Name: "Amy", Age: 20}, received[0])
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&relayed))

	require.Eventually(t, func() bool {
		infos, err := producer.GetQueueInfo(context.Background())
		return err == nil && len(infos) == 1 && infos[0].MessageCount == 0
	}, 10*time.Second, 50*time.Millisecond, "处理成功后消息要从队列移除")
}

func TestRedisRelay_ListenKind(t *testing.T) {
	_, client := GetRedisClient(t)
	eventBus := NewLocalEventBus()
	relay := NewRedisRelay(eventBus, client)
	defer relay.Close()

	kind := NewKind[TaskCompleted](TaskCompletedTopic)
	got := make(chan TaskCompleted, 1)
	_, err := SubscribeKind(eventBus, kind, func(ctx context.Context, payload TaskCompleted) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, ListenKind(relay, kind))
	require.NoError(t, relay.Enqueue(context.Background(), kind.Event(TaskCompleted{TaskId: "42", Status: "done"})))

	select {
	case payload := <-got:
		assert.Equal(t, TaskCompleted{TaskId: "42", Status: "done"}, payload)
	case <-time.After(10 * time.Second):
		t.Fatal("relayed event not received")
	}
}

func TestRedisRelay_NoEcho(t *testing.T) {
	_, client := GetRedisClient(t)
	eventBus := NewLocalEventBus()
	relay := NewRedisRelay(eventBus, client)
	defer relay.Close()

	var calls int32
	_, err := eventBus.Subscribe(RedisTopic, func(ctx context.Context, data interface{}) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = relay.Forward(RedisTopic)
	require.NoError(t, err)
	require.NoError(t, relay.Listen(RedisTopic, RedisData1{}))

	require.NoError(t, eventBus.Publish(context.Background(), Event{Topic: RedisTopic, Data: RedisData1{Name: "John"}}))
	//本地一次，经Redis回到本进程一次，回来的事件不再转发
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, 10*time.Second, 50*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRedisRelay_DecodeFailureIsRetried(t *testing.T) {
	server, client := GetRedisClient(t)
	eventBus := NewLocalEventBus()
	var errorsSeen int32
	relay := NewRedisRelay(eventBus, client, WithRelayErrHandlerOption(func(option ErrorOption) {
		if option.Error != nil {
			atomic.AddInt32(&errorsSeen, 1)
		}
	}))
	defer relay.Close()

	require.NoError(t, relay.Listen(RedisTopic, nil, WithDecodeOption(func(b []byte) (interface{}, error) {
		return nil, errors.New("undecodable")
	})))
	require.NoError(t, relay.Enqueue(context.Background(), Event{Topic: RedisTopic, Data: RedisData1{}}, WithTryTimesOption(3)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&errorsSeen) >= 1
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		members, err := server.ZMembers(GetRedisQueueKey(RedisTopic))
		if err != nil || len(members) != 1 {
			return false
		}
		times, err := server.Get(GetMessageExecuteTimesUid(members[0]))
		return err == nil && times == "1"
	}, 10*time.Second, 50*time.Millisecond, "失败的消息重新排队并增加执行次数")
}

func TestRedisRelay_ListenValidation(t *testing.T) {
	_, client := GetRedisClient(t)
	relay := NewRedisRelay(NewLocalEventBus(), client)
	assert.ErrorIs(t, relay.Listen("", RedisData1{}), ErrTopicEmpty)
	assert.ErrorIs(t, relay.Listen(RedisTopic, 1), ErrEventDataMustStruct)
	assert.ErrorIs(t, relay.Enqueue(context.Background(), Event{}), ErrTopicEmpty)

	relay.Close()
	assert.ErrorIs(t, relay.Listen(RedisTopic, RedisData1{}), ErrRelayClosed)
	_, err := relay.Forward(RedisTopic)
	assert.ErrorIs(t, err, ErrRelayClosed)
}

func TestRedisRelay_CloseRemovesForwards(t *testing.T) {
	_, client := GetRedisClient(t)
	eventBus := NewLocalEventBus()
	relay := NewRedisRelay(eventBus, client)
	_, err := relay.Forward(RedisTopic)
	require.NoError(t, err)
	require.Len(t, eventBus.getSubscribers(RedisTopic), 1)
	relay.Close()
	assert.Empty(t, eventBus.getSubscribers(RedisTopic))
}

func TestRedisRelay_Defaults(t *testing.T) {
	_, client := GetRedisClient(t)
	relay := NewRedisRelay(NewLocalEventBus(), client, WithPollDurationOption(time.Millisecond), WithHandleTimeout(time.Second))
	defer relay.Close()
	assert.Equal(t, RedisMinPollDuration, relay.pollDuration)
	assert.Equal(t, RedisMinHandleTimeout, relay.handleTimeout)
}

func TestRedisRelay_ForwardsTopicsPublishedByRelayedHandlers(t *testing.T) {
	server, client := GetRedisClient(t)
	eventBus := NewLocalEventBus()
	relay := NewRedisRelay(eventBus, client)
	defer relay.Close()

	const notifyTopic Topic = "notify:sent"
	_, err := eventBus.Subscribe(RedisTopic, func(ctx context.Context, data interface{}) error {
		return eventBus.Publish(ctx, Event{Topic: notifyTopic, Data: data})
	})
	require.NoError(t, err)
	_, err = relay.Forward(notifyTopic)
	require.NoError(t, err)
	require.NoError(t, relay.Listen(RedisTopic, RedisData1{}))
	require.NoError(t, relay.Enqueue(context.Background(), Event{Topic: RedisTopic, Data: RedisData1{Name: "Amy"}}))

	//收到的是远程事件，但处理中推送的新主题要继续转发
	require.Eventually(t, func() bool {
		members, err := server.ZMembers(GetRedisQueueKey(notifyTopic))
		return err == nil && len(members) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestRedisRelay_SubscriberFailureIsRetried(t *testing.T) {
	server, client := GetRedisClient(t)
	eventBus := NewLocalEventBus()
	relay := NewRedisRelay(eventBus, client, WithPollDurationOption(RedisMinPollDuration))
	defer relay.Close()

	queueKey := GetRedisQueueKey(RedisTopic)
	var mu sync.Mutex
	var executeTimes []string
	var calls int32
	_, err := eventBus.Subscribe(RedisTopic, func(ctx context.Context, data interface{}) error {
		if members, err := server.ZMembers(queueKey); err == nil && len(members) == 1 {
			times, _ := server.Get(GetMessageExecuteTimesUid(members[0]))
			mu.Lock()
			executeTimes = append(executeTimes, times)
			mu.Unlock()
		}
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("not ready")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, relay.Listen(RedisTopic, RedisData1{}))
	require.NoError(t, relay.Enqueue(context.Background(), Event{Topic: RedisTopic, Data: RedisData1{Name: "John"}},
		WithIntervalOption(RedisMinInterval), WithTryTimesOption(5)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3
	}, 15*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		members, err := server.ZMembers(queueKey)
		return err != nil || len(members) == 0
	}, 10*time.Second, 50*time.Millisecond, "第三次成功后移出队列")
	mu.Lock()
	assert.Equal(t, []string{"0", "1", "2"}, executeTimes, "每次失败执行次数加一")
	mu.Unlock()
	for _, key := range server.Keys() {
		assert.False(t, strings.HasPrefix(key, GetMessageUid("")), "消息内容要删除: %s", key)
		assert.False(t, strings.HasPrefix(key, GetMessageExecuteTimesUid("")), "执行次数要删除: %s", key)
	}
}
