package eventbus

import "time"

// common
const (
	FaultTopic       Topic = "bus:fault"
	DefaultMaxDepth        = 64
	MinMaxDepth            = 1
	ComponentBus           = "event_bus"
	ComponentRelay         = "redis_relay"
	DefaultNamespace       = "appbus"
)

const ctxPublishDepth contextKey = "ctx_event_bus_publish_depth"
const ctxRelayed contextKey = "ctx_event_bus_relayed"
const ctxFaultCollector contextKey = "ctx_event_bus_fault_collector"

// redis
const (
	RedisEventBlockList           = "redis_event_block_list"
	RedisEventTopicQueue          = "redis_event_topic_queue"
	RedisEventMessageUid          = "redis_event_message_uid"
	RedisEventPublishOptionalUid  = "redis_event_publish_optional_uid"
	RedisEventMessageHandleUid    = "redis_event_message_handle_uid"
	RedisEventMessageExecuteTimes = "redis_event_message_execute_times"
	RedisEventRemoteSet           = "redis_event_remote_set"
	RedisMessageTimeout           = time.Hour * 24 * 30
	RedisMinInterval              = time.Millisecond * 100
	RedisDefaultInterval          = time.Second * 30
	RedisMaxInterval              = time.Minute * 5
	RedisMinDuration              = time.Minute
	RedisMaxDuration              = time.Hour * 2
	RedisMinPollDuration          = time.Second
	RedisDefaultPollDuration      = time.Second * 3
	RedisMinHandleTimeout         = 10 * time.Second
	RedisDefaultHandleTimeout     = 10 * time.Minute
	RedisBlockTimeout             = 30 * time.Second
	RedisDueSkew                  = 300 * time.Millisecond
)
