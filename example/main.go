package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	eventbus "github.com/moshangguang/app-bus"
)

// <1>定义事件类型，每个主题只对应一种数据
type TaskCompleted struct {
	TaskId string `json:"task_id"`
	Status string `json:"status"`
}

type ProgressUpdate struct {
	OperationId string `json:"operation_id"`
	Percent     int    `json:"percent"`
}

var (
	TaskCompletedKind  = eventbus.NewKind[TaskCompleted]("task:completed")
	ProgressUpdateKind = eventbus.NewKind[ProgressUpdate]("progress:update")
)

// TaskQueue publishes state changes instead of holding callbacks per consumer.
type TaskQueue struct {
	bus eventbus.EventBus
	mu  sync.Mutex
	seq int
}

func (queue *TaskQueue) Run(ctx context.Context, steps int) (string, error) {
	queue.mu.Lock()
	queue.seq++
	taskId := fmt.Sprintf("task-%d", queue.seq)
	queue.mu.Unlock()
	for i := 1; i <= steps; i++ {
		err := eventbus.PublishKind(ctx, queue.bus, ProgressUpdateKind, ProgressUpdate{
			OperationId: taskId,
			Percent:     i * 100 / steps,
		})
		if err != nil {
			return taskId, err
		}
	}
	return taskId, eventbus.PublishKind(ctx, queue.bus, TaskCompletedKind, TaskCompleted{
		TaskId: taskId,
		Status: "done",
	})
}

// ProgressPanel stands in for a UI window that listens while it is mounted.
type ProgressPanel struct {
	log          zerolog.Logger
	unsubscribes []eventbus.Unsubscribe
}

func (panel *ProgressPanel) Mount(bus eventbus.EventBus) error {
	unsubscribe, err := eventbus.SubscribeKind(bus, ProgressUpdateKind, func(ctx context.Context, update ProgressUpdate) error {
		panel.log.Info().Str("operation", update.OperationId).Int("percent", update.Percent).Msg("progress")
		return nil
	}, eventbus.WithNameOption("progress_panel"))
	if err != nil {
		return err
	}
	panel.unsubscribes = append(panel.unsubscribes, unsubscribe)
	unsubscribe, err = eventbus.SubscribeKind(bus, TaskCompletedKind, func(ctx context.Context, task TaskCompleted) error {
		if task.Status != "done" {
			return fmt.Errorf("task %s ended with %s", task.TaskId, task.Status)
		}
		panel.log.Info().Str("task", task.TaskId).Msg("task completed")
		return nil
	}, eventbus.WithNameOption("progress_panel"))
	if err != nil {
		return err
	}
	panel.unsubscribes = append(panel.unsubscribes, unsubscribe)
	return nil
}

func (panel *ProgressPanel) Unmount() {
	for _, unsubscribe := range panel.unsubscribes {
		unsubscribe()
	}
	panel.unsubscribes = nil
}

func main() {
	configPath := pflag.String("config", "", "path to a config file")
	tasks := pflag.Int("tasks", 2, "number of demo tasks")
	wait := pflag.Bool("wait", false, "keep running until interrupted")
	pflag.Parse()

	cfg, err := eventbus.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := eventbus.NewLogger(cfg.DevLog, cfg.Level())
	logger.Info().Int("max_depth", cfg.MaxDepth).Bool("redis", cfg.Redis.Enabled).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := eventbus.NewMetrics(cfg.MetricsNamespace)
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}
	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer server.Close()
	}

	// <2>创建事件总线，整个进程共用一个实例
	bus := eventbus.NewLocalEventBus(cfg.Options(logger, metrics)...)
	defer bus.UnsubscribeAll()

	// <3>错误事件交给遥测订阅者
	if _, err := eventbus.SubscribeKind(bus, eventbus.FaultKind, func(ctx context.Context, fault eventbus.ErrorOption) error {
		logger.Warn().Str("topic", fault.Topic.String()).Str("subscriber", fault.Name).Msg("subscriber fault")
		return nil
	}, eventbus.WithNameOption("telemetry")); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe telemetry")
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(cfg.Redis.ClientOptions())
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect redis")
		}
		defer client.Close()
		relay := eventbus.NewRedisRelay(bus, client, cfg.Redis.RelayOptions(logger)...)
		defer relay.Close()
		// <4>完成事件同步给其它进程
		if _, err := relay.Forward(TaskCompletedKind.Topic(), eventbus.WithTryTimesOption(5)); err != nil {
			logger.Fatal().Err(err).Msg("failed to forward topic")
		}
		if err := eventbus.ListenKind(relay, TaskCompletedKind); err != nil {
			logger.Fatal().Err(err).Msg("failed to listen topic")
		}
	}

	panel := &ProgressPanel{log: logger.With().Str("component", "progress_panel").Logger()}
	if err := panel.Mount(bus); err != nil {
		logger.Fatal().Err(err).Msg("failed to mount panel")
	}
	queue := &TaskQueue{bus: bus}
	for i := 0; i < *tasks; i++ {
		taskId, err := queue.Run(ctx, 4)
		if err != nil {
			logger.Error().Err(err).Str("task", taskId).Msg("task publish failed")
		}
	}
	panel.Unmount()

	for _, info := range bus.GetTopicInfo() {
		logger.Info().
			Str("topic", info.Topic.String()).
			Int("subscribers", info.SubscriberCount).
			Int64("published", info.Published).
			Int64("delivered", info.Delivered).
			Int64("failed", info.Failed).
			Msg("topic info")
	}
	if *wait {
		<-ctx.Done()
	}
}
