package eventbus

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const EnvPrefix = "APPBUS"

// Config holds the settings of a bus and its optional Redis relay.
type Config struct {
	DevLog           bool        `mapstructure:"dev_log"`
	LogLevel         string      `mapstructure:"log_level"`
	MaxDepth         int         `mapstructure:"max_depth"`
	MetricsNamespace string      `mapstructure:"metrics_namespace"`
	MetricsAddr      string      `mapstructure:"metrics_addr"`
	Redis            RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	PollDuration  time.Duration `mapstructure:"poll_duration"`
	HandleTimeout time.Duration `mapstructure:"handle_timeout"`
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("dev_log", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("max_depth", DefaultMaxDepth)
	v.SetDefault("metrics_namespace", DefaultNamespace)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poll_duration", RedisDefaultPollDuration)
	v.SetDefault("redis.handle_timeout", RedisDefaultHandleTimeout)
}

// LoadConfig reads path (optional), then APPBUS_* environment variables
// such as APPBUS_REDIS_ADDR, over the defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setConfigDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.MaxDepth < MinMaxDepth {
		return fmt.Errorf("%w: max_depth must be >= %d, got %d", ErrInvalidConfig, MinMaxDepth, cfg.MaxDepth)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, cfg.LogLevel)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when redis is enabled", ErrInvalidConfig)
	}
	return nil
}

func (cfg Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// Options turns cfg into bus options. metrics may be nil.
func (cfg Config) Options(logger zerolog.Logger, metrics *Metrics) []EventBusOption {
	return []EventBusOption{
		WithLoggerOption(logger),
		WithMaxDepthOption(cfg.MaxDepth),
		WithMetricsOption(metrics),
	}
}

func (cfg RedisConfig) ClientOptions() *redis.Options {
	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func (cfg RedisConfig) RelayOptions(logger zerolog.Logger) []RelayOption {
	return []RelayOption{
		WithRelayLoggerOption(logger),
		WithPollDurationOption(cfg.PollDuration),
		WithHandleTimeout(cfg.HandleTimeout),
	}
}
