package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type EngineConfig struct {
	NodeParallelism    int           `mapstructure:"node_parallelism"`
	MaxRecursionDepth  int           `mapstructure:"max_recursion_depth"`
	CheckpointTTL      time.Duration `mapstructure:"checkpoint_ttl"`
	StatusCacheSize    int           `mapstructure:"status_cache_size"`
	StatusCacheTTL     time.Duration `mapstructure:"status_cache_ttl"`
	RunLockWaitTimeout time.Duration `mapstructure:"run_lock_wait_timeout"`
	ErrorWorkflowMode  string        `mapstructure:"error_workflow_mode"` // replace or side-effect
}

type QueueConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
	PersistDead   bool          `mapstructure:"persist_dead"`
	DeadItemTTL   time.Duration `mapstructure:"dead_item_ttl"`
}

type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
}

type SandboxConfig struct {
	EvalTimeout time.Duration `mapstructure:"eval_timeout"`
	MaxSteps    int           `mapstructure:"max_steps"`
	EnvAllow    []string      `mapstructure:"env_allow"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	AddCaller bool   `mapstructure:"add_caller"`
}

// Load reads <name>.yaml from ./configs or /etc/fluxline, applies
// FLUXLINE_* environment overrides and returns the merged config.
func Load(name string) (*Config, error) {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/fluxline")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("FLUXLINE")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("engine.node_parallelism", 4)
	viper.SetDefault("engine.max_recursion_depth", 10)
	viper.SetDefault("engine.checkpoint_ttl", "168h")
	viper.SetDefault("engine.status_cache_size", 10000)
	viper.SetDefault("engine.status_cache_ttl", "1h")
	viper.SetDefault("engine.run_lock_wait_timeout", "30s")
	viper.SetDefault("engine.error_workflow_mode", "side-effect")

	viper.SetDefault("queue.max_size", 10000)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.rate_per_second", 0) // 0 disables rate limiting
	viper.SetDefault("queue.rate_burst", 1)
	viper.SetDefault("queue.persist_dead", false)
	viper.SetDefault("queue.dead_item_ttl", "168h")

	viper.SetDefault("worker.count", 8)
	viper.SetDefault("worker.poll_interval", "100ms")
	viper.SetDefault("worker.drain_timeout", "30s")
	viper.SetDefault("worker.run_timeout", "10m")

	viper.SetDefault("sandbox.eval_timeout", "50ms")
	viper.SetDefault("sandbox.max_steps", 10000)
	viper.SetDefault("sandbox.env_allow", []string{})

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "fluxline.engine.events")
	viper.SetDefault("kafka.consumer_group", "fluxline-engine")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	viper.SetDefault("telemetry.service_name", "fluxline-engine")
	viper.SetDefault("telemetry.sampling_rate", 1.0)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
