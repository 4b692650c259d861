// Package config assembles runtime settings for the producer,
// consumers, and dashboard. Defaults come first, then an optional YAML
// file pointed at by VARP_CONFIG, then environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Susch12/VarP/internal/broker"
)

// Broker holds the AMQP connection settings.
type Broker struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	User  string `yaml:"user"`
	Pass  string `yaml:"pass"`
	VHost string `yaml:"vhost"`

	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	ConnectSeconds   int `yaml:"connect_seconds"`
	DialAttempts     int `yaml:"dial_attempts"`
	RetryDelaySecs   int `yaml:"retry_delay_seconds"`
}

// URL renders the amqp:// connection string.
func (b Broker) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(b.User), url.QueryEscape(b.Pass),
		b.Host, b.Port, url.QueryEscape(b.VHost))
}

// DialConfig converts the section into broker dial settings.
func (b Broker) DialConfig() broker.DialConfig {
	return broker.DialConfig{
		URL:            b.URL(),
		Heartbeat:      time.Duration(b.HeartbeatSeconds) * time.Second,
		ConnectTimeout: time.Duration(b.ConnectSeconds) * time.Second,
		Attempts:       b.DialAttempts,
		RetryDelay:     time.Duration(b.RetryDelaySecs) * time.Second,
	}
}

// Pool sizes the shared connection pool.
type Pool struct {
	Size            int `yaml:"size"`
	MaxOverflow     int `yaml:"max_overflow"`
	CheckoutSeconds int `yaml:"checkout_seconds"`
	RecycleSeconds  int `yaml:"recycle_seconds"`
}

// PoolConfig converts the section into broker pool settings.
func (p Pool) PoolConfig() broker.PoolConfig {
	return broker.PoolConfig{
		Size:            p.Size,
		MaxOverflow:     p.MaxOverflow,
		CheckoutTimeout: time.Duration(p.CheckoutSeconds) * time.Second,
		Recycle:         time.Duration(p.RecycleSeconds) * time.Second,
	}
}

// Producer holds the generation settings.
type Producer struct {
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
	DefaultScenarios     int    `yaml:"default_scenarios"`
	DefaultSeed          int64  `yaml:"default_seed"`
	CheckpointPath       string `yaml:"checkpoint_path"`
	RatePerSecond        int    `yaml:"rate_per_second"`
}

// Consumer holds the per-worker processing settings.
type Consumer struct {
	StatsIntervalSeconds int `yaml:"stats_interval_seconds"`
	Prefetch             int `yaml:"prefetch"`
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	MaxRetries           int `yaml:"max_retries"`
	RetryDelaySeconds    int `yaml:"retry_delay_seconds"`
}

// Dashboard holds the HTTP and polling settings.
type Dashboard struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	QueuePollSeconds  int    `yaml:"queue_poll_seconds"`
	ResultHistory     int    `yaml:"result_history"`
	RawSampleHistory  int    `yaml:"raw_sample_history"`
	ConvergenceEvery  int    `yaml:"convergence_every"`
	ConsumerSnapshots int    `yaml:"consumer_snapshots"`
}

// Addr renders the listen address.
func (d Dashboard) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Log holds the logging settings.
type Log struct {
	Level string `yaml:"level"`
}

// Config is the full runtime configuration.
type Config struct {
	Broker    Broker    `yaml:"broker"`
	Pool      Pool      `yaml:"pool"`
	Producer  Producer  `yaml:"producer"`
	Consumer  Consumer  `yaml:"consumer"`
	Dashboard Dashboard `yaml:"dashboard"`
	Log       Log       `yaml:"log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Broker: Broker{
			Host:             "localhost",
			Port:             5672,
			User:             "admin",
			Pass:             "password",
			VHost:            "/",
			HeartbeatSeconds: 60,
			ConnectSeconds:   10,
			DialAttempts:     3,
			RetryDelaySecs:   2,
		},
		Pool: Pool{
			Size:            10,
			MaxOverflow:     5,
			CheckoutSeconds: 30,
			RecycleSeconds:  3600,
		},
		Producer: Producer{
			StatsIntervalSeconds: 5,
			DefaultScenarios:     1000,
			DefaultSeed:          42,
			CheckpointPath:       "producer.db",
		},
		Consumer: Consumer{
			StatsIntervalSeconds: 5,
			Prefetch:             1,
			TimeoutSeconds:       30,
			MaxRetries:           3,
			RetryDelaySeconds:    5,
		},
		Dashboard: Dashboard{
			Host:              "0.0.0.0",
			Port:              8050,
			QueuePollSeconds:  2,
			ResultHistory:     50000,
			RawSampleHistory:  1000,
			ConvergenceEvery:  100,
			ConsumerSnapshots: 100,
		},
		Log: Log{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// VARP_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("VARP_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("RABBITMQ_HOST", &c.Broker.Host)
	envInt("RABBITMQ_PORT", &c.Broker.Port)
	envStr("RABBITMQ_USER", &c.Broker.User)
	envStr("RABBITMQ_PASS", &c.Broker.Pass)
	envStr("RABBITMQ_VHOST", &c.Broker.VHost)
	envInt("RABBITMQ_HEARTBEAT", &c.Broker.HeartbeatSeconds)
	envInt("RABBITMQ_CONNECTION_TIMEOUT", &c.Broker.ConnectSeconds)
	envInt("RABBITMQ_DIAL_ATTEMPTS", &c.Broker.DialAttempts)
	envInt("RABBITMQ_RETRY_DELAY", &c.Broker.RetryDelaySecs)

	envInt("RABBITMQ_POOL_SIZE", &c.Pool.Size)
	envInt("RABBITMQ_POOL_MAX_OVERFLOW", &c.Pool.MaxOverflow)
	envInt("RABBITMQ_POOL_TIMEOUT", &c.Pool.CheckoutSeconds)
	envInt("RABBITMQ_POOL_RECYCLE", &c.Pool.RecycleSeconds)

	envInt("PRODUCER_STATS_INTERVAL", &c.Producer.StatsIntervalSeconds)
	envInt("DEFAULT_NUM_ESCENARIOS", &c.Producer.DefaultScenarios)
	envInt64("DEFAULT_RANDOM_SEED", &c.Producer.DefaultSeed)
	envStr("PRODUCER_CHECKPOINT_PATH", &c.Producer.CheckpointPath)
	envInt("PRODUCER_RATE_LIMIT", &c.Producer.RatePerSecond)

	envInt("CONSUMER_STATS_INTERVAL", &c.Consumer.StatsIntervalSeconds)
	envInt("CONSUMER_PREFETCH_COUNT", &c.Consumer.Prefetch)
	envInt("CONSUMER_TIMEOUT", &c.Consumer.TimeoutSeconds)
	envInt("CONSUMER_MAX_RETRIES", &c.Consumer.MaxRetries)
	envInt("CONSUMER_RETRY_DELAY", &c.Consumer.RetryDelaySeconds)

	envStr("DASHBOARD_HOST", &c.Dashboard.Host)
	envInt("DASHBOARD_PORT", &c.Dashboard.Port)
	envInt("DASHBOARD_QUEUE_POLL", &c.Dashboard.QueuePollSeconds)

	envStr("LOG_LEVEL", &c.Log.Level)

	// BROKER_*/POOL_*/EVAL_* aliases, applied last so they win when
	// both spellings are set
	envStr("BROKER_HOST", &c.Broker.Host)
	envInt("BROKER_PORT", &c.Broker.Port)
	envStr("BROKER_USER", &c.Broker.User)
	envStr("BROKER_PASS", &c.Broker.Pass)
	envInt("BROKER_HEARTBEAT", &c.Broker.HeartbeatSeconds)
	envInt("BROKER_CONNECT_TIMEOUT", &c.Broker.ConnectSeconds)
	envInt("POOL_SIZE", &c.Pool.Size)
	envInt("POOL_MAX_OVERFLOW", &c.Pool.MaxOverflow)
	envInt("POOL_TIMEOUT", &c.Pool.CheckoutSeconds)
	envInt("POOL_RECYCLE", &c.Pool.RecycleSeconds)
	envInt("CONSUMER_PREFETCH", &c.Consumer.Prefetch)
	envInt("EVAL_TIMEOUT_SEC", &c.Consumer.TimeoutSeconds)
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host is empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool size %d must be positive", c.Pool.Size)
	}
	if c.Consumer.Prefetch <= 0 {
		return fmt.Errorf("consumer prefetch %d must be positive", c.Consumer.Prefetch)
	}
	if c.Consumer.MaxRetries < 0 {
		return fmt.Errorf("consumer max retries %d must not be negative", c.Consumer.MaxRetries)
	}
	if c.Producer.DefaultScenarios <= 0 {
		return fmt.Errorf("default scenarios %d must be positive", c.Producer.DefaultScenarios)
	}
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard port %d out of range", c.Dashboard.Port)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
