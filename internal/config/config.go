// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SERPQUEUE_QUEUE_BACKEND.
const EnvPrefix = "SERPQUEUE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Requests  RequestsConfig  `mapstructure:"requests"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EventKeepAlive  time.Duration `mapstructure:"event_keepalive"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RequestsConfig bounds client submissions.
type RequestsConfig struct {
	MaxQueries     int `mapstructure:"max_queries"`
	MaxQueryLength int `mapstructure:"max_query_length"`
}

// StoreConfig selects the job record store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// QueueConfig selects the queue backend and its retry policy.
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	Table        string        `mapstructure:"table"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

// FetcherConfig selects and tunes the result fetcher.
type FetcherConfig struct {
	Backend           string        `mapstructure:"backend"`
	SearchURL         string        `mapstructure:"search_url"`
	ResultSelector    string        `mapstructure:"result_selector"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
	MaxResults        int           `mapstructure:"max_results"`
}

// RateLimitConfig throttles requests to the search provider.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects where failure snapshots are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig selects where terminal notifications go.
type PublisherConfig struct {
	Backend        string `mapstructure:"backend"`
	PubSubProject  string `mapstructure:"pubsub_project"`
	AMQPURL        string `mapstructure:"amqp_url"`
	AMQPExchange   string `mapstructure:"amqp_exchange"`
	CompletedTopic string `mapstructure:"completed_topic"`
	FailedTopic    string `mapstructure:"failed_topic"`
}

// ProgressConfig tunes the progress hub and event streams.
type ProgressConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	LogEvents        bool          `mapstructure:"log_events"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.event_keepalive", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("requests.max_queries", 50)
	v.SetDefault("requests.max_query_length", 512)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", "1s")
	v.SetDefault("queue.max_delay", "0s")
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("queue.lease", "5m")
	v.SetDefault("queue.table", "search_queue")
	v.SetDefault("queue.redis_prefix", "serpqueue")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.fetch_timeout", "60s")
	v.SetDefault("worker.error_backoff", "1s")
	v.SetDefault("fetcher.backend", "chromedp")
	v.SetDefault("fetcher.search_url", "")
	v.SetDefault("fetcher.result_selector", "")
	v.SetDefault("fetcher.user_agent", "")
	v.SetDefault("fetcher.navigation_timeout", "45s")
	v.SetDefault("fetcher.exec_path", "")
	v.SetDefault("fetcher.max_results", 0)
	v.SetDefault("ratelimit.rps", 0.5)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "data/snapshots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.pubsub_project", "")
	v.SetDefault("publisher.amqp_url", "")
	v.SetDefault("publisher.amqp_exchange", "serpqueue.events")
	v.SetDefault("publisher.completed_topic", "search.completed")
	v.SetDefault("publisher.failed_topic", "search.failed")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "200ms")
	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "serpqueue")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(oneOf(c.Store.Backend, "memory", "postgres"), "store.backend %q must be memory or postgres", c.Store.Backend)
	check(oneOf(c.Queue.Backend, "memory", "postgres", "redis"),
		"queue.backend %q must be memory, postgres, or redis", c.Queue.Backend)
	check(c.Queue.MaxAttempts > 0, "queue.max_attempts must be > 0")
	check(c.Queue.BaseDelay > 0, "queue.base_delay must be > 0")
	check(c.Queue.MaxDelay >= 0, "queue.max_delay must be >= 0")
	check(c.Worker.Concurrency > 0, "worker.concurrency must be > 0")
	check(c.Worker.FetchTimeout > 0, "worker.fetch_timeout must be > 0")
	check(oneOf(c.Fetcher.Backend, "chromedp", "colly"), "fetcher.backend %q must be chromedp or colly", c.Fetcher.Backend)
	check(c.Fetcher.SearchURL == "" || strings.Contains(c.Fetcher.SearchURL, "%s"),
		"fetcher.search_url must contain %%s")
	check(c.RateLimit.RPS >= 0, "ratelimit.rps must be >= 0")
	check(oneOf(c.Storage.Backend, "none", "memory", "local", "gcs"),
		"storage.backend %q must be none, memory, local, or gcs", c.Storage.Backend)
	check(c.Storage.Backend != "gcs" || c.Storage.GCSBucket != "", "storage.gcs_bucket must be set for gcs storage")
	check(oneOf(c.Publisher.Backend, "none", "memory", "pubsub", "amqp"),
		"publisher.backend %q must be none, memory, pubsub, or amqp", c.Publisher.Backend)
	check(c.Publisher.Backend != "pubsub" || c.Publisher.PubSubProject != "",
		"publisher.pubsub_project must be set for pubsub")
	check(c.Publisher.Backend != "amqp" || c.Publisher.AMQPURL != "", "publisher.amqp_url must be set for amqp")

	needsDB := c.Store.Backend == "postgres" || c.Queue.Backend == "postgres"
	check(!needsDB || c.DB.DSN != "", "db.dsn must be set when a postgres backend is selected")
	check(c.Queue.Backend != "redis" || c.Redis.Addr != "", "redis.addr must be set for the redis queue")
	check(c.Store.Backend != "memory" || c.Queue.Backend == "memory",
		"a durable queue requires a durable store; set store.backend to postgres")

	return errors.Join(errs...)
}

// NeedsPostgres reports whether any component is backed by Postgres.
func (c Config) NeedsPostgres() bool {
	return c.Store.Backend == "postgres" || c.Queue.Backend == "postgres"
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
