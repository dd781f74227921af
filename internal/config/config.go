// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/JakeFAU/review-harvester/internal/queue"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Badger    BadgerConfig    `mapstructure:"badger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// QueueConfig selects the task store backend and engine behavior.
type QueueConfig struct {
	Backend            string        `mapstructure:"backend" validate:"oneof=memory sqlite badger postgres"`
	BatchSize          int           `mapstructure:"batch_size" validate:"gte=1"`
	Order              string        `mapstructure:"order" validate:"oneof=fifo lifo"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoff       string        `mapstructure:"retry_backoff" validate:"oneof=fixed exponential"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay" validate:"gte=0"`
	BatchDelay         time.Duration `mapstructure:"batch_delay" validate:"gte=0"`
	AfterProcessDelay  time.Duration `mapstructure:"after_process_delay" validate:"gte=0"`
	StoreBackoff       time.Duration `mapstructure:"store_backoff" validate:"gte=0"`
	LeaseTimeout       time.Duration `mapstructure:"lease_timeout" validate:"gte=0"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	LeaseRenewInterval time.Duration `mapstructure:"lease_renew_interval" validate:"gte=0"`
}

// SQLiteConfig configures the embedded SQL task store.
type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// BadgerConfig configures the embedded key-value task store.
type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// DatabaseConfig controls access to the Postgres task store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// BrowserConfig configures the headless Chrome session.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	Lang          string        `mapstructure:"lang"`
	UserAgent     string        `mapstructure:"user_agent"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" validate:"gt=0"`
	ExecPath      string        `mapstructure:"exec_path"`
	// AutoStart opens the browser at boot instead of waiting for /start.
	AutoStart bool `mapstructure:"auto_start"`
}

// HarvestConfig tunes page loading and the incremental review harvest.
type HarvestConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" validate:"gt=0"`
	NetworkIdle       time.Duration `mapstructure:"network_idle" validate:"gt=0"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout" validate:"gt=0"`
	IdleWindow        time.Duration `mapstructure:"idle_window" validate:"gt=0"`
	OpTimeout         time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	SkipFailedItems   bool          `mapstructure:"skip_failed_items"`
}

// RateLimitConfig paces page loads per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" validate:"gte=0"`
	Burst int     `mapstructure:"burst" validate:"gte=0"`
}

// StorageConfig selects where harvested documents are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=memory local gcs"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig sizes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size" validate:"gte=0"`
	MaxBatchEvents int           `mapstructure:"max_batch_events" validate:"gte=0"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait" validate:"gte=0"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout" validate:"gte=0"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// TelemetryConfig names the service for tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	ProjectID   string `mapstructure:"project_id"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	if cfg.Queue.LeaseTimeout > 0 && cfg.Queue.LeaseRenewInterval == 0 {
		cfg.Queue.LeaseRenewInterval = cfg.Queue.LeaseTimeout / 3
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.batch_size", 1)
	v.SetDefault("queue.order", "fifo")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_backoff", "fixed")
	v.SetDefault("queue.retry_delay", "5s")
	v.SetDefault("queue.max_retry_delay", "2m")
	v.SetDefault("queue.batch_delay", "1s")
	v.SetDefault("queue.after_process_delay", "0s")
	v.SetDefault("queue.store_backoff", "2s")
	v.SetDefault("queue.lease_timeout", "0s")
	v.SetDefault("queue.sweep_interval", "0s")
	v.SetDefault("queue.lease_renew_interval", "0s")
	v.SetDefault("sqlite.path", "harvester.db")
	v.SetDefault("sqlite.busy_timeout", "5s")
	v.SetDefault("badger.path", "harvester-badger")
	v.SetDefault("badger.in_memory", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.migrate", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.lang", "en-US,en")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.launch_timeout", "120s")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.auto_start", false)
	v.SetDefault("harvest.navigation_timeout", "120s")
	v.SetDefault("harvest.network_idle", "500ms")
	v.SetDefault("harvest.settle_timeout", "30s")
	v.SetDefault("harvest.idle_window", "10s")
	v.SetDefault("harvest.op_timeout", "120s")
	v.SetDefault("harvest.poll_interval", "250ms")
	v.SetDefault("harvest.skip_failed_items", false)
	v.SetDefault("ratelimit.rps", 0.5)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "harvests")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "places")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("telemetry.service_name", "review-harvester")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Queue.Backend {
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required for the sqlite backend"))
		}
	case "badger":
		if c.Badger.Path == "" && !c.Badger.InMemory {
			errs = append(errs, errors.New("badger.path is required unless badger.in_memory is set"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres backend"))
		}
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		errs = append(errs, errors.New("database.min_conns must not exceed database.max_conns"))
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled"))
	}
	if c.Queue.LeaseTimeout > 0 &&
		(c.Queue.LeaseRenewInterval <= 0 || c.Queue.LeaseRenewInterval >= c.Queue.LeaseTimeout) {
		errs = append(errs, errors.New("queue.lease_renew_interval must be positive and shorter than queue.lease_timeout"))
	}
	return errors.Join(errs...)
}

// QueueOrder returns the configured lease order.
func (c Config) QueueOrder() queue.Order {
	order, _ := queue.ParseOrder(c.Queue.Order)
	return order
}

// RetryPolicy builds the engine retry policy from the queue section.
func (c Config) RetryPolicy() queue.RetryPolicy {
	if c.Queue.RetryBackoff == "exponential" {
		return queue.NewExponentialRetryPolicy(c.Queue.MaxRetries, c.Queue.RetryDelay, c.Queue.MaxRetryDelay)
	}
	return queue.FixedRetryPolicy{MaxRetries: c.Queue.MaxRetries, Delay: c.Queue.RetryDelay}
}
