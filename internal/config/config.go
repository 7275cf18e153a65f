// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Validation ValidationConfig `mapstructure:"validation"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	CacheMaxAge     int           `mapstructure:"cache_max_age"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig selects zap's mode and sinks.
type LoggingConfig struct {
	Development  bool   `mapstructure:"development"`
	Level        string `mapstructure:"level"`
	CombinedFile string `mapstructure:"combined_file"`
	ErrorFile    string `mapstructure:"error_file"`
}

// BrowserConfig configures the shared headless browser and the fetch orchestrator.
type BrowserConfig struct {
	Driver            string        `mapstructure:"driver"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headful           bool          `mapstructure:"headful"`
	Flags             []string      `mapstructure:"flags"`
	UserAgent         string        `mapstructure:"user_agent"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	BodyTimeout       time.Duration `mapstructure:"body_timeout"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	Idle              IdleConfig    `mapstructure:"idle"`
}

// IdleConfig tunes the network-idle heuristic.
type IdleConfig struct {
	MaxInflight int           `mapstructure:"max_inflight"`
	Window      time.Duration `mapstructure:"window"`
}

// ValidationConfig controls the content gate.
type ValidationConfig struct {
	SniffBytes bool `mapstructure:"sniff_bytes"`
}

// RateLimitConfig controls per-host pacing of navigations.
type RateLimitConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	RPS     float64            `mapstructure:"rps"`
	Burst   int                `mapstructure:"burst"`
	Hosts   map[string]float64 `mapstructure:"hosts"`
}

// CacheConfig selects the result cache.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	Redis      RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig selects where fetched images are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	GCS     GCSConfig          `mapstructure:"gcs"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig configures the Cloud Storage archive.
type GCSConfig struct {
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// DatabaseConfig controls the Postgres retrieval log.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	CreateTable     bool          `mapstructure:"create_table"`
}

// EventsConfig selects where download events are published.
type EventsConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds the Pub/Sub project.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds the Kafka producer settings.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Backend names accepted by the configuration.
const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"

	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendPubSub = "pubsub"
	BackendKafka  = "kafka"
)

// DefaultBrowserFlags are passed to Chrome unless browser.flags is set.
var DefaultBrowserFlags = []string{
	"no-sandbox",
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-accelerated-2d-canvas",
	"no-first-run",
	"no-zygote",
	"disable-gpu",
}

// Load builds a Config from an optional dotenv file, an optional config file
// and the environment.
func Load(path, envFile string) (Config, error) {
	if err := loadDotenv(envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("PICFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "PICFETCH_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

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

// loadDotenv loads envFile, or ./.env when envFile is empty and the file
// exists. Variables already set in the environment win.
func loadDotenv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cache_max_age", 3600)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.flags", DefaultBrowserFlags)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.body_timeout", "10s")
	v.SetDefault("browser.max_parallel", 0)
	v.SetDefault("browser.idle.max_inflight", 2)
	v.SetDefault("browser.idle.window", "500ms")
	v.SetDefault("validation.sniff_bytes", false)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 4)
	v.SetDefault("cache.backend", BackendNone)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.redis.key_prefix", "picfetch:")
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.prefix", "images")
	v.SetDefault("storage.local.base_dir", "./data/images")
	v.SetDefault("database.table", "image_retrievals")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.create_table", true)
	v.SetDefault("events.backend", BackendNone)
	v.SetDefault("events.topic", "image.fetched")
	v.SetDefault("events.kafka.client_id", "picfetch")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "picfetch")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.CacheMaxAge < 0 {
		return fmt.Errorf("server.cache_max_age must be >= 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	if c.Browser.Driver != DriverChromedp && c.Browser.Driver != DriverRod {
		return fmt.Errorf("browser.driver must be %q or %q", DriverChromedp, DriverRod)
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be > 0")
	}
	if c.Browser.BodyTimeout <= 0 {
		return fmt.Errorf("browser.body_timeout must be > 0")
	}
	if c.Browser.MaxParallel < 0 {
		return fmt.Errorf("browser.max_parallel must be >= 0")
	}
	if c.Browser.Idle.MaxInflight < 0 || c.Browser.Idle.Window < 0 {
		return fmt.Errorf("browser.idle values must be >= 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be > 0 when rate limiting is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	switch c.Cache.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for local storage")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Events.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Events.PubSub.ProjectID == "" {
			return fmt.Errorf("events.pubsub.project_id is required for pubsub events")
		}
	case BackendKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required for kafka events")
		}
	default:
		return fmt.Errorf("unknown events.backend %q", c.Events.Backend)
	}
	return nil
}

// BrowserFlags parses browser.flags entries of the form "name" or
// "name=value" into a map.
func (c BrowserConfig) BrowserFlags() map[string]string {
	flags := make(map[string]string, len(c.Flags))
	for _, raw := range c.Flags {
		raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
		if raw == "" {
			continue
		}
		name, value, _ := strings.Cut(raw, "=")
		flags[name] = value
	}
	return flags
}
