// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// Backend names accepted by the storage, metadata and alerts sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Modules   []ModuleConfig  `mapstructure:"modules"`
	LogDir    string          `mapstructure:"log_dir"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig sizes the activation pool.
type SchedulerConfig struct {
	PoolSize        int           `mapstructure:"pool_size"`
	ImageFetchDelay time.Duration `mapstructure:"image_fetch_delay"`
}

// RunnerConfig governs module activations and proxied requests.
type RunnerConfig struct {
	RequestInterval  time.Duration `mapstructure:"request_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ExitGrace        time.Duration `mapstructure:"exit_grace"`
	MaxDownloadBytes int64         `mapstructure:"max_download_bytes"`
	UserAgent        string        `mapstructure:"user_agent"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	// Env is passed to worker processes in KEY=VALUE form.
	Env []string `mapstructure:"env"`
}

// StorageConfig selects the product store.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// MetadataConfig selects where queue slots, the module registry and seeds live.
type MetadataConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds connection details for the Redis metadata store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AlertsConfig selects the price alert publisher.
type AlertsConfig struct {
	Publisher string       `mapstructure:"publisher"`
	PubSub    PubSubConfig `mapstructure:"pubsub"`
	Kafka     KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig names the broker and topic for Kafka alerts.
type KafkaConfig struct {
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
}

// ModuleConfig declares one worker program.
type ModuleConfig struct {
	ID              crawler.ModuleID `mapstructure:"id"`
	Path            string           `mapstructure:"path"`
	Args            []string         `mapstructure:"args"`
	Name            string           `mapstructure:"name"`
	Source          string           `mapstructure:"source"`
	Remote          *bool            `mapstructure:"remote"`
	ChunkedDownload bool             `mapstructure:"chunked_download"`
	LogActivity     bool             `mapstructure:"log_activity"`
}

// Module converts the declaration; remote defaults to true.
func (m ModuleConfig) Module() crawler.Module {
	remote := true
	if m.Remote != nil {
		remote = *m.Remote
	}
	return crawler.Module{
		ID:              m.ID,
		Path:            m.Path,
		Args:            append([]string(nil), m.Args...),
		SourceName:      m.Source,
		ModuleName:      m.Name,
		Remote:          remote,
		ChunkedDownload: m.ChunkedDownload,
		LogActivity:     m.LogActivity,
	}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRANSPARENT")
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
	v.SetDefault("logging.development", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.pool_size", 64)
	v.SetDefault("scheduler.image_fetch_delay", time.Hour)
	v.SetDefault("runner.request_interval", time.Second)
	v.SetDefault("runner.poll_interval", 10*time.Millisecond)
	v.SetDefault("runner.exit_grace", 500*time.Millisecond)
	v.SetDefault("runner.max_download_bytes", 10<<20)
	v.SetDefault("runner.user_agent", "Mozilla/5.0 (compatible; transparent-crawler/1.0)")
	v.SetDefault("runner.http_timeout", 30*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("metadata.backend", BackendMemory)
	v.SetDefault("metadata.redis.addr", "localhost:6379")
	v.SetDefault("metadata.redis.prefix", "transparent:")
	v.SetDefault("alerts.publisher", BackendMemory)
	v.SetDefault("log_dir", "logs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.PoolSize <= 0 {
		return fmt.Errorf("scheduler.pool_size must be > 0")
	}
	if c.Runner.RequestInterval < 0 {
		return fmt.Errorf("runner.request_interval must be >= 0")
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be > 0")
	}
	if c.Runner.ExitGrace < 0 {
		return fmt.Errorf("runner.exit_grace must be >= 0")
	}
	if c.Runner.MaxDownloadBytes <= 0 {
		return fmt.Errorf("runner.max_download_bytes must be > 0")
	}
	if c.Runner.HTTPTimeout <= 0 {
		return fmt.Errorf("runner.http_timeout must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Metadata.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Backend != BackendPostgres {
			return fmt.Errorf("metadata.backend postgres requires storage.backend postgres")
		}
	case BackendRedis:
		if c.Metadata.Redis.Addr == "" {
			return fmt.Errorf("metadata.redis.addr must be set when metadata.backend is redis")
		}
	default:
		return fmt.Errorf("unknown metadata.backend %q", c.Metadata.Backend)
	}
	switch c.Alerts.Publisher {
	case BackendMemory:
	case BackendPubSub:
		if c.Alerts.PubSub.ProjectID == "" || c.Alerts.PubSub.TopicName == "" {
			return fmt.Errorf("alerts.pubsub.project_id and topic_name must be set")
		}
	case BackendKafka:
		if c.Alerts.Kafka.Broker == "" || c.Alerts.Kafka.Topic == "" {
			return fmt.Errorf("alerts.kafka.broker and topic must be set")
		}
	default:
		return fmt.Errorf("unknown alerts.publisher %q", c.Alerts.Publisher)
	}
	seen := make(map[crawler.ModuleID]bool, len(c.Modules))
	for i, m := range c.Modules {
		if m.Path == "" {
			return fmt.Errorf("modules[%d].path must be set", i)
		}
		if m.Name == "" {
			return fmt.Errorf("modules[%d].name must be set", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("modules[%d]: duplicate id %s", i, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// ModuleList returns the configured modules as crawler modules.
func (c Config) ModuleList() []crawler.Module {
	out := make([]crawler.Module, 0, len(c.Modules))
	for _, m := range c.Modules {
		out = append(out, m.Module())
	}
	return out
}
