// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Progress ProgressConfig `mapstructure:"progress"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProgressConfig governs durable snapshot persistence behavior.
type ProgressConfig struct {
	BatchIntervalMs     int `mapstructure:"batch_interval_ms"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
	MaxRetries          int `mapstructure:"max_retries"`
	BackoffInitialMs    int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int `mapstructure:"backoff_max_ms"`
}

// StreamConfig controls event fan-out to live subscribers.
type StreamConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// ReaperConfig controls in-memory session eviction.
type ReaperConfig struct {
	IntervalSeconds    int `mapstructure:"interval_seconds"`
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
	RetentionMinutes   int `mapstructure:"retention_minutes"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory snapshot store.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int    `mapstructure:"max_conns"`
	MinConns               int    `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for terminal session notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
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

// setDefaults registers every key. AutomaticEnv only resolves keys viper
// already knows about, so a key without a default is invisible to env
// overrides.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("progress.batch_interval_ms", 2500)
	v.SetDefault("progress.write_timeout_seconds", 5)
	v.SetDefault("progress.max_retries", 3)
	v.SetDefault("progress.backoff_initial_ms", 250)
	v.SetDefault("progress.backoff_max_ms", 5000)
	v.SetDefault("stream.subscriber_buffer", 16)
	v.SetDefault("stream.heartbeat_seconds", 30)
	v.SetDefault("reaper.interval_seconds", 60)
	v.SetDefault("reaper.idle_timeout_minutes", 10)
	v.SetDefault("reaper.retention_minutes", 60)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "session_progress")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Progress.BatchIntervalMs <= 0 {
		return fmt.Errorf("progress.batch_interval_ms must be > 0")
	}
	if c.Progress.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("progress.write_timeout_seconds must be > 0")
	}
	if c.Progress.MaxRetries < 0 {
		return fmt.Errorf("progress.max_retries must be >= 0")
	}
	if c.Stream.SubscriberBuffer < 2 {
		return fmt.Errorf("stream.subscriber_buffer must be >= 2")
	}
	if c.Stream.HeartbeatSeconds <= 0 {
		return fmt.Errorf("stream.heartbeat_seconds must be > 0")
	}
	if c.Reaper.IntervalSeconds <= 0 {
		return fmt.Errorf("reaper.interval_seconds must be > 0")
	}
	if c.Reaper.IdleTimeoutMinutes <= 0 {
		return fmt.Errorf("reaper.idle_timeout_minutes must be > 0")
	}
	if c.Reaper.RetentionMinutes <= 0 {
		return fmt.Errorf("reaper.retention_minutes must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// BatchInterval returns the snapshot batching interval as a duration.
func (c ProgressConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

// WriteTimeout returns the per-attempt write deadline as a duration.
func (c ProgressConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// BackoffInitial returns the initial retry backoff as a duration.
func (c ProgressConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling as a duration.
func (c ProgressConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// Heartbeat returns the subscriber heartbeat interval as a duration.
func (c StreamConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Interval returns the sweep interval as a duration.
func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// IdleTimeout returns the abandoned-session threshold as a duration.
func (c ReaperConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// Retention returns the terminal-session retention window as a duration.
func (c ReaperConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// MaxConnLifetime returns the pool connection lifetime as a duration.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeMinutes) * time.Minute
}
