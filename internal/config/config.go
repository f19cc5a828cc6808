// Package config loads confcored's runtime configuration from a YAML
// file overlaid with environment variables, viper-driven.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Profile selects which backing implementations the core's pluggable
// components (Arena, Sub-SHM, datastore plugin, replay log) bind to.
type Profile string

const (
	// ProfileSingle runs every component in-process: the memory Arena, an
	// in-process channel Sub-SHM, and the embedded sqlite datastore/replay
	// plugin. No external dependency required; suitable for one connection
	// per host and for tests.
	ProfileSingle Profile = "single"

	// ProfileCluster binds the Redis-backed Arena and Sub-SHM so multiple
	// processes on the host share metadata, locks and events, and the
	// Postgres datastore/replay plugin.
	ProfileCluster Profile = "cluster"
)

// Config is the root configuration object.
type Config struct {
	Profile Profile `mapstructure:"profile"`

	Log     LogConfig     `mapstructure:"log"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	Lock    LockConfig    `mapstructure:"lock"`
	Commit  CommitConfig  `mapstructure:"commit"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// LogConfig configures level/format plus optional file rotation via
// lumberjack.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" or "text"
	Output     string `mapstructure:"output"` // "stdout", "file", "syslog"
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RedisConfig backs the cluster-profile Arena, lock leases and Sub-SHM
// streams.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// PostgresConfig backs the cluster-profile datastore/replay plugin.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// SQLiteConfig backs the single-profile embedded datastore/replay plugin.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// LockConfig configures the module lock table's lease liveness mechanism:
// robust mutexes backed by an explicit, renewable liveness lease.
type LockConfig struct {
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	RenewInterval  time.Duration `mapstructure:"renew_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
}

// CommitConfig configures the five-phase orchestrator.
type CommitConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	AbortGraceTimeout  time.Duration `mapstructure:"abort_grace_timeout"`
	BreakerFailures    int           `mapstructure:"breaker_failures"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

// MetricsConfig exposes a Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Addr    string `mapstructure:"addr"`
}

// AdminConfig exposes the debug/admin HTTP+websocket surface.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configPath (if non-empty) then overlays environment
// variables on top.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("confcore")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("profile", "single")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.database", "confcore")
	viper.SetDefault("postgres.username", "confcore")
	viper.SetDefault("postgres.ssl_mode", "disable")
	viper.SetDefault("postgres.max_connections", 25)
	viper.SetDefault("postgres.min_connections", 2)
	viper.SetDefault("postgres.connect_timeout", "10s")
	viper.SetDefault("postgres.query_timeout", "30s")

	viper.SetDefault("sqlite.path", "/var/lib/confcore/confcore.db")

	viper.SetDefault("lock.lease_ttl", "10s")
	viper.SetDefault("lock.renew_interval", "3333ms")
	viper.SetDefault("lock.acquire_timeout", "5s")
	viper.SetDefault("lock.reap_interval", "2s")

	viper.SetDefault("commit.timeout", "10s")
	viper.SetDefault("commit.abort_grace_timeout", "3s")
	viper.SetDefault("commit.breaker_failures", 5)
	viper.SetDefault("commit.breaker_cooldown", "30s")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.addr", ":9090")

	viper.SetDefault("admin.enabled", true)
	viper.SetDefault("admin.addr", ":8790")
}

// Validate rejects configurations that would leave a profile without the
// backing store it needs.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileSingle:
	case ProfileCluster:
		if c.Redis.Addr == "" {
			return fmt.Errorf("profile %q requires redis.addr", c.Profile)
		}
		if c.Postgres.Host == "" {
			return fmt.Errorf("profile %q requires postgres.host", c.Profile)
		}
	default:
		return fmt.Errorf("unknown profile %q: must be %q or %q", c.Profile, ProfileSingle, ProfileCluster)
	}
	if c.Commit.Timeout <= 0 {
		return fmt.Errorf("commit.timeout must be > 0")
	}
	return nil
}
