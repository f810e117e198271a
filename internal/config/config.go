// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MEDIAFETCHER_ENGINE_MAX_CONCURRENT_JOBS.
const EnvPrefix = "MEDIAFETCHER"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
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

// EngineConfig governs admission control.
type EngineConfig struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
}

// DedupConfig controls the content store and its lock-wait policy.
type DedupConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	LockWait           time.Duration `mapstructure:"lock_wait"`
	RecheckDelay       time.Duration `mapstructure:"recheck_delay"`
	SecondWait         time.Duration `mapstructure:"second_wait"`
	ProceedWithoutLock bool          `mapstructure:"proceed_without_lock"`
}

// FetchConfig sets fetch engine defaults. Per-config custom options override
// the timeouts.
type FetchConfig struct {
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	BinaryPath       string        `mapstructure:"binary_path"`
}

// StorageConfig sets the persistence backend and on-disk layout.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	DataDir    string `mapstructure:"data_dir"`
	ContentDir string `mapstructure:"content_dir"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for job-finished notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig controls the cron evaluation loop.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// CleanupConfig holds defaults for cleanup tasks.
type CleanupConfig struct {
	DefaultDays int `mapstructure:"default_days"`
}

// RateLimitConfig paces fetches per remote host. Zero RPS disables pacing.
type RateLimitConfig struct {
	PerHostRPS float64 `mapstructure:"per_host_rps"`
	Burst      int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features and per-job log rotation.
type LoggingConfig struct {
	Development      bool `mapstructure:"development"`
	JobLogMaxSizeMB  int  `mapstructure:"job_log_max_size_mb"`
	JobLogMaxBackups int  `mapstructure:"job_log_max_backups"`
}

// Load builds a Config from disk/environment.
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("engine.max_concurrent_jobs", 3)
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.lock_wait", 30*time.Second)
	v.SetDefault("dedup.recheck_delay", 10*time.Second)
	v.SetDefault("dedup.second_wait", 60*time.Second)
	v.SetDefault("dedup.proceed_without_lock", true)
	v.SetDefault("fetch.download_timeout", 2*time.Hour)
	v.SetDefault("fetch.stall_timeout", 5*time.Minute)
	v.SetDefault("fetch.progress_interval", 500*time.Millisecond)
	v.SetDefault("fetch.binary_path", "")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.content_dir", filepath.Join("global", "downloads"))
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 60*time.Second)
	v.SetDefault("cleanup.default_days", 30)
	v.SetDefault("ratelimit.per_host_rps", 0.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.job_log_max_size_mb", 10)
	v.SetDefault("logging.job_log_max_backups", 3)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Engine.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("engine.max_concurrent_jobs must be > 0")
	}
	if c.Dedup.Enabled && c.Dedup.LockWait <= 0 {
		return fmt.Errorf("dedup.lock_wait must be > 0 when dedup is enabled")
	}
	if c.Dedup.RecheckDelay < 0 || c.Dedup.SecondWait < 0 {
		return fmt.Errorf("dedup.recheck_delay and dedup.second_wait must be >= 0")
	}
	if c.Fetch.DownloadTimeout <= 0 {
		return fmt.Errorf("fetch.download_timeout must be > 0")
	}
	if c.Fetch.StallTimeout <= 0 {
		return fmt.Errorf("fetch.stall_timeout must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendMemory, BackendPostgres)
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if strings.TrimSpace(c.Storage.ContentDir) == "" {
		return fmt.Errorf("storage.content_dir is required")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval < time.Second {
		return fmt.Errorf("scheduler.interval must be >= 1s")
	}
	if c.Cleanup.DefaultDays <= 0 {
		return fmt.Errorf("cleanup.default_days must be > 0")
	}
	if c.RateLimit.PerHostRPS < 0 {
		return fmt.Errorf("ratelimit.per_host_rps must be >= 0")
	}
	return nil
}

// ContentRoot resolves the content directory. Relative paths are anchored at
// the data directory's parent so both trees share one volume.
func (c Config) ContentRoot() string {
	if filepath.IsAbs(c.Storage.ContentDir) {
		return c.Storage.ContentDir
	}
	return filepath.Join(filepath.Dir(filepath.Clean(c.Storage.DataDir)), c.Storage.ContentDir)
}
