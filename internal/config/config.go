// Package config loads and validates bundlefetch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	kvpostgres "github.com/JakeFAU/bundlefetch/internal/kv/postgres"
	kvredis "github.com/JakeFAU/bundlefetch/internal/kv/redis"
	"github.com/JakeFAU/bundlefetch/internal/logging"
	"github.com/JakeFAU/bundlefetch/internal/protocol/httpx"
	"github.com/JakeFAU/bundlefetch/internal/protocol/sftpx"
	"github.com/JakeFAU/bundlefetch/internal/publisher/pubsub"
	"github.com/JakeFAU/bundlefetch/internal/retry"
	"github.com/JakeFAU/bundlefetch/internal/storage/blob"
	"github.com/JakeFAU/bundlefetch/internal/storage/gcs"
	"github.com/JakeFAU/bundlefetch/internal/storage/local"
	catalog "github.com/JakeFAU/bundlefetch/internal/storage/postgres"
	"github.com/JakeFAU/bundlefetch/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. BUNDLEFETCH_RUN_CONCURRENCY.
const EnvPrefix = "BUNDLEFETCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Run     RunConfig        `mapstructure:"run"`
	Retry   RetryConfig      `mapstructure:"retry"`
	HTTP    httpx.Config     `mapstructure:"http"`
	SFTP    sftpx.Config     `mapstructure:"sftp"`
	Storage StorageConfig    `mapstructure:"storage"`
	KV      KVConfig         `mapstructure:"kv"`
	PubSub  pubsub.Config    `mapstructure:"pubsub"`
	Catalog catalog.Config   `mapstructure:"catalog"`
	Server  ServerConfig     `mapstructure:"server"`
	Logging logging.Config   `mapstructure:"logging"`
	Tracing telemetry.Config `mapstructure:"tracing"`
	Sources []SourceConfig   `mapstructure:"sources"`

	v *viper.Viper
}

// RunConfig controls one fetch run.
type RunConfig struct {
	// RunID is generated when empty.
	RunID        string        `mapstructure:"run_id"`
	RecipeID     string        `mapstructure:"recipe_id"`
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Requests seed the queue directly, bypassing locators.
	Requests []string `mapstructure:"requests"`
}

// RetryConfig names a preset. Fields set under retry.* override it.
type RetryConfig struct {
	Preset string       `mapstructure:"preset"`
	Policy retry.Config `mapstructure:"-"`
}

// StorageConfig selects the bundle backend.
type StorageConfig struct {
	// Backend is one of local, gcs, blob, memory.
	Backend    string       `mapstructure:"backend"`
	Prefix     string       `mapstructure:"prefix"`
	Decompress bool         `mapstructure:"decompress"`
	Local      local.Config `mapstructure:"local"`
	GCS        gcs.Config   `mapstructure:"gcs"`
	Blob       blob.Config  `mapstructure:"blob"`
}

// KVConfig selects the key-value store.
type KVConfig struct {
	// Backend is one of memory, redis, postgres.
	Backend  string            `mapstructure:"backend"`
	Redis    kvredis.Config    `mapstructure:"redis"`
	Postgres kvpostgres.Config `mapstructure:"postgres"`
}

// ServerConfig controls the operator HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
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
	} else {
		v.SetConfigName("bundlefetch")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bundlefetch/")
		v.AddConfigPath("$HOME/.bundlefetch")
	}
	if err := v.ReadInConfig(); err != nil {
		// Without an explicit path, defaults and environment are enough.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	policy, err := retryPolicy(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Retry.Policy = policy
	cfg.HTTP.Retry = policy
	cfg.SFTP.Retry = policy
	cfg.v = v

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Viper returns the instance the config was loaded from. Credential lookups
// read it directly so secrets never land in Config.
func (c Config) Viper() *viper.Viper {
	if c.v == nil {
		return viper.New()
	}
	return c.v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.recipe_id", "default")
	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.poll_interval", "100ms")
	v.SetDefault("retry.preset", "default")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.user_agent", "bundlefetch/0.1")
	v.SetDefault("http.rps", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("sftp.dial_timeout", "15s")
	v.SetDefault("sftp.rps", 0)
	v.SetDefault("sftp.burst", 1)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "bundles")
	v.SetDefault("storage.decompress", false)
	v.SetDefault("storage.local.base_dir", "data/bundles")
	v.SetDefault("kv.backend", "memory")
	v.SetDefault("kv.redis.namespace", "bundlefetch")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "bundlefetch")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

func retryPolicy(v *viper.Viper) (retry.Config, error) {
	policy, err := retry.Preset(v.GetString("retry.preset"))
	if err != nil {
		return retry.Config{}, fmt.Errorf("retry.preset: %w", err)
	}
	if v.IsSet("retry.max_retries") {
		policy.MaxRetries = v.GetInt("retry.max_retries")
	}
	if v.IsSet("retry.base_delay") {
		policy.BaseDelay = v.GetDuration("retry.base_delay")
	}
	if v.IsSet("retry.max_delay") {
		policy.MaxDelay = v.GetDuration("retry.max_delay")
	}
	if v.IsSet("retry.exponential_base") {
		policy.ExponentialBase = v.GetFloat64("retry.exponential_base")
	}
	if v.IsSet("retry.jitter_min") {
		policy.JitterMin = v.GetFloat64("retry.jitter_min")
	}
	if v.IsSet("retry.jitter_max") {
		policy.JitterMax = v.GetFloat64("retry.jitter_max")
	}
	return policy, nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if err := c.Retry.Policy.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case "blob":
		if c.Storage.Blob.URL == "" {
			return fmt.Errorf("storage.blob.url is required for the blob backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, blob, memory", c.Storage.Backend)
	}
	switch c.KV.Backend {
	case "memory":
	case "redis":
		if c.KV.Redis.Address == "" {
			return fmt.Errorf("kv.redis.address is required for the redis backend")
		}
	case "postgres":
		if c.KV.Postgres.DSN == "" {
			return fmt.Errorf("kv.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("kv.backend %q is not one of memory, redis, postgres", c.KV.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if len(c.Sources) == 0 && len(c.Run.Requests) == 0 {
		return fmt.Errorf("at least one source or run.requests entry is required")
	}
	names := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = struct{}{}
	}
	return nil
}
