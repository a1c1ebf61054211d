package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/bundlefetch/internal/retry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
run:
  recipe_id: prices
  concurrency: 6
  poll_interval: 50ms
retry:
  preset: connection
  max_retries: 7
http:
  timeout: 45s
  user_agent: real-agent
  rps: 2.5
  burst: 3
  endpoints:
    - host: api.example.com
      rps: 10
      burst: 5
sftp:
  credential_id: feed
  known_hosts: /etc/ssh/known_hosts
storage:
  backend: gcs
  prefix: raw
  decompress: true
  gcs:
    bucket: bucket
kv:
  backend: redis
  redis:
    address: localhost:6379
pubsub:
  project_id: proj
  topic: bundles
logging:
  development: false
sources:
  - type: cursor
    name: events
    url: https://api.example.com/events
    params:
      credential_id: api
  - type: narrowing
    name: search
    url: https://api.example.com/search?date={date}&q={prefix}
    start: "2024-01-01"
    end: "2024-01-31"
    cap: 1000
    count_url: https://api.example.com/count?date={date}&q={prefix}
    count_field: total
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Run.Concurrency != 6 || cfg.Run.PollInterval != 50*time.Millisecond || cfg.Run.RecipeID != "prices" {
		t.Fatalf("expected run overrides to apply: %+v", cfg.Run)
	}
	want := retry.Connection
	want.MaxRetries = 7
	if cfg.Retry.Policy != want {
		t.Fatalf("expected connection preset with 7 retries, got %+v", cfg.Retry.Policy)
	}
	if cfg.HTTP.Retry != want || cfg.SFTP.Retry != want {
		t.Fatalf("expected the retry policy to reach the protocol managers")
	}
	if cfg.HTTP.Timeout != 45*time.Second || cfg.HTTP.UserAgent != "real-agent" {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.HTTP.RateLimit.DefaultRPS != 2.5 || cfg.HTTP.RateLimit.DefaultBurst != 3 {
		t.Fatalf("expected rate limit to apply: %+v", cfg.HTTP.RateLimit)
	}
	if eps := cfg.HTTP.RateLimit.Endpoints; len(eps) != 1 || eps[0].Host != "api.example.com" || eps[0].RPS != 10 || eps[0].Burst != 5 {
		t.Fatalf("expected endpoint override: %+v", cfg.HTTP.RateLimit.Endpoints)
	}
	if cfg.SFTP.CredentialID != "feed" || cfg.SFTP.DialTimeout != 15*time.Second {
		t.Fatalf("expected sftp config with default dial timeout: %+v", cfg.SFTP)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCS.Bucket != "bucket" || !cfg.Storage.Decompress {
		t.Fatalf("expected storage overrides: %+v", cfg.Storage)
	}
	if cfg.KV.Backend != "redis" || cfg.KV.Redis.Address != "localhost:6379" || cfg.KV.Redis.Namespace != "bundlefetch" {
		t.Fatalf("expected redis kv: %+v", cfg.KV)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0].Params["credential_id"] != "api" || cfg.Sources[1].Cap != 1000 {
		t.Fatalf("expected sources to be loaded: %+v", cfg.Sources)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BUNDLEFETCH_RUN_CONCURRENCY", "9")
	t.Setenv("BUNDLEFETCH_RETRY_BASE_DELAY", "2s")
	t.Setenv("BUNDLEFETCH_CREDENTIALS_API_TOKEN", "s3cret")

	path := writeConfig(t, `
run:
  requests: ["https://example.com/a.json"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Run.Concurrency != 9 {
		t.Fatalf("expected env concurrency 9, got %d", cfg.Run.Concurrency)
	}
	if cfg.Retry.Policy.BaseDelay != 2*time.Second || cfg.Retry.Policy.MaxRetries != retry.Default.MaxRetries {
		t.Fatalf("expected env base delay over the default preset, got %+v", cfg.Retry.Policy)
	}
	if cfg.Storage.Backend != "local" || cfg.KV.Backend != "memory" {
		t.Fatalf("expected default backends, got %q/%q", cfg.Storage.Backend, cfg.KV.Backend)
	}
	if got := cfg.Viper().GetString("credentials.api.token"); got != "s3cret" {
		t.Fatalf("expected credential from env, got %q", got)
	}
}

func TestLoadRejectsUnknownPreset(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
retry:
  preset: reckless
run:
  requests: ["https://example.com"]
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "retry.preset") {
		t.Fatalf("expected preset error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Run:     RunConfig{Concurrency: 1, Requests: []string{"https://example.com"}},
		Retry:   RetryConfig{Policy: retry.Default},
		Storage: StorageConfig{Backend: "memory"},
		KV:      KVConfig{Backend: "memory"},
	}
	base.HTTP.Timeout = time.Second

	tests := []struct {
		name string
		cfg  func(c Config) Config
		want string
	}{
		{
			name: "invalid concurrency",
			cfg:  func(c Config) Config { c.Run.Concurrency = 0; return c },
			want: "run.concurrency",
		},
		{
			name: "invalid timeout",
			cfg:  func(c Config) Config { c.HTTP.Timeout = 0; return c },
			want: "http.timeout",
		},
		{
			name: "invalid retry",
			cfg:  func(c Config) Config { c.Retry.Policy.ExponentialBase = 0.5; return c },
			want: "exponential_base",
		},
		{
			name: "unknown storage backend",
			cfg:  func(c Config) Config { c.Storage.Backend = "tape"; return c },
			want: "storage.backend",
		},
		{
			name: "gcs without bucket",
			cfg:  func(c Config) Config { c.Storage.Backend = "gcs"; return c },
			want: "storage.gcs.bucket",
		},
		{
			name: "postgres kv without dsn",
			cfg:  func(c Config) Config { c.KV.Backend = "postgres"; return c },
			want: "kv.postgres.dsn",
		},
		{
			name: "topic without project",
			cfg:  func(c Config) Config { c.PubSub.Topic = "bundles"; return c },
			want: "pubsub.project_id",
		},
		{
			name: "nothing to fetch",
			cfg:  func(c Config) Config { c.Run.Requests = nil; return c },
			want: "at least one source",
		},
		{
			name: "duplicate source",
			cfg: func(c Config) Config {
				s := SourceConfig{Type: SourceSingle, Name: "a", URL: "https://x"}
				c.Sources = []SourceConfig{s, s}
				return c
			},
			want: "duplicate name",
		},
		{
			name: "reverse without latest",
			cfg: func(c Config) Config {
				c.Sources = []SourceConfig{{Type: SourceReverse, Name: "r", URL: "https://x"}}
				return c
			},
			want: "latest",
		},
		{
			name: "narrowing bad dates",
			cfg: func(c Config) Config {
				c.Sources = []SourceConfig{{
					Type: SourceNarrowing, Name: "n", URL: "https://x/{date}", Cap: 1,
					CountURL: "https://x/count", CountField: "total", Start: "2024-02-01", End: "2024-01-01",
				}}
				return c
			},
			want: "end is before start",
		},
		{
			name: "unknown source type",
			cfg: func(c Config) Config {
				c.Sources = []SourceConfig{{Type: "crawl", Name: "c", URL: "https://x"}}
				return c
			},
			want: "unknown type",
		},
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg(base).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
