// Package ratelimit implements a token bucket rate limiter keyed by endpoint,
// shared by every worker that talks to the same host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bundlefetch/internal/metrics"
)

// Limit is the rate applied to one endpoint. Host is only read from
// Config.Endpoints.
type Limit struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64 `mapstructure:"rps"`
	DefaultBurst int     `mapstructure:"burst"`
	Endpoints    []Limit `mapstructure:"endpoints"`
}

// Limiter manages per-endpoint rate limits.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	def       Limit
	overrides map[string]Limit
}

// New creates a new Limiter. A non-positive rate means unlimited.
func New(cfg Config) *Limiter {
	overrides := make(map[string]Limit, len(cfg.Endpoints))
	for _, l := range cfg.Endpoints {
		overrides[strings.ToLower(l.Host)] = l
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		def:       Limit{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		overrides: overrides,
	}
}

// Wait blocks until a token is available for the endpoint of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	endpoint := Endpoint(rawURL)
	limiter := l.limiterFor(endpoint)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", endpoint, err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(endpoint, d)
	}
	return nil
}

func (l *Limiter) limiterFor(endpoint string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[endpoint]; ok {
		return limiter
	}
	cfg := l.def
	if o, ok := l.overrides[endpoint]; ok {
		cfg = o
	}
	limiter := rate.NewLimiter(toRate(cfg.RPS), max(cfg.Burst, 1))
	l.limiters[endpoint] = limiter
	return limiter
}

func toRate(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Endpoint returns the lowercase host of rawURL, or "unknown".
func Endpoint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
