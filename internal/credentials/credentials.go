// Package credentials resolves named credential sets for protocol managers.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// ErrCredentialNotFound is returned when no credentials exist for a config id.
var ErrCredentialNotFound = errors.New("credentials not found")

// Provider returns the key/value credentials registered under configID.
type Provider interface {
	Get(ctx context.Context, configID string) (map[string]string, error)
}

// Static serves credentials from an in-memory map.
type Static struct {
	mu    sync.RWMutex
	items map[string]map[string]string
}

// NewStatic copies items into a Static provider.
func NewStatic(items map[string]map[string]string) *Static {
	s := &Static{items: make(map[string]map[string]string, len(items))}
	for id, creds := range items {
		s.items[id] = maps.Clone(creds)
	}
	return s
}

// Get returns a copy of the credentials for configID.
func (s *Static) Get(_ context.Context, configID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.items[configID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, configID)
	}
	return maps.Clone(creds), nil
}

// Env reads credentials from a viper instance, which in turn reads
// BUNDLEFETCH_CREDENTIALS_<ID>_<KEY> environment variables or the
// credentials.<id> section of the config file.
type Env struct {
	v    *viper.Viper
	keys []string
}

// NewEnv builds an Env provider that looks up the listed keys
// (for example "username", "password", "token").
func NewEnv(v *viper.Viper, keys ...string) *Env {
	if len(keys) == 0 {
		keys = []string{"username", "password", "token", "private_key"}
	}
	return &Env{v: v, keys: keys}
}

// Get collects every configured key under credentials.<configID>.
func (e *Env) Get(_ context.Context, configID string) (map[string]string, error) {
	id := strings.ToLower(strings.TrimSpace(configID))
	if id == "" {
		return nil, fmt.Errorf("%w: empty config id", ErrCredentialNotFound)
	}
	out := make(map[string]string)
	for _, k := range e.keys {
		path := "credentials." + id + "." + k
		_ = e.v.BindEnv(path)
		if val := e.v.GetString(path); val != "" {
			out[k] = val
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, configID)
	}
	return out, nil
}
