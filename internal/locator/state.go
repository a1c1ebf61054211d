// Package locator holds helpers shared by the locator implementations in its
// subpackages. Locators keep their progress in the run's KV store under
// locator:<name>:... keys.
package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/kv"
)

// ErrNoStore is returned when a run context carries no KV store.
var ErrNoStore = errors.New("run context has no kv store")

// IntGetter reads one integer field from a JSON endpoint. The HTTP manager
// implements it.
type IntGetter interface {
	GetInt(ctx context.Context, req bundle.RequestMeta, field string) (int, error)
}

// Store returns the run's KV store.
func Store(rc *bundle.FetchRunContext) (kv.Store, error) {
	if rc == nil || rc.KV == nil {
		return nil, ErrNoStore
	}
	return rc.KV, nil
}

// Key namespaces parts under the locator name.
func Key(name string, parts ...string) string {
	return kv.Key(append([]string{"locator", name}, parts...)...)
}

// Load decodes the JSON value at key into v. It reports false when the key
// does not exist.
func Load(ctx context.Context, store kv.Store, key string, v any) (bool, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Save encodes v as JSON under key with no expiry.
func Save(ctx context.Context, store kv.Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Put(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// MetaString returns the first non-empty string value for key across refs.
func MetaString(refs []bundle.BundleRef, key string) (string, bool) {
	for _, ref := range refs {
		if v, ok := ref.Metadata[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
