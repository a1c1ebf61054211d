package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/hash/sha256"
	"github.com/JakeFAU/bundlefetch/internal/kv"
	"github.com/JakeFAU/bundlefetch/internal/metrics"
)

const (
	// ManifestName is the object written last when a bundle is finalized.
	ManifestName = "manifest.json"

	copyBufferSize = 32 * 1024
)

type contextState int

const (
	stateOpen contextState = iota
	stateCompleted
	stateAborted
)

// ResourceEntry is one manifest line.
type ResourceEntry struct {
	Index       int    `json:"index"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	Key         string `json:"key"`
	URI         string `json:"uri"`
}

// Manifest describes a finalized bundle.
type Manifest struct {
	Bundle      bundle.BundleRef `json:"bundle"`
	RecipeID    string           `json:"recipe_id"`
	RunID       string           `json:"run_id"`
	Resources   []ResourceEntry  `json:"resources"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Context is the write handle for one bundle. Its methods serialize on an
// internal lock, so resources land in the order they were added.
type Context struct {
	store  *Store
	recipe string
	runID  string

	mu        sync.Mutex
	ref       bundle.BundleRef
	state     contextState
	resources []ResourceEntry
}

var _ bundle.StorageContext = (*Context)(nil)

// Ref returns the bundle reference as currently known.
func (c *Context) Ref() bundle.BundleRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

// Resources returns the manifest entries written so far.
func (c *Context) Resources() []ResourceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ResourceEntry(nil), c.resources...)
}

// AddResource streams body through the store's decorators into a new backend
// object.
func (c *Context) AddResource(ctx context.Context, rawURL, contentType string, statusCode int, body io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(); err != nil {
		return err
	}

	idx := len(c.resources)
	res := Resource{
		URL:         rawURL,
		Name:        resourceName(rawURL),
		ContentType: contentType,
		StatusCode:  statusCode,
	}
	var reader io.Reader = body
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()
	for _, d := range c.store.decorators {
		rc, next, err := d.Decorate(reader, res)
		if err != nil {
			return fmt.Errorf("decorate resource %s: %w", rawURL, err)
		}
		closers = append(closers, rc)
		reader, res = rc, next
	}

	key := path.Join(c.ref.StorageKey, "resources", fmt.Sprintf("%04d-%s", idx, res.Name))
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, uri, err := c.store.backend.Create(writeCtx, key, res.ContentType)
	if err != nil {
		return fmt.Errorf("create object %s: %w", key, err)
	}
	digest := sha256.NewReader(reader)
	n, err := io.CopyBuffer(w, digest, make([]byte, copyBufferSize))
	if err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit object %s: %w", key, err)
	}

	c.resources = append(c.resources, ResourceEntry{
		Index:       idx,
		URL:         rawURL,
		ContentType: res.ContentType,
		StatusCode:  statusCode,
		Size:        n,
		SHA256:      digest.Sum(),
		Key:         key,
		URI:         uri,
	})
	metrics.ObserveBytesWritten(c.recipe, n)
	return nil
}

// Complete finalizes the bundle and runs the completion sequence. A second
// call returns ErrBundleCompleted.
func (c *Context) Complete(ctx context.Context, metadata map[string]any) (bundle.BundleRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(); err != nil {
		return bundle.BundleRef{}, err
	}

	ref := c.ref
	ref.ResourceCount = len(c.resources)
	ref.Metadata = maps.Clone(ref.Metadata)
	if len(metadata) > 0 {
		if ref.Metadata == nil {
			ref.Metadata = make(map[string]any, len(metadata))
		}
		maps.Copy(ref.Metadata, metadata)
	}
	now := c.store.clock.Now()

	if err := c.finalize(ctx, ref, now); err != nil {
		return bundle.BundleRef{}, err
	}

	key := PendingKey(c.recipe, ref.BID)
	rec := PendingCompletion{Bundle: ref, RecipeID: c.recipe, RunID: c.runID, RecordedAt: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return bundle.BundleRef{}, fmt.Errorf("encode pending completion: %w", err)
	}
	if err := c.store.kv.Put(ctx, key, raw, 0); err != nil {
		return bundle.BundleRef{}, fmt.Errorf("write pending completion: %w", err)
	}

	if err := c.store.runHooks(ctx, ref); err != nil {
		if delErr := c.store.kv.Delete(ctx, key); delErr != nil && !errors.Is(delErr, kv.ErrNotFound) {
			c.store.logger.Error("roll back pending completion failed", zap.String("key", key), zap.Error(delErr))
		}
		return bundle.BundleRef{}, err
	}

	c.ref = ref
	c.state = stateCompleted
	metrics.ObserveBundleCompleted(c.recipe)
	c.store.logger.Debug("bundle completed",
		zap.String("bid", ref.BID.String()),
		zap.String("recipe_id", c.recipe),
		zap.Int("resources", ref.ResourceCount),
	)

	c.store.notify(ctx, key, rec)
	return ref, nil
}

// Abort discards everything written so far. Aborting twice is a no-op;
// aborting a completed bundle returns ErrBundleCompleted.
func (c *Context) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateCompleted:
		return ErrBundleCompleted
	case stateAborted:
		return nil
	}
	c.state = stateAborted
	if err := c.store.backend.Delete(ctx, c.ref.StorageKey+"/"); err != nil {
		return fmt.Errorf("remove aborted bundle %s: %w", c.ref.BID, err)
	}
	return nil
}

func (c *Context) writable() error {
	switch c.state {
	case stateCompleted:
		return fmt.Errorf("%w: %s", ErrBundleCompleted, c.ref.BID)
	case stateAborted:
		return fmt.Errorf("%w: %s", ErrBundleAborted, c.ref.BID)
	}
	return nil
}

func (c *Context) finalize(ctx context.Context, ref bundle.BundleRef, now time.Time) error {
	manifest := Manifest{
		Bundle:      ref,
		RecipeID:    c.recipe,
		RunID:       c.runID,
		Resources:   c.resources,
		CompletedAt: now,
	}
	if manifest.Resources == nil {
		manifest.Resources = []ResourceEntry{}
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	key := path.Join(ref.StorageKey, ManifestName)
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, _, err := c.store.backend.Create(writeCtx, key, "application/json")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

// resourceName derives a filesystem-safe object name from the last URL path
// segment.
func resourceName(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "." || name == "/" {
		name = ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "resource"
	}
	if len(out) > 128 {
		out = out[len(out)-128:]
	}
	return out
}
