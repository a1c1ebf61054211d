// Package single emits one configured request once.
package single

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/locator"
)

// Locator emits its request until a run processes it successfully.
type Locator struct {
	name string
	req  bundle.RequestMeta

	mu      sync.Mutex
	emitted bool
}

var (
	_ bundle.Locator          = (*Locator)(nil)
	_ bundle.ProcessedHandler = (*Locator)(nil)
)

// New builds a Locator.
func New(name string, req bundle.RequestMeta) *Locator {
	return &Locator{name: name, req: req.Clone()}
}

// Name implements bundle.Locator.
func (l *Locator) Name() string { return l.name }

// NextRequests returns the request once per run, and not at all once a run
// has processed it.
func (l *Locator) NextRequests(ctx context.Context, rc *bundle.FetchRunContext) ([]bundle.RequestMeta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.emitted {
		return nil, nil
	}
	store, err := locator.Store(rc)
	if err != nil {
		return nil, err
	}
	done, err := store.Exists(ctx, l.key())
	if err != nil {
		return nil, err
	}
	l.emitted = true
	if done {
		return nil, nil
	}
	return []bundle.RequestMeta{l.req.Clone()}, nil
}

// HandleProcessed records that the request was fetched.
func (l *Locator) HandleProcessed(ctx context.Context, req bundle.RequestMeta, _ []bundle.BundleRef, rc *bundle.FetchRunContext) error {
	if req.URL != l.req.URL {
		return nil
	}
	store, err := locator.Store(rc)
	if err != nil {
		return err
	}
	return locator.Save(ctx, store, l.key(), map[string]any{
		"url":          req.URL,
		"run_id":       rc.RunID,
		"processed_at": time.Now().UTC(),
	})
}

func (l *Locator) key() string {
	return locator.Key(l.name, "emitted")
}
