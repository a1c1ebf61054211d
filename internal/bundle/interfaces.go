package bundle

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"
)

// Locator discovers work. NextRequests must be safe to call repeatedly and
// must not return items it already returned.
type Locator interface {
	Name() string
	NextRequests(ctx context.Context, rc *FetchRunContext) ([]RequestMeta, error)
}

// ProcessedHandler is implemented by locators that react to a processed request,
// e.g. to advance a pagination cursor.
type ProcessedHandler interface {
	HandleProcessed(ctx context.Context, req RequestMeta, refs []BundleRef, rc *FetchRunContext) error
}

// CompleteHook runs when a bundle completes and again during recovery.
// Implementations must tolerate being called more than once per bundle.
type CompleteHook interface {
	OnBundleComplete(ctx context.Context, ref BundleRef) error
}

// Loader fetches one request and streams it into storage.
type Loader interface {
	Load(ctx context.Context, req RequestMeta, st Storage, rc *FetchRunContext) ([]BundleRef, error)
}

// Storage allocates bundle contexts and replays pending completions.
type Storage interface {
	StartBundle(ctx context.Context, ref BundleRef, recipe string) (StorageContext, error)
	RegisterHook(hook CompleteHook)
	OnRunStart(ctx context.Context, rc *FetchRunContext) error
}

// StorageContext is the mutable handle a loader writes one bundle through.
type StorageContext interface {
	Ref() BundleRef
	AddResource(ctx context.Context, url, contentType string, statusCode int, body io.Reader) error
	Complete(ctx context.Context, metadata map[string]any) (BundleRef, error)
	Abort(ctx context.Context) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces bundle ids.
type IDGenerator interface {
	NewBID() (BID, error)
}

// LoaderRegistry maps URL schemes to loaders.
type LoaderRegistry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
	ordered []Loader
}

// NewLoaderRegistry returns an empty registry.
func NewLoaderRegistry() *LoaderRegistry {
	return &LoaderRegistry{loaders: make(map[string]Loader)}
}

// Register binds a loader to one or more schemes.
func (r *LoaderRegistry) Register(loader Loader, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.loaders[strings.ToLower(s)] = loader
	}
	if !slices.ContainsFunc(r.ordered, func(l Loader) bool { return sameLoader(l, loader) }) {
		r.ordered = append(r.ordered, loader)
	}
}

// For returns the loader registered for the request's scheme.
func (r *LoaderRegistry) For(req RequestMeta) (Loader, error) {
	scheme := req.Scheme()
	r.mu.RLock()
	defer r.mu.RUnlock()
	loader, ok := r.loaders[scheme]
	if !ok {
		return nil, fmt.Errorf("no loader registered for scheme %q", scheme)
	}
	return loader, nil
}

// Loaders returns each distinct registered loader once, in registration order.
func (r *LoaderRegistry) Loaders() []Loader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.ordered)
}

// sameLoader compares loaders without panicking on non-comparable dynamic
// types. Non-comparable loaders never match.
func sameLoader(a, b Loader) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}
