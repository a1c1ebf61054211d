// Package bundle defines core types shared across the fetch subsystems.
package bundle

import (
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/JakeFAU/bundlefetch/internal/credentials"
	"github.com/JakeFAU/bundlefetch/internal/kv"
)

// RequestMeta is one unit of fetch work emitted by a Locator.
type RequestMeta struct {
	URL      string            `json:"url"`
	Params   map[string]string `json:"params,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a copy whose maps can be modified without touching r.
func (r RequestMeta) Clone() RequestMeta {
	return RequestMeta{
		URL:      r.URL,
		Params:   maps.Clone(r.Params),
		Metadata: maps.Clone(r.Metadata),
	}
}

// Scheme returns the lowercase URL scheme, or "" when the URL does not parse.
func (r RequestMeta) Scheme() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Param returns the named protocol parameter or def when unset.
func (r RequestMeta) Param(name, def string) string {
	if v, ok := r.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// BID is a time-ordered bundle identifier. Later ids compare greater.
type BID string

// String implements fmt.Stringer.
func (b BID) String() string { return string(b) }

// BundleRef identifies one completed or in-progress bundle.
type BundleRef struct {
	BID           BID            `json:"bid"`
	PrimaryURL    string         `json:"primary_url"`
	ResourceCount int            `json:"resource_count"`
	StorageKey    string         `json:"storage_key"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewRef allocates a BundleRef with a fresh BID.
func NewRef(ids IDGenerator, clock Clock, primaryURL string) (BundleRef, error) {
	bid, err := ids.NewBID()
	if err != nil {
		return BundleRef{}, fmt.Errorf("allocate bid: %w", err)
	}
	return BundleRef{
		BID:        bid,
		PrimaryURL: primaryURL,
		CreatedAt:  clock.Now(),
	}, nil
}

// FetchRunContext is shared, read-mostly state for one run.
// The KV store is the only part workers mutate concurrently.
type FetchRunContext struct {
	RunID       string
	RecipeID    string
	Shared      map[string]any
	KV          kv.Store
	Credentials credentials.Provider
}

// Recipe returns the recipe identifier, falling back to the run id.
func (c *FetchRunContext) Recipe() string {
	if c == nil {
		return ""
	}
	if c.RecipeID != "" {
		return c.RecipeID
	}
	return c.RunID
}

// FetchPlan captures the execution parameters of one run.
type FetchPlan struct {
	Requests    []RequestMeta
	Concurrency int
	Context     *FetchRunContext
}

// FetchStatus is the overall outcome of a run.
type FetchStatus string

// Run outcomes.
const (
	StatusSuccess        FetchStatus = "success"
	StatusPartialFailure FetchStatus = "partial_failure"
)

// RequestError records a request-level failure.
type RequestError struct {
	Request RequestMeta
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Request.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// FetchResult is produced at the end of a run.
type FetchResult struct {
	Status    FetchStatus
	Errors    []*RequestError
	Context   *FetchRunContext
	Processed int
	Bundles   []BundleRef
}

// Err combines all request errors into one, or returns nil.
func (r FetchResult) Err() error {
	var err error
	for _, e := range r.Errors {
		err = multierr.Append(err, e)
	}
	return err
}
