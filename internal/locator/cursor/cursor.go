// Package cursor walks a cursor-paginated API one page at a time. The cursor
// for the next page comes from the next_cursor metadata of the bundle the
// previous page produced.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"sync"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/locator"
)

// MetaNextCursor is the bundle metadata key carrying the next cursor.
const MetaNextCursor = "next_cursor"

// Config describes one paginated endpoint.
type Config struct {
	Name string
	URL  string
	// Param is the query parameter carrying the cursor. Defaults to "cursor".
	Param string
	// Initial is used when no cursor has been persisted yet.
	Initial  string
	Params   map[string]string
	Metadata map[string]any
}

// State is persisted after every processed page.
type State struct {
	Cursor string `json:"cursor"`
	Pages  int    `json:"pages"`
}

// Locator emits the next page once the previous one is processed.
type Locator struct {
	cfg Config

	mu        sync.Mutex
	loaded    bool
	state     State
	inflight  string
	exhausted bool
}

var (
	_ bundle.Locator          = (*Locator)(nil)
	_ bundle.ProcessedHandler = (*Locator)(nil)
)

// New builds a Locator.
func New(cfg Config) (*Locator, error) {
	if cfg.Name == "" {
		return nil, errors.New("cursor: name is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("cursor: bad url %q", cfg.URL)
	}
	if cfg.Param == "" {
		cfg.Param = "cursor"
	}
	return &Locator{cfg: cfg}, nil
}

// Name implements bundle.Locator.
func (l *Locator) Name() string { return l.cfg.Name }

// NextRequests returns the current page while no page is in flight.
func (l *Locator) NextRequests(ctx context.Context, rc *bundle.FetchRunContext) ([]bundle.RequestMeta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exhausted || l.inflight != "" {
		return nil, nil
	}
	if err := l.load(ctx, rc); err != nil {
		return nil, err
	}
	req, err := l.request(l.state.Cursor)
	if err != nil {
		return nil, err
	}
	l.inflight = req.URL
	return []bundle.RequestMeta{req}, nil
}

// HandleProcessed advances the cursor. An empty next cursor ends the walk for
// this run; the last cursor stays persisted so the next run polls from it.
func (l *Locator) HandleProcessed(ctx context.Context, req bundle.RequestMeta, refs []bundle.BundleRef, rc *bundle.FetchRunContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight == "" || req.URL != l.inflight {
		return nil
	}
	l.inflight = ""
	next, _ := locator.MetaString(refs, MetaNextCursor)
	if next == "" || next == l.state.Cursor {
		l.exhausted = true
		return nil
	}
	store, err := locator.Store(rc)
	if err != nil {
		return err
	}
	st := State{Cursor: next, Pages: l.state.Pages + 1}
	if err := locator.Save(ctx, store, l.key(), st); err != nil {
		l.exhausted = true
		return err
	}
	l.state = st
	return nil
}

func (l *Locator) load(ctx context.Context, rc *bundle.FetchRunContext) error {
	if l.loaded {
		return nil
	}
	store, err := locator.Store(rc)
	if err != nil {
		return err
	}
	var st State
	found, err := locator.Load(ctx, store, l.key(), &st)
	if err != nil {
		return err
	}
	if !found {
		st = State{Cursor: l.cfg.Initial}
	}
	l.state = st
	l.loaded = true
	return nil
}

func (l *Locator) request(cur string) (bundle.RequestMeta, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return bundle.RequestMeta{}, fmt.Errorf("parse url: %w", err)
	}
	if cur != "" {
		q := u.Query()
		q.Set(l.cfg.Param, cur)
		u.RawQuery = q.Encode()
	}
	meta := maps.Clone(l.cfg.Metadata)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta["cursor"] = cur
	return bundle.RequestMeta{URL: u.String(), Params: maps.Clone(l.cfg.Params), Metadata: meta}, nil
}

func (l *Locator) key() string {
	return locator.Key(l.cfg.Name, "cursor")
}
