// Package reverse fills gaps in a page-numbered listing by walking from the
// newest page back down to the highest page a previous walk already covered.
package reverse

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"sync"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/locator"
)

// LatestFunc reports the newest page number at the start of a walk.
type LatestFunc func(ctx context.Context, rc *bundle.FetchRunContext) (int, error)

// Static returns a LatestFunc that always reports page.
func Static(page int) LatestFunc {
	return func(context.Context, *bundle.FetchRunContext) (int, error) { return page, nil }
}

// JSONLatest returns a LatestFunc that reads the newest page number from an
// integer field of a JSON endpoint.
func JSONLatest(getter locator.IntGetter, rawURL, field string, params map[string]string) LatestFunc {
	return func(ctx context.Context, _ *bundle.FetchRunContext) (int, error) {
		return getter.GetInt(ctx, bundle.RequestMeta{URL: rawURL, Params: maps.Clone(params)}, field) //nolint:wrapcheck // getter errors name the url
	}
}

// Config describes one listing.
type Config struct {
	Name string
	URL  string
	// Param is the query parameter carrying the page number. Defaults to "page".
	Param string
	// Floor is the lowest page that exists. Defaults to 1.
	Floor int
	// Batch is the number of pages emitted per call. Defaults to 1.
	Batch    int
	Latest   LatestFunc
	Params   map[string]string
	Metadata map[string]any
}

// State is the persisted walk position. Pages in (Next, Top] are done; a
// completed walk sets LowWater to its Top.
type State struct {
	Top      int `json:"top"`
	Next     int `json:"next"`
	LowWater int `json:"low_water"`
}

// Active reports whether a walk is in progress.
func (s State) Active() bool { return s.Top > 0 && s.Next > s.LowWater }

// Locator emits older pages until it reaches the low-water mark.
type Locator struct {
	cfg Config

	mu     sync.Mutex
	loaded bool
	state  State
	emit   int
	done   map[int]bool
	urls   map[string]int
}

var (
	_ bundle.Locator          = (*Locator)(nil)
	_ bundle.ProcessedHandler = (*Locator)(nil)
)

// New builds a Locator.
func New(cfg Config) (*Locator, error) {
	if cfg.Name == "" || cfg.Latest == nil {
		return nil, errors.New("reverse: name and latest are required")
	}
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("reverse: bad url %q", cfg.URL)
	}
	if cfg.Param == "" {
		cfg.Param = "page"
	}
	if cfg.Floor < 1 {
		cfg.Floor = 1
	}
	if cfg.Batch < 1 {
		cfg.Batch = 1
	}
	return &Locator{cfg: cfg, done: make(map[int]bool), urls: make(map[string]int)}, nil
}

// Name implements bundle.Locator.
func (l *Locator) Name() string { return l.cfg.Name }

// NextRequests emits up to Batch pages below the last emitted one.
func (l *Locator) NextRequests(ctx context.Context, rc *bundle.FetchRunContext) ([]bundle.RequestMeta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(ctx, rc); err != nil {
		return nil, err
	}
	if !l.state.Active() {
		return nil, nil
	}
	var out []bundle.RequestMeta
	for len(out) < l.cfg.Batch && l.emit > l.state.LowWater {
		req, err := l.request(l.emit)
		if err != nil {
			return out, err
		}
		l.urls[req.URL] = l.emit
		l.emit--
		out = append(out, req)
	}
	return out, nil
}

// HandleProcessed records a page and moves the persisted position down over
// every contiguous finished page.
func (l *Locator) HandleProcessed(ctx context.Context, req bundle.RequestMeta, _ []bundle.BundleRef, rc *bundle.FetchRunContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	page, ok := l.urls[req.URL]
	if !ok {
		return nil
	}
	delete(l.urls, req.URL)
	l.done[page] = true

	next := l.state
	for next.Next > next.LowWater && l.done[next.Next] {
		delete(l.done, next.Next)
		next.Next--
	}
	if next == l.state {
		return nil
	}
	if !next.Active() {
		next = State{LowWater: next.Top}
	}
	store, err := locator.Store(rc)
	if err != nil {
		return err
	}
	if err := locator.Save(ctx, store, l.key(), next); err != nil {
		return err
	}
	l.state = next
	return nil
}

// load restores an interrupted walk or starts a new one at the latest page.
func (l *Locator) load(ctx context.Context, rc *bundle.FetchRunContext) error {
	if l.loaded {
		return nil
	}
	store, err := locator.Store(rc)
	if err != nil {
		return err
	}
	var st State
	if _, err := locator.Load(ctx, store, l.key(), &st); err != nil {
		return err
	}
	if st.LowWater < l.cfg.Floor-1 {
		st.LowWater = l.cfg.Floor - 1
	}
	if !st.Active() {
		latest, err := l.cfg.Latest(ctx, rc)
		if err != nil {
			return fmt.Errorf("latest page: %w", err)
		}
		st = State{Top: latest, Next: latest, LowWater: st.LowWater}
		if latest <= st.LowWater {
			st = State{LowWater: st.LowWater}
		}
	}
	l.state = st
	l.emit = st.Next
	l.loaded = true
	return nil
}

func (l *Locator) request(page int) (bundle.RequestMeta, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return bundle.RequestMeta{}, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set(l.cfg.Param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	meta := maps.Clone(l.cfg.Metadata)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta["page"] = page
	return bundle.RequestMeta{URL: u.String(), Params: maps.Clone(l.cfg.Params), Metadata: meta}, nil
}

func (l *Locator) key() string {
	return locator.Key(l.cfg.Name, "walk")
}
