// Package narrowing walks a source whose queries are capped at a maximum
// record count. The query space is days times key prefixes: a day whose
// count exceeds the cap is split by prefix, and a prefix over the cap is
// split again one character deeper.
package narrowing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/locator"
)

// DateLayout is the date format used in state and URL templates.
const DateLayout = "2006-01-02"

// DefaultAlphabet is the prefix alphabet used when none is configured.
const DefaultAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Counter returns the number of records a query for (date, prefix) matches.
type Counter func(ctx context.Context, date time.Time, prefix string) (int, error)

// Space is the immutable query space. Its methods are pure.
type Space struct {
	Start    time.Time
	End      time.Time
	Alphabet string
	MaxDepth int
}

// State is the persisted position: the query to run next.
type State struct {
	Date   string `json:"date"`
	Prefix string `json:"prefix"`
}

// Initial is the first state of the space.
func (s Space) Initial() State {
	return State{Date: s.Start.Format(DateLayout)}
}

// Advance moves past st: to the next sibling prefix, up a level when a
// level is exhausted, and to the next day with the prefix reset when the
// day is exhausted. It reports false past the end date or for a state it
// cannot parse.
func (s Space) Advance(st State) (State, bool) {
	p := st.Prefix
	for p != "" {
		last := p[len(p)-1]
		idx := strings.IndexByte(s.Alphabet, last)
		if idx >= 0 && idx+1 < len(s.Alphabet) {
			return State{Date: st.Date, Prefix: p[:len(p)-1] + string(s.Alphabet[idx+1])}, true
		}
		p = p[:len(p)-1]
	}
	day, err := time.Parse(DateLayout, st.Date)
	if err != nil {
		return State{}, false
	}
	next := day.AddDate(0, 0, 1)
	if next.After(s.End) {
		return State{}, false
	}
	return State{Date: next.Format(DateLayout)}, true
}

// Descend splits st one level deeper. It reports false at MaxDepth.
func (s Space) Descend(st State) (State, bool) {
	if s.MaxDepth > 0 && len(st.Prefix) >= s.MaxDepth {
		return st, false
	}
	return State{Date: st.Date, Prefix: st.Prefix + string(s.Alphabet[0])}, true
}

// Config describes one capped source.
type Config struct {
	Name  string
	Space Space
	// URL is a template; {date} and {prefix} are substituted.
	URL      string
	Cap      int
	Count    Counter
	Params   map[string]string
	Metadata map[string]any
	Logger   *zap.Logger
}

type persisted struct {
	State
	Finished bool `json:"finished"`
}

// Locator emits one query at a time and advances after it is processed.
type Locator struct {
	cfg Config

	mu       sync.Mutex
	loaded   bool
	state    persisted
	inflight string
}

var (
	_ bundle.Locator          = (*Locator)(nil)
	_ bundle.ProcessedHandler = (*Locator)(nil)
)

// New builds a Locator.
func New(cfg Config) (*Locator, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("narrowing: name is required")
	case cfg.Count == nil:
		return nil, errors.New("narrowing: counter is required")
	case cfg.Cap < 1:
		return nil, errors.New("narrowing: cap must be >= 1")
	case cfg.Space.End.Before(cfg.Space.Start):
		return nil, errors.New("narrowing: end date is before start date")
	case !strings.Contains(cfg.URL, "{date}"):
		return nil, fmt.Errorf("narrowing: url %q has no {date} placeholder", cfg.URL)
	}
	if cfg.Space.Alphabet == "" {
		cfg.Space.Alphabet = DefaultAlphabet
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Locator{cfg: cfg}, nil
}

// Name implements bundle.Locator.
func (l *Locator) Name() string { return l.cfg.Name }

// NextRequests narrows the current state until its count fits the cap, then
// emits it.
func (l *Locator) NextRequests(ctx context.Context, rc *bundle.FetchRunContext) ([]bundle.RequestMeta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight != "" {
		return nil, nil
	}
	if err := l.load(ctx, rc); err != nil {
		return nil, err
	}
	if l.state.Finished {
		return nil, nil
	}
	st := l.state.State
	for {
		day, err := time.Parse(DateLayout, st.Date)
		if err != nil {
			return nil, fmt.Errorf("narrowing: bad persisted date %q: %w", st.Date, err)
		}
		n, err := l.cfg.Count(ctx, day, st.Prefix)
		if err != nil {
			return nil, fmt.Errorf("count %s/%q: %w", st.Date, st.Prefix, err)
		}
		if n <= l.cfg.Cap {
			break
		}
		deeper, ok := l.cfg.Space.Descend(st)
		if !ok {
			l.cfg.Logger.Warn("query exceeds cap at max depth",
				zap.String("locator", l.cfg.Name), zap.String("date", st.Date),
				zap.String("prefix", st.Prefix), zap.Int("count", n))
			break
		}
		st = deeper
	}
	if st != l.state.State {
		if err := l.save(ctx, rc, persisted{State: st}); err != nil {
			return nil, err
		}
	}
	req := l.request(st)
	l.inflight = req.URL
	return []bundle.RequestMeta{req}, nil
}

// HandleProcessed advances past the processed query.
func (l *Locator) HandleProcessed(ctx context.Context, req bundle.RequestMeta, _ []bundle.BundleRef, rc *bundle.FetchRunContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight == "" || req.URL != l.inflight {
		return nil
	}
	next, ok := l.cfg.Space.Advance(l.state.State)
	p := persisted{State: next, Finished: !ok}
	if !ok {
		p.State = l.state.State
	}
	if err := l.save(ctx, rc, p); err != nil {
		return err
	}
	l.inflight = ""
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
	var p persisted
	found, err := locator.Load(ctx, store, l.key(), &p)
	if err != nil {
		return err
	}
	switch {
	case !found:
		p = persisted{State: l.cfg.Space.Initial()}
	case p.Finished:
		// The end date may have moved since the space was finished.
		if next, ok := l.cfg.Space.Advance(p.State); ok {
			p = persisted{State: next}
		}
	}
	l.state = p
	l.loaded = true
	return nil
}

func (l *Locator) save(ctx context.Context, rc *bundle.FetchRunContext, p persisted) error {
	store, err := locator.Store(rc)
	if err != nil {
		return err
	}
	if err := locator.Save(ctx, store, l.key(), p); err != nil {
		return err
	}
	l.state = p
	return nil
}

func (l *Locator) request(st State) bundle.RequestMeta {
	r := strings.NewReplacer("{date}", st.Date, "{prefix}", st.Prefix)
	meta := maps.Clone(l.cfg.Metadata)
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta["date"] = st.Date
	meta["prefix"] = st.Prefix
	return bundle.RequestMeta{URL: r.Replace(l.cfg.URL), Params: maps.Clone(l.cfg.Params), Metadata: meta}
}

func (l *Locator) key() string {
	return locator.Key(l.cfg.Name, "state")
}
