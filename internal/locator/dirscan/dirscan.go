// Package dirscan emits every file of a remote or local directory that has
// not been processed yet.
package dirscan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/locator"
)

// Lister lists the regular files of the directory named by dirURL.
type Lister interface {
	List(ctx context.Context, dirURL string) ([]fs.FileInfo, error)
}

// Config describes one scanned directory.
type Config struct {
	Name string
	// DirURL is an sftp:// or file:// directory URL.
	DirURL string
	// Pattern filters file names with path.Match syntax. Empty matches all.
	Pattern  string
	Params   map[string]string
	Metadata map[string]any
}

// Locator lists a directory on each call and emits unseen files.
type Locator struct {
	cfg    Config
	lister Lister

	mu      sync.Mutex
	pending map[string]struct{}
}

var (
	_ bundle.Locator          = (*Locator)(nil)
	_ bundle.ProcessedHandler = (*Locator)(nil)
)

// New builds a Locator.
func New(cfg Config, lister Lister) (*Locator, error) {
	if cfg.Name == "" || cfg.DirURL == "" {
		return nil, errors.New("dirscan: name and dir url are required")
	}
	if cfg.Pattern != "" {
		if _, err := path.Match(cfg.Pattern, ""); err != nil {
			return nil, fmt.Errorf("dirscan: bad pattern %q: %w", cfg.Pattern, err)
		}
	}
	cfg.DirURL = strings.TrimSuffix(cfg.DirURL, "/")
	return &Locator{cfg: cfg, lister: lister, pending: make(map[string]struct{})}, nil
}

// Name implements bundle.Locator.
func (l *Locator) Name() string { return l.cfg.Name }

// NextRequests emits files in name order that are neither processed nor
// already emitted in this run.
func (l *Locator) NextRequests(ctx context.Context, rc *bundle.FetchRunContext) ([]bundle.RequestMeta, error) {
	store, err := locator.Store(rc)
	if err != nil {
		return nil, err
	}
	files, err := l.lister.List(ctx, l.cfg.DirURL)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bundle.RequestMeta
	for _, f := range files {
		if l.cfg.Pattern != "" {
			if ok, _ := path.Match(l.cfg.Pattern, f.Name()); !ok {
				continue
			}
		}
		u := l.cfg.DirURL + "/" + f.Name()
		if _, ok := l.pending[u]; ok {
			continue
		}
		done, err := store.Exists(ctx, l.processedKey(u))
		if err != nil {
			return out, err
		}
		if done {
			continue
		}
		l.pending[u] = struct{}{}
		meta := maps.Clone(l.cfg.Metadata)
		if meta == nil {
			meta = make(map[string]any, 2)
		}
		meta["file_name"] = f.Name()
		meta["file_size"] = f.Size()
		out = append(out, bundle.RequestMeta{URL: u, Params: maps.Clone(l.cfg.Params), Metadata: meta})
	}
	return out, nil
}

// HandleProcessed marks a file emitted by this locator as processed.
func (l *Locator) HandleProcessed(ctx context.Context, req bundle.RequestMeta, refs []bundle.BundleRef, rc *bundle.FetchRunContext) error {
	l.mu.Lock()
	_, ours := l.pending[req.URL]
	l.mu.Unlock()
	if !ours {
		return nil
	}
	store, err := locator.Store(rc)
	if err != nil {
		return err
	}
	bids := make([]string, 0, len(refs))
	for _, r := range refs {
		bids = append(bids, r.BID.String())
	}
	return locator.Save(ctx, store, l.processedKey(req.URL), map[string]any{
		"run_id":       rc.RunID,
		"bids":         bids,
		"processed_at": time.Now().UTC(),
	})
}

func (l *Locator) processedKey(u string) string {
	return locator.Key(l.cfg.Name, "processed", u)
}
