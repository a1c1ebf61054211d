// Package filex loads file:// resources from the local filesystem, for
// sources that drop files onto a mounted volume.
package filex

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// Loader streams one local file per request into its own bundle.
type Loader struct {
	ids    bundle.IDGenerator
	clock  bundle.Clock
	logger *zap.Logger
}

var _ bundle.Loader = (*Loader)(nil)

// NewLoader builds a Loader.
func NewLoader(ids bundle.IDGenerator, clock bundle.Clock, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{ids: ids, clock: clock, logger: logger}
}

// Load copies the file into storage.
func (l *Loader) Load(ctx context.Context, req bundle.RequestMeta, st bundle.Storage, rc *bundle.FetchRunContext) ([]bundle.BundleRef, error) {
	p, err := Path(req.URL)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}

	ref, err := bundle.NewRef(l.ids, l.clock, req.URL)
	if err != nil {
		return nil, err
	}
	ref.Metadata = maps.Clone(req.Metadata)
	sc, err := st.StartBundle(ctx, ref, rc.Recipe())
	if err != nil {
		return nil, fmt.Errorf("start bundle: %w", err)
	}
	if err := sc.AddResource(ctx, req.URL, mime.TypeByExtension(filepath.Ext(p)), 0, f); err != nil {
		_ = sc.Abort(ctx)
		return nil, err
	}
	done, err := sc.Complete(ctx, map[string]any{
		"path":  p,
		"size":  info.Size(),
		"mtime": info.ModTime().UTC().Format(time.RFC3339),
	})
	if err != nil {
		if aerr := sc.Abort(ctx); aerr != nil {
			l.logger.Warn("abort bundle failed", zap.String("bid", ref.BID.String()), zap.Error(aerr))
		}
		return nil, err
	}
	return []bundle.BundleRef{done}, nil
}

// Lister lists regular files of a local directory.
type Lister struct{}

// List returns the regular files directly under the directory named by dirURL.
func (Lister) List(_ context.Context, dirURL string) ([]fs.FileInfo, error) {
	dir, err := Path(dirURL)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	out := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		out = append(out, info)
	}
	return out, nil
}

// Path converts a file:// URL to a local path.
func Path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("not a file url: %s", rawURL)
	}
	return filepath.FromSlash(u.Path), nil
}
