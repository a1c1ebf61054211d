package sftpx

import (
	"context"
	"fmt"
	"maps"
	"mime"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// Loader streams one remote file per request into its own bundle.
type Loader struct {
	manager *Manager
	ids     bundle.IDGenerator
	clock   bundle.Clock
	logger  *zap.Logger
}

var _ bundle.Loader = (*Loader)(nil)

// NewLoader builds a Loader.
func NewLoader(manager *Manager, ids bundle.IDGenerator, clock bundle.Clock, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{manager: manager, ids: ids, clock: clock, logger: logger}
}

// Load opens the remote file and copies it into storage without buffering
// it in memory.
func (l *Loader) Load(ctx context.Context, req bundle.RequestMeta, st bundle.Storage, rc *bundle.FetchRunContext) ([]bundle.BundleRef, error) {
	f, info, err := l.manager.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			l.logger.Debug("failed to close remote file", zap.String("url", req.URL), zap.Error(cerr))
		}
	}()

	ref, err := bundle.NewRef(l.ids, l.clock, req.URL)
	if err != nil {
		return nil, err
	}
	ref.Metadata = maps.Clone(req.Metadata)
	sc, err := st.StartBundle(ctx, ref, rc.Recipe())
	if err != nil {
		return nil, fmt.Errorf("start bundle: %w", err)
	}

	contentType := mime.TypeByExtension(path.Ext(info.Name()))
	if err := sc.AddResource(ctx, req.URL, contentType, 0, f); err != nil {
		l.abort(ctx, sc)
		return nil, err
	}
	done, err := sc.Complete(ctx, map[string]any{
		"remote_path": f.Name(),
		"size":        info.Size(),
		"mtime":       info.ModTime().UTC().Format(time.RFC3339),
	})
	if err != nil {
		l.abort(ctx, sc)
		return nil, err
	}
	return []bundle.BundleRef{done}, nil
}

func (l *Loader) abort(ctx context.Context, sc bundle.StorageContext) {
	if err := sc.Abort(ctx); err != nil {
		l.logger.Warn("abort bundle failed", zap.String("bid", sc.Ref().BID.String()), zap.Error(err))
	}
}
