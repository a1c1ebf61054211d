package httpx

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// ParamCursorHeader names a response header whose value is recorded as the
// bundle's next_cursor metadata.
const ParamCursorHeader = "cursor_header"

// MetaNextCursor is the bundle metadata key read by cursor locators.
const MetaNextCursor = "next_cursor"

// Loader fetches one HTTP resource per request into its own bundle.
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

// Load streams the response body into storage. On any failure after the
// bundle is started the bundle is aborted.
func (l *Loader) Load(ctx context.Context, req bundle.RequestMeta, st bundle.Storage, rc *bundle.FetchRunContext) ([]bundle.BundleRef, error) {
	resp, err := l.manager.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			l.logger.Debug("failed to close response body", zap.String("url", req.URL), zap.Error(cerr))
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

	if err := sc.AddResource(ctx, req.URL, resp.Header.Get("Content-Type"), resp.StatusCode, resp.Body); err != nil {
		l.abort(ctx, sc)
		return nil, err
	}
	done, err := sc.Complete(ctx, responseMetadata(req, resp))
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

func responseMetadata(req bundle.RequestMeta, resp *http.Response) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	meta := map[string]any{
		"http_status": resp.StatusCode,
		"headers":     headers,
	}
	if name := req.Param(ParamCursorHeader, ""); name != "" {
		meta[MetaNextCursor] = resp.Header.Get(name)
	}
	return meta
}
