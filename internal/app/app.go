// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/api"
	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/clock/system"
	"github.com/JakeFAU/bundlefetch/internal/config"
	"github.com/JakeFAU/bundlefetch/internal/credentials"
	"github.com/JakeFAU/bundlefetch/internal/fetcher"
	"github.com/JakeFAU/bundlefetch/internal/id/uuid"
	"github.com/JakeFAU/bundlefetch/internal/kv"
	kvmemory "github.com/JakeFAU/bundlefetch/internal/kv/memory"
	kvpostgres "github.com/JakeFAU/bundlefetch/internal/kv/postgres"
	kvredis "github.com/JakeFAU/bundlefetch/internal/kv/redis"
	"github.com/JakeFAU/bundlefetch/internal/locator/cursor"
	"github.com/JakeFAU/bundlefetch/internal/locator/dirscan"
	"github.com/JakeFAU/bundlefetch/internal/locator/narrowing"
	"github.com/JakeFAU/bundlefetch/internal/locator/reverse"
	"github.com/JakeFAU/bundlefetch/internal/locator/single"
	"github.com/JakeFAU/bundlefetch/internal/metrics"
	"github.com/JakeFAU/bundlefetch/internal/protocol/filex"
	"github.com/JakeFAU/bundlefetch/internal/protocol/httpx"
	"github.com/JakeFAU/bundlefetch/internal/protocol/sftpx"
	"github.com/JakeFAU/bundlefetch/internal/publisher/pubsub"
	"github.com/JakeFAU/bundlefetch/internal/storage"
	"github.com/JakeFAU/bundlefetch/internal/storage/blob"
	"github.com/JakeFAU/bundlefetch/internal/storage/decompress"
	"github.com/JakeFAU/bundlefetch/internal/storage/gcs"
	"github.com/JakeFAU/bundlefetch/internal/storage/local"
	blobmemory "github.com/JakeFAU/bundlefetch/internal/storage/memory"
	catalog "github.com/JakeFAU/bundlefetch/internal/storage/postgres"
	"github.com/JakeFAU/bundlefetch/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App holds all the shared, long-lived services for the application.
// It is built once at startup from a validated config.Config.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	ids     *uuid.Generator
	creds   credentials.Provider
	kv      kv.Store
	backend storage.Backend
	store   *storage.Store
	fetcher *fetcher.Fetcher
	tracker *api.Tracker
	server  *api.Server

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New creates and initializes every service named by cfg. It fails fast; any
// service opened before the failure is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:     cfg,
		logger:  logger,
		ids:     uuid.NewUUIDGenerator(),
		creds:   credentials.NewEnv(cfg.Viper()),
		tracker: api.NewTracker(system.New()),
	}
	defer func() {
		if err != nil {
			if closeErr := a.Close(ctx); closeErr != nil {
				logger.Warn("cleanup after failed init", zap.Error(closeErr))
			}
		}
	}()

	logger.Info("Initializing application services...")

	fetchOpts := []fetcher.Option{
		fetcher.WithLogger(logger),
		fetcher.WithPollInterval(cfg.Run.PollInterval),
	}
	if cfg.Tracing.Enabled {
		tp, err := telemetry.Setup(ctx, cfg.Tracing, Version)
		if err != nil {
			return nil, err
		}
		a.onClose("tracer", tp.Shutdown)
		fetchOpts = append(fetchOpts, fetcher.WithTracer(tp.Tracer("github.com/JakeFAU/bundlefetch")))
	}

	if a.kv, err = a.buildKV(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize kv store: %w", err)
	}
	if a.backend, err = a.buildBackend(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	storeOpts := []storage.Option{
		storage.WithLogger(logger),
		storage.WithPrefix(cfg.Storage.Prefix),
	}
	if cfg.Storage.Decompress {
		storeOpts = append(storeOpts, storage.WithDecorators(decompress.New()))
	}
	if cfg.PubSub.Topic != "" {
		logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.PubSub.Topic))
		pub, err := pubsub.Dial(ctx, cfg.PubSub, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.onClose("pubsub", func(context.Context) error { return pub.Close() })
		storeOpts = append(storeOpts, storage.WithPublisher(pub, cfg.PubSub.Topic))
	}
	if a.store, err = storage.New(a.backend, a.kv, storeOpts...); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if cfg.Catalog.DSN != "" {
		logger.Info("Connecting bundle catalog to PostgreSQL...")
		cat, err := catalog.NewCatalog(ctx, cfg.Catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize catalog: %w", err)
		}
		a.onClose("catalog", func(context.Context) error { cat.Close(); return nil })
		if err := cat.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.store.RegisterHook(cat)
	}
	a.store.RegisterHook(a.tracker)

	httpMgr, err := httpx.NewManager(cfg.HTTP, httpx.WithLogger(logger), httpx.WithCredentials(a.creds))
	if err != nil {
		return nil, err
	}
	sftpMgr, err := sftpx.NewManager(cfg.SFTP, sftpx.WithLogger(logger), sftpx.WithCredentials(a.creds))
	if err != nil {
		return nil, err
	}
	a.onClose("sftp", func(context.Context) error { return sftpMgr.Close() })

	clock := system.New()
	loaders := bundle.NewLoaderRegistry()
	loaders.Register(httpx.NewLoader(httpMgr, a.ids, clock, logger), "http", "https")
	loaders.Register(sftpx.NewLoader(sftpMgr, a.ids, clock, logger), "sftp")
	loaders.Register(filex.NewLoader(a.ids, clock, logger), "file")

	locators := make([]bundle.Locator, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		loc, err := buildLocator(src, httpMgr, sftpMgr, logger)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		locators = append(locators, loc)
	}

	if a.fetcher, err = fetcher.New(locators, loaders, a.store, fetchOpts...); err != nil {
		return nil, err
	}

	serverOpts := []api.Option{}
	if cfg.Server.APIKey != "" {
		serverOpts = append(serverOpts, api.WithAPIKey(cfg.Server.APIKey))
	}
	a.server = api.NewServer(a.tracker, a.kv, logger, serverOpts...)

	logger.Info("Application services initialized successfully.",
		zap.Int("sources", len(locators)),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("kv", cfg.KV.Backend),
	)
	return a, nil
}

// Run executes one fetch run and reports its outcome to the tracker.
func (a *App) Run(ctx context.Context) (bundle.FetchResult, error) {
	runID := a.cfg.Run.RunID
	if runID == "" {
		id, err := a.ids.NewID()
		if err != nil {
			return bundle.FetchResult{}, err
		}
		runID = id
	}
	rc := &bundle.FetchRunContext{
		RunID:       runID,
		RecipeID:    a.cfg.Run.RecipeID,
		Shared:      make(map[string]any),
		KV:          a.kv,
		Credentials: a.creds,
	}
	requests := make([]bundle.RequestMeta, 0, len(a.cfg.Run.Requests))
	for _, u := range a.cfg.Run.Requests {
		requests = append(requests, bundle.RequestMeta{URL: u})
	}

	a.tracker.Start(rc)
	res, err := a.fetcher.Run(ctx, bundle.FetchPlan{
		Requests:    requests,
		Concurrency: a.cfg.Run.Concurrency,
		Context:     rc,
	})
	a.tracker.Finish(res, err)
	return res, err
}

// Handler returns the operator HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Tracker exposes the run tracker.
func (a *App) Tracker() *api.Tracker {
	return a.tracker
}

// KV returns the configured key-value store.
func (a *App) KV() kv.Store {
	return a.kv
}

// Backend returns the configured bundle backend.
func (a *App) Backend() storage.Backend {
	return a.backend
}

// Close shuts services down in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if cerr := c.fn(ctx); cerr != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(cerr))
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.name, cerr))
		}
	}
	a.closers = nil
	return err
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) buildKV(ctx context.Context) (kv.Store, error) {
	cfg := a.cfg.KV
	switch cfg.Backend {
	case "memory", "":
		a.logger.Info("Using in-memory kv store. State is lost on exit.")
		return kvmemory.New(), nil
	case "redis":
		a.logger.Info("Connecting to Redis", zap.String("address", cfg.Redis.Address))
		client, err := kvredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.onClose("redis", func(context.Context) error { return client.Close() })
		return kvredis.New(client, cfg.Redis.Namespace)
	case "postgres":
		a.logger.Info("Connecting kv store to PostgreSQL...")
		store, err := kvpostgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.onClose("kv-postgres", func(context.Context) error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown kv backend: %s", cfg.Backend)
	}
}

func (a *App) buildBackend(ctx context.Context) (storage.Backend, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "local":
		a.logger.Info("Using local storage backend", zap.String("base_dir", cfg.Local.BaseDir))
		return local.New(cfg.Local)
	case "gcs":
		a.logger.Info("Using GCS storage backend", zap.String("bucket", cfg.GCS.Bucket))
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		return gcs.New(client, cfg.GCS)
	case "blob":
		a.logger.Info("Using blob storage backend", zap.String("url", cfg.Blob.URL))
		store, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, err
		}
		a.onClose("blob", func(context.Context) error { return store.Close() })
		return store, nil
	case "memory":
		a.logger.Info("Using in-memory storage backend. Bundles are discarded on exit.")
		return blobmemory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func buildLocator(src config.SourceConfig, httpMgr *httpx.Manager, sftpMgr *sftpx.Manager, logger *zap.Logger) (bundle.Locator, error) {
	switch src.Type {
	case config.SourceSingle:
		return single.New(src.Name, bundle.RequestMeta{URL: src.URL, Params: src.Params, Metadata: src.Metadata}), nil
	case config.SourceDirScan:
		lister, err := listerFor(src.URL, sftpMgr)
		if err != nil {
			return nil, err
		}
		return dirscan.New(dirscan.Config{
			Name:     src.Name,
			DirURL:   src.URL,
			Pattern:  src.Pattern,
			Params:   src.Params,
			Metadata: src.Metadata,
		}, lister)
	case config.SourceCursor:
		return cursor.New(cursor.Config{
			Name:     src.Name,
			URL:      src.URL,
			Param:    src.Param,
			Initial:  src.Initial,
			Params:   src.Params,
			Metadata: src.Metadata,
		})
	case config.SourceReverse:
		latest := reverse.Static(src.Latest)
		if src.LatestURL != "" {
			latest = reverse.JSONLatest(httpMgr, src.LatestURL, src.LatestField, src.Params)
		}
		return reverse.New(reverse.Config{
			Name:     src.Name,
			URL:      src.URL,
			Param:    src.Param,
			Floor:    src.Floor,
			Batch:    src.Batch,
			Latest:   latest,
			Params:   src.Params,
			Metadata: src.Metadata,
		})
	case config.SourceNarrowing:
		start, end, err := src.Dates()
		if err != nil {
			return nil, err
		}
		return narrowing.New(narrowing.Config{
			Name: src.Name,
			Space: narrowing.Space{
				Start:    start,
				End:      end,
				Alphabet: src.Alphabet,
				MaxDepth: src.MaxDepth,
			},
			URL:      src.URL,
			Cap:      src.Cap,
			Count:    narrowing.JSONCounter(httpMgr, src.CountURL, src.CountField, src.Params),
			Params:   src.Params,
			Metadata: src.Metadata,
			Logger:   logger.With(zap.String("locator", src.Name)),
		})
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

func listerFor(dirURL string, sftpMgr *sftpx.Manager) (dirscan.Lister, error) {
	u, err := url.Parse(dirURL)
	if err != nil {
		return nil, fmt.Errorf("parse directory url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "sftp":
		return sftpMgr, nil
	case "file":
		return filex.Lister{}, nil
	default:
		return nil, errors.New("dirscan supports sftp:// and file:// directories")
	}
}
