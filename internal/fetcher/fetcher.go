// Package fetcher drives one fetch run: it seeds the work queue, runs a fixed
// pool of workers over it, and gathers per-request outcomes into a
// FetchResult.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/coordinator"
	"github.com/JakeFAU/bundlefetch/internal/logging"
	"github.com/JakeFAU/bundlefetch/internal/metrics"
	"github.com/JakeFAU/bundlefetch/internal/queue/memory"
)

// DefaultPollInterval bounds how long an idle worker waits on the queue
// before re-checking the completion flag.
const DefaultPollInterval = 250 * time.Millisecond

// ErrInvalidPlan is returned for plans that cannot start.
var ErrInvalidPlan = errors.New("invalid fetch plan")

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPollInterval sets the bounded queue wait.
func WithPollInterval(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.poll = d
		}
	}
}

// WithTracer overrides the tracer used for per-request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(f *Fetcher) {
		if tracer != nil {
			f.tracer = tracer
		}
	}
}

// Fetcher orchestrates locators, loaders and storage.
type Fetcher struct {
	locators []bundle.Locator
	loaders  *bundle.LoaderRegistry
	storage  bundle.Storage
	logger   *zap.Logger
	poll     time.Duration
	tracer   trace.Tracer

	hooksOnce sync.Once
}

// New constructs a Fetcher.
func New(locators []bundle.Locator, loaders *bundle.LoaderRegistry, st bundle.Storage, opts ...Option) (*Fetcher, error) {
	if loaders == nil {
		return nil, errors.New("loader registry is required")
	}
	if st == nil {
		return nil, errors.New("storage is required")
	}
	f := &Fetcher{
		locators: locators,
		loaders:  loaders,
		storage:  st,
		logger:   zap.NewNop(),
		poll:     DefaultPollInterval,
		tracer:   otel.Tracer("github.com/JakeFAU/bundlefetch/internal/fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Run executes plan to completion. Request-level failures are collected in
// the result; the returned error is reserved for failures that stop the run
// as a whole (an invalid plan, failed recovery, or cancellation).
func (f *Fetcher) Run(ctx context.Context, plan bundle.FetchPlan) (bundle.FetchResult, error) {
	if err := validate(plan); err != nil {
		return bundle.FetchResult{}, err
	}
	rc := plan.Context
	logger := logging.ForRun(f.logger, rc)

	f.hooksOnce.Do(f.registerHooks)
	if err := f.storage.OnRunStart(ctx, rc); err != nil {
		return bundle.FetchResult{Context: rc}, fmt.Errorf("recover pending completions: %w", err)
	}

	q := memory.NewQueue()
	for _, req := range plan.Requests {
		q.Push(req.Clone())
	}
	coord := coordinator.New(f.locators, q, logger)
	if _, err := coord.Seed(ctx, rc); err != nil {
		logger.Warn("initial discovery reported errors", zap.Error(err))
	}
	logger.Info("fetch run starting", zap.Int("seeded", q.Len()), zap.Int("concurrency", plan.Concurrency))

	col := &collector{}
	var g errgroup.Group
	for i := range plan.Concurrency {
		g.Go(func() error {
			f.work(ctx, i, q, coord, rc, col, logger)
			return nil
		})
	}
	_ = g.Wait()

	result := col.result(rc)
	logger.Info("fetch run finished",
		zap.String("status", string(result.Status)),
		zap.Int("processed", result.Processed),
		zap.Int("bundles", len(result.Bundles)),
		zap.Int("errors", len(result.Errors)),
	)
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("fetch run canceled: %w", err)
	}
	return result, nil
}

func validate(plan bundle.FetchPlan) error {
	switch {
	case plan.Context == nil:
		return fmt.Errorf("%w: run context is required", ErrInvalidPlan)
	case plan.Context.RunID == "":
		return fmt.Errorf("%w: run id is required", ErrInvalidPlan)
	case plan.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", ErrInvalidPlan, plan.Concurrency)
	}
	return nil
}

// registerHooks wires locators and loaders that observe bundle completion.
func (f *Fetcher) registerHooks() {
	for _, loc := range f.locators {
		if hook, ok := loc.(bundle.CompleteHook); ok {
			f.storage.RegisterHook(hook)
		}
	}
	for _, loader := range f.loaders.Loaders() {
		if hook, ok := loader.(bundle.CompleteHook); ok {
			f.storage.RegisterHook(hook)
		}
	}
}

func (f *Fetcher) work(
	ctx context.Context,
	id int,
	q *memory.Queue,
	coord *coordinator.Coordinator,
	rc *bundle.FetchRunContext,
	col *collector,
	logger *zap.Logger,
) {
	logger = logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		req, ok := q.TryPop()
		if !ok {
			if coord.ShouldExit() {
				return
			}
			added, err := coord.Refill(ctx, rc)
			if err != nil {
				logger.Warn("refill reported errors", zap.Error(err))
			}
			if added > 0 {
				continue
			}
			if coord.ShouldExit() {
				return
			}
			var popErr error
			req, ok, popErr = q.Pop(ctx, f.poll)
			if popErr != nil || !ok {
				continue
			}
		}
		f.process(ctx, req, rc, col, logger)
		q.Done()
	}
}

// process handles one request. It runs detached from cancellation so an
// in-flight request finishes cleanly during shutdown.
func (f *Fetcher) process(
	ctx context.Context,
	req bundle.RequestMeta,
	rc *bundle.FetchRunContext,
	col *collector,
	logger *zap.Logger,
) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := f.tracer.Start(context.WithoutCancel(ctx), "fetch.request",
		trace.WithAttributes(
			attribute.String("url", req.URL),
			attribute.String("run_id", rc.RunID),
		),
	)
	defer span.End()

	start := time.Now()
	refs, err := f.load(ctx, req, rc)
	if err == nil {
		err = f.handleProcessed(ctx, req, refs, rc)
	}
	col.record(req, refs, err)

	fields := []zap.Field{zap.String("url", req.URL), zap.Duration("elapsed", time.Since(start))}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveRequest(req.Scheme(), "failure")
		logger.Warn("request failed", append(fields, zap.Error(err))...)
		return
	}
	span.SetAttributes(attribute.Int("bundles", len(refs)))
	metrics.ObserveRequest(req.Scheme(), "success")
	logger.Debug("request processed", append(fields, zap.Int("bundles", len(refs)))...)
}

func (f *Fetcher) load(ctx context.Context, req bundle.RequestMeta, rc *bundle.FetchRunContext) (refs []bundle.BundleRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("loader panicked", zap.String("url", req.URL), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			refs, err = nil, fmt.Errorf("loader panic: %v", r)
		}
	}()
	loader, err := f.loaders.For(req)
	if err != nil {
		return nil, err
	}
	return loader.Load(ctx, req, f.storage, rc)
}

func (f *Fetcher) handleProcessed(ctx context.Context, req bundle.RequestMeta, refs []bundle.BundleRef, rc *bundle.FetchRunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processed handler panic: %v", r)
		}
	}()
	for _, loc := range f.locators {
		h, ok := loc.(bundle.ProcessedHandler)
		if !ok {
			continue
		}
		if herr := h.HandleProcessed(ctx, req, refs, rc); herr != nil {
			err = errors.Join(err, fmt.Errorf("locator %s: %w", loc.Name(), herr))
		}
	}
	return err
}

// collector gathers worker outcomes.
type collector struct {
	mu        sync.Mutex
	processed int
	errors    []*bundle.RequestError
	bundles   []bundle.BundleRef
}

func (c *collector) record(req bundle.RequestMeta, refs []bundle.BundleRef, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.bundles = append(c.bundles, refs...)
	if err != nil {
		c.errors = append(c.errors, &bundle.RequestError{Request: req, Err: err})
	}
}

func (c *collector) result(rc *bundle.FetchRunContext) bundle.FetchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := bundle.StatusSuccess
	if len(c.errors) > 0 {
		status = bundle.StatusPartialFailure
	}
	return bundle.FetchResult{
		Status:    status,
		Errors:    c.errors,
		Context:   rc,
		Processed: c.processed,
		Bundles:   c.bundles,
	}
}
