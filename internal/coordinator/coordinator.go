// Package coordinator decides when a fetch run has run out of work.
//
// Workers that find the queue empty call Refill. Only one refill pass runs at
// a time; a worker that waited on the lock and finds the queue non-empty
// returns at once. The completion flag is set only by a pass in which every
// locator produced nothing while no request was in flight (processing one may
// advance a locator's cursor), and once set it is never cleared.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// WorkQueue is the subset of the queue the coordinator needs.
type WorkQueue interface {
	Push(items ...bundle.RequestMeta)
	Len() int
	InFlight() int
}

// Coordinator owns the refill lock and the completion flag.
type Coordinator struct {
	locators []bundle.Locator
	queue    WorkQueue
	logger   *zap.Logger

	mu   sync.Mutex
	done atomic.Bool
}

// New builds a Coordinator over locators feeding queue.
func New(locators []bundle.Locator, queue WorkQueue, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{locators: locators, queue: queue, logger: logger}
}

// Seed runs the initial discovery pass before workers start. It does not set
// the completion flag.
func (c *Coordinator) Seed(ctx context.Context, rc *bundle.FetchRunContext) (int, error) {
	added, err := c.collect(ctx, rc)
	c.logger.Debug("seeded work queue", zap.Int("added", added), zap.Error(err))
	return added, err
}

// Refill asks every locator for more work when the queue is empty. It returns
// the number of requests pushed.
func (c *Coordinator) Refill(ctx context.Context, rc *bundle.FetchRunContext) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done.Load() || c.queue.Len() > 0 {
		return 0, nil
	}
	// Sampled before the pass: a request finishing mid-pass may advance a
	// locator that was already asked.
	inflight := c.queue.InFlight()
	added, err := c.collect(ctx, rc)
	if added == 0 && ctx.Err() == nil && inflight == 0 {
		c.done.Store(true)
		c.logger.Debug("locators exhausted", zap.Error(err))
	}
	return added, err
}

// Done reports whether the completion flag is set.
func (c *Coordinator) Done() bool {
	return c.done.Load()
}

// ShouldExit reports whether a worker can stop: no queued work and the flag set.
func (c *Coordinator) ShouldExit() bool {
	return c.done.Load() && c.queue.Len() == 0
}

func (c *Coordinator) collect(ctx context.Context, rc *bundle.FetchRunContext) (int, error) {
	var (
		added int
		errs  error
	)
	for _, loc := range c.locators {
		if err := ctx.Err(); err != nil {
			return added, multierr.Append(errs, err)
		}
		reqs, err := loc.NextRequests(ctx, rc)
		if err != nil {
			c.logger.Warn("locator failed", zap.String("locator", loc.Name()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("locator %s: %w", loc.Name(), err))
		}
		if len(reqs) > 0 {
			c.queue.Push(reqs...)
			added += len(reqs)
		}
	}
	return added, errs
}
