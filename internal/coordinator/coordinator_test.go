package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/queue/memory"
)

type scriptedLocator struct {
	name    string
	mu      sync.Mutex
	batches [][]bundle.RequestMeta
	err     error
	calls   atomic.Int32
}

func (s *scriptedLocator) Name() string { return s.name }

func (s *scriptedLocator) NextRequests(context.Context, *bundle.FetchRunContext) ([]bundle.RequestMeta, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, s.err
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next, s.err
}

func reqs(urls ...string) []bundle.RequestMeta {
	out := make([]bundle.RequestMeta, 0, len(urls))
	for _, u := range urls {
		out = append(out, bundle.RequestMeta{URL: u})
	}
	return out
}

func drain(q *memory.Queue) {
	for {
		if _, ok := q.TryPop(); !ok {
			return
		}
		q.Done()
	}
}

func TestFlagStaysFalseWhileAnyLocatorYields(t *testing.T) {
	t.Parallel()

	empty := &scriptedLocator{name: "empty"}
	busy := &scriptedLocator{name: "busy", batches: [][]bundle.RequestMeta{reqs("a"), reqs("b")}}
	q := memory.NewQueue()
	c := New([]bundle.Locator{empty, busy}, q, nil)
	rc := &bundle.FetchRunContext{RunID: "run"}

	added, err := c.Refill(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.False(t, c.Done())
	require.False(t, c.ShouldExit())

	drain(q)
	added, err = c.Refill(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.False(t, c.Done())

	drain(q)
	added, err = c.Refill(context.Background(), rc)
	require.NoError(t, err)
	require.Zero(t, added)
	require.True(t, c.Done())
	require.True(t, c.ShouldExit())

	// Flag is never cleared and locators are not consulted again.
	calls := busy.calls.Load()
	_, _ = c.Refill(context.Background(), rc)
	require.True(t, c.Done())
	require.Equal(t, calls, busy.calls.Load())
}

func TestFlagWaitsForInFlightWork(t *testing.T) {
	t.Parallel()

	loc := &scriptedLocator{name: "cursor"}
	q := memory.NewQueue()
	q.Push(reqs("page-1")...)
	c := New([]bundle.Locator{loc}, q, nil)
	rc := &bundle.FetchRunContext{RunID: "run"}

	_, ok := q.TryPop()
	require.True(t, ok)

	added, err := c.Refill(context.Background(), rc)
	require.NoError(t, err)
	require.Zero(t, added)
	require.False(t, c.Done(), "a request in flight may still unlock more work")

	q.Done()
	_, err = c.Refill(context.Background(), rc)
	require.NoError(t, err)
	require.True(t, c.Done())
}

// finishingLocator marks the in-flight request done while it is being asked.
type finishingLocator struct {
	q *memory.Queue
}

func (f *finishingLocator) Name() string { return "finishing" }

func (f *finishingLocator) NextRequests(context.Context, *bundle.FetchRunContext) ([]bundle.RequestMeta, error) {
	if f.q.InFlight() > 0 {
		f.q.Done()
	}
	return nil, nil
}

func TestFlagIgnoresWorkFinishingMidPass(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	q.Push(reqs("page-1")...)
	_, ok := q.TryPop()
	require.True(t, ok)

	c := New([]bundle.Locator{&scriptedLocator{name: "cursor"}, &finishingLocator{q: q}}, q, nil)
	rc := &bundle.FetchRunContext{RunID: "run"}

	added, err := c.Refill(context.Background(), rc)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Zero(t, q.InFlight())
	require.False(t, c.Done(), "the cursor was asked before the request finished")

	_, err = c.Refill(context.Background(), rc)
	require.NoError(t, err)
	require.True(t, c.Done())
}

func TestRefillSkipsWhenQueueNonEmpty(t *testing.T) {
	t.Parallel()

	loc := &scriptedLocator{name: "l", batches: [][]bundle.RequestMeta{reqs("x")}}
	q := memory.NewQueue()
	q.Push(reqs("queued")...)
	c := New([]bundle.Locator{loc}, q, nil)

	added, err := c.Refill(context.Background(), &bundle.FetchRunContext{RunID: "run"})
	require.NoError(t, err)
	require.Zero(t, added)
	require.Zero(t, loc.calls.Load())
	require.False(t, c.Done())
}

func TestLocatorErrorDoesNotMaskWork(t *testing.T) {
	t.Parallel()

	boom := errors.New("listing failed")
	broken := &scriptedLocator{name: "broken", err: boom}
	ok := &scriptedLocator{name: "ok", batches: [][]bundle.RequestMeta{reqs("a", "b")}}
	q := memory.NewQueue()
	c := New([]bundle.Locator{broken, ok}, q, nil)

	added, err := c.Refill(context.Background(), &bundle.FetchRunContext{RunID: "run"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, added)
	require.False(t, c.Done())
	require.Equal(t, 2, q.Len())
}

func TestSeedDoesNotSetFlag(t *testing.T) {
	t.Parallel()

	c := New([]bundle.Locator{&scriptedLocator{name: "empty"}}, memory.NewQueue(), nil)
	added, err := c.Seed(context.Background(), &bundle.FetchRunContext{RunID: "run"})
	require.NoError(t, err)
	require.Zero(t, added)
	require.False(t, c.Done())
}

func TestConcurrentRefillRunsOnePass(t *testing.T) {
	t.Parallel()

	loc := &scriptedLocator{name: "l", batches: [][]bundle.RequestMeta{reqs("a")}}
	q := memory.NewQueue()
	c := New([]bundle.Locator{loc}, q, nil)
	rc := &bundle.FetchRunContext{RunID: "run"}

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := c.Refill(context.Background(), rc)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), total.Load())
	require.Equal(t, int32(1), loc.calls.Load())
	require.False(t, c.Done())
}
