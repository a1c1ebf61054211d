package api

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// Run states reported by the Tracker.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateFailed  = "failed"
)

// RunStatus is a snapshot of the current or last run.
type RunStatus struct {
	RunID            string            `json:"run_id,omitempty"`
	RecipeID         string            `json:"recipe_id,omitempty"`
	State            string            `json:"state"`
	StartedAt        time.Time         `json:"started_at,omitzero"`
	FinishedAt       time.Time         `json:"finished_at,omitzero"`
	Processed        int               `json:"processed"`
	BundlesCompleted int               `json:"bundles_completed"`
	LastBundle       *bundle.BundleRef `json:"last_bundle,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
}

// Tracker follows one run at a time. It is registered as a completion hook
// so bundle counts move while the run is in progress.
type Tracker struct {
	clock bundle.Clock

	mu     sync.RWMutex
	status RunStatus
}

var _ bundle.CompleteHook = (*Tracker)(nil)

// NewTracker returns an idle tracker.
func NewTracker(clock bundle.Clock) *Tracker {
	return &Tracker{clock: clock, status: RunStatus{State: StateIdle}}
}

// Start resets the tracker for the run described by rc.
func (t *Tracker) Start(rc *bundle.FetchRunContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = RunStatus{
		RunID:     rc.RunID,
		RecipeID:  rc.Recipe(),
		State:     StateRunning,
		StartedAt: t.clock.Now(),
	}
}

// OnBundleComplete counts completed bundles, recovered ones included.
func (t *Tracker) OnBundleComplete(_ context.Context, ref bundle.BundleRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.BundlesCompleted++
	last := ref
	t.status.LastBundle = &last
	return nil
}

// Finish records the outcome of the run.
func (t *Tracker) Finish(res bundle.FetchResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.FinishedAt = t.clock.Now()
	t.status.Processed = res.Processed
	t.status.Errors = t.status.Errors[:0]
	for _, e := range res.Errors {
		t.status.Errors = append(t.status.Errors, e.Error())
	}
	switch {
	case err != nil:
		t.status.State = StateFailed
		t.status.Errors = append(t.status.Errors, err.Error())
	case res.Status != "":
		t.status.State = string(res.Status)
	default:
		t.status.State = string(bundle.StatusSuccess)
	}
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.status
	s.Errors = append([]string(nil), t.status.Errors...)
	if t.status.LastBundle != nil {
		last := *t.status.LastBundle
		s.LastBundle = &last
	}
	return s
}

// Started reports whether a run has begun.
func (t *Tracker) Started() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status.State != StateIdle
}
