package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/clock/system"
	"github.com/JakeFAU/bundlefetch/internal/kv"
	"github.com/JakeFAU/bundlefetch/internal/metrics"
)

// PendingPrefix is the KV namespace for completion write-ahead records.
const PendingPrefix = "pending_completion"

// Sentinel errors returned by storage contexts.
var (
	ErrBundleCompleted = errors.New("bundle already completed")
	ErrBundleAborted   = errors.New("bundle aborted")
)

// PendingCompletion is the write-ahead record stored while a completion is in
// flight.
type PendingCompletion struct {
	Bundle     bundle.BundleRef `json:"bundle"`
	RecipeID   string           `json:"recipe_id"`
	RunID      string           `json:"run_id"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// CompletionMessage is the notification published for a completed bundle.
type CompletionMessage struct {
	BID           bundle.BID     `json:"bid"`
	RecipeID      string         `json:"recipe_id"`
	RunID         string         `json:"run_id"`
	PrimaryURL    string         `json:"primary_url"`
	ResourceCount int            `json:"resource_count"`
	StorageKey    string         `json:"storage_key"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// Attributes exposes routing fields as message attributes.
func (m CompletionMessage) Attributes() map[string]string {
	return map[string]string{
		"bid":       string(m.BID),
		"recipe_id": m.RecipeID,
		"run_id":    m.RunID,
	}
}

// PendingKey returns the KV key of the pending record for bid under recipe.
func PendingKey(recipe string, bid bundle.BID) string {
	return kv.Key(PendingPrefix, recipe, string(bid))
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for record timestamps.
func WithClock(clock bundle.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPublisher sets the notification transport and topic.
func WithPublisher(p bundle.Publisher, topic string) Option {
	return func(s *Store) {
		s.publisher = p
		s.topic = topic
	}
}

// WithDecorators appends stream decorators, applied in order.
func WithDecorators(decorators ...Decorator) Option {
	return func(s *Store) { s.decorators = append(s.decorators, decorators...) }
}

// WithPrefix sets the key prefix under which bundles are written.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, "/") }
}

// Store implements bundle.Storage over a Backend and a KV store.
type Store struct {
	backend    Backend
	kv         kv.Store
	publisher  bundle.Publisher
	topic      string
	decorators []Decorator
	clock      bundle.Clock
	logger     *zap.Logger
	prefix     string

	mu    sync.RWMutex
	hooks []bundle.CompleteHook
	runID string
}

var _ bundle.Storage = (*Store)(nil)

// New builds a Store.
func New(backend Backend, kvStore kv.Store, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if kvStore == nil {
		return nil, errors.New("kv store is required")
	}
	s := &Store{
		backend: backend,
		kv:      kvStore,
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterHook adds a completion hook. Hooks run in registration order.
func (s *Store) RegisterHook(hook bundle.CompleteHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// StartBundle allocates a context writing under <prefix>/<recipe>/<bid>.
func (s *Store) StartBundle(_ context.Context, ref bundle.BundleRef, recipe string) (bundle.StorageContext, error) {
	if ref.BID == "" {
		return nil, errors.New("bundle ref has no bid")
	}
	if recipe == "" {
		return nil, errors.New("recipe is required")
	}
	ref.StorageKey = path.Join(s.prefix, recipe, string(ref.BID))
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = s.clock.Now()
	}
	return &Context{store: s, ref: ref, recipe: recipe, runID: s.currentRun()}, nil
}

// OnRunStart replays every pending completion left for the run's recipe.
// Records that fail again stay in place for the next run.
func (s *Store) OnRunStart(ctx context.Context, rc *bundle.FetchRunContext) error {
	recipe := rc.Recipe()
	s.mu.Lock()
	s.runID = rc.RunID
	s.mu.Unlock()

	keys, err := s.kv.Scan(ctx, kv.Key(PendingPrefix, recipe)+":")
	if err != nil {
		return fmt.Errorf("scan pending completions: %w", err)
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recover pending completions: %w", err)
		}
		raw, err := s.kv.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read pending completion %s: %w", key, err)
		}
		var rec PendingCompletion
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Error("skipping malformed pending completion", zap.String("key", key), zap.Error(err))
			metrics.ObservePendingRecovered(recipe, "malformed")
			continue
		}
		s.logger.Info("replaying pending completion",
			zap.String("bid", rec.Bundle.BID.String()),
			zap.String("recipe_id", rec.RecipeID),
			zap.String("run_id", rec.RunID),
		)
		if err := s.runHooks(ctx, rec.Bundle); err != nil {
			s.logger.Warn("completion hook failed during recovery", zap.String("key", key), zap.Error(err))
			metrics.ObservePendingRecovered(recipe, "hook_failed")
			continue
		}
		if s.notify(ctx, key, rec) {
			metrics.ObservePendingRecovered(recipe, "delivered")
		} else {
			metrics.ObservePendingRecovered(recipe, "notify_failed")
		}
	}
	return nil
}

func (s *Store) currentRun() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

func (s *Store) snapshotHooks() []bundle.CompleteHook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bundle.CompleteHook(nil), s.hooks...)
}

func (s *Store) runHooks(ctx context.Context, ref bundle.BundleRef) error {
	for _, hook := range s.snapshotHooks() {
		if err := hook.OnBundleComplete(ctx, ref); err != nil {
			return fmt.Errorf("completion hook: %w", err)
		}
	}
	return nil
}

// notify publishes the completion and deletes the record on success. A
// publish failure is logged and leaves the record for recovery.
func (s *Store) notify(ctx context.Context, key string, rec PendingCompletion) bool {
	if s.publisher != nil {
		msg := CompletionMessage{
			BID:           rec.Bundle.BID,
			RecipeID:      rec.RecipeID,
			RunID:         rec.RunID,
			PrimaryURL:    rec.Bundle.PrimaryURL,
			ResourceCount: rec.Bundle.ResourceCount,
			StorageKey:    rec.Bundle.StorageKey,
			Metadata:      rec.Bundle.Metadata,
			CompletedAt:   rec.RecordedAt,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			s.logger.Warn("completion notification failed",
				zap.String("bid", rec.Bundle.BID.String()),
				zap.String("topic", s.topic),
				zap.Error(err),
			)
			metrics.ObserveNotificationFailure(rec.RecipeID)
			return false
		}
	}
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, kv.ErrNotFound) {
		s.logger.Warn("delete pending completion failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
