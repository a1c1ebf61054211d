package storage_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/clock/system"
	"github.com/JakeFAU/bundlefetch/internal/hash/sha256"
	kvmemory "github.com/JakeFAU/bundlefetch/internal/kv/memory"
	pubmemory "github.com/JakeFAU/bundlefetch/internal/publisher/memory"
	"github.com/JakeFAU/bundlefetch/internal/storage"
	"github.com/JakeFAU/bundlefetch/internal/storage/decompress"
	blobmemory "github.com/JakeFAU/bundlefetch/internal/storage/memory"
)

const recipe = "prices"

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type mockHook struct {
	mock.Mock
}

func (m *mockHook) OnBundleComplete(ctx context.Context, ref bundle.BundleRef) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

type harness struct {
	store *storage.Store
	blobs *blobmemory.BlobStore
	kv    *kvmemory.Store
	pub   *pubmemory.Publisher
}

func newHarness(t *testing.T, opts ...storage.Option) harness {
	t.Helper()
	h := harness{
		blobs: blobmemory.NewBlobStore(),
		kv:    kvmemory.New(),
		pub:   pubmemory.New(),
	}
	opts = append([]storage.Option{
		storage.WithPublisher(h.pub, "bundles"),
		storage.WithClock(system.Fixed{T: fixedNow}),
		storage.WithPrefix("bundles"),
	}, opts...)
	st, err := storage.New(h.blobs, h.kv, opts...)
	require.NoError(t, err)
	h.store = st
	return h
}

func start(t *testing.T, h harness, bid string) bundle.StorageContext {
	t.Helper()
	sc, err := h.store.StartBundle(context.Background(), bundle.BundleRef{BID: bundle.BID(bid), PrimaryURL: "https://api.test/items"}, recipe)
	require.NoError(t, err)
	return sc
}

func pendingKeys(t *testing.T, h harness) []string {
	t.Helper()
	keys, err := h.kv.Scan(context.Background(), storage.PendingPrefix+":")
	require.NoError(t, err)
	return keys
}

func TestCompleteWritesManifestAndNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hook := &mockHook{}
	hook.On("OnBundleComplete", mock.Anything, mock.MatchedBy(func(ref bundle.BundleRef) bool {
		return ref.BID == "bid-1" && ref.ResourceCount == 2
	})).Return(nil).Once()
	h.store.RegisterHook(hook)

	sc := start(t, h, "bid-1")
	ctx := context.Background()
	require.NoError(t, sc.AddResource(ctx, "https://api.test/items?page=1", "application/json", 200, strings.NewReader(`{"page":1}`)))
	require.NoError(t, sc.AddResource(ctx, "https://api.test/items/detail.json", "application/json", 200, strings.NewReader(`{"page":2}`)))

	ref, err := sc.Complete(ctx, map[string]any{"etag": "abc"})
	require.NoError(t, err)
	require.Equal(t, 2, ref.ResourceCount)
	require.Equal(t, "bundles/prices/bid-1", ref.StorageKey)
	require.Equal(t, "abc", ref.Metadata["etag"])
	hook.AssertExpectations(t)

	keys := h.blobs.Keys("bundles/prices/bid-1/")
	require.Equal(t, []string{
		"bundles/prices/bid-1/manifest.json",
		"bundles/prices/bid-1/resources/0000-items",
		"bundles/prices/bid-1/resources/0001-detail.json",
	}, keys)

	obj, ok := h.blobs.Get("bundles/prices/bid-1/manifest.json")
	require.True(t, ok)
	var manifest storage.Manifest
	require.NoError(t, json.Unmarshal(obj.Data, &manifest))
	require.Len(t, manifest.Resources, 2)
	require.Equal(t, int64(len(`{"page":1}`)), manifest.Resources[0].Size)
	require.Equal(t, sha256.Hash([]byte(`{"page":1}`)), manifest.Resources[0].SHA256)
	require.Equal(t, fixedNow, manifest.CompletedAt)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "bundles", msgs[0].Topic)
	msg, ok := msgs[0].Payload.(storage.CompletionMessage)
	require.True(t, ok)
	require.Equal(t, bundle.BID("bid-1"), msg.BID)
	require.Equal(t, recipe, msg.RecipeID)

	require.Empty(t, pendingKeys(t, h))
}

func TestWriteAfterCompleteRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := start(t, h, "bid-2")
	ctx := context.Background()
	require.NoError(t, sc.AddResource(ctx, "https://api.test/a", "", 200, strings.NewReader("a")))
	_, err := sc.Complete(ctx, nil)
	require.NoError(t, err)

	err = sc.AddResource(ctx, "https://api.test/b", "", 200, strings.NewReader("b"))
	require.ErrorIs(t, err, storage.ErrBundleCompleted)

	_, err = sc.Complete(ctx, nil)
	require.ErrorIs(t, err, storage.ErrBundleCompleted)
	require.Len(t, h.pub.Messages(), 1, "second complete must not notify again")

	require.ErrorIs(t, sc.Abort(ctx), storage.ErrBundleCompleted)
}

func TestAbortDiscardsWrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := start(t, h, "bid-3")
	ctx := context.Background()
	require.NoError(t, sc.AddResource(ctx, "https://api.test/a", "", 200, strings.NewReader("a")))
	require.NotEmpty(t, h.blobs.Keys("bundles/prices/bid-3/"))

	require.NoError(t, sc.Abort(ctx))
	require.NoError(t, sc.Abort(ctx))
	require.Empty(t, h.blobs.Keys("bundles/prices/bid-3/"))

	err := sc.AddResource(ctx, "https://api.test/b", "", 200, strings.NewReader("b"))
	require.ErrorIs(t, err, storage.ErrBundleAborted)
	_, err = sc.Complete(ctx, nil)
	require.ErrorIs(t, err, storage.ErrBundleAborted)
	require.Empty(t, pendingKeys(t, h))
}

func TestNotificationFailureLeavesRecordForRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hook := &mockHook{}
	hook.On("OnBundleComplete", mock.Anything, mock.Anything).Return(nil)
	h.store.RegisterHook(hook)
	h.pub.FailNext(1, errors.New("pubsub unavailable"))

	sc := start(t, h, "bid-4")
	ref, err := sc.Complete(context.Background(), nil)
	require.NoError(t, err, "notification failure must not fail the bundle")
	require.Equal(t, bundle.BID("bid-4"), ref.BID)
	require.Equal(t, []string{"pending_completion:prices:bid-4"}, pendingKeys(t, h))
	require.Empty(t, h.pub.Messages())

	rc := &bundle.FetchRunContext{RunID: "run-2", RecipeID: recipe}
	require.NoError(t, h.store.OnRunStart(context.Background(), rc))
	require.Empty(t, pendingKeys(t, h))
	require.Len(t, h.pub.Messages(), 1)
	hook.AssertNumberOfCalls(t, "OnBundleComplete", 2)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	for _, bid := range []string{"bid-a", "bid-b"} {
		raw, err := json.Marshal(storage.PendingCompletion{
			Bundle:   bundle.BundleRef{BID: bundle.BID(bid), StorageKey: "bundles/prices/" + bid, ResourceCount: 1},
			RecipeID: recipe,
			RunID:    "crashed-run",
		})
		require.NoError(t, err)
		require.NoError(t, h.kv.Put(ctx, storage.PendingKey(recipe, bundle.BID(bid)), raw, 0))
	}
	require.NoError(t, h.kv.Put(ctx, storage.PendingKey("other", "bid-z"), []byte(`{}`), 0))
	require.NoError(t, h.kv.Put(ctx, storage.PendingKey(recipe, "broken"), []byte(`not json`), 0))

	hook := &mockHook{}
	hook.On("OnBundleComplete", mock.Anything, mock.MatchedBy(func(ref bundle.BundleRef) bool { return ref.BID == "bid-a" })).Return(nil).Once()
	hook.On("OnBundleComplete", mock.Anything, mock.MatchedBy(func(ref bundle.BundleRef) bool { return ref.BID == "bid-b" })).Return(nil).Once()
	h.store.RegisterHook(hook)

	rc := &bundle.FetchRunContext{RunID: "run-3", RecipeID: recipe}
	require.NoError(t, h.store.OnRunStart(ctx, rc))
	hook.AssertExpectations(t)
	require.Len(t, h.pub.Messages(), 2)

	require.Equal(t, []string{"pending_completion:other:bid-z", "pending_completion:prices:broken"}, pendingKeys(t, h))

	require.NoError(t, h.store.OnRunStart(ctx, rc))
	hook.AssertNumberOfCalls(t, "OnBundleComplete", 2)
	require.Len(t, h.pub.Messages(), 2)
}

func TestHookFailurePreventsCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	boom := errors.New("cursor write failed")
	hook := &mockHook{}
	hook.On("OnBundleComplete", mock.Anything, mock.Anything).Return(boom).Once()
	h.store.RegisterHook(hook)

	sc := start(t, h, "bid-5")
	_, err := sc.Complete(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	require.Empty(t, pendingKeys(t, h))
	require.Empty(t, h.pub.Messages())

	require.NoError(t, sc.Abort(context.Background()))
}

type failingBackend struct {
	storage.Backend
	failKey string
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failingWriter) Close() error              { return nil }

func (f failingBackend) Create(ctx context.Context, key, contentType string) (io.WriteCloser, string, error) {
	if strings.HasSuffix(key, f.failKey) {
		return failingWriter{}, "", nil
	}
	return f.Backend.Create(ctx, key, contentType)
}

func TestFinalizeFailureWritesNoRecord(t *testing.T) {
	t.Parallel()

	blobs := blobmemory.NewBlobStore()
	kvStore := kvmemory.New()
	pub := pubmemory.New()
	st, err := storage.New(failingBackend{Backend: blobs, failKey: storage.ManifestName}, kvStore, storage.WithPublisher(pub, "t"))
	require.NoError(t, err)

	sc, err := st.StartBundle(context.Background(), bundle.BundleRef{BID: "bid-6"}, recipe)
	require.NoError(t, err)
	require.NoError(t, sc.AddResource(context.Background(), "https://x/a", "", 200, strings.NewReader("a")))
	_, err = sc.Complete(context.Background(), nil)
	require.Error(t, err)

	keys, err := kvStore.Scan(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Empty(t, pub.Messages())
}

func TestDecoratorsStreamIntoBackend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, storage.WithDecorators(decompress.New()))
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	sc := start(t, h, "bid-7")
	require.NoError(t, sc.AddResource(context.Background(), "sftp://files.test/in/prices.csv.gz", "", 0, &buf))
	_, err = sc.Complete(context.Background(), nil)
	require.NoError(t, err)

	obj, ok := h.blobs.Get("bundles/prices/bid-7/resources/0000-prices.csv")
	require.True(t, ok)
	require.Equal(t, "a,b\n1,2\n", string(obj.Data))
}

func TestStartBundleValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.store.StartBundle(context.Background(), bundle.BundleRef{}, recipe)
	require.Error(t, err)
	_, err = h.store.StartBundle(context.Background(), bundle.BundleRef{BID: "x"}, "")
	require.Error(t, err)

	_, err = storage.New(nil, kvmemory.New())
	require.Error(t, err)
	_, err = storage.New(blobmemory.NewBlobStore(), nil)
	require.Error(t, err)
}
