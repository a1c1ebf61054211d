package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/clock/system"
	"github.com/JakeFAU/bundlefetch/internal/credentials"
	"github.com/JakeFAU/bundlefetch/internal/id/uuid"
	kvmemory "github.com/JakeFAU/bundlefetch/internal/kv/memory"
	"github.com/JakeFAU/bundlefetch/internal/retry"
	"github.com/JakeFAU/bundlefetch/internal/storage"
	blobmemory "github.com/JakeFAU/bundlefetch/internal/storage/memory"
)

var noDelay = retry.Config{MaxRetries: 2, ExponentialBase: 1}

type fixture struct {
	loader *Loader
	store  *storage.Store
	blobs  *blobmemory.BlobStore
	rc     *bundle.FetchRunContext
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	mgr, err := NewManager(Config{Timeout: 5 * time.Second, UserAgent: "bundlefetch-test", Retry: noDelay}, opts...)
	require.NoError(t, err)
	blobs := blobmemory.NewBlobStore()
	st, err := storage.New(blobs, kvmemory.New())
	require.NoError(t, err)
	return fixture{
		loader: NewLoader(mgr, uuid.NewUUIDGenerator(), system.New(), nil),
		store:  st,
		blobs:  blobs,
		rc:     &bundle.FetchRunContext{RunID: "run-1", RecipeID: "api"},
	}
}

func TestLoadStreamsBodyIntoBundle(t *testing.T) {
	t.Parallel()

	var gotUA, gotAccept, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Next-Cursor", "abc123")
		_, _ = io.WriteString(w, `{"items":[1,2,3]}`)
	}))
	defer srv.Close()

	creds := credentials.NewStatic(map[string]map[string]string{"api": {"token": "s3cret"}})
	f := newFixture(t, WithCredentials(creds))

	req := bundle.RequestMeta{
		URL: srv.URL + "/v1/items.json",
		Params: map[string]string{
			"header.Accept":   "application/json",
			ParamCredentialID: "api",
			ParamCursorHeader: "X-Next-Cursor",
		},
		Metadata: map[string]any{"source": "items"},
	}
	refs, err := f.loader.Load(context.Background(), req, f.store, f.rc)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	ref := refs[0]
	assert.Equal(t, 1, ref.ResourceCount)
	assert.Equal(t, "abc123", ref.Metadata[MetaNextCursor])
	assert.Equal(t, "items", ref.Metadata["source"])
	assert.Equal(t, http.StatusOK, ref.Metadata["http_status"])
	headers, ok := ref.Metadata["headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["content-type"])

	assert.Equal(t, "bundlefetch-test", gotUA)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "Bearer s3cret", gotAuth)

	obj, ok := f.blobs.Get(ref.StorageKey + "/resources/0000-items.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"items":[1,2,3]}`, string(obj.Data))
	_, ok = f.blobs.Get(ref.StorageKey + "/" + storage.ManifestName)
	assert.True(t, ok)
}

func TestLoadRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	f := newFixture(t)
	refs, err := f.loader.Load(context.Background(), bundle.RequestMeta{URL: srv.URL + "/flaky"}, f.store, f.rc)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLoadFailsFastOnClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	f := newFixture(t)
	_, err := f.loader.Load(context.Background(), bundle.RequestMeta{URL: srv.URL + "/missing"}, f.store, f.rc)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, f.blobs.Keys(""), "nothing is written for a failed request")
}

func TestLoadExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t)
	_, err := f.loader.Load(context.Background(), bundle.RequestMeta{URL: srv.URL + "/down"}, f.store, f.rc)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Equal(t, int32(3), calls.Load())
}

func TestLoadAbortsOnBrokenBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = io.WriteString(w, strings.Repeat("x", 10))
	}))
	defer srv.Close()

	f := newFixture(t)
	_, err := f.loader.Load(context.Background(), bundle.RequestMeta{URL: srv.URL + "/short"}, f.store, f.rc)
	require.Error(t, err)
	assert.Empty(t, f.blobs.Keys(""))
}

func TestLoadStreamsSlowBodyPastTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		for range 8 {
			_, _ = io.WriteString(w, "chunk\n")
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer srv.Close()

	mgr, err := NewManager(Config{Timeout: 200 * time.Millisecond, Retry: noDelay})
	require.NoError(t, err)
	f := newFixture(t)
	f.loader = NewLoader(mgr, uuid.NewUUIDGenerator(), system.New(), nil)

	refs, err := f.loader.Load(context.Background(), bundle.RequestMeta{URL: srv.URL + "/stream"}, f.store, f.rc)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	obj, ok := f.blobs.Get(refs[0].StorageKey + "/resources/0000-stream")
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("chunk\n", 8), string(obj.Data))
}

func TestLoadFailsOnStalledBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	mgr, err := NewManager(Config{Timeout: 100 * time.Millisecond, Retry: noDelay})
	require.NoError(t, err)
	f := newFixture(t)
	f.loader = NewLoader(mgr, uuid.NewUUIDGenerator(), system.New(), nil)

	_, err = f.loader.Load(context.Background(), bundle.RequestMeta{URL: srv.URL + "/stall"}, f.store, f.rc)
	require.ErrorIs(t, err, ErrIdleTimeout)
	assert.Empty(t, f.blobs.Keys(""))
}

func TestManagerBasicAuthAndCredentialErrors(t *testing.T) {
	t.Parallel()

	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	creds := credentials.NewStatic(map[string]map[string]string{
		"basic": {"username": "alice", "password": "pw"},
		"empty": {"region": "us"},
	})
	mgr, err := NewManager(Config{Retry: noDelay}, WithCredentials(creds))
	require.NoError(t, err)

	resp, err := mgr.Get(context.Background(), bundle.RequestMeta{URL: srv.URL, Params: map[string]string{ParamCredentialID: "basic"}})
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "alice", user)
	assert.Equal(t, "pw", pass)

	_, err = mgr.Get(context.Background(), bundle.RequestMeta{URL: srv.URL, Params: map[string]string{ParamCredentialID: "nope"}})
	require.ErrorIs(t, err, credentials.ErrCredentialNotFound)

	_, err = mgr.Get(context.Background(), bundle.RequestMeta{URL: srv.URL, Params: map[string]string{ParamCredentialID: "empty"}})
	require.Error(t, err)

	bare, err := NewManager(Config{Retry: noDelay})
	require.NoError(t, err)
	_, err = bare.Get(context.Background(), bundle.RequestMeta{URL: srv.URL, Params: map[string]string{ParamCredentialID: "basic"}})
	require.Error(t, err)

	_, err = bare.Get(context.Background(), bundle.RequestMeta{URL: "not a url"})
	require.Error(t, err)
}

func TestNewManagerRejectsBadRetryPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Config{Retry: retry.Config{MaxRetries: -1}})
	require.True(t, errors.Is(err, retry.ErrInvalidConfig))
}

func TestManagerGetInt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/count":
			_, _ = io.WriteString(w, `{"total": 42, "label": "x"}`)
		case "/text":
			_, _ = io.WriteString(w, `not json`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	mgr, err := NewManager(Config{Retry: noDelay})
	require.NoError(t, err)
	ctx := context.Background()

	n, err := mgr.GetInt(ctx, bundle.RequestMeta{URL: srv.URL + "/count"}, "total")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = mgr.GetInt(ctx, bundle.RequestMeta{URL: srv.URL + "/count"}, "label")
	require.Error(t, err)
	_, err = mgr.GetInt(ctx, bundle.RequestMeta{URL: srv.URL + "/count"}, "missing")
	require.ErrorContains(t, err, `field "missing" missing`)
	_, err = mgr.GetInt(ctx, bundle.RequestMeta{URL: srv.URL + "/text"}, "total")
	require.Error(t, err)
	_, err = mgr.GetInt(ctx, bundle.RequestMeta{URL: srv.URL + "/gone"}, "total")
	require.True(t, IsStatus(err, http.StatusNotFound))
}
