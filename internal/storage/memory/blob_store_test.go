package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreCreateCommitsOnClose(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	w, uri, err := store.Create(context.Background(), "recipe/bid/resources/0000-page.html", "text/html")
	require.NoError(t, err)
	require.Equal(t, "memory://recipe/bid/resources/0000-page.html", uri)

	_, err = io.Copy(w, strings.NewReader("content"))
	require.NoError(t, err)
	_, ok := store.Get("recipe/bid/resources/0000-page.html")
	require.False(t, ok, "object must not be visible before Close")

	require.NoError(t, w.Close())
	obj, ok := store.Get("recipe/bid/resources/0000-page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "text/html", obj.ContentType)

	obj.Data[0] = 'C'
	again, _ := store.Get("recipe/bid/resources/0000-page.html")
	require.Equal(t, "content", string(again.Data))
}

func TestBlobStoreCanceledWriteIsDiscarded(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx, cancel := context.WithCancel(context.Background())
	w, _, err := store.Create(ctx, "k", "")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	cancel()
	require.Error(t, w.Close())
	require.Empty(t, store.Keys(""))
}

func TestBlobStoreDeletePrefix(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, key := range []string{"a/1/x", "a/1/y", "a/2/x"} {
		w, _, err := store.Create(context.Background(), key, "")
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	require.NoError(t, store.Delete(context.Background(), "a/1/"))
	require.Equal(t, []string{"a/2/x"}, store.Keys("a/"))

	_, _, err := store.Create(context.Background(), " ", "")
	require.Error(t, err)
}
