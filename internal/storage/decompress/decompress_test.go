package decompress

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bundlefetch/internal/storage"
)

const payload = "id,price\n1,9.99\n2,19.99\n"

func gzipped(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstded(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecorate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		body     []byte
		res      storage.Resource
		wantName string
	}{
		{"gzip by suffix", gzipped(t), storage.Resource{Name: "prices.csv.gz"}, "prices.csv"},
		{"gzip by content type", gzipped(t), storage.Resource{Name: "download", ContentType: "application/gzip"}, "download"},
		{"gzip by magic", gzipped(t), storage.Resource{Name: "blob"}, "blob"},
		{"zstd by suffix", zstded(t), storage.Resource{Name: "prices.csv.zst"}, "prices.csv"},
		{"zstd by magic", zstded(t), storage.Resource{Name: "blob"}, "blob"},
		{"plain passthrough", []byte(payload), storage.Resource{Name: "prices.csv", ContentType: "text/csv"}, "prices.csv"},
		{"already decoded gz", []byte(payload), storage.Resource{Name: "prices.csv.gz", ContentType: "application/gzip"}, "prices.csv.gz"},
		{"already decoded zst", []byte(payload), storage.Resource{Name: "prices.csv.zst"}, "prices.csv.zst"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc, res, err := New().Decorate(bytes.NewReader(tc.body), tc.res)
			require.NoError(t, err)
			defer rc.Close()
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.Equal(t, payload, string(got))
			require.Equal(t, tc.wantName, res.Name)
		})
	}
}

func TestDecorateRejectsCorruptGzip(t *testing.T) {
	t.Parallel()

	_, _, err := New().Decorate(bytes.NewReader([]byte{0x1f, 0x8b, 0x08}), storage.Resource{Name: "x.gz"})
	require.Error(t, err)
}

func TestDetect(t *testing.T) {
	t.Parallel()

	require.Equal(t, Zstd, Detect("application/zstd; charset=binary", "", nil))
	require.Equal(t, Gzip, Detect("", "A.GZ", nil))
	require.Equal(t, None, Detect("text/plain", "a.txt", bufio.NewReader(strings.NewReader("hi"))))
	require.Equal(t, None, Detect("application/gzip", "a.gz", bufio.NewReader(strings.NewReader(payload))))
	require.Equal(t, Gzip, Detect("text/plain", "a.txt", bufio.NewReader(bytes.NewReader(gzipped(t)))))
}
