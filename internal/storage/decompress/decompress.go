// Package decompress is a storage decorator that transparently unwraps gzip
// and zstd resource streams.
package decompress

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/JakeFAU/bundlefetch/internal/storage"
)

// Format is a supported compression format.
type Format string

// Supported formats.
const (
	None Format = ""
	Gzip Format = "gzip"
	Zstd Format = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decorator decompresses recognized streams and passes others through.
type Decorator struct{}

// New returns the decorator.
func New() *Decorator {
	return &Decorator{}
}

var _ storage.Decorator = (*Decorator)(nil)

// Decorate detects the format from the stream's magic bytes and wraps body in
// a streaming decoder. A body named like an archive but already decoded
// upstream, e.g. by the HTTP transport, passes through unchanged.
func (d *Decorator) Decorate(body io.Reader, res storage.Resource) (io.ReadCloser, storage.Resource, error) {
	br := bufio.NewReader(body)
	format := Detect(res.ContentType, res.Name, br)
	switch format {
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, res, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, unwrapped(res, ".gz", ".gzip"), nil
	case Zstd:
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, res, fmt.Errorf("open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), unwrapped(res, ".zst", ".zstd"), nil
	default:
		return io.NopCloser(br), res, nil
	}
}

// Detect reports the compression format of a stream. When peek is set its
// magic bytes decide; content type and file suffix are used only without one.
func Detect(contentType, name string, peek *bufio.Reader) Format {
	if peek != nil {
		return sniff(peek)
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/gzip", "application/x-gzip":
		return Gzip
	case "application/zstd", "application/x-zstd":
		return Zstd
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".gzip"):
		return Gzip
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".zstd"):
		return Zstd
	}
	return None
}

func sniff(peek *bufio.Reader) Format {
	head, _ := peek.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip
	}
	return None
}

func unwrapped(res storage.Resource, suffixes ...string) storage.Resource {
	lower := strings.ToLower(res.Name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) && len(res.Name) > len(s) {
			res.Name = res.Name[:len(res.Name)-len(s)]
			break
		}
	}
	res.ContentType = "application/octet-stream"
	if ct := mime.TypeByExtension(path.Ext(res.Name)); ct != "" {
		res.ContentType = ct
	}
	return res
}
