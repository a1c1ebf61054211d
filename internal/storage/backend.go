// Package storage implements crash-safe bundle storage over pluggable
// backends.
//
// A bundle is written as one object per resource plus a manifest.json that is
// written last. Completion follows a write-ahead pattern: finalize the
// manifest, record a pending completion in the KV store, run completion hooks,
// publish the notification, then delete the record. Any record left behind is
// replayed by OnRunStart.
package storage

import (
	"context"
	"io"
)

// Backend is a byte sink for bundle objects.
//
// Create returns a writer for key. Closing the writer commits the object
// durably; if ctx is canceled before Close, the object is discarded instead.
// Delete removes every object whose key starts with prefix.
type Backend interface {
	Create(ctx context.Context, key, contentType string) (io.WriteCloser, string, error)
	Delete(ctx context.Context, prefix string) error
}

// Resource describes one resource stream as it flows through decorators.
type Resource struct {
	URL         string
	Name        string
	ContentType string
	StatusCode  int
}

// Decorator transforms a resource stream between loader and backend. It must
// stream; the returned reader is closed by the caller.
type Decorator interface {
	Decorate(body io.Reader, res Resource) (io.ReadCloser, Resource, error)
}

// DecoratorFunc adapts a function to Decorator.
type DecoratorFunc func(body io.Reader, res Resource) (io.ReadCloser, Resource, error)

// Decorate calls f.
func (f DecoratorFunc) Decorate(body io.Reader, res Resource) (io.ReadCloser, Resource, error) {
	return f(body, res)
}
