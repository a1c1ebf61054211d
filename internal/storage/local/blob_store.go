// Package local implements a local filesystem bundle backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where bundles are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes bundle objects to the local filesystem. Each object is
// streamed to a temp file in its target directory and renamed into place on
// Close, so a reader never observes a partial file.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Create opens a temp file next to key's final location.
func (s *BlobStore) Create(ctx context.Context, key, _ string) (io.WriteCloser, string, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	return &fileWriter{ctx: ctx, file: tmp, target: fullPath}, "file://" + fullPath, nil
}

// Delete removes everything under prefix.
func (s *BlobStore) Delete(_ context.Context, prefix string) error {
	fullPath, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("failed to remove %s: %w", prefix, err)
	}
	return nil
}

// Path returns the filesystem path of key.
func (s *BlobStore) Path(key string) (string, error) {
	return s.resolve(key)
}

func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(strings.Trim(key, "/")) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, key))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

type fileWriter struct {
	ctx    context.Context
	file   *os.File
	target string
	done   bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Close syncs and renames the temp file, or removes it when the write
// context was canceled.
func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	tmpName := w.file.Name()
	if err := w.ctx.Err(); err != nil {
		return errors.Join(fmt.Errorf("object %s discarded: %w", w.target, err), w.file.Close(), os.Remove(tmpName))
	}
	if err := w.file.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync file: %w", err), w.file.Close(), os.Remove(tmpName))
	}
	if err := w.file.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close file: %w", err), os.Remove(tmpName))
	}
	if err := os.Rename(tmpName, w.target); err != nil {
		return errors.Join(fmt.Errorf("failed to rename file: %w", err), os.Remove(tmpName))
	}
	return nil
}
