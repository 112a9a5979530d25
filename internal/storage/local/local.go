// Package local provides a filesystem storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/fruitsalade/sds/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements storage.Backend on an afero filesystem.
type Backend struct {
	fs       afero.Fs
	rootPath string
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new local backend rooted at cfg.RootPath on fsys.
func New(fsys afero.Fs, cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := fsys.Stat(cfg.RootPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && cfg.CreateDirs:
		if err := fsys.MkdirAll(cfg.RootPath, 0o755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{fs: fsys, rootPath: cfg.RootPath}, nil
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// PutObject writes content through a temp file and a rename.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	path := b.fullPath(key)
	dir := filepath.Dir(path)

	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := afero.TempFile(b.fs, dir, ".sds-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := b.fs.Rename(tmpName, path); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a stored file.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	err := b.fs.Remove(b.fullPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ListObjects walks the root and returns files whose key has prefix.
func (b *Backend) ListObjects(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	err := afero.Walk(b.fs, b.rootPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || strings.HasPrefix(info.Name(), ".sds-") {
			return nil
		}
		rel, err := filepath.Rel(b.rootPath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
