// Package archive writes a zip snapshot of every committed generation to an
// object store and keeps only the newest few.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/internal/metrics"
	"github.com/fruitsalade/sds/internal/repository"
	"github.com/fruitsalade/sds/internal/storage"
	"github.com/fruitsalade/sds/internal/storage/local"
	s3backend "github.com/fruitsalade/sds/internal/storage/s3"
)

// BackendConfig selects and configures the snapshot store.
type BackendConfig struct {
	Type      string // none, local, s3
	LocalPath string
	S3        s3backend.Config
}

// NewBackend creates the configured backend, or nil for "none".
func NewBackend(ctx context.Context, cfg BackendConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		return local.New(afero.NewOsFs(), local.Config{RootPath: cfg.LocalPath, CreateDirs: true})
	case "s3":
		return s3backend.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Type)
	}
}

// Archiver snapshots committed generations.
type Archiver struct {
	backend storage.Backend
	keep    int
	clock   clockwork.Clock
}

// New creates an archiver keeping the newest keep snapshots per artifact.
func New(backend storage.Backend, keep int, clock clockwork.Clock) *Archiver {
	if keep <= 0 {
		keep = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Archiver{backend: backend, keep: keep, clock: clock}
}

// Hook adapts the archiver to a repository finalize hook. Failures are
// logged and never reach the committing client.
func (a *Archiver) Hook() repository.FinalizeHook {
	return func(ctx context.Context, fsys afero.Fs, artifact, currentPath string) {
		key, err := a.Archive(ctx, fsys, artifact, currentPath)
		metrics.RecordArchiveRun(a.backend.Type(), err == nil)
		if err != nil {
			logging.WithContext(ctx).Error("snapshot archival failed", logging.Artifact(artifact), logging.Err(err))
			return
		}
		logging.WithContext(ctx).Info("snapshot archived", logging.Artifact(artifact), logging.Path(key))
	}
}

// Archive zips dir into a new snapshot of artifact and prunes old ones. It
// returns the key of the new snapshot.
func (a *Archiver) Archive(ctx context.Context, fsys afero.Fs, artifact, dir string) (string, error) {
	tmp, err := afero.TempFile(fsys, filepath.Dir(dir), ".archive-*.zip")
	if err != nil {
		return "", fmt.Errorf("create snapshot temp: %w", err)
	}
	defer func() {
		tmp.Close()
		fsys.Remove(tmp.Name())
	}()

	if err := writeZip(ctx, fsys, dir, tmp); err != nil {
		return "", err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s/%020d.zip", artifact, a.clock.Now().UnixNano())
	if err := a.backend.PutObject(ctx, key, tmp, size); err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	if err := a.prune(ctx, artifact); err != nil {
		return key, fmt.Errorf("prune snapshots: %w", err)
	}
	return key, nil
}

// Snapshots lists an artifact's snapshots, oldest first.
func (a *Archiver) Snapshots(ctx context.Context, artifact string) ([]storage.ObjectInfo, error) {
	objs, err := a.backend.ListObjects(ctx, artifact+"/")
	if err != nil {
		return nil, err
	}
	out := objs[:0]
	for _, o := range objs {
		if strings.HasSuffix(o.Key, ".zip") {
			out = append(out, o)
		}
	}
	return out, nil
}

func (a *Archiver) prune(ctx context.Context, artifact string) error {
	snaps, err := a.Snapshots(ctx, artifact)
	if err != nil {
		return err
	}
	for len(snaps) > a.keep {
		if err := a.backend.DeleteObject(ctx, snaps[0].Key); err != nil {
			return err
		}
		snaps = snaps[1:]
	}
	return nil
}

func writeZip(ctx context.Context, fsys afero.Fs, dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := afero.Walk(fsys, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("zip %s: %w", dir, err)
	}
	return zw.Close()
}
