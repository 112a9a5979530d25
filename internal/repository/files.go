package repository

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/internal/metrics"
	"github.com/fruitsalade/sds/pkg/protocol"
)

// PutFile stores body at rel inside upload/. The body is spooled outside the
// generation first; when contentHash is set and does not match the MD5 of the
// received bytes, the whole transaction is aborted and an
// *protocol.IntegrityError is returned.
func (r *Repository) PutFile(ctx context.Context, artifact, token, rel string, body io.Reader, contentHash string) (int64, error) {
	if err := r.checkArtifact(artifact); err != nil {
		return 0, err
	}
	rel, err := checkRelPath(rel)
	if err != nil {
		return 0, err
	}
	if err := r.leases.Touch(artifact, token); err != nil {
		return 0, err
	}

	spool := r.artifactPath(artifact, spoolDir)
	if err := r.fs.MkdirAll(spool, 0o755); err != nil {
		return 0, fmt.Errorf("create spool: %w", err)
	}
	tmp, err := afero.TempFile(r.fs, spool, "put-*")
	if err != nil {
		return 0, fmt.Errorf("create spool file: %w", err)
	}
	tmpName := tmp.Name()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = r.fs.Remove(tmpName)
		return n, fmt.Errorf("receive %s: %w", rel, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if contentHash != "" && !strings.EqualFold(sum, contentHash) {
		_ = r.fs.Remove(tmpName)
		metrics.RecordIntegrityFailure(artifact)
		logging.WithContext(ctx).Warn("upload checksum mismatch, aborting transaction",
			logging.Artifact(artifact), logging.Path(rel))

		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.leases.Touch(artifact, token); err == nil {
			if err := r.abortLocked(ctx, artifact, token); err != nil {
				logging.WithContext(ctx).Error("abort after checksum mismatch", logging.Artifact(artifact), logging.Err(err))
			}
		}
		return n, &protocol.IntegrityError{Path: rel, Reason: "MD5 checksum mismatch"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.leases.Touch(artifact, token); err != nil {
		_ = r.fs.Remove(tmpName)
		return n, err
	}

	upload := r.artifactPath(artifact, uploadDir)
	target := filepath.Join(upload, filepath.FromSlash(rel))
	if err := r.clearConflicts(upload, rel); err != nil {
		_ = r.fs.Remove(tmpName)
		return n, err
	}
	if err := r.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		_ = r.fs.Remove(tmpName)
		return n, fmt.Errorf("create parent of %s: %w", rel, err)
	}
	if err := r.fs.Rename(tmpName, target); err != nil {
		_ = r.fs.Remove(tmpName)
		return n, fmt.Errorf("store %s: %w", rel, err)
	}

	metrics.RecordUpload(n)
	logging.WithContext(ctx).Debug("file stored", logging.Artifact(artifact), logging.Path(rel))
	return n, nil
}

// clearConflicts removes regular files that occupy a parent segment of rel
// and a directory that occupies rel itself, so a file can replace a
// directory and vice versa.
func (r *Repository) clearConflicts(base, rel string) error {
	segs := strings.Split(rel, "/")
	cur := base
	for i, seg := range segs {
		cur = filepath.Join(cur, seg)
		info, err := r.fs.Stat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		last := i == len(segs)-1
		switch {
		case !last && !info.IsDir():
			if err := r.fs.Remove(cur); err != nil {
				return fmt.Errorf("replace file with directory at %s: %w", cur, err)
			}
			return nil
		case last && info.IsDir():
			if err := r.fs.RemoveAll(cur); err != nil {
				return fmt.Errorf("replace directory with file at %s: %w", rel, err)
			}
		}
	}
	return nil
}

// DeleteFile removes rel, file or directory, from upload/. A missing path is
// not an error.
func (r *Repository) DeleteFile(ctx context.Context, artifact, token, rel string) error {
	if err := r.checkArtifact(artifact); err != nil {
		return err
	}
	rel, err := checkRelPath(rel)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.leases.Touch(artifact, token); err != nil {
		return err
	}
	target := filepath.Join(r.artifactPath(artifact, uploadDir), filepath.FromSlash(rel))
	if err := r.fs.RemoveAll(target); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	logging.WithContext(ctx).Debug("file deleted", logging.Artifact(artifact), logging.Path(rel))
	return nil
}

type cachedIndex struct {
	gen   uint64
	files []protocol.FileEntry
}

// CurrentIndex lists every file of current/ with its size, CRC32 and MD5.
// An artifact that was never published has an empty index. While a
// transaction holds the artifact's lease ErrBusy is returned.
func (r *Repository) CurrentIndex(ctx context.Context, artifact string) ([]protocol.FileEntry, error) {
	if err := r.checkArtifact(artifact); err != nil {
		return nil, err
	}
	if r.leases.Locked(artifact) {
		metrics.RecordLeaseConflict(artifact)
		return nil, ErrBusy
	}

	gen := r.generation(artifact)
	if r.cache != nil {
		if v, ok := r.cache.Get(artifact); ok {
			if c := v.(cachedIndex); c.gen == gen {
				metrics.RecordIndexCache(true)
				return c.files, nil
			}
		}
		metrics.RecordIndexCache(false)
	}

	start := time.Now()
	files, err := r.buildIndex(ctx, artifact)
	if err != nil {
		return nil, err
	}
	metrics.RecordIndexBuild(time.Since(start))

	if r.cache != nil {
		r.cache.Add(artifact, cachedIndex{gen: gen, files: files})
	}
	return files, nil
}

func (r *Repository) buildIndex(ctx context.Context, artifact string) ([]protocol.FileEntry, error) {
	current := r.artifactPath(artifact, currentDir)
	files := []protocol.FileEntry{}

	ok, err := r.exists(current)
	if err != nil {
		return nil, fmt.Errorf("stat current: %w", err)
	}
	if !ok {
		return files, nil
	}

	err = afero.Walk(r.fs, current, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(current, p)
		if err != nil {
			return err
		}
		entry, err := r.hashEntry(p)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		entry.Name = filepath.ToSlash(rel)
		files = append(files, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", artifact, err)
	}
	return files, nil
}

func (r *Repository) hashEntry(p string) (protocol.FileEntry, error) {
	f, err := r.fs.Open(p)
	if err != nil {
		return protocol.FileEntry{}, err
	}
	defer f.Close()

	m := md5.New()
	c := crc32.NewIEEE()
	n, err := io.Copy(io.MultiWriter(m, c), f)
	if err != nil {
		return protocol.FileEntry{}, err
	}
	return protocol.FileEntry{
		CRC:  c.Sum32(),
		MD5:  hex.EncodeToString(m.Sum(nil)),
		Size: n,
	}, nil
}

// ReadFile opens rel from current/. The caller closes the file.
func (r *Repository) ReadFile(ctx context.Context, artifact, rel string) (afero.File, os.FileInfo, error) {
	if err := r.checkArtifact(artifact); err != nil {
		return nil, nil, err
	}
	rel, err := checkRelPath(rel)
	if err != nil {
		return nil, nil, err
	}
	if r.leases.Locked(artifact) {
		metrics.RecordLeaseConflict(artifact)
		return nil, nil, ErrBusy
	}

	p := filepath.Join(r.artifactPath(artifact, currentDir), filepath.FromSlash(rel))
	f, err := r.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", rel, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return f, info, nil
}
