// Package repository stores artifact generations on a filesystem and rotates
// them transactionally.
//
// Each artifact lives under <root>/<artifact>/ with three generations:
// current/ is what readers see, upload/ is the next version being assembled
// by the lease holder, and backup/ is the previous current/ kept after a
// commit. Every filesystem mutation runs under one repository-wide mutex.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/sds/internal/lease"
	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/internal/metrics"
	"github.com/fruitsalade/sds/pkg/hashtree"
)

const (
	currentDir = "current"
	backupDir  = "backup"
	uploadDir  = "upload"
	spoolDir   = ".incoming"
)

var (
	ErrAlreadyInProgress = fmt.Errorf("new version already in progress: %w", lease.ErrAlreadyLocked)
	ErrBusy              = errors.New("artifact is being updated")
	ErrUnknownArtifact   = errors.New("unknown artifact")
	ErrInvalidPath       = errors.New("invalid path")
	ErrNotFound          = errors.New("file not found")
	ErrNoUpload          = errors.New("upload generation missing")
)

// FinalizeHook runs after a successful commit while the repository lock is
// still held, so current/ cannot move underneath it.
type FinalizeHook func(ctx context.Context, fsys afero.Fs, artifact, currentPath string)

// Config configures a Repository.
type Config struct {
	Root string
	// Artifacts restricts the repository to known names. Empty allows any
	// well-formed name.
	Artifacts []string
	// IndexCacheSize bounds the number of cached indexes. Zero disables the cache.
	IndexCacheSize int
}

// Repository is the transactional artifact store.
type Repository struct {
	fs     afero.Fs
	root   string
	leases *lease.Manager
	known  map[string]bool

	mu    sync.Mutex // serializes every filesystem mutation
	hooks []FinalizeHook

	cache *lru.Cache
	genMu sync.Mutex
	gens  map[string]uint64
}

// New creates a repository rooted at cfg.Root on fsys.
func New(fsys afero.Fs, leases *lease.Manager, cfg Config) (*Repository, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("repository root is required")
	}
	if err := fsys.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create repository root %s: %w", cfg.Root, err)
	}

	r := &Repository{
		fs:     fsys,
		root:   cfg.Root,
		leases: leases,
		gens:   make(map[string]uint64),
	}
	if len(cfg.Artifacts) > 0 {
		r.known = make(map[string]bool, len(cfg.Artifacts))
		for _, a := range cfg.Artifacts {
			r.known[a] = true
		}
	}
	if cfg.IndexCacheSize > 0 {
		c, err := lru.New(cfg.IndexCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create index cache: %w", err)
		}
		r.cache = c
	}
	return r, nil
}

// OnFinalize registers a hook run after every successful commit.
func (r *Repository) OnFinalize(h FinalizeHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Fs returns the underlying filesystem.
func (r *Repository) Fs() afero.Fs { return r.fs }

func (r *Repository) artifactPath(artifact string, parts ...string) string {
	return filepath.Join(append([]string{r.root, artifact}, parts...)...)
}

func (r *Repository) checkArtifact(artifact string) error {
	segs, err := hashtree.SplitPath(artifact)
	if err != nil || len(segs) != 1 || artifact[0] == '.' {
		return fmt.Errorf("%w: %q", ErrUnknownArtifact, artifact)
	}
	if r.known != nil && !r.known[artifact] {
		return fmt.Errorf("%w: %q", ErrUnknownArtifact, artifact)
	}
	return nil
}

func checkRelPath(rel string) (string, error) {
	if _, err := hashtree.SplitPath(rel); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return rel, nil
}

func (r *Repository) exists(p string) (bool, error) {
	return afero.Exists(r.fs, p)
}

// BeginNewVersion takes the artifact's lease and seeds upload/ with a copy of
// current/. A stale upload/ left by an expired transaction is discarded.
func (r *Repository) BeginNewVersion(ctx context.Context, artifact string) (string, error) {
	if err := r.checkArtifact(artifact); err != nil {
		return "", err
	}

	token, err := r.leases.Acquire(artifact)
	if err != nil {
		if errors.Is(err, lease.ErrAlreadyLocked) {
			metrics.RecordLeaseConflict(artifact)
			return "", ErrAlreadyInProgress
		}
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	upload := r.artifactPath(artifact, uploadDir)
	if err := r.fs.RemoveAll(upload); err != nil {
		_ = r.leases.Release(artifact, token)
		return "", fmt.Errorf("remove stale upload: %w", err)
	}
	_ = r.fs.RemoveAll(r.artifactPath(artifact, spoolDir))

	current := r.artifactPath(artifact, currentDir)
	ok, err := r.exists(current)
	if err == nil {
		if ok {
			err = copyTree(r.fs, current, upload)
		} else {
			err = r.fs.MkdirAll(upload, 0o755)
		}
	}
	if err != nil {
		_ = r.fs.RemoveAll(upload)
		_ = r.leases.Release(artifact, token)
		return "", fmt.Errorf("prepare upload for %s: %w", artifact, err)
	}

	metrics.RecordTransaction(artifact, "started")
	logging.WithContext(ctx).Info("new version started", logging.Artifact(artifact))
	return token, nil
}

// Finalize rotates upload/ into current/, keeping the old current/ as
// backup/. If upload/ cannot be moved into place the previous current/ is
// restored before the error is returned, and the lease stays held so the
// caller can abort.
func (r *Repository) Finalize(ctx context.Context, artifact, token string) error {
	if err := r.checkArtifact(artifact); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.leases.Touch(artifact, token); err != nil {
		return err
	}

	current := r.artifactPath(artifact, currentDir)
	backup := r.artifactPath(artifact, backupDir)
	upload := r.artifactPath(artifact, uploadDir)

	if ok, err := r.exists(upload); err != nil {
		return fmt.Errorf("stat upload: %w", err)
	} else if !ok {
		return ErrNoUpload
	}

	if err := r.fs.RemoveAll(backup); err != nil {
		return fmt.Errorf("remove stale backup: %w", err)
	}

	hadCurrent, err := r.exists(current)
	if err != nil {
		return fmt.Errorf("stat current: %w", err)
	}
	if hadCurrent {
		if err := r.fs.Rename(current, backup); err != nil {
			return fmt.Errorf("move current to backup: %w", err)
		}
	}
	if err := r.fs.Rename(upload, current); err != nil {
		if hadCurrent {
			if rbErr := r.fs.Rename(backup, current); rbErr != nil {
				logging.WithContext(ctx).Error("rollback of current failed",
					logging.Artifact(artifact), zap.NamedError("rollback_error", rbErr), logging.Err(err))
				return fmt.Errorf("move upload to current: %w (rollback failed: %v)", err, rbErr)
			}
		}
		metrics.RecordTransaction(artifact, "rolled_back")
		logging.WithContext(ctx).Warn("finalize rolled back", logging.Artifact(artifact), logging.Err(err))
		return fmt.Errorf("move upload to current: %w", err)
	}

	r.bumpGeneration(artifact)
	if err := r.leases.Release(artifact, token); err != nil {
		logging.WithContext(ctx).Warn("release after finalize", logging.Artifact(artifact), logging.Err(err))
	}
	metrics.RecordTransaction(artifact, "committed")
	logging.WithContext(ctx).Info("new version committed", logging.Artifact(artifact))

	for _, h := range r.hooks {
		h(ctx, r.fs, artifact, current)
	}
	return nil
}

// Abort discards upload/ and any backup/ and releases the lease. current/ is
// never touched.
func (r *Repository) Abort(ctx context.Context, artifact, token string) error {
	if err := r.checkArtifact(artifact); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.leases.Touch(artifact, token); err != nil {
		return err
	}
	return r.abortLocked(ctx, artifact, token)
}

func (r *Repository) abortLocked(ctx context.Context, artifact, token string) error {
	var errs []error
	for _, dir := range []string{uploadDir, backupDir, spoolDir} {
		if err := r.fs.RemoveAll(r.artifactPath(artifact, dir)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	if err := r.leases.Release(artifact, token); err != nil {
		errs = append(errs, err)
	}
	metrics.RecordTransaction(artifact, "aborted")
	logging.WithContext(ctx).Info("new version aborted", logging.Artifact(artifact))
	return errors.Join(errs...)
}

func (r *Repository) bumpGeneration(artifact string) {
	r.genMu.Lock()
	r.gens[artifact]++
	r.genMu.Unlock()
	if r.cache != nil {
		r.cache.Remove(artifact)
	}
}

func (r *Repository) generation(artifact string) uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.gens[artifact]
}

// copyTree clones the directory src to dst.
func copyTree(fsys afero.Fs, src, dst string) error {
	return afero.Walk(fsys, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := p[len(src):]
		target := dst + rel
		if info.IsDir() {
			return fsys.MkdirAll(target, 0o755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(fsys, p, target, info.Mode().Perm())
	})
}

func copyFile(fsys afero.Fs, src, dst string, perm os.FileMode) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
