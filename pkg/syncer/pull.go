package syncer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/pkg/hashtree"
	"github.com/fruitsalade/sds/pkg/protocol"
	"github.com/fruitsalade/sds/pkg/retry"
)

const (
	// TrashDir holds local files a pull removed. It is never synchronised.
	TrashDir = "trash"
	// IgnoreSuffix marks a remote listing entry that protects a local path.
	IgnoreSuffix = ".sdsignore"
)

// ChangeHandler is consulted once per detected change and reports whether
// the change should be applied.
type ChangeHandler func(c hashtree.Change) bool

// Apply accepts every change.
func Apply(hashtree.Change) bool { return true }

// ReportOnly rejects every change.
func ReportOnly(hashtree.Change) bool { return false }

// PullOptions configures Pull.
type PullOptions struct {
	// Handler decides per change. Nil applies everything.
	Handler ChangeHandler
	// Retry bounds the attempts per download. Zero uses retry.DefaultConfig.
	Retry retry.Config
	Clock clockwork.Clock
}

// Summary counts what a pull found and did.
type Summary struct {
	Checked  int
	Added    int
	Changed  int
	Removed  int
	Skipped  int
	Failures int
	Failed   []string
}

// Pull brings dir on fsys in line with the artifact's current generation.
// Local files missing remotely are moved to trash/<timestamp>/. A file that
// cannot be downloaded and verified is counted as a failure and the pull
// carries on with the next one.
func Pull(ctx context.Context, remote Remote, artifact string, fsys afero.Fs, dir string, opts PullOptions) (*Summary, error) {
	if opts.Handler == nil {
		opts.Handler = Apply
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := logging.L().With(logging.Artifact(artifact))

	entries, err := remote.Index(ctx, artifact)
	if err != nil {
		return nil, &OpError{Op: "index", Artifact: artifact, Err: err}
	}
	ignored := ignoresFrom(entries)

	wanted := make(map[string]protocol.FileEntry, len(entries))
	declared := make([]hashtree.Entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name, IgnoreSuffix) || ignored.covers(e.Name) {
			continue
		}
		wanted[e.Name] = e
		declared = append(declared, hashtree.Entry{Path: e.Name, Hash: e.MD5})
	}
	candidate, err := hashtree.FromEntries(declared)
	if err != nil {
		return nil, &OpError{Op: "index", Artifact: artifact, Err: err}
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, &OpError{Op: "scan", Artifact: artifact, Err: err}
	}
	local, err := hashtree.FromDir(ctx, fsys, dir, hashtree.ScanOptions{
		Skip: func(rel string, _ bool) bool { return ignored.covers(rel) },
	})
	if err != nil {
		return nil, &OpError{Op: "scan", Artifact: artifact, Err: err}
	}
	local.Diff(candidate)

	p := &puller{
		remote:   remote,
		artifact: artifact,
		fs:       fsys,
		dir:      dir,
		retry:    opts.Retry,
		trash:    path.Join(TrashDir, opts.Clock.Now().Format("2006-01-02T15-04-05")),
		logger:   logger,
	}
	sum := &Summary{Checked: len(wanted)}
	fail := func(rel string, err error) {
		sum.Failures++
		sum.Failed = append(sum.Failed, rel)
		logger.Error("sync failed", logging.Path(rel), logging.Err(err))
	}

	for _, c := range ignored.spread(local, local.Changes()) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		switch c.Mode {
		case hashtree.New, hashtree.Changed:
			want, ok := wanted[c.Path]
			if !ok {
				continue // directory
			}
			if c.Mode == hashtree.New {
				sum.Added++
			} else {
				sum.Changed++
			}
			if !opts.Handler(c) {
				sum.Skipped++
				continue
			}
			if err := p.fetch(ctx, c.Path, want); err != nil {
				fail(c.Path, err)
			}

		case hashtree.Deleted:
			sum.Removed++
			if !opts.Handler(c) {
				sum.Skipped++
				continue
			}
			if err := p.moveToTrash(c.Path); err != nil {
				fail(c.Path, err)
			}
		}
	}

	logger.Info("artifact pulled",
		zap.Int("checked", sum.Checked),
		zap.Int("added", sum.Added),
		zap.Int("changed", sum.Changed),
		zap.Int("removed", sum.Removed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failures", sum.Failures))
	return sum, nil
}

// ignoreSet holds the paths protected from a pull.
type ignoreSet map[string]bool

// ignoresFrom collects "<path>.sdsignore" and "<dir>/.sdsignore" markers.
// The trash directory is always protected.
func ignoresFrom(entries []protocol.FileEntry) ignoreSet {
	s := ignoreSet{TrashDir: true}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name, IgnoreSuffix) {
			continue
		}
		if path.Base(e.Name) == IgnoreSuffix {
			if d := path.Dir(e.Name); d != "." {
				s[d] = true
			}
			continue
		}
		s[strings.TrimSuffix(e.Name, IgnoreSuffix)] = true
	}
	return s
}

// covers reports whether rel or one of its parents is protected.
func (s ignoreSet) covers(rel string) bool {
	for p := rel; ; {
		if s[p] {
			return true
		}
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			return false
		}
		p = p[:i]
	}
}

// within reports whether a protected path lies strictly below dir.
func (s ignoreSet) within(dir string) bool {
	for p := range s {
		if strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

// spread replaces a deleted directory that still holds protected paths with
// deletions of its files, so the protected ones stay where they are.
func (s ignoreSet) spread(local *hashtree.Tree, changes []hashtree.Change) []hashtree.Change {
	out := make([]hashtree.Change, 0, len(changes))
	for _, c := range changes {
		id, ok := local.Lookup(c.Path)
		if c.Mode != hashtree.Deleted || !ok || local.IsLeaf(id) || !s.within(c.Path) {
			out = append(out, c)
			continue
		}
		local.WalkPost(id, func(n hashtree.NodeID) hashtree.Action {
			if local.IsLeaf(n) {
				out = append(out, hashtree.Change{Path: local.Path(n), Mode: hashtree.Deleted})
			}
			return hashtree.Continue
		})
	}
	return out
}

type puller struct {
	remote   Remote
	artifact string
	fs       afero.Fs
	dir      string
	retry    retry.Config
	trash    string
	logger   *zap.Logger
}

func (p *puller) local(rel string) string {
	return filepath.Join(p.dir, filepath.FromSlash(rel))
}

// fetch downloads rel and installs it once its length and MD5 match want.
func (p *puller) fetch(ctx context.Context, rel string, want protocol.FileEntry) error {
	if err := p.makeRoom(rel); err != nil {
		return err
	}
	target := p.local(rel)
	if err := p.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}

	cfg := p.retry
	cfg.OnRetry = func(attempt int, err error) {
		p.logger.Warn("download failed, retrying", logging.Path(rel), zap.Int("attempt", attempt), logging.Err(err))
	}
	return retry.Do(ctx, cfg, func() error {
		return p.fetchOnce(ctx, rel, target, want)
	})
}

func (p *puller) fetchOnce(ctx context.Context, rel, target string, want protocol.FileEntry) error {
	body, announced, err := p.remote.Download(ctx, p.artifact, rel)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := afero.TempFile(p.fs, filepath.Dir(target), ".sds-download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = p.fs.Remove(tmpName)
		return retry.Retryable(err)
	}

	var mismatch string
	switch sum := hex.EncodeToString(h.Sum(nil)); {
	case announced >= 0 && n != announced:
		mismatch = fmt.Sprintf("received %d bytes, server announced %d", n, announced)
	case n != want.Size:
		mismatch = fmt.Sprintf("received %d bytes, index lists %d", n, want.Size)
	case !strings.EqualFold(sum, want.MD5):
		mismatch = "MD5 checksum mismatch"
	}
	if mismatch != "" {
		_ = p.fs.Remove(tmpName)
		return retry.Retryable(&protocol.IntegrityError{Path: rel, Reason: mismatch})
	}

	if err := p.fs.Rename(tmpName, target); err != nil {
		_ = p.fs.Remove(tmpName)
		return err
	}
	p.logger.Debug("file downloaded", logging.Path(rel), zap.Int64("size", n))
	return nil
}

// makeRoom trashes a local file sitting where a parent directory of rel has
// to go, or a directory sitting where rel has to go.
func (p *puller) makeRoom(rel string) error {
	segs := strings.Split(rel, "/")
	for i := range segs {
		prefix := strings.Join(segs[:i+1], "/")
		info, err := p.fs.Stat(p.local(prefix))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		last := i == len(segs)-1
		if !last && !info.IsDir() {
			return p.moveToTrash(prefix)
		}
		if last && info.IsDir() {
			// left empty when its files were trashed earlier in this pull
			if p.fs.Remove(p.local(prefix)) == nil {
				return nil
			}
			return p.moveToTrash(prefix)
		}
	}
	return nil
}

// moveToTrash moves rel to the trash directory of this pull.
func (p *puller) moveToTrash(rel string) error {
	dst := p.local(path.Join(p.trash, rel))
	if err := p.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create trash: %w", err)
	}
	if err := p.fs.Rename(p.local(rel), dst); err != nil {
		return fmt.Errorf("move to trash: %w", err)
	}
	p.logger.Debug("moved to trash", logging.Path(rel), zap.String("trash", p.trash))
	return nil
}
