package hashtree

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// platformArtifacts are names dropped by every builder.
var platformArtifacts = []glob.Glob{
	glob.MustCompile(".DS_Store"),
	glob.MustCompile("._*"),
	glob.MustCompile("Thumbs.db"),
	glob.MustCompile("desktop.ini"),
	glob.MustCompile("__MACOSX"),
}

// IsPlatformArtifact reports whether a file or directory name is OS metadata
// that never belongs to an artifact.
func IsPlatformArtifact(name string) bool {
	for _, g := range platformArtifacts {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Entry is one file of a declared listing.
type Entry struct {
	Path string
	Hash string
}

// FromEntries builds a tree purely from declared hashes.
func FromEntries(entries []Entry) (*Tree, error) {
	t := NewTree()
	for _, e := range entries {
		if _, err := t.Add(e.Path, e.Hash); err != nil {
			return nil, err
		}
	}
	t.RecomputeHashes()
	return t, nil
}

// Skip decides whether a slash-separated relative path is left out of a scan.
// Returning true for a directory skips its whole subtree.
type Skip func(rel string, isDir bool) bool

// ScanOptions configures FromDir.
type ScanOptions struct {
	Skip        Skip
	Concurrency int
}

// FromDir scans dir on fsys and hashes every regular file with MD5.
func FromDir(ctx context.Context, fsys afero.Fs, dir string, opts ScanOptions) (*Tree, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	var files []string
	err := afero.Walk(fsys, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if IsPlatformArtifact(info.Name()) || (opts.Skip != nil && opts.Skip(rel, info.IsDir())) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var (
		mu     sync.Mutex
		hashes = make(map[string]string, len(files))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := HashFile(fsys, filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			mu.Lock()
			hashes[rel] = sum
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t := NewTree()
	for _, rel := range files {
		if _, err := t.Add(rel, hashes[rel]); err != nil {
			return nil, err
		}
	}
	t.RecomputeHashes()
	return t, nil
}

// HashFile returns the hex MD5 of a file's bytes.
func HashFile(fsys afero.Fs, p string) (string, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader returns the hex MD5 of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CRCHash renders a CRC32 checksum the way zip-built trees store it.
func CRCHash(crc uint32) string {
	return strconv.FormatUint(uint64(crc), 10)
}

// FromZip builds a tree from an archive's entry listing, using each entry's
// CRC32 as its hash. Directory entries are skipped.
func FromZip(zr *zip.Reader) (*Tree, error) {
	t := NewTree()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		name := strings.TrimPrefix(f.Name, "./")
		if zipSkipped(name) {
			continue
		}
		if _, err := t.Add(name, CRCHash(f.CRC32)); err != nil {
			return nil, fmt.Errorf("zip entry: %w", err)
		}
	}
	t.RecomputeHashes()
	return t, nil
}

func zipSkipped(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if IsPlatformArtifact(seg) {
			return true
		}
	}
	return false
}
