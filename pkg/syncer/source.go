package syncer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/fruitsalade/sds/pkg/hashtree"
	"github.com/fruitsalade/sds/pkg/protocol"
)

// Source is local build output that can be pushed.
type Source interface {
	// Tree builds the candidate tree.
	Tree(ctx context.Context) (*hashtree.Tree, error)
	// RemoteHash picks the index field comparable with the hashes of Tree.
	RemoteHash(e protocol.FileEntry) string
	// Open streams one file.
	Open(rel string) (io.ReadCloser, int64, error)
	// ContentHash returns the hex MD5 of one file given its tree hash.
	ContentHash(rel, treeHash string) (string, error)
}

// DirSource pushes a directory. Its tree hashes are MD5.
type DirSource struct {
	Fs  afero.Fs
	Dir string
}

var _ Source = DirSource{}

func (s DirSource) Tree(ctx context.Context) (*hashtree.Tree, error) {
	return hashtree.FromDir(ctx, s.Fs, s.Dir, hashtree.ScanOptions{})
}

func (s DirSource) RemoteHash(e protocol.FileEntry) string { return e.MD5 }

func (s DirSource) Open(rel string) (io.ReadCloser, int64, error) {
	f, err := s.Fs.Open(filepath.Join(s.Dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s DirSource) ContentHash(rel, treeHash string) (string, error) { return treeHash, nil }

// ZipSource pushes the contents of a zip archive. Its tree hashes are the
// CRC32 values recorded in the archive.
type ZipSource struct {
	zr     *zip.Reader
	files  map[string]*zip.File
	closer io.Closer
}

var _ Source = (*ZipSource)(nil)

// NewZipSource wraps an open archive.
func NewZipSource(zr *zip.Reader) *ZipSource {
	s := &ZipSource{zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		s.files[strings.TrimPrefix(f.Name, "./")] = f
	}
	return s
}

// OpenZip opens the archive at path on fsys.
func OpenZip(fsys afero.Fs, path string) (*ZipSource, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read zip %s: %w", path, err)
	}
	s := NewZipSource(zr)
	s.closer = f
	return s, nil
}

// Close releases the archive file when the source was opened by OpenZip.
func (s *ZipSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *ZipSource) Tree(ctx context.Context) (*hashtree.Tree, error) {
	return hashtree.FromZip(s.zr)
}

func (s *ZipSource) RemoteHash(e protocol.FileEntry) string { return hashtree.CRCHash(e.CRC) }

func (s *ZipSource) Open(rel string) (io.ReadCloser, int64, error) {
	f, ok := s.files[rel]
	if !ok {
		return nil, 0, fmt.Errorf("zip entry %s: %w", rel, afero.ErrFileNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, 0, err
	}
	return rc, int64(f.UncompressedSize64), nil
}

// ContentHash reads the entry once to compute its MD5.
func (s *ZipSource) ContentHash(rel, _ string) (string, error) {
	rc, _, err := s.Open(rel)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return hashtree.HashReader(rc)
}
