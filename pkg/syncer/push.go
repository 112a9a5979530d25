// Package syncer implements the client side of artifact synchronisation:
// pushing local build output to the server as one upload transaction, and
// pulling the current generation into a local directory.
package syncer

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/pkg/hashtree"
	"github.com/fruitsalade/sds/pkg/protocol"
)

// Remote is the server API the syncer drives. *client.Client implements it.
type Remote interface {
	Index(ctx context.Context, artifact string) ([]protocol.FileEntry, error)
	NewVersion(ctx context.Context, artifact string) (string, error)
	Put(ctx context.Context, artifact, token, rel string, body io.Reader, size int64, contentHash string) error
	Delete(ctx context.Context, artifact, token, rel string) error
	Finalize(ctx context.Context, artifact, token string) error
	FinalizeError(ctx context.Context, artifact, token string) error
	Download(ctx context.Context, artifact, rel string) (io.ReadCloser, int64, error)
}

// OpError records the artifact, path and operation of a failed sync step.
type OpError struct {
	Op       string
	Artifact string
	Path     string
	Err      error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Artifact, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Artifact, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// PushResult summarises a push.
type PushResult struct {
	Unchanged bool
	Uploaded  int
	Deleted   int
	Bytes     int64
}

// PushOptions configures Push.
type PushOptions struct {
	// Report is called for every change before it is sent.
	Report func(c hashtree.Change)
}

// abortTimeout bounds the best-effort abort after a failed push.
const abortTimeout = 30 * time.Second

// Push uploads the difference between src and the artifact's current index
// as a single transaction. Nothing is sent when there is no difference.
func Push(ctx context.Context, remote Remote, artifact string, src Source, opts PushOptions) (*PushResult, error) {
	logger := logging.L().With(logging.Artifact(artifact))

	entries, err := remote.Index(ctx, artifact)
	if err != nil {
		return nil, &OpError{Op: "index", Artifact: artifact, Err: err}
	}
	declared := make([]hashtree.Entry, 0, len(entries))
	for _, e := range entries {
		declared = append(declared, hashtree.Entry{Path: e.Name, Hash: src.RemoteHash(e)})
	}
	baseline, err := hashtree.FromEntries(declared)
	if err != nil {
		return nil, &OpError{Op: "index", Artifact: artifact, Err: err}
	}

	candidate, err := src.Tree(ctx)
	if err != nil {
		return nil, &OpError{Op: "scan", Artifact: artifact, Err: err}
	}

	baseline.Diff(candidate)
	if !baseline.HasChanges() {
		logger.Info("artifact unchanged, nothing to push")
		return &PushResult{Unchanged: true}, nil
	}
	changes := baseline.Changes()

	token, err := remote.NewVersion(ctx, artifact)
	if err != nil {
		return nil, &OpError{Op: "new-version", Artifact: artifact, Err: err}
	}
	logger.Debug("transaction started", zap.Int("changes", len(changes)))

	p := &pusher{remote: remote, artifact: artifact, token: token, src: src, candidate: candidate}
	res := &PushResult{}
	if err := p.replay(ctx, changes, res, opts.Report); err != nil {
		p.abort(ctx, logger)
		return res, err
	}
	if err := remote.Finalize(ctx, artifact, token); err != nil {
		p.abort(ctx, logger)
		return res, &OpError{Op: "finalize", Artifact: artifact, Err: err}
	}

	logger.Info("artifact pushed",
		zap.Int("uploaded", res.Uploaded),
		zap.Int("deleted", res.Deleted),
		zap.Int64("bytes", res.Bytes))
	return res, nil
}

type pusher struct {
	remote    Remote
	artifact  string
	token     string
	src       Source
	candidate *hashtree.Tree
}

// replay sends changes in order. Directories that are new or changed need no
// request of their own since uploads create parents.
func (p *pusher) replay(ctx context.Context, changes []hashtree.Change, res *PushResult, report func(hashtree.Change)) error {
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch c.Mode {
		case hashtree.Deleted:
			if report != nil {
				report(c)
			}
			if err := p.remote.Delete(ctx, p.artifact, p.token, c.Path); err != nil {
				return &OpError{Op: "delete", Artifact: p.artifact, Path: c.Path, Err: err}
			}
			res.Deleted++

		case hashtree.New, hashtree.Changed:
			id, ok := p.candidate.Lookup(c.Path)
			if !ok || !p.candidate.IsLeaf(id) {
				continue
			}
			if report != nil {
				report(c)
			}
			n, err := p.upload(ctx, c.Path, p.candidate.Hash(id))
			if err != nil {
				return &OpError{Op: "upload", Artifact: p.artifact, Path: c.Path, Err: err}
			}
			res.Uploaded++
			res.Bytes += n
		}
	}
	return nil
}

func (p *pusher) upload(ctx context.Context, rel, treeHash string) (int64, error) {
	sum, err := p.src.ContentHash(rel, treeHash)
	if err != nil {
		return 0, err
	}
	body, size, err := p.src.Open(rel)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	if err := p.remote.Put(ctx, p.artifact, p.token, rel, body, size, sum); err != nil {
		return 0, err
	}
	return size, nil
}

// abort releases the transaction. Failures are logged only so the error that
// caused the abort is the one reported.
func (p *pusher) abort(ctx context.Context, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := p.remote.FinalizeError(ctx, p.artifact, p.token); err != nil {
		logger.Warn("abort failed", logging.Err(err))
		return
	}
	logger.Info("transaction aborted")
}
