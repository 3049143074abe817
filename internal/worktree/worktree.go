// Package worktree manages the dedicated "knots" git worktree and writes
// event files into it. It knows nothing about git's transport or retry
// semantics - that lives in the replication service - only how to get a
// clean worktree checked out on the knots branch and how to land event
// payloads into it atomically.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/knots-scm/knots/internal/events"
	"github.com/knots-scm/knots/internal/fs"
	"github.com/knots-scm/knots/internal/gitadapter"
	"github.com/knots-scm/knots/internal/knotserr"
)

// DefaultBranch and DefaultRemote name the branch/remote the worktree
// tracks. These match the convention the cache store and replication
// service assume when locating the worktree without being told otherwise.
const (
	DefaultBranch = "knots"
	DefaultRemote = "origin"
)

// Worktree is the dedicated checkout of the knots branch, rooted under
// the main repository's .knots/_worktree directory.
type Worktree struct {
	git    *gitadapter.Adapter
	fs     fs.FS
	root   string // the main repository root
	path   string // the dedicated worktree path
	branch string
	remote string
}

// New returns a Worktree rooted at repoRoot/.knots/_worktree on
// [DefaultBranch] / [DefaultRemote].
func New(fileSystem fs.FS, git *gitadapter.Adapter, repoRoot string) *Worktree {
	return &Worktree{
		git:    git,
		fs:     fileSystem,
		root:   repoRoot,
		path:   filepath.Join(repoRoot, ".knots", "_worktree"),
		branch: DefaultBranch,
		remote: DefaultRemote,
	}
}

// Path returns the dedicated worktree's filesystem path.
func (w *Worktree) Path() string { return w.path }

// Branch returns the branch the worktree tracks.
func (w *Worktree) Branch() string { return w.branch }

// Remote returns the remote the worktree pushes to and pulls from.
func (w *Worktree) Remote() string { return w.remote }

// EnsureExists creates the dedicated worktree if it is absent, checking it
// out onto Branch. An existing worktree is not switched: if it is on a
// different branch, EnsureExists re-runs git worktree add for Branch, whose
// "already exists" failure is ignored, so the worktree stays on the branch
// it had. If a non-worktree directory is already
// sitting at Path, EnsureExists fails with [knotserr.DirtyWorktree] rather
// than clobbering unknown content.
func (w *Worktree) EnsureExists(ctx context.Context) error {
	err := w.fs.MkdirAll(filepath.Dir(w.path), 0o755)
	if err != nil {
		return fmt.Errorf("creating worktree parent dir: %w", err)
	}

	gitDirMarker := filepath.Join(w.path, ".git")

	exists, err := w.fs.Exists(gitDirMarker)
	if err != nil {
		return fmt.Errorf("checking worktree: %w", err)
	}

	if exists {
		return w.ensureBranchCheckedOut(ctx)
	}

	pathExists, err := w.fs.Exists(w.path)
	if err != nil {
		return fmt.Errorf("checking worktree path: %w", err)
	}

	if pathExists {
		return &knotserr.DirtyWorktree{Path: w.path}
	}

	err = w.git.EnsureWorktree(ctx, w.root, w.path, w.branch)
	if err != nil {
		return err
	}

	return w.ensureBranchCheckedOut(ctx)
}

func (w *Worktree) ensureBranchCheckedOut(ctx context.Context) error {
	current, err := w.git.CurrentBranch(ctx, w.path)
	if err != nil {
		return err
	}

	if current == w.branch {
		return nil
	}

	return w.git.EnsureWorktree(ctx, w.root, w.path, w.branch)
}

// EnsureClean fails with [knotserr.DirtyWorktree] if the worktree has any
// staged or unstaged changes.
func (w *Worktree) EnsureClean(ctx context.Context) error {
	clean, err := w.git.IsClean(ctx, w.path)
	if err != nil {
		return err
	}

	if !clean {
		return &knotserr.DirtyWorktree{Path: w.path}
	}

	return nil
}

// EventFile is a built event payload ready to be written into the
// worktree, along with its destination path relative to the worktree
// root.
type EventFile struct {
	RelPath string
	Bytes   []byte
}

// BuildEventFiles renders a [events.Pair] into the two files that must be
// written and committed together. commitTime drives the YYYY/MM/DD
// partitioning, and should be a single clock reading shared by every pair
// in a batch so they land in the same date directory.
func BuildEventFiles(pair events.Pair, commitTime time.Time) ([]EventFile, error) {
	fullBytes, err := events.MarshalFull(pair.Full)
	if err != nil {
		return nil, fmt.Errorf("marshal full event: %w", err)
	}

	idxBytes, err := events.MarshalIndex(pair.Index)
	if err != nil {
		return nil, fmt.Errorf("marshal index event: %w", err)
	}

	return []EventFile{
		{RelPath: events.FullEventPath(pair.Full, commitTime), Bytes: fullBytes},
		{RelPath: events.IndexEventPath(pair.Index, commitTime), Bytes: idxBytes},
	}, nil
}

// WriteEventFiles writes each file atomically (tmp + fsync + rename) at
// its path relative to the worktree root, creating parent directories as
// needed. Writes are independent; a failure partway through leaves
// earlier files written, which is safe because event files are immutable
// and idempotent to rewrite with identical bytes.
func (w *Worktree) WriteEventFiles(files []EventFile) error {
	for _, f := range files {
		abs := filepath.Join(w.path, f.RelPath)

		err := w.fs.MkdirAll(filepath.Dir(abs), 0o755)
		if err != nil {
			return fmt.Errorf("creating parent dir for %s: %w", f.RelPath, err)
		}

		err = w.fs.WriteFileAtomic(abs, f.Bytes, 0o644)
		if err != nil {
			return fmt.Errorf("writing %s: %w", f.RelPath, err)
		}
	}

	return nil
}
