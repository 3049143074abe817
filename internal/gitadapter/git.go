// Package gitadapter wraps a child git process for the operations the
// replication service and worktree writer need: worktree creation, fetch,
// fast-forward reset, status checks, staging, committing, pushing, and
// name-status diffs. All operations run against an explicit cwd, never the
// process's own working directory, since a single process may drive the
// user's main worktree and the dedicated knots worktree at once.
package gitadapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/knots-scm/knots/internal/knotserr"
)

// Adapter runs git subcommands. It holds no state; every method takes the working directory it should
// operate in explicitly, so one Adapter can drive multiple worktrees.
type Adapter struct{}

// New returns a ready-to-use Adapter.
func New() *Adapter {
	return &Adapter{}
}

// DiffEntry is one line of a git diff --name-status listing.
type DiffEntry struct {
	Status string // "A" (added) or "M" (modified)
	Path   string
}

// EnsureWorktree creates a git worktree at path checked out on branch if
// one does not already exist there. If branch does not yet exist as a
// local ref, it is created (orphaned from the current HEAD's commit
// graph is not attempted here; callers needing a branch with no history
// create it explicitly before calling this).
func (a *Adapter) EnsureWorktree(ctx context.Context, repoRoot, path, branch string) error {
	exists, err := a.branchExists(ctx, repoRoot, branch)
	if err != nil {
		return err
	}

	if exists {
		_, err = a.run(ctx, repoRoot, "worktree", "add", "--force", path, branch)
	} else {
		_, err = a.run(ctx, repoRoot, "worktree", "add", "-B", branch, path)
	}

	if err != nil && !isAlreadyExistsError(err) {
		return err
	}

	return nil
}

func (a *Adapter) branchExists(ctx context.Context, repoRoot, branch string) (bool, error) {
	_, err := a.runAllowFailure(ctx, repoRoot, "show-ref", "--verify", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}

	var gcf *knotserr.GitCommandFailed
	if errors.As(err, &gcf) {
		return false, nil
	}

	return false, err
}

// Fetch runs "git fetch --no-tags --prune <remote> <branch>" plus any
// extra args the caller wants appended (e.g. a depth limit).
func (a *Adapter) Fetch(ctx context.Context, cwd, remote, branch string, extraArgs ...string) error {
	args := append([]string{"fetch", "--no-tags", "--prune", remote, branch}, extraArgs...)

	_, err := a.run(ctx, cwd, args...)

	return err
}

// RevParse resolves rev to a commit hash.
func (a *Adapter) RevParse(ctx context.Context, cwd, rev string) (string, error) {
	return a.run(ctx, cwd, "rev-parse", rev)
}

// ResetHard resets cwd's worktree to rev, discarding local changes.
func (a *Adapter) ResetHard(ctx context.Context, cwd, rev string) error {
	_, err := a.run(ctx, cwd, "reset", "--hard", rev)

	return err
}

// IsClean reports whether cwd has no staged or unstaged changes.
func (a *Adapter) IsClean(ctx context.Context, cwd string) (bool, error) {
	out, err := a.run(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(out) == "", nil
}

// AddPaths stages paths, forcing inclusion so a .gitignore entry on the
// paths in the main worktree (e.g. ".knots/") does not hide them on the
// knots branch.
func (a *Adapter) AddPaths(ctx context.Context, cwd string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	args := append([]string{"add", "-f", "--"}, paths...)

	_, err := a.run(ctx, cwd, args...)

	return err
}

// HasStagedChanges reports whether cwd's index differs from HEAD.
func (a *Adapter) HasStagedChanges(ctx context.Context, cwd string) (bool, error) {
	out, err := a.runAllowFailure(ctx, cwd, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(out) != "", nil
}

// Commit creates a commit from the current index with message, returning
// the new commit hash.
func (a *Adapter) Commit(ctx context.Context, cwd, message string) (string, error) {
	_, err := a.run(ctx, cwd, "commit", "-m", message)
	if err != nil {
		return "", err
	}

	return a.RevParse(ctx, cwd, "HEAD")
}

// PushBranch pushes branch to remote. Callers classify the returned error
// with [knotserr.IsNonFastForward], [knotserr.IsTransient], or treat it as
// fatal; PushBranch itself does no retrying.
func (a *Adapter) PushBranch(ctx context.Context, cwd, remote, branch string, extraArgs ...string) error {
	args := append([]string{"push", remote, branch}, extraArgs...)

	_, err := a.run(ctx, cwd, args...)

	return err
}

// DiffNameStatus returns the added and modified paths between two commits,
// restricted to pathFilter (a pathspec, e.g. ".knots/index"). Deleted,
// renamed and other changed paths are filtered out.
func (a *Adapter) DiffNameStatus(ctx context.Context, cwd, oldRev, newRev, pathFilter string) ([]DiffEntry, error) {
	out, err := a.run(ctx, cwd, "diff", "--name-status", "--diff-filter=AM", oldRev+".."+newRev, "--", pathFilter)
	if err != nil {
		return nil, err
	}

	return parseNameStatus(out), nil
}

// CurrentBranch returns the checked-out branch name in cwd.
func (a *Adapter) CurrentBranch(ctx context.Context, cwd string) (string, error) {
	return a.run(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
}

func parseNameStatus(out string) []DiffEntry {
	var entries []DiffEntry

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}

		entries = append(entries, DiffEntry{Status: fields[0], Path: fields[1]})
	}

	return entries
}

// run executes git with args against cwd and requires a zero exit status,
// returning trimmed stdout.
func (a *Adapter) run(ctx context.Context, cwd string, args ...string) (string, error) {
	out, err := a.runAllowFailure(ctx, cwd, args...)
	if err != nil {
		return "", err
	}

	return out, nil
}

// runAllowFailure executes git with args against cwd and returns a typed
// [knotserr.GitCommandFailed] on non-zero exit instead of the raw exec
// error, so callers can pattern-match stderr without reaching into
// *exec.ExitError themselves.
func (a *Adapter) runAllowFailure(ctx context.Context, cwd string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", cwd}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return "", knotserr.ErrGitUnavailable
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return "", fmt.Errorf("run git -C %s %s: %w", cwd, strings.Join(args, " "), err)
	}

	return "", &knotserr.GitCommandFailed{
		Command: "git " + strings.Join(args, " "),
		Code:    exitErr.ExitCode(),
		Stderr:  strings.TrimSpace(stderr.String()),
	}
}

func isAlreadyExistsError(err error) bool {
	var g *knotserr.GitCommandFailed
	if !errors.As(err, &g) {
		return false
	}

	return strings.Contains(strings.ToLower(g.Stderr), "already exists")
}
