// Package knotserr defines the error taxonomy shared by the git adapter,
// worktree writer, lock manager, cache store, and replication service.
package knotserr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions that carry no extra data. Callers use
// errors.Is against these.
var (
	// ErrNotInitialized reports that the knots branch or worktree has not
	// been set up yet in this repository.
	ErrNotInitialized = errors.New("knots: not initialized")

	// ErrGitUnavailable reports that the git binary could not be found or
	// executed.
	ErrGitUnavailable = errors.New("knots: git unavailable")

	// ErrLockWouldBlock reports a non-blocking try-acquire against an
	// already-held lock.
	ErrLockWouldBlock = errors.New("knots: lock held")
)

// DirtyWorktree reports that the dedicated knots worktree has pending
// staged or unstaged changes when a clean worktree was required.
type DirtyWorktree struct {
	Path string
}

func (e *DirtyWorktree) Error() string {
	return fmt.Sprintf("knots: worktree %q has uncommitted changes", e.Path)
}

// FileConflict reports that an event file already exists at its
// destination path with different bytes than the one being written.
// Because the filename is derived from a sortable unique event ID, this
// indicates an ID collision and is treated as a bug, not a retryable
// condition.
type FileConflict struct {
	Path string
}

func (e *FileConflict) Error() string {
	return fmt.Sprintf("knots: file conflict at %q (differing bytes at same event id)", e.Path)
}

// MergeConflictEscalation reports that push exhausted its attempt budget
// without landing, due to repeated non-fast-forward rejections.
type MergeConflictEscalation struct {
	Attempts int
	Message  string
}

func (e *MergeConflictEscalation) Error() string {
	return fmt.Sprintf("knots: push escalated after %d attempts: %s", e.Attempts, e.Message)
}

// LockTimeout reports that a blocking lock acquisition did not succeed
// within its timeout.
type LockTimeout struct {
	Path    string
	Timeout string
}

func (e *LockTimeout) Error() string {
	return fmt.Sprintf("knots: timed out acquiring lock %q after %s", e.Path, e.Timeout)
}

// StaleWorkflowHead reports that an If-Match precondition failed: the
// caller's expected workflow ETag no longer matches the knot's current
// one, meaning a concurrent writer landed a workflow-relevant change
// first.
type StaleWorkflowHead struct {
	KnotID   string
	Expected string
	Current  string
}

func (e *StaleWorkflowHead) Error() string {
	return fmt.Sprintf("knots: stale workflow head for %q: expected %q, got %q", e.KnotID, e.Expected, e.Current)
}

// GitCommandFailed reports a non-zero exit from a git subprocess,
// carrying enough of the invocation to classify and to log.
type GitCommandFailed struct {
	Command string
	Code    int
	Stderr  string
}

func (e *GitCommandFailed) Error() string {
	return fmt.Sprintf("knots: %s: exit %d: %s", e.Command, e.Code, e.Stderr)
}

// IsNonFastForward reports whether err is a [GitCommandFailed] whose
// stderr indicates the remote branch moved ahead of the local one -
// pattern-matched the same way the reference implementation classifies
// push rejections, since git gives no structured signal here.
func IsNonFastForward(err error) bool {
	var g *GitCommandFailed
	if !errors.As(err, &g) {
		return false
	}

	return containsAnyFold(g.Stderr, "non-fast-forward", "fetch first", "rejected")
}

// IsTransient reports whether err looks like a retryable network/remote
// hiccup rather than a structural failure.
func IsTransient(err error) bool {
	var g *GitCommandFailed
	if !errors.As(err, &g) {
		return false
	}

	return containsAnyFold(g.Stderr,
		"could not resolve host",
		"connection reset",
		"connection timed out",
		"early eof",
		"the remote end hung up unexpectedly",
		"temporary failure",
		"could not read from remote repository",
	)
}

// IsMissingRemote reports whether err indicates the configured remote
// does not exist or is unreachable in a way that retries will not fix.
func IsMissingRemote(err error) bool {
	var g *GitCommandFailed
	if !errors.As(err, &g) {
		return false
	}

	return containsAnyFold(g.Stderr,
		"no such remote",
		"does not appear to be a git repository",
		"could not read from remote repository",
		"couldn't find remote ref",
	)
}

// IsUnknownRevision reports whether err indicates the requested revision
// does not exist yet in the worktree's repository - the case on a
// first-ever push, before origin/knots has been created.
func IsUnknownRevision(err error) bool {
	var g *GitCommandFailed
	if !errors.As(err, &g) {
		return false
	}

	return containsAnyFold(g.Stderr, "unknown revision", "bad object", "bad revision")
}

func containsAnyFold(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}

	return false
}
