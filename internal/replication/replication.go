// Package replication drives the push/pull/sync cycle that keeps a local
// cache in step with the knots branch on origin. It owns the only code
// path allowed to mutate that branch or call into the cache's write
// methods: every other package either builds events (package events) or
// reads the materialized view (package cache) without touching git.
package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knots-scm/knots/internal/cache"
	"github.com/knots-scm/knots/internal/domain"
	"github.com/knots-scm/knots/internal/events"
	"github.com/knots-scm/knots/internal/fs"
	"github.com/knots-scm/knots/internal/gitadapter"
	"github.com/knots-scm/knots/internal/knotserr"
	"github.com/knots-scm/knots/internal/lockmgr"
	"github.com/knots-scm/knots/internal/worktree"
)

// Defaults per the configuration surface: push/auto-sync budgets, retry
// cap, and the lock-acquire ceiling for blocking operations.
const (
	DefaultPushBudget     = 800 * time.Millisecond
	DefaultAutoSyncBudget = 750 * time.Millisecond
	DefaultTryLockBudget  = 0 * time.Millisecond
	MaxPushAttempts       = 3
	blockingLockCeiling   = 30 * time.Second
)

// DefaultFetchArgs mirrors sync.fetch_args' default value.
var DefaultFetchArgs = []string{"--no-tags", "--prune"}

// Service orchestrates push, pull, and sync against a single repository's
// dedicated worktree and cache store, serializing writes through a
// [lockmgr.Manager]'s repo_lock and cache_lock.
type Service struct {
	git       *gitadapter.Adapter
	fs        fs.FS
	wt        *worktree.Worktree
	store     *cache.Store
	locks     *lockmgr.Manager
	fetchArgs []string
}

// New returns a Service wired to wt's worktree and store's cache, guarded
// by locks. fetchArgs overrides sync.fetch_args; pass nil for the default.
func New(git *gitadapter.Adapter, fileSystem fs.FS, wt *worktree.Worktree, store *cache.Store, locks *lockmgr.Manager, fetchArgs []string) *Service {
	if fetchArgs == nil {
		fetchArgs = DefaultFetchArgs
	}

	return &Service{git: git, fs: fileSystem, wt: wt, store: store, locks: locks, fetchArgs: fetchArgs}
}

// PushSummary reports the outcome of a single [Service.Push] call.
type PushSummary struct {
	LocalEventFiles int
	CopiedFiles     int
	Committed       bool
	Pushed          bool
	Queued          bool
	Commit          string
}

// ReplicationSummary is the combined result of a [Service.Sync] call.
type ReplicationSummary struct {
	Push PushSummary
	Pull cache.Summary
}

// Push lands files (already-built event file descriptors) onto the knots
// branch and pushes to origin, retrying up to [MaxPushAttempts] times
// against a moving remote head, bounded by budget. Callers must hold
// repo_lock for the duration of this call.
func (s *Service) Push(ctx context.Context, files []worktree.EventFile, message string, budget time.Duration) (PushSummary, error) {
	err := s.wt.EnsureExists(ctx)
	if err != nil {
		return PushSummary{}, err
	}

	deadline := time.Now().Add(budget)
	localEventFiles := len(files)

	var lastCommit string

	for attempt := 0; attempt < MaxPushAttempts; attempt++ {
		_, err = s.resetWorktreeToRemoteOrLocal(ctx)
		if err != nil {
			return PushSummary{}, err
		}

		err = s.wt.EnsureClean(ctx)
		if err != nil {
			return PushSummary{}, err
		}

		copied, err := s.copyFilesIntoWorktree(files)
		if err != nil {
			return PushSummary{}, err
		}

		err = s.git.AddPaths(ctx, s.wt.Path(), ".knots/index", ".knots/events")
		if err != nil {
			return PushSummary{}, err
		}

		staged, err := s.git.HasStagedChanges(ctx, s.wt.Path())
		if err != nil {
			return PushSummary{}, err
		}

		// After a transient push failure the fetch may fall back to local
		// HEAD, which already holds this call's earlier commit; nothing is
		// staged then, and that commit is pushed again.
		commit := lastCommit

		if staged {
			commit, err = s.git.Commit(ctx, s.wt.Path(), message)
			if err != nil {
				return PushSummary{}, err
			}

			lastCommit = commit
		} else if commit == "" {
			return PushSummary{LocalEventFiles: localEventFiles, CopiedFiles: copied}, nil
		}

		pushErr := s.git.PushBranch(ctx, s.wt.Path(), s.wt.Remote(), s.wt.Branch())
		if pushErr == nil {
			return PushSummary{
				LocalEventFiles: localEventFiles,
				CopiedFiles:     copied,
				Committed:       true,
				Pushed:          true,
				Commit:          commit,
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return PushSummary{
				LocalEventFiles: localEventFiles,
				CopiedFiles:     copied,
				Committed:       true,
				Queued:          true,
				Commit:          commit,
			}, nil
		}

		switch {
		case knotserr.IsNonFastForward(pushErr):
			if attempt+1 >= MaxPushAttempts {
				return PushSummary{}, &knotserr.MergeConflictEscalation{
					Attempts: attempt + 1,
					Message:  "push rejected as non-fast-forward after retries",
				}
			}

			continue
		case knotserr.IsTransient(pushErr):
			sleepWithJitter(ctx, backoffFor(attempt), remaining)

			continue
		default:
			return PushSummary{}, pushErr
		}
	}

	if lastCommit != "" {
		return PushSummary{LocalEventFiles: localEventFiles, Committed: true, Queued: true, Commit: lastCommit}, nil
	}

	return PushSummary{}, &knotserr.MergeConflictEscalation{Attempts: MaxPushAttempts, Message: "push retries exhausted"}
}

// Pull fetches origin/knots, fast-forwards the dedicated worktree, and
// applies newly-visible events into the cache, then sweeps tiering.
// Callers must hold repo_lock; Pull itself acquires cache_lock for the
// apply step.
func (s *Service) Pull(ctx context.Context) (cache.Summary, error) {
	err := s.wt.EnsureExists(ctx)
	if err != nil {
		return cache.Summary{}, err
	}

	target, err := s.resetWorktreeToRemoteOrLocal(ctx)
	if err != nil {
		return cache.Summary{}, err
	}

	err = s.wt.EnsureClean(ctx)
	if err != nil {
		return cache.Summary{}, err
	}

	guard, err := s.locks.AcquireCacheLock(blockingLockCeiling)
	if err != nil {
		return cache.Summary{}, err
	}

	defer func() { _ = guard.Close() }()

	summary, err := s.store.ApplyEventsUpTo(ctx, s.git, s.fs, s.wt.Path(), target)
	if err != nil {
		return cache.Summary{}, err
	}

	err = s.store.DemoteAndEvict(ctx, time.Now())
	if err != nil {
		return cache.Summary{}, err
	}

	err = s.store.SetSyncPending(ctx, false)
	if err != nil {
		return cache.Summary{}, err
	}

	return summary, nil
}

// Get returns a single knot, rehydrating it into the hot tier first if
// the cache currently only holds a warm headline for it: reading a knot
// in full is the signal that it should be fully materialized again, per
// [cache.Store.RehydrateWarm]. A cold (terminal) knot is returned as-is;
// rehydration never overrides the terminal-is-always-cold tiering rule.
func (s *Service) Get(ctx context.Context, id string) (domain.Knot, bool, error) {
	knot, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		return knot, ok, err
	}

	if !knot.Headline || knot.State != "" {
		// Not a headline at all, or a cold_catalog headline (which always
		// carries a terminal state) - either way, nothing to rehydrate.
		return knot, ok, nil
	}

	indexEvents, fullEvents, err := s.loadKnotHistory(id)
	if err != nil {
		return domain.Knot{}, false, err
	}

	rehydrated, ok, err := s.store.RehydrateWarm(ctx, id, indexEvents, fullEvents)
	if err != nil {
		return domain.Knot{}, false, err
	}

	if !ok {
		// Replay concluded the knot is terminal after all; fall back to
		// whatever headline the cache already had.
		return knot, true, nil
	}

	return rehydrated, true, nil
}

// loadKnotHistory walks the worktree's complete index and full event
// trees and returns knotID's full recorded history, each slice sorted by
// EventID ascending (event IDs are UUIDv7, so lexical order is time
// order). It reads the worktree as currently checked out; callers that
// need it fresh should Pull first.
func (s *Service) loadKnotHistory(knotID string) ([]events.Index, []events.Full, error) {
	idxPaths, err := walkJSONFiles(s.fs, filepath.Join(s.wt.Path(), events.IndexRoot))
	if err != nil {
		return nil, nil, fmt.Errorf("walk index events: %w", err)
	}

	var indexEvents []events.Index

	for _, p := range idxPaths {
		data, readErr := s.fs.ReadFile(p)
		if readErr != nil {
			return nil, nil, fmt.Errorf("read index event %s: %w", p, readErr)
		}

		idx, unmarshalErr := events.UnmarshalIndex(data)
		if unmarshalErr != nil {
			return nil, nil, fmt.Errorf("unmarshal index event %s: %w", p, unmarshalErr)
		}

		if idx.KnotID == knotID {
			indexEvents = append(indexEvents, idx)
		}
	}

	fullPaths, err := walkJSONFiles(s.fs, filepath.Join(s.wt.Path(), events.EventsRoot))
	if err != nil {
		return nil, nil, fmt.Errorf("walk full events: %w", err)
	}

	var fullEvents []events.Full

	for _, p := range fullPaths {
		data, readErr := s.fs.ReadFile(p)
		if readErr != nil {
			return nil, nil, fmt.Errorf("read full event %s: %w", p, readErr)
		}

		full, unmarshalErr := events.UnmarshalFull(data)
		if unmarshalErr != nil {
			return nil, nil, fmt.Errorf("unmarshal full event %s: %w", p, unmarshalErr)
		}

		if full.KnotID == knotID {
			fullEvents = append(fullEvents, full)
		}
	}

	sort.Slice(indexEvents, func(i, j int) bool { return indexEvents[i].EventID < indexEvents[j].EventID })
	sort.Slice(fullEvents, func(i, j int) bool { return fullEvents[i].EventID < fullEvents[j].EventID })

	return indexEvents, fullEvents, nil
}

// walkJSONFiles recursively lists every ".json" file under root, or nil
// if root does not exist (a brand-new worktree has no index/events tree
// yet).
func walkJSONFiles(fileSystem fs.FS, root string) ([]string, error) {
	entries, err := fileSystem.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read dir %s: %w", root, err)
	}

	var files []string

	for _, entry := range entries {
		full := filepath.Join(root, entry.Name())

		if entry.IsDir() {
			sub, walkErr := walkJSONFiles(fileSystem, full)
			if walkErr != nil {
				return nil, walkErr
			}

			files = append(files, sub...)

			continue
		}

		if strings.HasSuffix(entry.Name(), ".json") {
			files = append(files, full)
		}
	}

	return files, nil
}

// Sync runs push then pull in strict order: if push escalates to a merge
// conflict, Sync aborts without pulling so the caller can surface the
// escalation before the local view drifts further from origin.
func (s *Service) Sync(ctx context.Context, files []worktree.EventFile, message string, pushBudget time.Duration) (ReplicationSummary, error) {
	push, err := s.Push(ctx, files, message, pushBudget)
	if err != nil {
		// A MergeConflictEscalation here means abort without pulling, same
		// as any other push failure: either way the caller sees the error
		// and the local view is left untouched until the next sync.
		return ReplicationSummary{}, err
	}

	pull, err := s.Pull(ctx)
	if err != nil {
		return ReplicationSummary{}, err
	}

	return ReplicationSummary{Push: push, Pull: pull}, nil
}

// AutoSyncOnRead implements the read-path policy: try-acquire repo_lock
// without blocking. If held by another client, skip the sync, mark
// sync_pending, and let the caller serve whatever the cache currently
// holds. If acquired, run a pull under a context bounded by budget. The
// pull's cache apply is a single transaction, so an overrun keeps no
// partial progress: a batch still uncommitted at the deadline is rolled
// back, and sync_pending is left as it was. An error matching
// context.DeadlineExceeded is not returned; any other pull error is.
func (s *Service) AutoSyncOnRead(ctx context.Context, budget time.Duration) error {
	guard, err := s.locks.TryRepoLock()
	if err != nil {
		if errors.Is(err, knotserr.ErrLockWouldBlock) {
			return s.store.SetSyncPending(ctx, true)
		}

		return err
	}

	defer func() { _ = guard.Close() }()

	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	_, err = s.Pull(budgetCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return nil
}

// PushIfMatchResult reports whether a conditional write landed, and the
// stale-head details when it did not.
type PushIfMatchResult struct {
	Pushed  PushSummary
	Current string
}

// PushIfMatch implements the If-Match write pattern: fast-forward the
// cache to the remote head, compare the knot's current workflow ETag
// against expected, and only then build and push the caller-supplied
// files. buildFiles takes no arguments and is called only after the check
// has passed, when the knot's current ETag equals expected.
func (s *Service) PushIfMatch(
	ctx context.Context,
	knotID, expected string,
	buildFiles func() ([]worktree.EventFile, error),
	message string,
	budget time.Duration,
) (PushIfMatchResult, error) {
	err := s.wt.EnsureExists(ctx)
	if err != nil {
		return PushIfMatchResult{}, err
	}

	target, err := s.resetWorktreeToRemoteOrLocal(ctx)
	if err != nil {
		return PushIfMatchResult{}, err
	}

	guard, err := s.locks.AcquireCacheLock(blockingLockCeiling)
	if err != nil {
		return PushIfMatchResult{}, err
	}

	_, err = s.store.ApplyEventsUpTo(ctx, s.git, s.fs, s.wt.Path(), target)

	closeErr := guard.Close()

	if err != nil {
		return PushIfMatchResult{}, err
	}

	if closeErr != nil {
		return PushIfMatchResult{}, closeErr
	}

	current, ok, err := s.store.GetWorkflowETag(ctx, knotID)
	if err != nil {
		return PushIfMatchResult{}, err
	}

	if !ok {
		current = ""
	}

	if current != expected {
		return PushIfMatchResult{Current: current}, &knotserr.StaleWorkflowHead{
			KnotID: knotID, Expected: expected, Current: current,
		}
	}

	files, err := buildFiles()
	if err != nil {
		return PushIfMatchResult{}, err
	}

	pushed, err := s.Push(ctx, files, message, budget)
	if err != nil {
		return PushIfMatchResult{}, err
	}

	return PushIfMatchResult{Pushed: pushed, Current: current}, nil
}

// resetWorktreeToRemoteOrLocal fetches origin/knots and hard-resets the
// worktree to it; on a first-ever push, before the remote ref or even the
// local knots branch history is comparable, it falls back to the
// worktree's own local HEAD. It also falls back to local HEAD when the
// fetch itself fails for a transient reason (host unreachable, connection
// reset, ...): a caller offline at the fetch step must still be able to
// build and commit locally and see the failure surface at the push step,
// where it is retried and ultimately reported as Queued rather than a
// hard error. Returns the commit the worktree now sits at.
func (s *Service) resetWorktreeToRemoteOrLocal(ctx context.Context) (string, error) {
	fetchErr := s.git.Fetch(ctx, s.wt.Path(), s.wt.Remote(), s.wt.Branch(), s.fetchArgs...)
	if fetchErr == nil {
		remoteRef := s.wt.Remote() + "/" + s.wt.Branch()

		head, err := s.git.RevParse(ctx, s.wt.Path(), remoteRef)
		if err != nil {
			if knotserr.IsUnknownRevision(err) {
				return s.resetToLocalHead(ctx)
			}

			return "", err
		}

		err = s.git.ResetHard(ctx, s.wt.Path(), head)
		if err != nil {
			return "", err
		}

		return head, nil
	}

	if knotserr.IsMissingRemote(fetchErr) || knotserr.IsTransient(fetchErr) {
		return s.resetToLocalHead(ctx)
	}

	return "", fetchErr
}

func (s *Service) resetToLocalHead(ctx context.Context) (string, error) {
	head, err := s.git.RevParse(ctx, s.wt.Path(), "HEAD")
	if err != nil {
		return "", err
	}

	err = s.git.ResetHard(ctx, s.wt.Path(), head)
	if err != nil {
		return "", err
	}

	return head, nil
}

// copyFilesIntoWorktree applies the collision policy from the contract:
// identical bytes at an existing path are a no-op, differing bytes abort
// the whole push immediately since the filename is derived from a
// supposedly-unique event ID.
func (s *Service) copyFilesIntoWorktree(files []worktree.EventFile) (int, error) {
	fsys := s.fs

	copied := 0

	for _, f := range files {
		abs := filepath.Join(s.wt.Path(), f.RelPath)

		existing, err := fsys.ReadFile(abs)
		if err == nil {
			if bytes.Equal(existing, f.Bytes) {
				continue
			}

			return copied, &knotserr.FileConflict{Path: f.RelPath}
		}

		err = fsys.MkdirAll(filepath.Dir(abs), 0o755)
		if err != nil {
			return copied, fmt.Errorf("creating parent dir for %s: %w", f.RelPath, err)
		}

		err = fsys.WriteFileAtomic(abs, f.Bytes, 0o644)
		if err != nil {
			return copied, fmt.Errorf("writing %s: %w", f.RelPath, err)
		}

		copied++
	}

	return copied, nil
}

// backoffFor returns the base exponential delay for a transient-error
// retry at attempt (0-indexed), before jitter.
func backoffFor(attempt int) time.Duration {
	base := 50 * time.Millisecond

	return time.Duration(math.Pow(2, float64(attempt))) * base
}

// sleepWithJitter sleeps for base plus up to 50% random jitter, capped to
// whatever remains of the call's budget, or returns early if ctx is done.
func sleepWithJitter(ctx context.Context, base, remaining time.Duration) {
	jitter := time.Duration(rand.Int64N(int64(base)/2 + 1))
	delay := base + jitter

	if delay > remaining {
		delay = remaining
	}

	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
