// Package lockmgr names the two advisory locks knots takes around a
// repository - repo_lock and cache_lock - and hands out guards for them.
// Each acquisition is independent: nothing here checks that repo_lock is
// taken before cache_lock.
//
// The actual flock(2) mechanics live in [fs.Locker]; this package only adds
// the naming the replication service and cache store need on top of it.
package lockmgr

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/knots-scm/knots/internal/fs"
	"github.com/knots-scm/knots/internal/knotserr"
)

const (
	repoLockName  = "knots.lock"
	cacheLockName = "cache.lock"
)

// Manager holds the two well-known lock paths for a repository and hands
// out guards for them.
type Manager struct {
	locker    *fs.Locker
	repoPath  string
	cachePath string
}

// New returns a Manager with repo_lock at <gitDir>/knots.lock and
// cache_lock at <cacheDir>/cache.lock.
func New(fileSystem fs.FS, gitDir, cacheDir string) *Manager {
	return &Manager{
		locker:    fs.NewLocker(fileSystem),
		repoPath:  filepath.Join(gitDir, repoLockName),
		cachePath: filepath.Join(cacheDir, cacheLockName),
	}
}

// Guard releases a held lock on Close.
type Guard struct {
	lock *fs.Lock
}

// Close releases the underlying lock. Idempotent.
func (g *Guard) Close() error {
	if g == nil || g.lock == nil {
		return nil
	}

	return g.lock.Close()
}

// AcquireRepoLock blocks up to timeout for the exclusive repo_lock.
// repo_lock must always be acquired before cache_lock when a caller needs
// both; AcquireCacheLock does not check this, callers are responsible for
// ordering their own acquisitions.
func (m *Manager) AcquireRepoLock(timeout time.Duration) (*Guard, error) {
	lock, err := m.locker.LockWithTimeout(m.repoPath, timeout)
	if err != nil {
		return nil, wrapLockErr(m.repoPath, timeout, err)
	}

	return &Guard{lock: lock}, nil
}

// TryRepoLock attempts to acquire repo_lock without blocking, returning
// [knotserr.ErrLockWouldBlock] if it is already held.
func (m *Manager) TryRepoLock() (*Guard, error) {
	lock, err := m.locker.TryLock(m.repoPath)
	if err != nil {
		return nil, wrapTryErr(err)
	}

	return &Guard{lock: lock}, nil
}

// AcquireCacheLock blocks up to timeout for the exclusive cache_lock.
func (m *Manager) AcquireCacheLock(timeout time.Duration) (*Guard, error) {
	lock, err := m.locker.LockWithTimeout(m.cachePath, timeout)
	if err != nil {
		return nil, wrapLockErr(m.cachePath, timeout, err)
	}

	return &Guard{lock: lock}, nil
}

// AcquireCacheRLock blocks up to timeout for a shared cache_lock, used by
// readers (get/list) that only need to observe a consistent snapshot.
func (m *Manager) AcquireCacheRLock(timeout time.Duration) (*Guard, error) {
	lock, err := m.locker.RLockWithTimeout(m.cachePath, timeout)
	if err != nil {
		return nil, wrapLockErr(m.cachePath, timeout, err)
	}

	return &Guard{lock: lock}, nil
}

func wrapLockErr(path string, timeout time.Duration, err error) error {
	return fmt.Errorf("%w: %w", &knotserr.LockTimeout{Path: path, Timeout: timeout.String()}, err)
}

func wrapTryErr(err error) error {
	return fmt.Errorf("%w: %w", knotserr.ErrLockWouldBlock, err)
}
