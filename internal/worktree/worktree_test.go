package worktree

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/knots-scm/knots/internal/events"
	"github.com/knots-scm/knots/internal/fs"
	"github.com/knots-scm/knots/internal/gitadapter"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed\n"), 0o644)
	runGit(t, dir, "add", "seed.txt")
	runGit(t, dir, "commit", "-q", "-m", "seed")

	return dir
}

func TestWorktree_EnsureExists_CreatesDetachedKnotsWorktree(t *testing.T) {
	repo := initRepo(t)

	wt := New(fs.NewReal(), gitadapter.New(), repo)

	err := wt.EnsureExists(context.Background())
	if err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}

	info, err := os.Stat(filepath.Join(wt.Path(), ".git"))
	if err != nil || info == nil {
		t.Fatalf("expected worktree .git marker, stat err: %v", err)
	}

	// Idempotent: calling again on an already-set-up worktree is a no-op.
	err = wt.EnsureExists(context.Background())
	if err != nil {
		t.Fatalf("second EnsureExists: %v", err)
	}
}

func TestWorktree_EnsureClean_FailsWhenDirty(t *testing.T) {
	repo := initRepo(t)

	wt := New(fs.NewReal(), gitadapter.New(), repo)

	if err := wt.EnsureExists(context.Background()); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}

	if err := wt.EnsureClean(context.Background()); err != nil {
		t.Fatalf("expected clean worktree right after creation, got: %v", err)
	}

	os.WriteFile(filepath.Join(wt.Path(), "stray.txt"), []byte("x"), 0o644)

	if err := wt.EnsureClean(context.Background()); err == nil {
		t.Fatalf("expected DirtyWorktree error")
	}
}

func TestBuildEventFiles_ProducesFullAndIndexPairUnderSameDate(t *testing.T) {
	now := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)
	b := events.Builder{KnotID: "abc123", Now: now}

	pair, err := b.Created(events.CreatedPayload{Title: "t", Type: "work_item", State: "triage"})
	if err != nil {
		t.Fatalf("Created: %v", err)
	}

	files, err := BuildEventFiles(pair, now)
	if err != nil {
		t.Fatalf("BuildEventFiles: %v", err)
	}

	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}

	wantDir := filepath.Join(".knots", "events", "2026", "02", "24")
	if filepath.Dir(files[0].RelPath) != wantDir {
		t.Fatalf("full event dir = %s, want %s", filepath.Dir(files[0].RelPath), wantDir)
	}

	var decoded events.Full

	err = json.Unmarshal(files[0].Bytes, &decoded)
	if err != nil {
		t.Fatalf("unmarshal full event bytes: %v", err)
	}

	if decoded.EventID != pair.Full.EventID {
		t.Fatalf("decoded event id = %s, want %s", decoded.EventID, pair.Full.EventID)
	}
}

func TestWorktree_WriteEventFiles_WritesAtomicallyUnderWorktreeRoot(t *testing.T) {
	repo := initRepo(t)

	wt := New(fs.NewReal(), gitadapter.New(), repo)

	if err := wt.EnsureExists(context.Background()); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}

	now := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)
	b := events.Builder{KnotID: "abc123", Now: now}

	pair, err := b.Created(events.CreatedPayload{Title: "t", Type: "work_item", State: "triage"})
	if err != nil {
		t.Fatalf("Created: %v", err)
	}

	files, err := BuildEventFiles(pair, now)
	if err != nil {
		t.Fatalf("BuildEventFiles: %v", err)
	}

	if err := wt.WriteEventFiles(files); err != nil {
		t.Fatalf("WriteEventFiles: %v", err)
	}

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(wt.Path(), f.RelPath))
		if err != nil {
			t.Fatalf("reading written file %s: %v", f.RelPath, err)
		}

		if string(data) != string(f.Bytes) {
			t.Fatalf("written bytes mismatch for %s", f.RelPath)
		}
	}
}
