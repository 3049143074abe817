package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
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

func newRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed\n"), 0o644)
	runGit(t, dir, "add", "seed.txt")
	runGit(t, dir, "commit", "-q", "-m", "seed")

	origin := t.TempDir()
	runGit(t, origin, "init", "-q", "--bare")
	runGit(t, dir, "remote", "add", "origin", origin)

	return dir
}

func runKnots(t *testing.T, repo string, args ...string) (string, string, int) {
	t.Helper()

	var out, errOut bytes.Buffer

	fullArgs := append([]string{"--repo", repo}, args...)
	code := run(fullArgs, &out, &errOut)

	return out.String(), errOut.String(), code
}

func TestNew_CreatesAndPushesAKnot(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)

	stdout, stderr, code := runKnots(t, repo, "new", "fix the thing")
	if code != 0 {
		t.Fatalf("new: code=%d stderr=%s", code, stderr)
	}

	if !strings.Contains(stdout, "pushed") {
		t.Fatalf("stdout = %q, want it to report pushed", stdout)
	}
}

func TestShow_SeesKnotCreatedInSameCache(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)

	stdout, _, code := runKnots(t, repo, "new", "show me")
	if code != 0 {
		t.Fatalf("new failed: %s", stdout)
	}

	knotID := strings.Fields(stdout)[0]

	stdout, stderr, code := runKnots(t, repo, "show", knotID)
	if code != 0 {
		t.Fatalf("show: code=%d stderr=%s", code, stderr)
	}

	if !strings.Contains(stdout, "show me") {
		t.Fatalf("stdout = %q, want it to contain the knot's title", stdout)
	}
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	code := run(nil, &out, &errOut)
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}

	if !strings.Contains(out.String(), "usage") {
		t.Fatalf("out = %q, want usage text", out.String())
	}
}
