// Command knots is a thin demonstrator for the replication+cache core:
// enough wiring to create a knot, push it, pull remote changes, and print
// one back out. It is not the knots command-line surface - argument
// parsing, subcommand catalogs, and output formatting for real use are an
// external collaborator's job; this binary exists to exercise the core
// end to end against a real repository.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/knots-scm/knots/config"
	"github.com/knots-scm/knots/internal/cache"
	"github.com/knots-scm/knots/internal/events"
	"github.com/knots-scm/knots/internal/fs"
	"github.com/knots-scm/knots/internal/fsck"
	"github.com/knots-scm/knots/internal/gitadapter"
	"github.com/knots-scm/knots/internal/lockmgr"
	"github.com/knots-scm/knots/internal/replication"
	"github.com/knots-scm/knots/internal/worktree"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("knots", flag.ContinueOnError)
	repoDir := flagSet.String("repo", ".", "path to the git repository")
	cacheDir := flagSet.String("cache-dir", "", "cache directory (default: <repo>/.knots/cache)")

	err := flagSet.Parse(args)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		fmt.Fprintln(out, "usage: knots [--repo DIR] <new TITLE | sync | show ID>")

		return 0
	}

	repo, err := filepath.Abs(*repoDir)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	cfg, _, err := config.Load(repo, "", os.Environ())
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	dbDir := *cacheDir
	if dbDir == "" {
		dbDir = filepath.Join(repo, ".knots", "cache")
	}

	err = os.MkdirAll(dbDir, 0o750)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	ctx := context.Background()

	store, git, wt, locks, err := wireUp(ctx, repo, dbDir, cfg)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = store.Close() }()

	svc := replication.New(git, fs.NewReal(), wt, store, locks, cfg.FetchArgs)

	switch rest[0] {
	case "new":
		return cmdNew(ctx, svc, rest[1:], out, errOut)
	case "sync":
		return cmdSync(ctx, svc, out, errOut)
	case "show":
		return cmdShow(ctx, svc, rest[1:], out, errOut)
	case "fsck":
		return cmdFsck(wt, out, errOut)
	default:
		fmt.Fprintf(errOut, "error: unknown command %q\n", rest[0])

		return 1
	}
}

func wireUp(ctx context.Context, repo, dbDir string, cfg config.Config) (*cache.Store, *gitadapter.Adapter, *worktree.Worktree, *lockmgr.Manager, error) {
	git := gitadapter.New()
	realFS := fs.NewReal()
	wt := worktree.New(realFS, git, repo)

	store, err := cache.Open(ctx, filepath.Join(dbDir, "state.sqlite"), cfg.HotWindowDays)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open cache: %w", err)
	}

	locks := lockmgr.New(realFS, filepath.Join(repo, ".git"), dbDir)

	return store, git, wt, locks, nil
}

func cmdNew(ctx context.Context, svc *replication.Service, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "error: new requires a title")

		return 1
	}

	title := args[0]

	knotID, err := events.NewKnotID()
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	now := time.Now().UTC()
	b := events.Builder{KnotID: knotID, Now: now}

	pair, err := b.Created(events.CreatedPayload{Title: title, Type: "work_item", State: "triage"})
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	files, err := worktree.BuildEventFiles(pair, now)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	summary, err := svc.Push(ctx, files, "new: "+title, replication.DefaultPushBudget)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	status := "pushed"
	if !summary.Pushed {
		status = "queued"
	}

	fmt.Fprintf(out, "%s (%s)\n", knotID, status)

	return 0
}

func cmdSync(ctx context.Context, svc *replication.Service, out, errOut io.Writer) int {
	_, err := svc.Pull(ctx)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	fmt.Fprintln(out, "synced")

	return 0
}

func cmdShow(ctx context.Context, svc *replication.Service, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "error: show requires a knot id")

		return 1
	}

	err := svc.AutoSyncOnRead(ctx, replication.DefaultAutoSyncBudget)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	knot, ok, err := svc.Get(ctx, args[0])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if !ok {
		fmt.Fprintf(errOut, "knot %q not found\n", args[0])

		return 1
	}

	fmt.Fprintf(out, "%s\t%s\t%s\n", knot.ID, knot.State, knot.Title)

	return 0
}

func cmdFsck(wt *worktree.Worktree, out, errOut io.Writer) int {
	report, err := fsck.Run(wt.Path())
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if report.OK() {
		fmt.Fprintf(out, "ok (%d files scanned)\n", report.FilesScanned)

		return 0
	}

	for _, issue := range report.Issues {
		fmt.Fprintf(out, "%s: %s\n", issue.Path, issue.Message)
	}

	return 1
}
