package events

import (
	"path/filepath"
	"time"
)

const pathDateLayout = "2006/01/02" // YYYY/MM/DD

// FullEventPath returns the event file's path relative to the worktree
// root, partitioned by the UTC date of commitTime (the date the event is
// expected to land in a commit, not necessarily the event's own embedded
// time - callers pass the commit-time clock reading at write time).
func FullEventPath(f Full, commitTime time.Time) string {
	dir := commitTime.UTC().Format(pathDateLayout)

	return filepath.Join(".knots", "events", dir, f.FileName())
}

// IndexEventPath returns the index event file's path relative to the
// worktree root, partitioned the same way as [FullEventPath].
func IndexEventPath(idx Index, commitTime time.Time) string {
	dir := commitTime.UTC().Format(pathDateLayout)

	return filepath.Join(".knots", "index", dir, idx.FileName())
}

// SchemaVersionPath is the on-branch location of the event schema version
// file. The cache does not read it; its schema version lives in SQLite's
// user_version pragma.
const SchemaVersionPath = ".knots/config/schema_version.txt"

// EventsRoot and IndexRoot are the two date-partitioned trees that make up
// the append-only event log on the knots branch.
const (
	EventsRoot = ".knots/events"
	IndexRoot  = ".knots/index"
)
