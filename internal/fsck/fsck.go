// Package fsck walks the full/index event trees on a checked-out knots
// worktree and reports structural problems that the reducer would either
// choke on or silently misinterpret: malformed envelopes, event-ID
// collisions, filename/payload mismatches, and edge references to knots
// that never appeared in the index stream.
//
// It never mutates anything; it is a read-only diagnostic a caller can run
// before trusting a worktree, or after recovering from a bad merge.
package fsck

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knots-scm/knots/internal/events"
)

// Issue names a single problem found at path.
type Issue struct {
	Path    string
	Message string
}

// Report is the result of a full walk.
type Report struct {
	FilesScanned int
	Issues       []Issue
}

// OK reports whether the walk found no issues.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// Run walks repoRoot's .knots/events and .knots/index trees and checks:
//   - every file decodes as a JSON object with the envelope's required
//     fields (event_id, ts, type, data/head);
//   - the filename matches "<event_id>-<suffix>.json" for its declared type;
//   - no event_id appears twice at different paths;
//   - every knot_id referenced by a knot.edge_add/knot.edge_remove event's
//     src or dst appeared at least once in an idx.knot_head event.
func Run(repoRoot string) (Report, error) {
	files, err := collectJSONFiles(repoRoot)
	if err != nil {
		return Report{}, err
	}

	sort.Strings(files)

	var (
		issues      []Issue
		seenEventID = map[string]string{} // event_id -> first path seen at
		knownKnots  = map[string]bool{}
		edgeRefs    []edgeRef
	)

	for _, path := range files {
		issues = checkFile(path, repoRoot, seenEventID, knownKnots, &edgeRefs, issues)
	}

	for _, ref := range edgeRefs {
		if !knownKnots[ref.src] {
			issues = append(issues, Issue{Path: ref.path, Message: fmt.Sprintf("edge source %q is not present in the knot index", ref.src)})
		}

		if !knownKnots[ref.dst] {
			issues = append(issues, Issue{Path: ref.path, Message: fmt.Sprintf("edge destination %q is not present in the knot index", ref.dst)})
		}
	}

	return Report{FilesScanned: len(files), Issues: issues}, nil
}

type edgeRef struct {
	path     string
	src, dst string
}

func checkFile(path, repoRoot string, seenEventID map[string]string, knownKnots map[string]bool, edgeRefs *[]edgeRef, issues []Issue) []Issue {
	rel, err := filepath.Rel(repoRoot, path)
	if err != nil {
		rel = path
	}

	raw, err := os.ReadFile(path) //nolint:gosec // repoRoot is caller-controlled, not attacker input
	if err != nil {
		return append(issues, Issue{Path: rel, Message: fmt.Sprintf("unable to read file: %v", err)})
	}

	var envelope map[string]json.RawMessage

	err = json.Unmarshal(raw, &envelope)
	if err != nil {
		return append(issues, Issue{Path: rel, Message: fmt.Sprintf("invalid JSON payload: %v", err)})
	}

	eventID, ok := stringField(envelope, "event_id")
	if !ok {
		return append(issues, Issue{Path: rel, Message: "missing required string field 'event_id'"})
	}

	if previous, dup := seenEventID[eventID]; dup && previous != rel {
		issues = append(issues, Issue{Path: rel, Message: fmt.Sprintf("duplicate event_id %q also found in %q", eventID, previous)})
	} else if !dup {
		seenEventID[eventID] = rel
	}

	if _, ok := stringField(envelope, "ts"); !ok {
		issues = append(issues, Issue{Path: rel, Message: "missing required string field 'ts'"})
	}

	eventType, ok := stringField(envelope, "type")
	if !ok {
		issues = append(issues, Issue{Path: rel, Message: "missing required string field 'type'"})
	} else {
		issues = checkFileName(path, eventID, eventType, issues, rel)
	}

	if strings.HasPrefix(filepath.ToSlash(rel), events.IndexRoot+"/") {
		return checkIndexEvent(envelope, eventType, rel, knownKnots, issues)
	}

	return checkFullEvent(envelope, eventType, rel, knownKnots, edgeRefs, issues)
}

func checkFileName(path, eventID, eventType string, issues []Issue, rel string) []Issue {
	var expected string
	if eventType == string(events.IdxKnotHead) {
		expected = eventID + "-idx.knot_head.json"
	} else {
		expected = eventID + "-" + strings.TrimPrefix(eventType, "knot.") + ".json"
	}

	if filepath.Base(path) != expected {
		issues = append(issues, Issue{Path: rel, Message: fmt.Sprintf("event filename mismatch: expected %q, found %q", expected, filepath.Base(path))})
	}

	return issues
}

func checkIndexEvent(envelope map[string]json.RawMessage, eventType, rel string, knownKnots map[string]bool, issues []Issue) []Issue {
	if eventType != string(events.IdxKnotHead) {
		return issues
	}

	head, ok := envelope["head"]
	if !ok {
		return append(issues, Issue{Path: rel, Message: "missing required object field 'head'"})
	}

	var fields map[string]json.RawMessage

	err := json.Unmarshal(head, &fields)
	if err != nil {
		return append(issues, Issue{Path: rel, Message: "field 'head' must be a JSON object"})
	}

	if _, ok := stringField(fields, "updated_at"); !ok {
		issues = append(issues, Issue{Path: rel, Message: "missing required string field head.updated_at"})
	}

	knotID, ok := stringField(envelope, "knot_id")
	if !ok {
		return append(issues, Issue{Path: rel, Message: "missing required string field 'knot_id'"})
	}

	knownKnots[knotID] = true

	return issues
}

func checkFullEvent(envelope map[string]json.RawMessage, eventType, rel string, knownKnots map[string]bool, edgeRefs *[]edgeRef, issues []Issue) []Issue {
	knotID, ok := stringField(envelope, "knot_id")
	if !ok {
		return append(issues, Issue{Path: rel, Message: "missing required string field 'knot_id'"})
	}

	dataRaw, ok := envelope["data"]
	if !ok {
		return append(issues, Issue{Path: rel, Message: "missing required object field 'data'"})
	}

	var data map[string]json.RawMessage

	err := json.Unmarshal(dataRaw, &data)
	if err != nil {
		return append(issues, Issue{Path: rel, Message: "field 'data' must be a JSON object"})
	}

	if eventType == string(events.EdgeAdd) || eventType == string(events.EdgeRemove) {
		dst, ok := stringField(data, "dst")
		if !ok {
			issues = append(issues, Issue{Path: rel, Message: "missing required string field data.dst"})
		}

		if _, ok := stringField(data, "kind"); !ok {
			issues = append(issues, Issue{Path: rel, Message: "missing required string field data.kind"})
		}

		if dst != "" {
			*edgeRefs = append(*edgeRefs, edgeRef{path: rel, src: knotID, dst: dst})
		}
	}

	return issues
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}

	var value string

	err := json.Unmarshal(raw, &value)
	if err != nil || strings.TrimSpace(value) == "" {
		return "", false
	}

	return strings.TrimSpace(value), true
}

func collectJSONFiles(repoRoot string) ([]string, error) {
	var files []string

	for _, root := range []string{events.IndexRoot, events.EventsRoot} {
		full := filepath.Join(repoRoot, root)

		_, err := os.Stat(full)
		if err != nil {
			continue
		}

		err = filepath.Walk(full, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}

			if !info.IsDir() && strings.HasSuffix(path, ".json") {
				files = append(files, path)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	return files, nil
}
