package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knots-scm/knots/internal/domain"
	"github.com/knots-scm/knots/internal/events"
	"github.com/knots-scm/knots/internal/fs"
	"github.com/knots-scm/knots/internal/gitadapter"
)

// emptyTreeCommit is git's well-known hash for the empty tree, used as
// the diff base on a cold start where no last_index_head_commit meta key
// is recorded yet.
const emptyTreeCommit = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Summary reports what ApplyEventsUpTo did.
type Summary struct {
	IndexEventsApplied int
	FullEventsApplied  int
	FromCommit         string
	ToCommit           string
}

// ApplyEventsUpTo is the reducer: it enumerates index events new since
// last_index_head_commit (via the git adapter's name-status diff against
// targetCommit), applies each in file-name order, then enumerates and
// applies full events for knots that ended up hot. The whole batch
// commits atomically, including the watermark advance, so a crash
// mid-batch leaves the cache at its prior consistent state rather than
// partially applied.
func (s *Store) ApplyEventsUpTo(ctx context.Context, git *gitadapter.Adapter, fileSystem fs.FS, worktreePath, targetCommit string) (Summary, error) {
	fromCommit, ok, err := s.GetMeta(ctx, metaLastIndexHeadCommit)
	if err != nil {
		return Summary{}, err
	}

	if !ok || fromCommit == "" {
		fromCommit = emptyTreeCommit
	}

	if fromCommit == targetCommit {
		return Summary{FromCommit: fromCommit, ToCommit: targetCommit}, nil
	}

	indexDiff, err := git.DiffNameStatus(ctx, worktreePath, fromCommit, targetCommit, events.IndexRoot)
	if err != nil {
		return Summary{}, fmt.Errorf("diff index events: %w", err)
	}

	indexPaths := sortedPaths(indexDiff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("begin apply tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	hotTouched := map[string]bool{}

	for _, relPath := range indexPaths {
		idx, readErr := readIndexEvent(fileSystem, worktreePath, relPath)
		if readErr != nil {
			return Summary{}, readErr
		}

		applied, applyErr := applyIndexEventTx(ctx, tx, idx)
		if applyErr != nil {
			return Summary{}, fmt.Errorf("apply index event %s: %w", relPath, applyErr)
		}

		if applied {
			hotTouched[idx.KnotID] = true
		}
	}

	fullApplied := 0

	fullFromCommit, ok, err := s.GetMeta(ctx, metaLastFullHeadCommit)
	if err != nil {
		return Summary{}, err
	}

	if !ok || fullFromCommit == "" {
		fullFromCommit = emptyTreeCommit
	}

	fullDiff, err := git.DiffNameStatus(ctx, worktreePath, fullFromCommit, targetCommit, events.EventsRoot)
	if err != nil {
		return Summary{}, fmt.Errorf("diff full events: %w", err)
	}

	for _, relPath := range sortedPaths(fullDiff) {
		full, readErr := readFullEvent(fileSystem, worktreePath, relPath)
		if readErr != nil {
			return Summary{}, readErr
		}

		isHot, hotErr := isKnotHotTx(ctx, tx, full.KnotID)
		if hotErr != nil {
			return Summary{}, hotErr
		}

		if !isHot {
			continue
		}

		applyErr := applyFullEventTx(ctx, tx, full)
		if applyErr != nil {
			return Summary{}, fmt.Errorf("apply full event %s: %w", relPath, applyErr)
		}

		fullApplied++
	}

	err = setMetaTx(ctx, tx, metaLastIndexHeadCommit, targetCommit)
	if err != nil {
		return Summary{}, err
	}

	err = setMetaTx(ctx, tx, metaLastFullHeadCommit, targetCommit)
	if err != nil {
		return Summary{}, err
	}

	err = tx.Commit()
	if err != nil {
		return Summary{}, fmt.Errorf("commit apply tx: %w", err)
	}

	return Summary{
		IndexEventsApplied: len(indexPaths),
		FullEventsApplied:  fullApplied,
		FromCommit:         fromCommit,
		ToCommit:           targetCommit,
	}, nil
}

func sortedPaths(entries []gitadapter.DiffEntry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	// File names embed a UUIDv7 event id, so lexical order is event-ID
	// order, which is time order.
	sort.Strings(paths)

	return paths
}

func readIndexEvent(fileSystem fs.FS, worktreePath, relPath string) (events.Index, error) {
	data, err := fileSystem.ReadFile(filepath.Join(worktreePath, relPath))
	if err != nil {
		return events.Index{}, fmt.Errorf("read index event %s: %w", relPath, err)
	}

	return events.UnmarshalIndex(data)
}

func readFullEvent(fileSystem fs.FS, worktreePath, relPath string) (events.Full, error) {
	data, err := fileSystem.ReadFile(filepath.Join(worktreePath, relPath))
	if err != nil {
		return events.Full{}, fmt.Errorf("read full event %s: %w", relPath, err)
	}

	return events.UnmarshalFull(data)
}

// applyIndexEventTx implements reducer semantics step 1: upsert the
// headline, compute terminal, and classify the tier. The stored workflow
// ETag is carried over unchanged; index events all have type
// idx.knot_head, so applyFullEventTx advances the ETag from the paired
// full event's type. Returns whether the
// knot ended up hot (so the caller knows to apply full events for it
// too).
func applyIndexEventTx(ctx context.Context, tx *sql.Tx, idx events.Index) (bool, error) {
	if !preconditionHolds(ctx, tx, idx) {
		return false, nil
	}

	updatedAt, err := time.Parse(time.RFC3339, idx.Head.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("parse updated_at %q: %w", idx.Head.UpdatedAt, err)
	}

	current, err := loadCurrentHeadTx(ctx, tx, idx.KnotID)
	if err != nil {
		return false, err
	}

	if idx.Head.Title != nil {
		current.title = *idx.Head.Title
	}

	if idx.Head.State != nil {
		current.state = *idx.Head.State
	}

	current.updatedAt = updatedAt

	terminal := domain.IsTerminalState(current.state)
	if idx.Head.Terminal != nil {
		terminal = *idx.Head.Terminal
	}

	if terminal {
		err = demoteToColdTx(ctx, tx, idx.KnotID)
		if err != nil {
			return false, err
		}

		return false, nil
	}

	tier := domain.ClassifyTier(current.state, updatedAt, current.hotWindowDays, time.Now())

	workflowETag := current.workflowETag

	if tier == domain.TierHot {
		err = upsertHotHeadTx(ctx, tx, idx.KnotID, current.title, current.state, updatedAt, current.createdAt, workflowETag)
		if err != nil {
			return false, err
		}

		err = removeFromWarmTx(ctx, tx, idx.KnotID)
		if err != nil {
			return false, err
		}

		return true, nil
	}

	err = upsertWarmHeadlineTx(ctx, tx, idx.KnotID, current.title)
	if err != nil {
		return false, err
	}

	err = removeFromHotTx(ctx, tx, idx.KnotID)
	if err != nil {
		return false, err
	}

	return false, nil
}

// preconditionHolds checks an index event's optional If-Match precondition
// against the knot's currently stored workflow ETag. This is defense in
// depth behind the replication service's own precondition check before
// push; a mismatch here means an out-of-order or conflicting write slipped
// through and the event is dropped rather than corrupting the head.
func preconditionHolds(ctx context.Context, tx *sql.Tx, idx events.Index) bool {
	if idx.Precondition == nil {
		return true
	}

	row := tx.QueryRowContext(ctx, "SELECT workflow_etag FROM knot_hot WHERE id = ?", idx.KnotID)

	var etag string

	err := row.Scan(&etag)
	if err != nil {
		// Unknown knot (first event) or no row: nothing to conflict with.
		return true
	}

	return etag == "" || etag == idx.Precondition.WorkflowETag
}

type headState struct {
	title          string
	state          string
	updatedAt      time.Time
	createdAt      time.Time
	workflowETag   string
	hotWindowDays  int
}

func loadCurrentHeadTx(ctx context.Context, tx *sql.Tx, knotID string) (headState, error) {
	hs := headState{hotWindowDays: domain.DefaultHotWindowDays, createdAt: time.Now().UTC()}

	windowRow := tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaHotWindowDays)

	var windowStr string
	if err := windowRow.Scan(&windowStr); err == nil {
		if n, parseErr := parseIntOrDefault(windowStr, domain.DefaultHotWindowDays); parseErr == nil {
			hs.hotWindowDays = n
		}
	}

	row := tx.QueryRowContext(ctx, `
		SELECT title, state, created_at, workflow_etag FROM knot_hot WHERE id = ?`, knotID)

	var createdAtStr string

	err := row.Scan(&hs.title, &hs.state, &createdAtStr, &hs.workflowETag)
	if err == nil {
		hs.createdAt, _ = time.Parse(time.RFC3339, createdAtStr)

		return hs, nil
	}

	row = tx.QueryRowContext(ctx, "SELECT title FROM knot_warm WHERE id = ?", knotID)

	err = row.Scan(&hs.title)
	if err == nil {
		return hs, nil
	}

	return hs, nil
}

func parseIntOrDefault(s string, def int) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def, fmt.Errorf("not a number: %q", s)
		}

		n = n*10 + int(c-'0')
	}

	if s == "" {
		return def, fmt.Errorf("empty")
	}

	return n, nil
}

func upsertHotHeadTx(ctx context.Context, tx *sql.Tx, id, title, state string, updatedAt, createdAt time.Time, workflowETag string) error {
	createdAtStr := createdAt.UTC().Format(time.RFC3339)
	if createdAt.IsZero() {
		createdAtStr = updatedAt.UTC().Format(time.RFC3339)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO knot_hot (id, title, state, updated_at, created_at, workflow_etag)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			state = excluded.state,
			updated_at = excluded.updated_at,
			workflow_etag = excluded.workflow_etag
	`, id, title, state, updatedAt.UTC().Format(time.RFC3339), createdAtStr, workflowETag)
	if err != nil {
		return fmt.Errorf("upsert hot head %q: %w", id, err)
	}

	return nil
}

func upsertWarmHeadlineTx(ctx context.Context, tx *sql.Tx, id, title string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO knot_warm (id, title) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title
	`, id, title)
	if err != nil {
		return fmt.Errorf("upsert warm headline %q: %w", id, err)
	}

	return nil
}

func removeFromWarmTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM knot_warm WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove warm %q: %w", id, err)
	}

	return nil
}

func removeFromHotTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM knot_hot WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove hot %q: %w", id, err)
	}

	return nil
}

// demoteToColdTx removes a knot from hot/warm entirely. Per the reducer
// contract it is not inserted into cold_catalog unless an explicit
// cold-sync is running; [Store.ApplyColdSync] is what populates that table.
func demoteToColdTx(ctx context.Context, tx *sql.Tx, id string) error {
	err := removeFromHotTx(ctx, tx, id)
	if err != nil {
		return err
	}

	err = removeFromWarmTx(ctx, tx, id)
	if err != nil {
		return err
	}

	return deleteRelationsTx(ctx, tx, id)
}

func isKnotHotTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	row := tx.QueryRowContext(ctx, "SELECT 1 FROM knot_hot WHERE id = ?", id)

	var one int

	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("check hot %q: %w", id, err)
	}

	return true, nil
}

// applyFullEventTx implements reducer semantics step 2: maintain edges,
// notes, handoff capsules, review stats, and the parity fields (description,
// priority, type) for knots currently hot. A workflow-relevant event also
// sets the knot's workflow ETag to its event ID.
func applyFullEventTx(ctx context.Context, tx *sql.Tx, full events.Full) error {
	if events.IsWorkflowRelevant(full.Type) {
		err := setColumnTx(ctx, tx, "workflow_etag", full.KnotID, full.EventID)
		if err != nil {
			return err
		}
	}

	switch full.Type {
	case events.KnotCreated:
		return applyCreatedTx(ctx, tx, full)
	case events.DescriptionSet:
		var p events.DescriptionSetPayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode description_set: %w", err)
		}

		return setColumnTx(ctx, tx, "description", full.KnotID, p.Description)
	case events.PrioritySet:
		var p events.PrioritySetPayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode priority_set: %w", err)
		}

		return setColumnTx(ctx, tx, "priority", full.KnotID, p.Priority)
	case events.TypeSet:
		var p events.TypeSetPayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode type_set: %w", err)
		}

		return setColumnTx(ctx, tx, "type", full.KnotID, p.Type)
	case events.TagAdd:
		var p events.TagPayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode tag_add: %w", err)
		}

		return addTagTx(ctx, tx, full.KnotID, p.Tag)
	case events.TagRemove:
		var p events.TagPayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode tag_remove: %w", err)
		}

		return removeTagTx(ctx, tx, full.KnotID, p.Tag)
	case events.NoteAdded:
		var p events.NotePayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode note_added: %w", err)
		}

		return appendNoteTx(ctx, tx, "note", full.KnotID, p)
	case events.HandoffAdded:
		var p events.NotePayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode handoff_added: %w", err)
		}

		return appendNoteTx(ctx, tx, "handoff_capsule", full.KnotID, p)
	case events.EdgeAdd:
		var p events.EdgePayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode edge_add: %w", err)
		}

		return applyEdgeMirrorTx(ctx, tx, full.KnotID, domain.EdgeKind(p.Kind), p.Dst, true)
	case events.EdgeRemove:
		var p events.EdgePayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode edge_remove: %w", err)
		}

		return applyEdgeMirrorTx(ctx, tx, full.KnotID, domain.EdgeKind(p.Kind), p.Dst, false)
	case events.ReviewDecisionType:
		var p events.ReviewDecisionPayload
		if err := json.Unmarshal(full.Data, &p); err != nil {
			return fmt.Errorf("decode review_decision: %w", err)
		}

		return applyReviewDecisionTx(ctx, tx, full.KnotID, full.TS, p)
	case events.TitleSet, events.StateSet:
		// Title/state land via the index event's head; nothing further to
		// materialize from the full payload.
		return nil
	default:
		return fmt.Errorf("unknown full event type %q", full.Type)
	}
}

func applyCreatedTx(ctx context.Context, tx *sql.Tx, full events.Full) error {
	var p events.CreatedPayload
	if err := json.Unmarshal(full.Data, &p); err != nil {
		return fmt.Errorf("decode knot.created: %w", err)
	}

	createdAt := full.TS.UTC().Format(time.RFC3339)

	_, err := tx.ExecContext(ctx, `
		UPDATE knot_hot SET description = ?, priority = ?, type = ?, profile_id = ?, created_at = ?
		WHERE id = ?
	`, p.Description, p.Priority, p.Type, p.ProfileID, createdAt, full.KnotID)
	if err != nil {
		return fmt.Errorf("backfill created fields %q: %w", full.KnotID, err)
	}

	return nil
}

func setColumnTx(ctx context.Context, tx *sql.Tx, column, knotID string, value any) error {
	query := fmt.Sprintf("UPDATE knot_hot SET %s = ? WHERE id = ?", column)

	_, err := tx.ExecContext(ctx, query, value, knotID)
	if err != nil {
		return fmt.Errorf("set %s for %q: %w", column, knotID, err)
	}

	return nil
}

func addTagTx(ctx context.Context, tx *sql.Tx, knotID, tag string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tag (knot_id, tag) VALUES (?, ?)
		ON CONFLICT (knot_id, tag) DO NOTHING
	`, knotID, tag)
	if err != nil {
		return fmt.Errorf("add tag %q to %q: %w", tag, knotID, err)
	}

	return nil
}

func removeTagTx(ctx context.Context, tx *sql.Tx, knotID, tag string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM tag WHERE knot_id = ? AND tag = ?", knotID, tag)
	if err != nil {
		return fmt.Errorf("remove tag %q from %q: %w", tag, knotID, err)
	}

	return nil
}

func appendNoteTx(ctx context.Context, tx *sql.Tx, table, knotID string, p events.NotePayload) error {
	ord, err := nextOrd(ctx, tx, table, knotID)
	if err != nil {
		return err
	}

	datetime, err := time.Parse(time.RFC3339, p.Datetime)
	if err != nil {
		return fmt.Errorf("parse note datetime %q: %w", p.Datetime, err)
	}

	return insertNoteTx(ctx, tx, table, knotID, domain.Note{
		Ord:       ord,
		Text:      p.Text,
		Username:  p.Username,
		Datetime:  datetime,
		AgentName: p.AgentName,
		Model:     p.Model,
		Version:   p.Version,
	})
}

// applyEdgeMirrorTx adds or removes an edge and, per the mirroring
// invariant, its blocks/blocked_by counterpart in the same transaction.
// parent_of has no mirror.
func applyEdgeMirrorTx(ctx context.Context, tx *sql.Tx, src string, kind domain.EdgeKind, dst string, add bool) error {
	edges := domain.MirrorEdges(domain.Edge{Src: src, Kind: kind, Dst: dst})

	for _, e := range edges {
		var err error
		if add {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO edge (src, kind, dst) VALUES (?, ?, ?)
				ON CONFLICT (src, kind, dst) DO NOTHING
			`, e.Src, string(e.Kind), e.Dst)
		} else {
			_, err = tx.ExecContext(ctx, "DELETE FROM edge WHERE src = ? AND kind = ? AND dst = ?", e.Src, string(e.Kind), e.Dst)
		}

		if err != nil {
			return fmt.Errorf("apply edge %+v: %w", e, err)
		}
	}

	return nil
}

func applyReviewDecisionTx(ctx context.Context, tx *sql.Tx, knotID string, decidedAt time.Time, p events.ReviewDecisionPayload) error {
	categories, err := json.Marshal(p.RejectCategories)
	if err != nil {
		return fmt.Errorf("marshal reject categories: %w", err)
	}

	reworkIncrement := 0
	if strings.EqualFold(p.Outcome, "rejected") {
		reworkIncrement = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_stats (knot_id, rework_count, last_decision_at, last_outcome, last_reject_categories)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (knot_id) DO UPDATE SET
			rework_count = review_stats.rework_count + ?,
			last_decision_at = excluded.last_decision_at,
			last_outcome = excluded.last_outcome,
			last_reject_categories = excluded.last_reject_categories
	`, knotID, reworkIncrement, decidedAt.UTC().Format(time.RFC3339), p.Outcome, string(categories), reworkIncrement)
	if err != nil {
		return fmt.Errorf("apply review decision %q: %w", knotID, err)
	}

	return nil
}

// DemoteAndEvict sweeps hot rows whose updated_at has aged past the hot
// window into warm, and removes any knot that has gone terminal since it
// was last applied (a defensive pass; applyIndexEventTx already demotes
// terminal knots inline, this catches anything that slipped through a
// clock skew between application time and now).
func (s *Store) DemoteAndEvict(ctx context.Context, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin demote tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	windowDays := domain.DefaultHotWindowDays

	windowStr, ok, err := getMetaTx(ctx, tx, metaHotWindowDays)
	if err != nil {
		return err
	}

	if ok {
		if n, parseErr := parseIntOrDefault(windowStr, domain.DefaultHotWindowDays); parseErr == nil {
			windowDays = n
		}
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, title, state, updated_at FROM knot_hot")
	if err != nil {
		return fmt.Errorf("scan hot rows: %w", err)
	}

	type hotRow struct {
		id, title, state, updatedAt string
	}

	var toEvict, toDemote []hotRow

	for rows.Next() {
		var r hotRow

		err = rows.Scan(&r.id, &r.title, &r.state, &r.updatedAt)
		if err != nil {
			_ = rows.Close()

			return fmt.Errorf("scan hot row: %w", err)
		}

		updatedAt, parseErr := time.Parse(time.RFC3339, r.updatedAt)
		if parseErr != nil {
			_ = rows.Close()

			return fmt.Errorf("parse updated_at %q: %w", r.updatedAt, parseErr)
		}

		tier := domain.ClassifyTier(r.state, updatedAt, windowDays, now)

		switch tier {
		case domain.TierCold:
			toEvict = append(toEvict, r)
		case domain.TierWarm:
			toDemote = append(toDemote, r)
		case domain.TierHot:
			// stays put
		}
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("iterate hot rows: %w", err)
	}

	for _, r := range toEvict {
		err = demoteToColdTx(ctx, tx, r.id)
		if err != nil {
			return err
		}
	}

	for _, r := range toDemote {
		err = upsertWarmHeadlineTx(ctx, tx, r.id, r.title)
		if err != nil {
			return err
		}

		err = removeFromHotTx(ctx, tx, r.id)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}
