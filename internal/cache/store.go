// Package cache implements the materialized SQLite-backed view of the
// knots event log: hot/warm/cold tiered storage, per-knot workflow ETags,
// and the reducer that advances the view as new events land on the knots
// branch.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/knots-scm/knots/internal/domain"
)

// Store holds the open SQLite handle for a repository's materialized
// cache. A Store is safe for concurrent readers; writers (ApplyEventsUpTo,
// DemoteAndEvict) should be serialized by the caller via cache_lock.
type Store struct {
	db            *sql.DB
	hotWindowDays int
}

// Open opens (creating if absent) the SQLite database at path and
// migrates it to the current schema. hotWindowDays seeds the
// hot_window_days meta key on first open; subsequent opens read the
// stored value instead, so changing the default later requires an
// explicit SetMeta, not a new Open call.
func Open(ctx context.Context, path string, hotWindowDays int) (*Store, error) {
	db, err := openSqlite(ctx, path)
	if err != nil {
		return nil, err
	}

	err = migrate(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrate cache: %w", err)
	}

	s := &Store{db: db, hotWindowDays: hotWindowDays}

	_, ok, err := s.GetMeta(ctx, metaHotWindowDays)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	if !ok {
		err = s.SetMeta(ctx, metaHotWindowDays, fmt.Sprintf("%d", hotWindowDays))
		if err != nil {
			_ = db.Close()

			return nil, err
		}
	}

	return s, nil
}

// Close releases the underlying SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// Meta keys, per the logical schema in the contract this store implements.
const (
	metaLastIndexHeadCommit = "last_index_head_commit"
	metaLastFullHeadCommit  = "last_full_head_commit"
	metaSchemaVersion       = "schema_version"
	metaHotWindowDays       = "hot_window_days"
	metaSyncPending         = "sync_pending"
	metaDefaultProfile      = "default_profile"
)

// GetMeta reads a meta key, reporting (=="", false, nil) if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key)

	var value string

	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}

	return value, true, nil
}

// SetMeta upserts a meta key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}

	return nil
}

func setMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}

	return nil
}

func getMetaTx(ctx context.Context, q rowQuerier, key string) (string, bool, error) {
	row := q.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key)

	var value string

	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}

	return value, true, nil
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx, letting helpers run
// inside or outside an explicit transaction without duplicating logic.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Get returns the knot with id, reading from hot if fully materialized,
// falling back to warm (headline only: ID and Title) or cold_catalog
// (headline plus state/updated_at). The second return reports whether
// the knot exists at all.
func (s *Store) Get(ctx context.Context, id string) (domain.Knot, bool, error) {
	knot, ok, err := s.getHot(ctx, id)
	if err != nil || ok {
		return knot, ok, err
	}

	knot, ok, err = s.getWarm(ctx, id)
	if err != nil || ok {
		return knot, ok, err
	}

	return s.getCold(ctx, id)
}

func (s *Store) getHot(ctx context.Context, id string) (domain.Knot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, state, priority, type, profile_id,
			workflow_etag, created_at, updated_at, headline
		FROM knot_hot WHERE id = ?`, id)

	var (
		k                    domain.Knot
		headline             int
		createdAt, updatedAt string
	)

	err := row.Scan(&k.ID, &k.Title, &k.Description, &k.State, &k.Priority, &k.Type,
		&k.ProfileID, &k.WorkflowETag, &createdAt, &updatedAt, &headline)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Knot{}, false, nil
	}

	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("get hot %q: %w", id, err)
	}

	k.CreatedAt, k.UpdatedAt, err = parseHotTimestamps(createdAt, updatedAt)
	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("get hot %q: %w", id, err)
	}

	k.Headline = headline != 0

	err = s.hydrateRelations(ctx, &k)
	if err != nil {
		return domain.Knot{}, false, err
	}

	return k, true, nil
}

func (s *Store) getWarm(ctx context.Context, id string) (domain.Knot, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, title FROM knot_warm WHERE id = ?", id)

	var k domain.Knot

	err := row.Scan(&k.ID, &k.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Knot{}, false, nil
	}

	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("get warm %q: %w", id, err)
	}

	k.Headline = true

	return k, true, nil
}

func (s *Store) getCold(ctx context.Context, id string) (domain.Knot, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, title, state, updated_at FROM cold_catalog WHERE id = ?", id)

	var (
		k         domain.Knot
		updatedAt string
	)

	err := row.Scan(&k.ID, &k.Title, &k.State, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Knot{}, false, nil
	}

	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("get cold %q: %w", id, err)
	}

	k.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("get cold %q: parse updated_at: %w", id, err)
	}

	k.Headline = true

	return k, true, nil
}

// parseHotTimestamps parses the RFC3339 created_at/updated_at columns
// stored in knot_hot. Scanning into strings first and parsing explicitly
// avoids depending on whichever implicit time-layout guessing a given
// database/sql driver happens to apply to TEXT columns.
func parseHotTimestamps(createdAt, updatedAt string) (time.Time, time.Time, error) {
	c, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}

	u, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}

	return c, u, nil
}

// GetWorkflowETag returns the knot's current workflow ETag. Only hot
// knots carry one; warm/cold knots report (=="", false, nil) since their
// workflow-relevant history was not retained after demotion.
func (s *Store) GetWorkflowETag(ctx context.Context, id string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT workflow_etag FROM knot_hot WHERE id = ?", id)

	var etag string

	err := row.Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("get workflow etag %q: %w", id, err)
	}

	if etag == "" {
		return "", false, nil
	}

	return etag, true, nil
}

// SetSyncPending records whether a read-path auto-sync attempt was skipped
// or cut short by its budget, so the next successful sync knows there may
// still be unseen remote commits.
func (s *Store) SetSyncPending(ctx context.Context, pending bool) error {
	value := "0"
	if pending {
		value = "1"
	}

	return s.SetMeta(ctx, metaSyncPending, value)
}

// IsSyncPending reports the current sync_pending flag, defaulting to false
// if never set.
func (s *Store) IsSyncPending(ctx context.Context) (bool, error) {
	value, ok, err := s.GetMeta(ctx, metaSyncPending)
	if err != nil {
		return false, err
	}

	return ok && value == "1", nil
}

func (s *Store) hydrateRelations(ctx context.Context, k *domain.Knot) error {
	tags, err := queryTags(ctx, s.db, k.ID)
	if err != nil {
		return err
	}

	k.Tags = tags

	notes, err := queryNotes(ctx, s.db, "note", k.ID)
	if err != nil {
		return err
	}

	k.Notes = notes

	handoffs, err := queryNotes(ctx, s.db, "handoff_capsule", k.ID)
	if err != nil {
		return err
	}

	k.HandoffCapsules = handoffs

	return nil
}

func queryTags(ctx context.Context, q rowQuerier, knotID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT tag FROM tag WHERE knot_id = ? ORDER BY tag", knotID)
	if err != nil {
		return nil, fmt.Errorf("query tags %q: %w", knotID, err)
	}

	defer func() { _ = rows.Close() }()

	var tags []string

	for rows.Next() {
		var tag string

		err = rows.Scan(&tag)
		if err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}

		tags = append(tags, tag)
	}

	return tags, rows.Err()
}
