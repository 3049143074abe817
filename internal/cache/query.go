package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knots-scm/knots/internal/domain"
)

// Filter mirrors the predicates list() is allowed to accept. Zero values
// mean "no filter"; IncludeTerminal additionally must be set to see
// shipped/deferred/abandoned knots at all.
type Filter struct {
	State           string
	Tag             string
	Type            string
	ProfileID       string
	QuerySubstring  string
	IncludeTerminal bool
	Limit           int
}

// List returns knots matching filter. Rich predicates (state, tag, type,
// profile, substring) are evaluated against hot rows, the only tier with
// the columns to support them; warm rows (headline-only per the logical
// schema) are included solely in the no-predicate browse case, and
// cold_catalog rows are included only when IncludeTerminal is set.
func (s *Store) List(ctx context.Context, filter Filter) ([]domain.Knot, error) {
	var out []domain.Knot

	hot, err := s.listHot(ctx, filter)
	if err != nil {
		return nil, err
	}

	out = append(out, hot...)

	if !hasRichPredicate(filter) {
		warm, err := s.listWarm(ctx, filter)
		if err != nil {
			return nil, err
		}

		out = append(out, warm...)
	}

	if filter.IncludeTerminal {
		cold, err := s.listCold(ctx, filter)
		if err != nil {
			return nil, err
		}

		out = append(out, cold...)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

func hasRichPredicate(f Filter) bool {
	return f.State != "" || f.Tag != "" || f.Type != "" || f.ProfileID != "" || f.QuerySubstring != ""
}

func (s *Store) listHot(ctx context.Context, filter Filter) ([]domain.Knot, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.State != "" {
		clauses = append(clauses, "h.state = ?")
		args = append(args, filter.State)
	}

	if filter.Type != "" {
		clauses = append(clauses, "h.type = ?")
		args = append(args, filter.Type)
	}

	if filter.ProfileID != "" {
		clauses = append(clauses, "h.profile_id = ?")
		args = append(args, filter.ProfileID)
	}

	if filter.QuerySubstring != "" {
		clauses = append(clauses, "(h.title LIKE ? OR h.description LIKE ?)")
		needle := "%" + filter.QuerySubstring + "%"
		args = append(args, needle, needle)
	}

	if filter.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM tag t WHERE t.knot_id = h.id AND t.tag = ?)")
		args = append(args, filter.Tag)
	}

	query := `
		SELECT h.id, h.title, h.description, h.state, h.priority, h.type,
			h.profile_id, h.workflow_etag, h.created_at, h.updated_at, h.headline
		FROM knot_hot h`

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY h.updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hot: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []domain.Knot

	for rows.Next() {
		var (
			k                    domain.Knot
			headline             int
			createdAt, updatedAt string
		)

		err = rows.Scan(&k.ID, &k.Title, &k.Description, &k.State, &k.Priority, &k.Type,
			&k.ProfileID, &k.WorkflowETag, &createdAt, &updatedAt, &headline)
		if err != nil {
			return nil, fmt.Errorf("scan hot row: %w", err)
		}

		k.CreatedAt, k.UpdatedAt, err = parseHotTimestamps(createdAt, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan hot row: %w", err)
		}

		k.Headline = headline != 0

		out = append(out, k)
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	for i := range out {
		err = s.hydrateRelations(ctx, &out[i])
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (s *Store) listWarm(ctx context.Context, filter Filter) ([]domain.Knot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, title FROM knot_warm ORDER BY title")
	if err != nil {
		return nil, fmt.Errorf("list warm: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []domain.Knot

	for rows.Next() {
		var k domain.Knot

		err = rows.Scan(&k.ID, &k.Title)
		if err != nil {
			return nil, fmt.Errorf("scan warm row: %w", err)
		}

		k.Headline = true

		out = append(out, k)
	}

	return out, rows.Err()
}

func (s *Store) listCold(ctx context.Context, filter Filter) ([]domain.Knot, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, filter.State)
	}

	query := "SELECT id, title, state, updated_at FROM cold_catalog"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cold: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []domain.Knot

	for rows.Next() {
		var (
			k         domain.Knot
			updatedAt string
		)

		err = rows.Scan(&k.ID, &k.Title, &k.State, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan cold row: %w", err)
		}

		k.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan cold row: %w", err)
		}

		k.Headline = true

		out = append(out, k)
	}

	return out, rows.Err()
}
