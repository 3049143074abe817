package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/knots-scm/knots/internal/domain"
)

// queryNotes loads the ordered note (or handoff_capsule) sequence for a
// knot. table must be "note" or "handoff_capsule"; both share the shape.
func queryNotes(ctx context.Context, q rowQuerier, table, knotID string) ([]domain.Note, error) {
	query := fmt.Sprintf(`
		SELECT ord, text, username, datetime, agent_name, model, version
		FROM %s WHERE knot_id = ? ORDER BY ord`, table)

	rows, err := q.QueryContext(ctx, query, knotID)
	if err != nil {
		return nil, fmt.Errorf("query %s %q: %w", table, knotID, err)
	}

	defer func() { _ = rows.Close() }()

	var notes []domain.Note

	for rows.Next() {
		var (
			n        domain.Note
			datetime string
		)

		err = rows.Scan(&n.Ord, &n.Text, &n.Username, &datetime, &n.AgentName, &n.Model, &n.Version)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}

		n.Datetime, err = time.Parse(time.RFC3339, datetime)
		if err != nil {
			return nil, fmt.Errorf("parse %s datetime %q: %w", table, datetime, err)
		}

		notes = append(notes, n)
	}

	return notes, rows.Err()
}

// nextOrd returns the next note ordinal for a knot, i.e. the count of
// existing rows in table for that knot.
func nextOrd(ctx context.Context, tx *sql.Tx, table, knotID string) (int, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(ord), -1) + 1 FROM %s WHERE knot_id = ?", table)

	row := tx.QueryRowContext(ctx, query, knotID)

	var ord int

	err := row.Scan(&ord)
	if err != nil {
		return 0, fmt.Errorf("next ord for %s %q: %w", table, knotID, err)
	}

	return ord, nil
}

func insertNoteTx(ctx context.Context, tx *sql.Tx, table, knotID string, n domain.Note) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (knot_id, ord, text, username, datetime, agent_name, model, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)

	_, err := tx.ExecContext(ctx, query, knotID, n.Ord, n.Text, n.Username,
		n.Datetime.UTC().Format(time.RFC3339), n.AgentName, n.Model, n.Version)
	if err != nil {
		return fmt.Errorf("insert %s for %q: %w", table, knotID, err)
	}

	return nil
}

func deleteRelationsTx(ctx context.Context, tx *sql.Tx, knotID string) error {
	tables := []string{"tag", "note", "handoff_capsule", "review_stats"}

	for _, table := range tables {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE knot_id = ?", table), knotID)
		if err != nil {
			return fmt.Errorf("clear %s for %q: %w", table, knotID, err)
		}
	}

	return deleteEdgesTouchingTx(ctx, tx, knotID)
}

// deleteEdgesTouchingTx removes every edge that touches knotID on either
// side, mirror included, so that a terminal transition can never leave a
// dangling single-sided edge behind (spec's blocks/blocked_by symmetry
// invariant must hold for every knot that remains in the edge table, not
// just for knots that are still non-terminal).
func deleteEdgesTouchingTx(ctx context.Context, tx *sql.Tx, knotID string) error {
	rows, err := tx.QueryContext(ctx, "SELECT src, kind, dst FROM edge WHERE src = ? OR dst = ?", knotID, knotID)
	if err != nil {
		return fmt.Errorf("query edges touching %q: %w", knotID, err)
	}

	var touching []domain.Edge

	for rows.Next() {
		var e domain.Edge

		var kind string

		err = rows.Scan(&e.Src, &kind, &e.Dst)
		if err != nil {
			_ = rows.Close()

			return fmt.Errorf("scan edge touching %q: %w", knotID, err)
		}

		e.Kind = domain.EdgeKind(kind)
		touching = append(touching, e)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("query edges touching %q: %w", knotID, err)
	}

	_ = rows.Close()

	for _, e := range touching {
		for _, mirrored := range domain.MirrorEdges(e) {
			_, err = tx.ExecContext(ctx, "DELETE FROM edge WHERE src = ? AND kind = ? AND dst = ?",
				mirrored.Src, string(mirrored.Kind), mirrored.Dst)
			if err != nil {
				return fmt.Errorf("delete edge (%s, %s, %s): %w", mirrored.Src, mirrored.Kind, mirrored.Dst, err)
			}
		}
	}

	return nil
}
