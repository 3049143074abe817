package cache

import (
	"context"
	"fmt"
	"time"
)

// ColdEntry is one terminal knot for [Store.ApplyColdSync] to write into
// cold_catalog. Everything the cache has ever demoted out of hot/warm leaves
// no trace once deleted, so ApplyColdSync takes entries directly from the caller
// (typically a full replay of idx.knot_head events by the replication
// service) rather than trying to reconstruct them from the live tables,
// which by definition no longer hold terminal knots.
type ColdEntry struct {
	ID        string
	Title     string
	State     string
	UpdatedAt time.Time
}

// ApplyColdSync upserts entries into cold_catalog. This is the only path
// that writes to that table; the ordinary reducer deliberately leaves
// terminal knots out of it per the apply_events_up_to contract.
func (s *Store) ApplyColdSync(ctx context.Context, entries []ColdEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cold sync tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cold_catalog (id, title, state, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				title = excluded.title,
				state = excluded.state,
				updated_at = excluded.updated_at
		`, e.ID, e.Title, e.State, e.UpdatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("upsert cold_catalog %q: %w", e.ID, err)
		}
	}

	return tx.Commit()
}
