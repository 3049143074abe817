package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/knots-scm/knots/internal/domain"
	"github.com/knots-scm/knots/internal/events"
)

// RehydrateWarm promotes a warm (headline-only) knot back to a fully
// materialized hot row by replaying its complete recorded history.
//
// ApplyEventsUpTo's ongoing reducer only applies a knot's full events
// while it is already hot - a knot aged into warm stays headline-only
// until something touches it again. That something is a read: asking to
// see a warm knot in full is itself the signal to rebuild it, regardless
// of how stale its updated_at is, which is why this ignores
// domain.ClassifyTier entirely rather than re-deriving hot/warm from the
// clock. A knot whose replayed history ends in a terminal state is left
// alone - terminal knots are always cold per the tiering rule, and
// reading one is not a reason to override that.
//
// indexEvents and fullEvents must be this knot's complete recorded
// history, each sorted by EventID ascending; the caller (the replication
// service, which alone touches git and the worktree) is responsible for
// locating and parsing them.
func (s *Store) RehydrateWarm(ctx context.Context, knotID string, indexEvents []events.Index, fullEvents []events.Full) (domain.Knot, bool, error) {
	if len(indexEvents) == 0 {
		return domain.Knot{}, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("begin rehydrate tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	head, terminal, err := replayHeadline(knotID, indexEvents)
	if err != nil {
		return domain.Knot{}, false, err
	}

	if terminal {
		return domain.Knot{}, false, tx.Commit()
	}

	err = deleteRelationsTx(ctx, tx, knotID)
	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("rehydrate %q: clear stale relations: %w", knotID, err)
	}

	err = upsertHotHeadTx(ctx, tx, knotID, head.title, head.state, head.updatedAt, head.updatedAt, "")
	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("rehydrate %q: %w", knotID, err)
	}

	err = removeFromWarmTx(ctx, tx, knotID)
	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("rehydrate %q: %w", knotID, err)
	}

	for _, full := range fullEvents {
		err = applyFullEventTx(ctx, tx, full)
		if err != nil {
			return domain.Knot{}, false, fmt.Errorf("rehydrate %q: apply full event %s: %w", knotID, full.EventID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return domain.Knot{}, false, fmt.Errorf("commit rehydrate tx %q: %w", knotID, err)
	}

	return s.Get(ctx, knotID)
}

type replayedHead struct {
	title     string
	state     string
	updatedAt time.Time
}

// replayHeadline folds indexEvents into the knot's final title/state/
// updated_at, plus whether that final state is terminal, without touching
// the database - the same per-event deltas applyIndexEventTx applies,
// projected in memory instead of against knot_hot. The workflow ETag is
// not derived here; RehydrateWarm's replay of the full events through
// applyFullEventTx sets it.
func replayHeadline(knotID string, indexEvents []events.Index) (replayedHead, bool, error) {
	var head replayedHead

	terminal := false

	for _, idx := range indexEvents {
		updatedAt, err := time.Parse(time.RFC3339, idx.Head.UpdatedAt)
		if err != nil {
			return replayedHead{}, false, fmt.Errorf("rehydrate %q: parse updated_at %q: %w", knotID, idx.Head.UpdatedAt, err)
		}

		if idx.Head.Title != nil {
			head.title = *idx.Head.Title
		}

		if idx.Head.State != nil {
			head.state = *idx.Head.State
		}

		head.updatedAt = updatedAt

		terminal = domain.IsTerminalState(head.state)
		if idx.Head.Terminal != nil {
			terminal = *idx.Head.Terminal
		}
	}

	return head, terminal, nil
}
