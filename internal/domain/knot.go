// Package domain holds the knots data model: the Knot entity, its notes and
// handoff capsules, edges between knots, and the hot/warm/cold tiering rule.
//
// Nothing in this package touches git, SQLite, or the filesystem - it is the
// shape that the event log (package events) produces and the cache (package
// cache) projects.
package domain

import "time"

// EdgeKind is one of the directed relation types between two knots.
type EdgeKind string

const (
	EdgeBlocks    EdgeKind = "blocks"
	EdgeBlockedBy EdgeKind = "blocked_by"
	EdgeParentOf  EdgeKind = "parent_of"
)

// mirrorOf returns the kind that must co-exist for this kind, or "" if the
// kind has no required mirror (parent_of has none).
func (k EdgeKind) mirrorOf() EdgeKind {
	switch k {
	case EdgeBlocks:
		return EdgeBlockedBy
	case EdgeBlockedBy:
		return EdgeBlocks
	default:
		return ""
	}
}

// Edge is a directed, typed tuple between two knots. (src, kind, dst) is
// unique; blocks/blocked_by must always appear as a mirrored pair in the
// projection (see [MirrorEdges]).
type Edge struct {
	Src  string
	Kind EdgeKind
	Dst  string
}

// MirrorEdges returns e plus its required mirror edge, if any. Most callers
// building the projection from an edge_add/edge_remove event should apply
// both tuples in the same transaction.
func MirrorEdges(e Edge) []Edge {
	mirror := e.Kind.mirrorOf()
	if mirror == "" {
		return []Edge{e}
	}

	return []Edge{e, {Src: e.Dst, Kind: mirror, Dst: e.Src}}
}

// Note is a single structured entry in a knot's notes or handoff capsule
// sequence: free text plus who/when/which-agent wrote it.
type Note struct {
	Ord       int
	Text      string
	Username  string
	Datetime  time.Time
	AgentName string
	Model     string
	Version   string
}

// ReviewDecision records the outcome of a review pass over a knot, feeding
// the review_stats projection (rework_count, last_decision_at, ...).
type ReviewDecision struct {
	Outcome          string
	RejectCategories []string
	DecidedAt        time.Time
}

// ReviewStats is the denormalized review history the cache keeps per knot.
type ReviewStats struct {
	KnotID                string
	ReworkCount           int
	LastDecisionAt        time.Time
	LastOutcome           string
	LastRejectCategories  []string
}

// Knot is a tracked work item. ID is an opaque, sortable, host-unique short
// ID (see package events for derivation); Terminal is derived from State,
// never stored independently.
type Knot struct {
	ID              string
	Title           string
	Description     string
	Priority        int
	Type            string
	State           string
	Tags            []string
	Notes           []Note
	HandoffCapsules []Note
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProfileID       string
	WorkflowETag    string // event_id of the latest workflow-relevant idx.knot_head applied

	// Headline indicates this Knot was loaded from a headline-only row
	// rather than fully rehydrated: a warm row fills only ID and Title; a
	// cold_catalog row fills ID, Title, State and UpdatedAt.
	Headline bool
}

// Terminal reports whether state is one of the terminal workflow states,
// which forces Cold tiering regardless of recency (see package domain's
// tiering.go).
func (k Knot) Terminal() bool {
	return IsTerminalState(k.State)
}
