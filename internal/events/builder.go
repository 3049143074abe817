package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// workflowRelevant is the set of event types whose idx.knot_head advances a
// knot's workflow ETag. Pure activity (notes, handoff capsules, review
// decisions that don't change routing) leaves the ETag untouched. This is
// the default split named in the contract; callers needing a different
// split for a given deployment should not reuse this table directly.
var workflowRelevant = map[Type]bool{
	KnotCreated: true,
	TitleSet:    true,
	StateSet:    true,
	EdgeAdd:     true,
	EdgeRemove:  true,
	TagAdd:      true, // routing tags; see Builder docs
	TagRemove:   true,
}

// IsWorkflowRelevant reports whether an event of type t advances the
// workflow ETag when it produces an idx.knot_head event.
func IsWorkflowRelevant(t Type) bool {
	return workflowRelevant[t]
}

// Pair is a full event and its matching index event, always written and
// committed together.
type Pair struct {
	Full  Full
	Index Index
}

// Builder constructs well-formed (full, index) event pairs for a single
// knot mutation. now is injected so tests get deterministic timestamps; the
// replication service supplies time.Now in production.
type Builder struct {
	KnotID       string
	Now          time.Time
	Precondition *Precondition
}

func (b Builder) newFull(t Type, data any) (Full, error) {
	id, err := NewID()
	if err != nil {
		return Full{}, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Full{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	return Full{
		EventID:      id,
		Type:         t,
		TS:           b.Now,
		KnotID:       b.KnotID,
		Precondition: b.Precondition,
		Data:         raw,
	}, nil
}

// newIndex builds the matching idx.knot_head for a full event, reusing its
// event ID so the pair is trivially associable when replaying a commit.
func (b Builder) newIndex(full Full, head Head) Index {
	head.UpdatedAt = b.Now.UTC().Format(time.RFC3339)

	return Index{
		EventID:      full.EventID,
		Type:         IdxKnotHead,
		TS:           b.Now,
		KnotID:       b.KnotID,
		Head:         head,
		Precondition: b.Precondition,
	}
}

// CreatedPayload is the knot.created full-event payload.
type CreatedPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	State       string `json:"state"`
	Priority    int    `json:"priority"`
	ProfileID   string `json:"profile_id,omitempty"`
}

// Created builds the pair for a brand-new knot.
func (b Builder) Created(p CreatedPayload) (Pair, error) {
	full, err := b.newFull(KnotCreated, p)
	if err != nil {
		return Pair{}, err
	}

	title := p.Title
	state := p.State
	terminal := false

	idx := b.newIndex(full, Head{Title: &title, State: &state, Terminal: &terminal})

	return Pair{Full: full, Index: idx}, nil
}

// TitleSetPayload is the knot.title_set full-event payload.
type TitleSetPayload struct {
	Title string `json:"title"`
}

// TitleSet builds the pair for a title change.
func (b Builder) TitleSet(title string) (Pair, error) {
	full, err := b.newFull(TitleSet, TitleSetPayload{Title: title})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{Title: &title})

	return Pair{Full: full, Index: idx}, nil
}

// DescriptionSetPayload is the knot.description_set full-event payload.
type DescriptionSetPayload struct {
	Description string `json:"description"`
}

// DescriptionSet builds the pair for a description change. Description is
// not routing-relevant, so the index event carries no head deltas beyond
// the refreshed updated_at, and does not advance the workflow ETag.
func (b Builder) DescriptionSet(description string) (Pair, error) {
	full, err := b.newFull(DescriptionSet, DescriptionSetPayload{Description: description})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// StateSetPayload is the knot.state_set full-event payload.
type StateSetPayload struct {
	State string `json:"state"`
}

// StateSet builds the pair for a workflow state transition. terminal must
// be computed by the caller from the target state's classification.
func (b Builder) StateSet(state string, terminal bool) (Pair, error) {
	full, err := b.newFull(StateSet, StateSetPayload{State: state})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{State: &state, Terminal: &terminal})

	return Pair{Full: full, Index: idx}, nil
}

// PrioritySetPayload is the knot.priority_set full-event payload.
type PrioritySetPayload struct {
	Priority int `json:"priority"`
}

// PrioritySet builds the pair for a priority change. Priority does not
// route, so the index event is a bare head touch.
func (b Builder) PrioritySet(priority int) (Pair, error) {
	full, err := b.newFull(PrioritySet, PrioritySetPayload{Priority: priority})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// TypeSetPayload is the knot.type_set full-event payload.
type TypeSetPayload struct {
	Type string `json:"type"`
}

// TypeSet builds the pair for a knot-type change.
func (b Builder) TypeSet(knotType string) (Pair, error) {
	full, err := b.newFull(TypeSet, TypeSetPayload{Type: knotType})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// TagPayload is shared by knot.tag_add and knot.tag_remove.
type TagPayload struct {
	Tag string `json:"tag"`
}

// TagAdd builds the pair for adding a tag. Tags are treated as
// routing-relevant (they can gate workflow queues), so this advances the
// workflow ETag.
func (b Builder) TagAdd(tag string) (Pair, error) {
	full, err := b.newFull(TagAdd, TagPayload{Tag: tag})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// TagRemove builds the pair for removing a tag.
func (b Builder) TagRemove(tag string) (Pair, error) {
	full, err := b.newFull(TagRemove, TagPayload{Tag: tag})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// NotePayload is the knot.note_added / knot.handoff_added full-event payload.
type NotePayload struct {
	Text      string `json:"text"`
	Username  string `json:"username"`
	Datetime  string `json:"datetime"`
	AgentName string `json:"agent_name,omitempty"`
	Model     string `json:"model,omitempty"`
	Version   string `json:"version,omitempty"`
}

// NoteAdded builds the pair for appending a note. Pure activity: it touches
// updated_at but does not advance the workflow ETag.
func (b Builder) NoteAdded(p NotePayload) (Pair, error) {
	full, err := b.newFull(NoteAdded, p)
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// HandoffAdded builds the pair for appending a handoff capsule.
func (b Builder) HandoffAdded(p NotePayload) (Pair, error) {
	full, err := b.newFull(HandoffAdded, p)
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// EdgePayload is shared by knot.edge_add and knot.edge_remove. Src is
// implicitly KnotID; only the kind and the other endpoint are carried.
type EdgePayload struct {
	Kind string `json:"kind"`
	Dst  string `json:"dst"`
}

// EdgeAdd builds the pair for adding an edge from KnotID to dst.
func (b Builder) EdgeAdd(kind, dst string) (Pair, error) {
	full, err := b.newFull(EdgeAdd, EdgePayload{Kind: kind, Dst: dst})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// EdgeRemove builds the pair for removing an edge from KnotID to dst.
func (b Builder) EdgeRemove(kind, dst string) (Pair, error) {
	full, err := b.newFull(EdgeRemove, EdgePayload{Kind: kind, Dst: dst})
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}

// ReviewDecisionPayload is the knot.review_decision full-event payload.
type ReviewDecisionPayload struct {
	Outcome          string   `json:"outcome"`
	RejectCategories []string `json:"reject_categories,omitempty"`
}

// ReviewDecision builds the pair for recording a review outcome.
func (b Builder) ReviewDecision(p ReviewDecisionPayload) (Pair, error) {
	full, err := b.newFull(ReviewDecisionType, p)
	if err != nil {
		return Pair{}, err
	}

	idx := b.newIndex(full, Head{})

	return Pair{Full: full, Index: idx}, nil
}
