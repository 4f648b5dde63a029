package crdt

import "sort"

// AnchorBias selects which side of an element an Anchor resolves to.
type AnchorBias int

const (
	// Before resolves to the element's own visible index.
	Before AnchorBias = iota
	// After resolves to the index just past the element, clamped to the
	// visible length.
	After
)

// Anchor names a position relative to a sequence element: at it
// (Before) or just past it (After). Anchors are how mark intervals stay
// attached to text as concurrent edits shift visible indices around them.
type Anchor struct {
	ElemID OpId
	Bias   AnchorBias
}

// resolveAnchor converts an anchor to a visible-text index given the
// position of each visible element and the total visible length L.
func resolveAnchor(a Anchor, pos map[OpId]int, visibleLen int) int {
	i, ok := pos[a.ElemID]
	if !ok {
		return visibleLen
	}
	if a.Bias == Before {
		return i
	}
	if i+1 > visibleLen {
		return visibleLen
	}
	return i + 1
}

// MarkKind names the kind of formatting an interval applies (e.g. "bold",
// "italic", "link"). It is an open string tag rather than a closed set so
// that document-model callers can introduce new kinds without touching
// this package.
type MarkKind string

// MarkValue is the payload of a single mark attribute (for example a
// link's href, or a boolean "on" flag for simple toggles). It carries no
// constraint of its own: attribute identity and conflict resolution are
// handled entirely by the LwwRegister that wraps it.
type MarkValue any

// MarkInterval is one formatting run: a kind applied to the text between
// Start and End, with a set of independently last-writer-wins attributes.
type MarkInterval struct {
	ID    OpId
	Kind  MarkKind
	Start Anchor
	End   Anchor
	Attrs *Map[string, MarkValue]
	OpID  OpId
}

// RemoveMark records that a peer removed an interval, along with the
// state vector it had observed at the time. The observed vector, not the
// remove's own id, is what decides whether the removal actually beats the
// add (causal-add-wins).
type RemoveMark struct {
	Observed StateVector
	OpID     OpId
}

// MarkSet is the rich-text formatting CRDT: a set of intervals keyed by
// interval id, each optionally deactivated by a remove entry.
type MarkSet struct {
	intervals map[OpId]*MarkInterval
	removes   map[OpId]*RemoveMark
}

// NewMarkSet returns an empty MarkSet.
func NewMarkSet() *MarkSet {
	return &MarkSet{
		intervals: make(map[OpId]*MarkInterval),
		removes:   make(map[OpId]*RemoveMark),
	}
}

// SetMark creates or updates the interval named by intervalID. If the
// interval already exists, its geometry and kind are replaced only if
// opID is not less than the stored op id (LWW on shape); regardless of
// whether the shape update is accepted, each incoming attribute is merged
// into its own LwwRegister independently.
func (ms *MarkSet) SetMark(intervalID OpId, kind MarkKind, start, end Anchor, attrs map[string]MarkValue, opID OpId) {
	interval, exists := ms.intervals[intervalID]
	if !exists {
		interval = &MarkInterval{
			ID:    intervalID,
			Kind:  kind,
			Start: start,
			End:   end,
			Attrs: NewMap[string, MarkValue](),
			OpID:  opID,
		}
		ms.intervals[intervalID] = interval
	} else if opID.Compare(interval.OpID) >= 0 {
		interval.Kind = kind
		interval.Start = start
		interval.End = end
		interval.OpID = opID
	}
	for k, v := range attrs {
		interval.Attrs.Set(k, v, opID)
	}
}

// RemoveMarkOp deactivates the interval named by intervalID, recording
// the state vector the remover had observed. A later remove (by op id)
// replaces an earlier one; a tie keeps the incoming (replayed) entry,
// which keeps RemoveMarkOp idempotent.
func (ms *MarkSet) RemoveMarkOp(intervalID OpId, observed StateVector, opID OpId) {
	existing, ok := ms.removes[intervalID]
	if ok && opID.Less(existing.OpID) {
		return
	}
	ms.removes[intervalID] = &RemoveMark{Observed: observed, OpID: opID}
}

// IsActive reports whether the interval named by id is currently active:
// present, and either never removed or removed by an entry whose observed
// state vector did not see the add. Implementations must not compare the
// remove's own op id against the interval's id directly — only the
// observed vector is a valid witness.
func (ms *MarkSet) IsActive(id OpId) bool {
	_, ok := ms.intervals[id]
	if !ok {
		return false
	}
	remove, hasRemove := ms.removes[id]
	if !hasRemove {
		return true
	}
	seen := remove.Observed.Get(id.Peer)
	return seen < id.Counter
}

// Interval returns the interval named by id, regardless of activity.
func (ms *MarkSet) Interval(id OpId) (*MarkInterval, bool) {
	iv, ok := ms.intervals[id]
	return iv, ok
}

// ActiveIntervals returns every currently active interval, sorted by id
// for determinism.
func (ms *MarkSet) ActiveIntervals() []*MarkInterval {
	out := make([]*MarkInterval, 0, len(ms.intervals))
	for id, iv := range ms.intervals {
		if ms.IsActive(id) {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Span is a maximal contiguous run of visible-text positions sharing
// exactly the same active mark set.
type Span struct {
	Start int
	End   int
	Marks []OpId
}

// RenderSpans computes the formatting spans over a visible-text region
// of length L, given the position index of each visible element
// (element id -> visible index). The result partitions [0, L) with no
// gaps or overlaps (invariant: span partition).
func (ms *MarkSet) RenderSpans(pos map[OpId]int, length int) []Span {
	marksAt := make([][]OpId, length)
	for _, interval := range ms.ActiveIntervals() {
		from := resolveAnchor(interval.Start, pos, length)
		to := resolveAnchor(interval.End, pos, length)
		if from < 0 {
			from = 0
		}
		if to > length {
			to = length
		}
		for i := from; i < to; i++ {
			marksAt[i] = append(marksAt[i], interval.ID)
		}
	}
	for i := range marksAt {
		sort.Slice(marksAt[i], func(a, b int) bool { return marksAt[i][a].Less(marksAt[i][b]) })
	}

	spans := make([]Span, 0)
	i := 0
	for i < length {
		j := i + 1
		for j < length && sameMarks(marksAt[i], marksAt[j]) {
			j++
		}
		spans = append(spans, Span{Start: i, End: j, Marks: marksAt[i]})
		i = j
	}
	return spans
}

func sameMarks(a, b []OpId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
