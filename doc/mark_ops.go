package doc

import crdt "github.com/Latent-Infinity/md-crdt"

// expandMarksForInsert extends any active mark whose End anchor sits
// immediately after the insertion point so that newly typed text stays
// inside the formatting run rather than appearing just past it. Without
// this, typing at the end of a bold word would silently produce unbolded
// text.
func expandMarksForInsert(ms *crdt.MarkSet, after *crdt.OpId, insertedIDs []crdt.OpId) {
	if after == nil || len(insertedIDs) == 0 {
		return
	}
	lastID := insertedIDs[len(insertedIDs)-1]
	for _, iv := range ms.ActiveIntervals() {
		if iv.End.ElemID == *after && iv.End.Bias == crdt.After {
			iv.End = crdt.Anchor{ElemID: lastID, Bias: crdt.After}
		}
	}
}

// splitMarkOnRemoval synthesizes the left and right remnants of interval
// when [anchorStart, anchorEnd) removes a strict sub-range of it,
// preserving the surviving attribute sets under new ids derived from the
// interval's own add id (Counter+1 for the left remnant, Counter+2 for the
// right) rather than the remover's id, so that any peer independently
// removing an overlapping sub-range of the same interval computes the same
// canonical remnant ids. Either remnant is omitted if the removal range
// reaches that edge of the original interval.
func splitMarkOnRemoval(ms *crdt.MarkSet, interval *crdt.MarkInterval, anchorStart, anchorEnd crdt.Anchor) {
	attrs := copyAttrs(interval)
	addID := interval.ID

	if anchorStart != interval.Start {
		leftID := crdt.OpId{Counter: addID.Counter + 1, Peer: addID.Peer}
		ms.SetMark(leftID, interval.Kind, interval.Start, anchorStart, attrs, leftID)
	}
	if anchorEnd != interval.End {
		rightID := crdt.OpId{Counter: addID.Counter + 2, Peer: addID.Peer}
		ms.SetMark(rightID, interval.Kind, anchorEnd, interval.End, attrs, rightID)
	}
}

func copyAttrs(interval *crdt.MarkInterval) map[string]crdt.MarkValue {
	out := make(map[string]crdt.MarkValue, interval.Attrs.Len())
	for _, k := range interval.Attrs.Keys() {
		if v, ok := interval.Attrs.Get(k); ok {
			out[k] = v
		}
	}
	return out
}
