package crdt

import "sort"

// rootKey is the sentinel "after" key used for elements inserted at the
// head of a sequence (After == nil). Counter 0 is reserved by OpId and is
// never assigned to a real element, so it is safe to reuse as the virtual
// root's key in the children map.
var rootKey = OpId{}

// Element is a single member of a Sequence. A nil Value marks a
// tombstone: the element's identity and position are retained so that
// later operations can still reference it (invariant S3), but it
// contributes nothing to the visible sequence.
//
// After names the left neighbor at insert time ("origin"); RightOrigin
// names whatever element was immediately to the right of the insert
// position at that same moment. RightOrigin exists purely to break ties
// between concurrent siblings inserted after the same anchor; it is
// consulted only when a sibling group is sorted.
type Element[T any] struct {
	ID          OpId
	Value       *T
	After       *OpId
	RightOrigin *OpId
}

// InsertOp is the operation form of an Element creation, as exchanged
// between peers. A peer that performs a local insert computes RightOrigin
// itself from its current view of the sequence; a peer applying a remote
// op takes RightOrigin as given.
type InsertOp[T any] struct {
	ID          OpId
	After       *OpId
	Value       T
	RightOrigin *OpId
}

// DeleteOp turns the element named by Target into a tombstone. ID is
// retained only as causality context; the tombstone keeps Target's
// original identity.
type DeleteOp struct {
	ID     OpId
	Target OpId
}

// SequenceOp is the union of the two operations a Sequence accepts
// through Apply. Exactly one field is set.
type SequenceOp[T any] struct {
	Insert *InsertOp[T]
	Delete *DeleteOp
}

// ApplyOutcome reports what Apply did with an operation.
type ApplyOutcome int

const (
	// Applied means the operation took effect immediately.
	Applied ApplyOutcome = iota
	// Buffered means the operation's causal dependency was missing and
	// it has been queued for later delivery.
	Buffered
	// Ignored means the operation's id was already present; Apply is
	// idempotent and performed no further work.
	Ignored
)

// Sequence is an ordered collection of Elements that converges under
// concurrent insert/delete from arbitrary peers delivered in any order.
// The visible order is reconstructed deterministically from the full set
// of applied operations (invariant S4): it does not depend on arrival
// order, only on the operations' causal structure.
type Sequence[T any] struct {
	elements map[OpId]*Element[T]

	pendingInserts map[OpId][]InsertOp[T]
	pendingDeletes map[OpId][]DeleteOp

	dirty   bool
	order   []OpId
	visible []OpId
	pos     map[OpId]int
}

// NewSequence returns an empty Sequence.
func NewSequence[T any]() *Sequence[T] {
	return &Sequence[T]{
		elements:       make(map[OpId]*Element[T]),
		pendingInserts: make(map[OpId][]InsertOp[T]),
		pendingDeletes: make(map[OpId][]DeleteOp),
	}
}

// Insert creates a new element holding value after the element named by
// after (or at the head of the sequence if after is nil), using id as the
// new element's identity. The sequence derives RightOrigin from its
// current state before applying the operation. The caller is responsible
// for ensuring id is unique and, for a live editing session, for issuing
// strictly increasing counters per peer.
func (s *Sequence[T]) Insert(after *OpId, value T, id OpId) ApplyOutcome {
	ro := s.rightOriginAt(after)
	return s.Apply(SequenceOp[T]{Insert: &InsertOp[T]{ID: id, After: after, Value: value, RightOrigin: ro}})
}

// Delete turns the element named by target into a tombstone. id is
// recorded only as causality context.
func (s *Sequence[T]) Delete(target OpId, id OpId) ApplyOutcome {
	return s.Apply(SequenceOp[T]{Delete: &DeleteOp{ID: id, Target: target}})
}

// Apply is the canonical entry point for both locally originated and
// remotely received operations. It is idempotent: applying the same op id
// twice has no additional effect.
func (s *Sequence[T]) Apply(op SequenceOp[T]) ApplyOutcome {
	switch {
	case op.Insert != nil:
		return s.applyInsert(*op.Insert)
	case op.Delete != nil:
		return s.applyDelete(*op.Delete)
	default:
		return Ignored
	}
}

func (s *Sequence[T]) applyInsert(ins InsertOp[T]) ApplyOutcome {
	if _, exists := s.elements[ins.ID]; exists {
		return Ignored
	}
	if ins.After != nil {
		if _, ok := s.elements[*ins.After]; !ok {
			s.pendingInserts[*ins.After] = append(s.pendingInserts[*ins.After], ins)
			return Buffered
		}
	}
	s.insertElement(ins)
	s.drain(ins.ID)
	return Applied
}

func (s *Sequence[T]) insertElement(ins InsertOp[T]) {
	value := ins.Value
	s.elements[ins.ID] = &Element[T]{
		ID:          ins.ID,
		Value:       &value,
		After:       ins.After,
		RightOrigin: ins.RightOrigin,
	}
	s.dirty = true
}

func (s *Sequence[T]) applyDelete(del DeleteOp) ApplyOutcome {
	el, ok := s.elements[del.Target]
	if !ok {
		s.pendingDeletes[del.Target] = append(s.pendingDeletes[del.Target], del)
		return Buffered
	}
	el.Value = nil
	s.dirty = true
	return Applied
}

// drain releases operations waiting on released, using an explicit work
// queue rather than recursion so that causal chains of arbitrary depth
// (character-by-character typing produces one element per keystroke, each
// anchored on the previous) resolve without risking stack exhaustion.
func (s *Sequence[T]) drain(released OpId) {
	queue := []OpId{released}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if ops, ok := s.pendingInserts[cur]; ok {
			delete(s.pendingInserts, cur)
			for _, ins := range ops {
				s.insertElement(ins)
				queue = append(queue, ins.ID)
			}
		}
		if dels, ok := s.pendingDeletes[cur]; ok {
			delete(s.pendingDeletes, cur)
			for _, del := range dels {
				if el, ok := s.elements[del.Target]; ok {
					el.Value = nil
					s.dirty = true
				}
			}
		}
	}
}

// UpdateValue replaces an element's current payload in place without
// issuing a CRDT operation. This is not itself a CRDT operation: the
// sequence merely exposes the payload slot, and it is the caller's
// responsibility (the document model, replaying a deterministic EditOp)
// to ensure updates are themselves ordered. It reports false if id is not
// present or is currently a tombstone.
func (s *Sequence[T]) UpdateValue(id OpId, value T) bool {
	el, ok := s.elements[id]
	if !ok || el.Value == nil {
		return false
	}
	*el.Value = value
	return true
}

// GetElement returns the element named by id, including tombstones.
func (s *Sequence[T]) GetElement(id OpId) (*Element[T], bool) {
	el, ok := s.elements[id]
	return el, ok
}

// LenVisible returns the number of non-tombstone elements.
func (s *Sequence[T]) LenVisible() int {
	s.ensureOrder()
	return len(s.visible)
}

// ElementIDs returns every element id, including tombstones, in the
// deterministic total order.
func (s *Sequence[T]) ElementIDs() []OpId {
	s.ensureOrder()
	out := make([]OpId, len(s.order))
	copy(out, s.order)
	return out
}

// VisibleIDs returns the ids of non-tombstone elements in visible order.
func (s *Sequence[T]) VisibleIDs() []OpId {
	s.ensureOrder()
	out := make([]OpId, len(s.visible))
	copy(out, s.visible)
	return out
}

// Values returns the payloads of non-tombstone elements in visible order.
func (s *Sequence[T]) Values() []T {
	s.ensureOrder()
	out := make([]T, 0, len(s.visible))
	for _, id := range s.visible {
		out = append(out, *s.elements[id].Value)
	}
	return out
}

// PendingCount returns the number of operations currently buffered
// waiting on a causal dependency (both inserts and deletes).
func (s *Sequence[T]) PendingCount() int {
	n := 0
	for _, ops := range s.pendingInserts {
		n += len(ops)
	}
	for _, ops := range s.pendingDeletes {
		n += len(ops)
	}
	return n
}

// rightOriginAt returns the element currently immediately to the right
// of after (or the first element if after is nil), for use as a new
// insert's RightOrigin.
func (s *Sequence[T]) rightOriginAt(after *OpId) *OpId {
	s.ensureOrder()
	pos := -1
	if after != nil {
		if p, ok := s.pos[*after]; ok {
			pos = p
		}
	}
	if pos+1 < len(s.order) {
		id := s.order[pos+1]
		return &id
	}
	return nil
}

func (s *Sequence[T]) ensureOrder() {
	if !s.dirty && s.order != nil {
		return
	}
	s.rebuildOrder()
}

// rebuildOrder reconstructs the deterministic visible order from scratch:
// group elements by their After parent, sort each sibling group with the
// right-origin tie-break comparator, then flatten the resulting tree with
// an iterative (stack-based, non-recursive) preorder traversal. Using an
// explicit stack rather than function recursion keeps deep insertion
// chains (e.g. a long paragraph typed character by character, each
// anchored on the previous) from exhausting the call stack.
func (s *Sequence[T]) rebuildOrder() {
	children := make(map[OpId][]OpId, len(s.elements))
	for id, el := range s.elements {
		key := rootKey
		if el.After != nil {
			key = *el.After
		}
		children[key] = append(children[key], id)
	}
	for key, ids := range children {
		sorted := ids
		sort.Slice(sorted, func(i, j int) bool {
			return siblingLess(s.elements[sorted[i]], s.elements[sorted[j]])
		})
		children[key] = sorted
	}

	order := make([]OpId, 0, len(s.elements))
	stack := make([]OpId, 0, len(s.elements))
	pushChildren := func(parent OpId) {
		kids := children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	pushChildren(rootKey)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, cur)
		pushChildren(cur)
	}

	pos := make(map[OpId]int, len(order))
	visible := make([]OpId, 0, len(order))
	for i, id := range order {
		pos[id] = i
		if s.elements[id].Value != nil {
			visible = append(visible, id)
		}
	}

	s.order = order
	s.pos = pos
	s.visible = visible
	s.dirty = false
}

// siblingLess implements the comparator table from the sequence's
// ordering rule: elements that share the same parent (After) are ordered
// by comparing their RightOrigin at the time they were inserted.
func siblingLess[T any](a, b *Element[T]) bool {
	switch {
	case a.RightOrigin != nil && b.RightOrigin != nil && *a.RightOrigin == *b.RightOrigin:
		// Both claim the same right neighbor: newer (greater) id wins
		// the position closer to that neighbor, i.e. descending id.
		return b.ID.Less(a.ID)
	case a.RightOrigin != nil && b.RightOrigin != nil:
		return a.RightOrigin.Less(*b.RightOrigin)
	case a.RightOrigin != nil && b.RightOrigin == nil:
		// a has a right-neighbor constraint; b was inserted at the
		// tail and must not interleave into the run a belongs to.
		return true
	case a.RightOrigin == nil && b.RightOrigin != nil:
		return false
	default:
		return b.ID.Less(a.ID)
	}
}
