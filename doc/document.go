package doc

import (
	"fmt"

	"github.com/rivo/uniseg"

	crdt "github.com/Latent-Infinity/md-crdt"
)

// BlockNotFoundError is returned when an editing operation names a block
// id that is not present in the document.
type BlockNotFoundError struct {
	BlockID BlockID
}

func (e BlockNotFoundError) Error() string {
	return fmt.Sprintf("doc: block %s not found", e.BlockID)
}

// InvalidOffsetError is returned when a grapheme offset (or, for
// raw_apply_op replay, an unknown mark interval) is out of range.
type InvalidOffsetError struct {
	BlockID BlockID
	Offset  int
}

func (e InvalidOffsetError) Error() string {
	return fmt.Sprintf("doc: invalid offset %d in block %s", e.Offset, e.BlockID)
}

// InvalidGraphemeBoundaryError is returned when strict grapheme
// validation is requested and the target position falls inside a
// grapheme cluster rather than between two clusters.
type InvalidGraphemeBoundaryError struct {
	BlockID   BlockID
	RuneIndex int
}

func (e InvalidGraphemeBoundaryError) Error() string {
	return fmt.Sprintf("doc: position %d in block %s is not a grapheme boundary", e.RuneIndex, e.BlockID)
}

// InsertCharsOp is the recorded form of an insert_text call: one OpId per
// inserted character, anchored on the element that was immediately to
// its left when the insert happened. Recording per-character ids (rather
// than a byte/rune offset) makes the op replayable and mergeable under
// concurrent edits the same way any other sequence insert is.
type InsertCharsOp struct {
	BlockID BlockID
	After   *crdt.OpId
	Chars   []rune
	IDs     []crdt.OpId
}

// RemoveMarkRangeOp is the recorded form of a remove_mark call.
type RemoveMarkRangeOp struct {
	BlockID     BlockID
	AddID       crdt.OpId
	RemoveID    crdt.OpId
	Observed    crdt.StateVector
	AnchorStart crdt.Anchor
	AnchorEnd   crdt.Anchor
}

// EditOp is the union of operations a Document can replay via
// RawApplyOp. Exactly one field is set.
type EditOp struct {
	InsertChars *InsertCharsOp
	RemoveMark  *RemoveMarkRangeOp
}

// Document is a parsed, collaboratively editable Markdown document: an
// optional frontmatter string, the sequence of top-level blocks, and an
// optional cached raw source enabling byte-exact re-serialization.
type Document struct {
	Frontmatter *string
	Blocks      *crdt.Sequence[*Block]
	RawSource   *string

	// seen is this replica's running state vector: the highest counter
	// observed for each peer across every op this Document has applied
	// (including those assigned by the parser under peer 0). It is the
	// "observed" witness recorded into each remove-mark entry, so that a
	// later causal-add-wins check can tell whether the remover's replica
	// had already seen the add.
	seen crdt.StateVector

	byID map[BlockID]*Block
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Blocks: crdt.NewSequence[*Block](),
		seen:   crdt.NewStateVector(),
		byID:   make(map[BlockID]*Block),
	}
}

// observe raises the document's running state vector for id's peer, if
// id carries a higher counter than previously recorded.
func (d *Document) observe(id crdt.OpId) {
	d.seen.ObserveID(id)
}

func (d *Document) index(b *Block) {
	if d.byID == nil {
		d.byID = make(map[BlockID]*Block)
	}
	d.byID[b.ID] = b
	d.observe(b.ElemID)
	if b.Text != nil {
		for _, id := range b.Text.ElementIDs() {
			d.observe(id)
		}
	}
	if b.Kind == BlockQuote && b.Children != nil {
		for _, child := range b.Children.Values() {
			d.index(child)
		}
	}
}

// AddBlock inserts b into the document's top-level block sequence after
// the block named by after (nil for the head), recording every observed
// id along the way.
func (d *Document) AddBlock(after *crdt.OpId, b *Block) {
	d.Blocks.Insert(after, b, b.ElemID)
	d.index(b)
	d.RawSource = nil
}

// BlockByID returns the block named by id, searching nested BlockQuote
// children as well as top-level blocks.
func (d *Document) BlockByID(id BlockID) (*Block, bool) {
	b, ok := d.byID[id]
	return b, ok
}

// InsertText inserts text at the given grapheme offset inside the
// Paragraph-kind block named by blockID. op_id is the id assigned to the
// first inserted character; subsequent characters receive consecutive
// counters from the same peer. It returns the EditOps that resulted (for
// transmission to other peers) so that a remote replica can apply the
// identical operation via RawApplyOp.
func (d *Document) InsertText(blockID BlockID, graphemeOffset int, text string, opID crdt.OpId) ([]EditOp, error) {
	b, ok := d.BlockByID(blockID)
	if !ok {
		return nil, BlockNotFoundError{BlockID: blockID}
	}
	if b.Kind != Paragraph || b.Text == nil {
		return nil, InvalidOffsetError{BlockID: blockID, Offset: graphemeOffset}
	}

	current := b.PlainText()
	bounds := graphemeBoundaries(current)
	if graphemeOffset < 0 || graphemeOffset >= len(bounds) {
		return nil, InvalidOffsetError{BlockID: blockID, Offset: graphemeOffset}
	}
	runeIdx := bounds[graphemeOffset]

	visibleIDs := b.Text.VisibleIDs()
	var after *crdt.OpId
	if runeIdx > 0 {
		id := visibleIDs[runeIdx-1]
		after = &id
	}

	chars := []rune(text)
	ids := make([]crdt.OpId, len(chars))
	cur := after
	for i, r := range chars {
		id := crdt.OpId{Counter: opID.Counter + uint64(i), Peer: opID.Peer}
		b.Text.Insert(cur, r, id)
		ids[i] = id
		cur = &id
		d.observe(id)
	}

	expandMarksForInsert(b.Marks, after, ids)

	d.RawSource = nil
	return []EditOp{{InsertChars: &InsertCharsOp{BlockID: blockID, After: after, Chars: chars, IDs: ids}}}, nil
}

// RemoveMark deactivates the mark interval addID inside block blockID,
// recording this replica's current state vector as the remove's observed
// witness (the causal-add-wins check). If the removal range
// [anchorStart, anchorEnd) is strictly inside the interval, up to two new
// intervals are synthesized to preserve the surviving attribute sets,
// using addID.Counter+1 and +2 as their ids (same peer as addID), so
// that every replica derives the same remnant ids regardless of which
// peer performs the remove.
func (d *Document) RemoveMark(blockID BlockID, addID, removeID crdt.OpId, anchorStart, anchorEnd crdt.Anchor) ([]EditOp, error) {
	b, ok := d.BlockByID(blockID)
	if !ok {
		return nil, BlockNotFoundError{BlockID: blockID}
	}
	interval, ok := b.Marks.Interval(addID)
	if !ok {
		return nil, InvalidOffsetError{BlockID: blockID, Offset: -1}
	}

	observed := d.seen.Clone()
	b.Marks.RemoveMarkOp(addID, observed, removeID)
	d.observe(removeID)

	splitMarkOnRemoval(b.Marks, interval, anchorStart, anchorEnd)

	d.RawSource = nil
	return []EditOp{{RemoveMark: &RemoveMarkRangeOp{
		BlockID:     blockID,
		AddID:       addID,
		RemoveID:    removeID,
		Observed:    observed,
		AnchorStart: anchorStart,
		AnchorEnd:   anchorEnd,
	}}}, nil
}

// RawApplyOp deterministically replays a previously recorded EditOp, as
// received from another peer or reloaded from storage. When
// validateGraphemes is true, an InsertChars replay whose target position
// is not a grapheme-cluster boundary in the current text is rejected with
// InvalidGraphemeBoundaryError.
func (d *Document) RawApplyOp(op EditOp, validateGraphemes bool) error {
	switch {
	case op.InsertChars != nil:
		return d.applyInsertChars(*op.InsertChars, validateGraphemes)
	case op.RemoveMark != nil:
		return d.applyRemoveMarkOp(*op.RemoveMark)
	default:
		return nil
	}
}

func (d *Document) applyInsertChars(ins InsertCharsOp, validateGraphemes bool) error {
	b, ok := d.BlockByID(ins.BlockID)
	if !ok {
		return BlockNotFoundError{BlockID: ins.BlockID}
	}
	if b.Text == nil {
		return InvalidOffsetError{BlockID: ins.BlockID, Offset: 0}
	}

	if validateGraphemes {
		current := b.PlainText()
		runeIdx := 0
		if ins.After != nil {
			visibleIDs := b.Text.VisibleIDs()
			for i, id := range visibleIDs {
				if id == *ins.After {
					runeIdx = i + 1
					break
				}
			}
		}
		if !isGraphemeBoundaryAt(current, runeIdx) {
			return InvalidGraphemeBoundaryError{BlockID: ins.BlockID, RuneIndex: runeIdx}
		}
	}

	cur := ins.After
	for i, r := range ins.Chars {
		b.Text.Apply(crdt.SequenceOp[rune]{Insert: &crdt.InsertOp[rune]{ID: ins.IDs[i], After: cur, Value: r}})
		id := ins.IDs[i]
		cur = &id
		d.observe(id)
	}
	expandMarksForInsert(b.Marks, ins.After, ins.IDs)

	d.RawSource = nil
	return nil
}

func (d *Document) applyRemoveMarkOp(op RemoveMarkRangeOp) error {
	b, ok := d.BlockByID(op.BlockID)
	if !ok {
		return BlockNotFoundError{BlockID: op.BlockID}
	}
	interval, ok := b.Marks.Interval(op.AddID)
	if !ok {
		return InvalidOffsetError{BlockID: op.BlockID, Offset: -1}
	}
	b.Marks.RemoveMarkOp(op.AddID, op.Observed, op.RemoveID)
	d.observe(op.RemoveID)
	splitMarkOnRemoval(b.Marks, interval, op.AnchorStart, op.AnchorEnd)
	d.RawSource = nil
	return nil
}

// graphemeBoundaries returns, in ascending order, every rune index in s
// that is a boundary between two grapheme clusters: 0, the rune-length of
// each successive cluster's end, and therefore len([]rune(s)).
func graphemeBoundaries(s string) []int {
	bounds := []int{0}
	count := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		count += len(gr.Runes())
		bounds = append(bounds, count)
	}
	return bounds
}

func isGraphemeBoundaryAt(s string, runeIdx int) bool {
	for _, b := range graphemeBoundaries(s) {
		if b == runeIdx {
			return true
		}
		if b > runeIdx {
			break
		}
	}
	return false
}
