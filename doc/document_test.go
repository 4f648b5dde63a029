package doc

import (
	"testing"

	crdt "github.com/Latent-Infinity/md-crdt"
)

func TestParseParagraphsAndSerializeRoundTrip(t *testing.T) {
	src := "Hello world.\n\nSecond paragraph."
	d, err := Parse(src)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if d.Blocks.LenVisible() != 2 {
		t.Fatalf("expected 2 blocks, got %d", d.Blocks.LenVisible())
	}
	if got := d.SerializeWithConfig(SerializeConfig{Equivalence: Exact, PreferRawSource: true}); got != src {
		t.Fatalf("expected exact round trip, got %q", got)
	}
	if got := d.SerializeWithConfig(SerializeConfig{Equivalence: Structural}); got != src {
		t.Fatalf("expected structural round trip on already-clean input, got %q", got)
	}
}

func TestParseCodeFenceAndRawBlock(t *testing.T) {
	src := "```go\nfmt.Println(1)\n```\n\n:::\nraw stuff\n:::"
	d, err := Parse(src)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	blocks := d.Blocks.Values()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Kind != CodeFence || blocks[0].Info != "go" {
		t.Fatalf("expected code fence with info 'go', got %+v", blocks[0])
	}
	if blocks[0].PlainText() != "fmt.Println(1)" {
		t.Fatalf("unexpected fence content: %q", blocks[0].PlainText())
	}
	if blocks[1].Kind != RawBlock || blocks[1].PlainText() != "raw stuff" {
		t.Fatalf("unexpected raw block: %+v", blocks[1])
	}
}

func TestBlockQuoteHierarchy(t *testing.T) {
	src := "> inner text"
	d, err := Parse(src)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	blocks := d.Blocks.Values()
	if len(blocks) != 1 || blocks[0].Kind != BlockQuote {
		t.Fatalf("expected one blockquote, got %+v", blocks)
	}
	children := blocks[0].Children.Values()
	if len(children) != 1 || children[0].PlainText() != "inner text" {
		t.Fatalf("unexpected blockquote children: %+v", children)
	}
	if _, ok := d.BlockByID(children[0].ID); !ok {
		t.Fatalf("expected nested block to be indexed by id")
	}
}

func TestStructuralEquivalenceCanonicalizesWhitespace(t *testing.T) {
	src := "Para one.   \n\n\n\nPara two."
	d, err := Parse(src)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	got := d.SerializeWithConfig(SerializeConfig{Equivalence: Structural})
	want := "Para one.\n\nPara two."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInsertTextGraphemeOffsets(t *testing.T) {
	d, err := Parse("a\U0001F1FA\U0001F1F8b")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	blockID := d.Blocks.Values()[0].ID

	if _, err := d.InsertText(blockID, 1, "-", crdt.OpId{Counter: 1000, Peer: 1}); err != nil {
		t.Fatalf("expected insert at grapheme boundary 1 to succeed: %v", err)
	}
	got := d.Blocks.Values()[0].PlainText()
	want := "a-\U0001F1FA\U0001F1F8b"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRawApplyOpGraphemeValidationRejectsSplitCluster(t *testing.T) {
	d, err := Parse("a\U0001F1FA\U0001F1F8b")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	b := d.Blocks.Values()[0]
	visible := b.Text.VisibleIDs()
	// visible[1] is the first regional-indicator rune; anchoring After
	// it lands between the two RIs, splitting the flag cluster.
	after := visible[1]
	op := EditOp{InsertChars: &InsertCharsOp{
		BlockID: b.ID,
		After:   &after,
		Chars:   []rune("-"),
		IDs:     []crdt.OpId{{Counter: 2000, Peer: 1}},
	}}
	if err := d.RawApplyOp(op, true); err == nil {
		t.Fatalf("expected InvalidGraphemeBoundaryError")
	} else if _, ok := err.(InvalidGraphemeBoundaryError); !ok {
		t.Fatalf("expected InvalidGraphemeBoundaryError, got %T: %v", err, err)
	}
}

func TestRemoveMarkSplitsIntervalOnPartialRemoval(t *testing.T) {
	d := NewDocument()
	b := NewBlock(Paragraph, crdt.OpId{Counter: 1, Peer: 0})
	var after *crdt.OpId
	ids := make([]crdt.OpId, 5)
	for i, r := range []rune("abcde") {
		id := crdt.OpId{Counter: uint64(10 + i), Peer: 0}
		b.Text.Insert(after, r, id)
		ids[i] = id
		after = &id
	}
	d.AddBlock(nil, b)

	// Mirrors spec.md §8 scenario 5 literally: interval {10,0} split
	// produces remnants {11,0} and {12,0} — derived from the interval's
	// own add id, regardless of which peer (and which id) performs the
	// remove.
	addID := crdt.OpId{Counter: 10, Peer: 0}
	start := crdt.Anchor{ElemID: ids[0], Bias: crdt.Before}
	end := crdt.Anchor{ElemID: ids[4], Bias: crdt.After}
	b.Marks.SetMark(addID, "bold", start, end, map[string]crdt.MarkValue{"k": "v"}, addID)

	removeID := crdt.OpId{Counter: 200, Peer: 1}
	midStart := crdt.Anchor{ElemID: ids[1], Bias: crdt.Before}
	midEnd := crdt.Anchor{ElemID: ids[3], Bias: crdt.Before}
	if _, err := d.RemoveMark(b.ID, addID, removeID, midStart, midEnd); err != nil {
		t.Fatalf("remove_mark failed: %v", err)
	}

	if b.Marks.IsActive(addID) {
		t.Fatalf("expected original interval to be deactivated")
	}
	leftID := crdt.OpId{Counter: addID.Counter + 1, Peer: addID.Peer}
	rightID := crdt.OpId{Counter: addID.Counter + 2, Peer: addID.Peer}
	if !b.Marks.IsActive(leftID) {
		t.Fatalf("expected left remnant interval to be active")
	}
	if !b.Marks.IsActive(rightID) {
		t.Fatalf("expected right remnant interval to be active")
	}
	left, _ := b.Marks.Interval(leftID)
	if left.Start != start || left.End != midStart {
		t.Fatalf("unexpected left remnant bounds: %+v", left)
	}
	right, _ := b.Marks.Interval(rightID)
	if right.Start != midEnd || right.End != end {
		t.Fatalf("unexpected right remnant bounds: %+v", right)
	}
}

func TestInsertTextUnknownBlockReturnsError(t *testing.T) {
	d := NewDocument()
	_, err := d.InsertText(NewBlockID(), 0, "x", crdt.OpId{Counter: 1, Peer: 1})
	if _, ok := err.(BlockNotFoundError); !ok {
		t.Fatalf("expected BlockNotFoundError, got %v", err)
	}
}
