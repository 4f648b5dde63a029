// Package doc composes the core CRDT primitives into the collaborative
// Markdown document model: blocks, block kinds, tables, and the editing
// operations that keep a document's text and formatting consistent across
// peers.
package doc

import (
	"github.com/google/uuid"

	crdt "github.com/Latent-Infinity/md-crdt"
)

// BlockID is a block's stable identity, independent of its position in
// the sequence (which is tracked separately by ElemID). It survives
// edits, reordering, and external-file reconciliation (see the filesync
// package), and is persisted as part of the serialized state.
type BlockID = uuid.UUID

// NewBlockID returns a fresh random block identity.
func NewBlockID() BlockID {
	return uuid.New()
}

// BlockKind discriminates the variants a Block may take. Dispatch on kind
// is a plain switch rather than an interface hierarchy: the set of kinds
// is closed and known in full here.
type BlockKind int

const (
	Paragraph BlockKind = iota
	CodeFence
	BlockQuote
	RawBlock
	TableBlock
)

func (k BlockKind) String() string {
	switch k {
	case Paragraph:
		return "paragraph"
	case CodeFence:
		return "code_fence"
	case BlockQuote:
		return "block_quote"
	case RawBlock:
		return "raw_block"
	case TableBlock:
		return "table"
	default:
		return "unknown"
	}
}

// ColumnAlignment is a table column's declared text alignment.
type ColumnAlignment int

const (
	AlignNone ColumnAlignment = iota
	AlignLeft
	AlignCenter
	AlignRight
)

// ColumnDef describes one table column.
type ColumnDef struct {
	Name  string
	Align ColumnAlignment
}

// TableRow is one row of a Table. Cells are keyed by column index; both
// cell contents and the deleted flag are last-writer-wins so that
// concurrent edits to the same row converge without coordination.
type TableRow struct {
	ID      BlockID
	Cells   *crdt.Map[int, string]
	Deleted crdt.LwwRegister[bool]
}

// NewTableRow returns a row with no cells set and Deleted defaulted to
// false under opID.
func NewTableRow(opID crdt.OpId) *TableRow {
	return &TableRow{
		ID:      NewBlockID(),
		Cells:   crdt.NewMap[int, string](),
		Deleted: crdt.NewLwwRegister(false, opID),
	}
}

// Table is a block's table payload: LWW-held shape (deletion, columns,
// header) plus a sequence of rows so rows can be inserted, reordered, and
// (tombstone) deleted under the same causal rules as any other sequence
// member.
type Table struct {
	Deleted crdt.LwwRegister[bool]
	Columns crdt.LwwRegister[[]ColumnDef]
	Header  crdt.LwwRegister[[]string]
	Rows    *crdt.Sequence[*TableRow]
}

// NewTable returns an empty table shaped by columns and header, both
// attributed to opID.
func NewTable(columns []ColumnDef, header []string, opID crdt.OpId) *Table {
	return &Table{
		Deleted: crdt.NewLwwRegister(false, opID),
		Columns: crdt.NewLwwRegister(columns, opID),
		Header:  crdt.NewLwwRegister(header, opID),
		Rows:    crdt.NewSequence[*TableRow](),
	}
}

// Block is a single document block: a stable identity, its position in
// the document's block sequence, a kind-tagged payload, and the mark set
// that formats its text (where applicable).
type Block struct {
	ID     BlockID
	ElemID crdt.OpId
	Kind   BlockKind

	// Text holds the block's character content as a nested sequence CRDT
	// for Paragraph, CodeFence, and RawBlock kinds: each character gets
	// its own OpId so that concurrent edits at different offsets, and
	// precise grapheme-boundary inserts, converge the same way a block's
	// own position does.
	Text *crdt.Sequence[rune]

	// Info is a CodeFence's info string (e.g. "go" in ```go). It is not
	// itself collaboratively edited at sub-string granularity; the whole
	// fence is typically rewritten at once, so a plain string suffices.
	Info string

	// Children holds a BlockQuote's nested blocks. The child sequence is
	// exclusively owned by this Block: no other Block or Document may
	// reference it.
	Children *crdt.Sequence[*Block]

	// Table holds a TableBlock's payload.
	Table *Table

	Marks *crdt.MarkSet
}

// NewBlock returns a Block of the given kind, with ElemID assigned and an
// empty MarkSet, ready for its kind-specific payload to be populated.
func NewBlock(kind BlockKind, elemID crdt.OpId) *Block {
	b := &Block{
		ID:     NewBlockID(),
		ElemID: elemID,
		Kind:   kind,
		Marks:  crdt.NewMarkSet(),
	}
	switch kind {
	case Paragraph, CodeFence, RawBlock:
		b.Text = crdt.NewSequence[rune]()
	case BlockQuote:
		b.Children = crdt.NewSequence[*Block]()
	case TableBlock:
		b.Table = NewTable(nil, nil, elemID)
	}
	return b
}

// PlainText returns the block's current visible text as a string, for
// kinds that carry one (Paragraph, CodeFence, RawBlock). It returns the
// empty string for BlockQuote and TableBlock.
func (b *Block) PlainText() string {
	if b.Text == nil {
		return ""
	}
	return string(b.Text.Values())
}
