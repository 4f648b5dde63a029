// Package filesync reconciles an externally edited Markdown file against
// the CRDT state last flushed for it: fingerprinting blocks, matching old
// and new block sets, and persisting the reconciliation state to disk
// through a Vault.
package filesync

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Latent-Infinity/md-crdt/doc"
)

const (
	fnvOffset64 uint64 = 0xCBF29CE484222325
	fnvPrime64  uint64 = 0x100000001B3
)

// HashString computes the FNV-1a 64-bit hash of s over its UTF-8 bytes.
// Every peer performing reconciliation MUST use this exact hash: it is
// part of the wire protocol, not an implementation detail, since two
// peers disagreeing on it would produce incomparable fingerprints.
func HashString(s string) uint64 {
	hash := fnvOffset64
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= fnvPrime64
	}
	return hash
}

// Fingerprint is a token-set summary of a block's content: a sorted,
// deduplicated multiset of token hashes plus the raw content length.
type Fingerprint struct {
	Tokens []uint64
	Len    int
}

// NewFingerprint splits content on whitespace, hashes each token, and
// returns the sorted deduplicated result.
func NewFingerprint(content string) Fingerprint {
	fields := strings.Fields(content)
	tokens := make([]uint64, 0, len(fields))
	for _, f := range fields {
		tokens = append(tokens, HashString(f))
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	tokens = dedupSorted(tokens)
	return Fingerprint{Tokens: tokens, Len: len(content)}
}

func dedupSorted(xs []uint64) []uint64 {
	if len(xs) == 0 {
		return xs
	}
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

// similarity returns the Jaccard similarity of a and b's token sets,
// scaled to [0, 10000]. Two empty token sets are defined as identical
// (10000); one empty and one non-empty set score 0.
func similarity(a, b Fingerprint) uint32 {
	if len(a.Tokens) == 0 && len(b.Tokens) == 0 {
		return 10000
	}
	if len(a.Tokens) == 0 || len(b.Tokens) == 0 {
		return 0
	}
	var intersection, union uint32
	i, j := 0, 0
	for i < len(a.Tokens) && j < len(b.Tokens) {
		switch {
		case a.Tokens[i] == b.Tokens[j]:
			intersection++
			union++
			i++
			j++
		case a.Tokens[i] < b.Tokens[j]:
			union++
			i++
		default:
			union++
			j++
		}
	}
	union += uint32((len(a.Tokens) - i) + (len(b.Tokens) - j))
	if union == 0 {
		return 0
	}
	return intersection * 10000 / union
}

// BlockFingerprint is one non-container block's fingerprint as recorded
// in a LastFlushedState: its stable identity, content fingerprint,
// enclosing container path, and position among its siblings.
type BlockFingerprint struct {
	BlockID       doc.BlockID
	Fingerprint   Fingerprint
	ContainerPath []int
	Position      int
}

// ParsedBlock is the same information computed for a freshly reparsed
// file, before block identities have been assigned or recovered — hence
// no BlockID field.
type ParsedBlock struct {
	Fingerprint   Fingerprint
	ContainerPath []int
	Position      int
}

// blockContent renders a block's content with a kind discriminator
// prefix, so that e.g. a paragraph and a raw block with identical text
// never fingerprint identically.
func blockContent(b *doc.Block) string {
	switch b.Kind {
	case doc.Paragraph:
		return "p:" + b.PlainText()
	case doc.CodeFence:
		return fmt.Sprintf("code:%s:%s", b.Info, b.PlainText())
	case doc.RawBlock:
		return "raw:" + b.PlainText()
	case doc.BlockQuote:
		var parts []string
		for _, c := range b.Children.Values() {
			parts = append(parts, blockContent(c))
		}
		return "quote:" + strings.Join(parts, "\n\n")
	case doc.TableBlock:
		return tableContent(b.Table)
	default:
		return ""
	}
}

func tableContent(t *doc.Table) string {
	if t == nil {
		return "table"
	}
	header, _ := t.Header.Get()
	parts := []string{"table", strings.Join(header, "|")}
	for _, row := range t.Rows.Values() {
		cols, _ := t.Columns.Get()
		cells := make([]string, len(cols))
		for i := range cols {
			if v, ok := row.Cells.Get(i); ok {
				cells[i] = v
			}
		}
		parts = append(parts, strings.Join(cells, "|"))
	}
	return strings.Join(parts, "\n")
}

// FingerprintDocument computes the BlockFingerprint for every non-
// container block in d, in document order, with container paths
// recording the positional index of each enclosing BlockQuote.
func FingerprintDocument(d *doc.Document) []BlockFingerprint {
	var out []BlockFingerprint
	collectFingerprints(d.Blocks.Values(), nil, &out)
	return out
}

func collectFingerprints(blocks []*doc.Block, path []int, out *[]BlockFingerprint) {
	for i, b := range blocks {
		if b.Kind == doc.BlockQuote {
			collectFingerprints(b.Children.Values(), append(append([]int{}, path...), i), out)
			continue
		}
		*out = append(*out, BlockFingerprint{
			BlockID:       b.ID,
			Fingerprint:   NewFingerprint(blockContent(b)),
			ContainerPath: append([]int{}, path...),
			Position:      i,
		})
	}
}

// ParsedBlocksFromDocument computes the ParsedBlock set for a freshly
// parsed document, in the same order and with the same container-path
// convention as FingerprintDocument, so the two are comparable via
// MatchBlocks.
func ParsedBlocksFromDocument(d *doc.Document) []ParsedBlock {
	var out []ParsedBlock
	collectParsed(d.Blocks.Values(), nil, &out)
	return out
}

func collectParsed(blocks []*doc.Block, path []int, out *[]ParsedBlock) {
	for i, b := range blocks {
		if b.Kind == doc.BlockQuote {
			collectParsed(b.Children.Values(), append(append([]int{}, path...), i), out)
			continue
		}
		*out = append(*out, ParsedBlock{
			Fingerprint:   NewFingerprint(blockContent(b)),
			ContainerPath: append([]int{}, path...),
			Position:      i,
		})
	}
}
