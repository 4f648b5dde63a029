package doc

import (
	"strings"

	crdt "github.com/Latent-Infinity/md-crdt"
)

// parser assigns fresh, monotonically increasing OpIds under peer 0 to
// every block and character it produces, matching the external-contract
// requirement that parsed input be attributable to a reserved "machine"
// peer distinct from any live editing session.
type parser struct {
	counter uint64
}

func (p *parser) nextID() crdt.OpId {
	id := crdt.OpId{Counter: p.counter, Peer: 0}
	p.counter++
	return id
}

// Parse recognizes a YAML-style `---`-delimited frontmatter block at the
// top of text, fenced code blocks delimited by triple backticks with an
// optional info string, blockquotes prefixed by `>`, raw blocks
// introduced by `:::`, and otherwise forms paragraph blocks by splitting
// on blank lines. The returned Document's RawSource is set to text
// verbatim, enabling byte-exact Exact serialization until the first
// mutation.
func Parse(text string) (*Document, error) {
	p := &parser{counter: 1}
	document := NewDocument()
	document.RawSource = &text

	lines := strings.Split(text, "\n")
	start := 0
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == "---" {
		j := 1
		for j < len(lines) && strings.TrimSpace(lines[j]) != "---" {
			j++
		}
		if j < len(lines) {
			fm := strings.Join(lines[1:j], "\n")
			document.Frontmatter = &fm
			start = j + 1
		}
	}

	blocks := p.parseBlocks(lines[start:])
	var after *crdt.OpId
	for _, b := range blocks {
		document.Blocks.Insert(after, b, b.ElemID)
		document.index(b)
		id := b.ElemID
		after = &id
	}
	return document, nil
}

func (p *parser) parseBlocks(lines []string) []*Block {
	var blocks []*Block
	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			i++
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "```"):
			info := strings.TrimPrefix(trimmed, "```")
			j := i + 1
			var content []string
			for j < len(lines) && strings.TrimSpace(lines[j]) != "```" {
				content = append(content, lines[j])
				j++
			}
			b := NewBlock(CodeFence, p.nextID())
			b.Info = info
			p.fillText(b, strings.Join(content, "\n"))
			blocks = append(blocks, b)
			if j < len(lines) {
				j++
			}
			i = j

		case strings.HasPrefix(trimmed, ">"):
			var quoted []string
			for i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), ">") {
				quoted = append(quoted, dequote(lines[i]))
				i++
			}
			b := NewBlock(BlockQuote, p.nextID())
			children := p.parseBlocks(quoted)
			var after *crdt.OpId
			for _, c := range children {
				b.Children.Insert(after, c, c.ElemID)
				id := c.ElemID
				after = &id
			}
			blocks = append(blocks, b)

		case strings.HasPrefix(trimmed, ":::"):
			j := i + 1
			var content []string
			for j < len(lines) && strings.TrimSpace(lines[j]) != ":::" {
				content = append(content, lines[j])
				j++
			}
			b := NewBlock(RawBlock, p.nextID())
			p.fillText(b, strings.Join(content, "\n"))
			blocks = append(blocks, b)
			if j < len(lines) {
				j++
			}
			i = j

		default:
			var para []string
			for i < len(lines) && strings.TrimSpace(lines[i]) != "" && !isBlockOpener(lines[i]) {
				para = append(para, lines[i])
				i++
			}
			b := NewBlock(Paragraph, p.nextID())
			p.fillText(b, strings.Join(para, "\n"))
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func (p *parser) fillText(b *Block, text string) {
	var after *crdt.OpId
	for _, r := range []rune(text) {
		id := p.nextID()
		b.Text.Insert(after, r, id)
		after = &id
	}
}

func isBlockOpener(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, ">") || strings.HasPrefix(trimmed, ":::")
}

func dequote(line string) string {
	t := strings.TrimLeft(line, " \t")
	t = strings.TrimPrefix(t, ">")
	t = strings.TrimPrefix(t, " ")
	return t
}
