package doc

import "strings"

// EquivalenceMode selects a serialization discipline.
type EquivalenceMode int

const (
	// Exact prefers the cached raw source when available and the
	// document has not been mutated since parse, returning it verbatim.
	Exact EquivalenceMode = iota
	// Structural regenerates text from state and applies a
	// canonicalization pass, making it stable under reparse/reserialize.
	Structural
)

// SerializeConfig configures Serialize's output discipline.
type SerializeConfig struct {
	Equivalence     EquivalenceMode
	PreferRawSource bool
}

// DefaultSerializeConfig returns the Structural-with-raw-source-preferred
// default.
func DefaultSerializeConfig() SerializeConfig {
	return SerializeConfig{Equivalence: Structural, PreferRawSource: true}
}

// Serialize renders d using the default (Structural) configuration.
func (d *Document) Serialize() string {
	return d.SerializeWithConfig(DefaultSerializeConfig())
}

// SerializeWithConfig renders d under cfg. In Exact mode with
// PreferRawSource and a live raw-source cache, it returns the cached text
// verbatim; any mutating document operation clears that cache, so a
// cache hit here is proof that nothing has changed since parse.
func (d *Document) SerializeWithConfig(cfg SerializeConfig) string {
	if cfg.Equivalence == Exact && cfg.PreferRawSource && d.RawSource != nil {
		return *d.RawSource
	}

	var sb strings.Builder
	if d.Frontmatter != nil {
		sb.WriteString("---\n")
		sb.WriteString(*d.Frontmatter)
		sb.WriteString("\n---\n\n")
	}

	parts := make([]string, 0, d.Blocks.LenVisible())
	for _, b := range d.Blocks.Values() {
		parts = append(parts, serializeBlock(b))
	}
	sb.WriteString(strings.Join(parts, "\n\n"))

	out := sb.String()
	if cfg.Equivalence == Structural {
		out = normalizeStructural(out)
	}
	return out
}

func serializeBlock(b *Block) string {
	switch b.Kind {
	case Paragraph:
		return b.PlainText()
	case CodeFence:
		return "```" + b.Info + "\n" + b.PlainText() + "\n```"
	case RawBlock:
		return ":::\n" + b.PlainText() + "\n:::"
	case BlockQuote:
		var lines []string
		for _, c := range b.Children.Values() {
			for _, line := range strings.Split(serializeBlock(c), "\n") {
				lines = append(lines, strings.TrimRight("> "+line, " "))
			}
		}
		return strings.Join(lines, "\n")
	case TableBlock:
		return serializeTable(b.Table)
	default:
		return ""
	}
}

func serializeTable(t *Table) string {
	if t == nil {
		return ""
	}
	if deleted, _ := t.Deleted.Get(); deleted {
		return ""
	}
	cols, _ := t.Columns.Get()
	header, _ := t.Header.Get()

	var sb strings.Builder
	sb.WriteString("| " + strings.Join(header, " | ") + " |\n")

	seps := make([]string, len(cols))
	for i, c := range cols {
		switch c.Align {
		case AlignLeft:
			seps[i] = ":---"
		case AlignCenter:
			seps[i] = ":---:"
		case AlignRight:
			seps[i] = "---:"
		default:
			seps[i] = "---"
		}
	}
	sb.WriteString("| " + strings.Join(seps, " | ") + " |\n")

	for _, row := range t.Rows.Values() {
		if deleted, _ := row.Deleted.Get(); deleted {
			continue
		}
		cells := make([]string, len(cols))
		for i := range cols {
			if v, ok := row.Cells.Get(i); ok {
				cells[i] = v
			}
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// normalizeStructural trims trailing whitespace from each line, collapses
// runs of blank lines to a single blank line, and trims leading and
// trailing blank lines.
func normalizeStructural(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}

	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
		} else {
			blank = false
			out = append(out, l)
		}
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
