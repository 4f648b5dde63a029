package filesync

import (
	"testing"

	crdt "github.com/Latent-Infinity/md-crdt"
	"github.com/Latent-Infinity/md-crdt/doc"
)

var nextTestCounter uint64 = 1

func zeroOpID() crdt.OpId {
	nextTestCounter++
	return crdt.OpId{Counter: nextTestCounter, Peer: 99}
}

func fillBlockText(b *doc.Block, text string) {
	var after *crdt.OpId
	for _, r := range []rune(text) {
		id := zeroOpID()
		b.Text.Insert(after, r, id)
		after = &id
	}
}

func TestHashStringMatchesFNV1aVector(t *testing.T) {
	// FNV-1a 64-bit of the empty string is the bare offset basis.
	if got := HashString(""); got != fnvOffset64 {
		t.Fatalf("expected empty-string hash to equal the offset basis, got %#x", got)
	}
	// Known FNV-1a 64-bit test vector for "a".
	const wantA = 0xaf63dc4c8601ec8c
	if got := HashString("a"); got != wantA {
		t.Fatalf("HashString(\"a\") = %#x, want %#x", got, wantA)
	}
}

func TestFingerprintDeduplicatesAndSortsTokens(t *testing.T) {
	fp := NewFingerprint("the quick brown fox the quick")
	if len(fp.Tokens) != 4 {
		t.Fatalf("expected 4 unique tokens, got %d", len(fp.Tokens))
	}
	for i := 1; i < len(fp.Tokens); i++ {
		if fp.Tokens[i-1] > fp.Tokens[i] {
			t.Fatalf("tokens not sorted: %v", fp.Tokens)
		}
	}
}

func TestSimilarityIdenticalContentIsMaximal(t *testing.T) {
	a := NewFingerprint("hello world")
	b := NewFingerprint("hello world")
	if sim := similarity(a, b); sim != 10000 {
		t.Fatalf("expected identical fingerprints to score 10000, got %d", sim)
	}
}

func TestSimilarityDisjointContentIsZero(t *testing.T) {
	a := NewFingerprint("alpha beta")
	b := NewFingerprint("gamma delta")
	if sim := similarity(a, b); sim != 0 {
		t.Fatalf("expected disjoint fingerprints to score 0, got %d", sim)
	}
}

func TestBlockContentIncludesKindDiscriminator(t *testing.T) {
	para := doc.NewBlock(doc.Paragraph, zeroOpID())
	fillBlockText(para, "same text")
	raw := doc.NewBlock(doc.RawBlock, zeroOpID())
	fillBlockText(raw, "same text")

	if blockContent(para) == blockContent(raw) {
		t.Fatalf("expected paragraph and raw block with identical text to fingerprint differently")
	}
}

func TestFingerprintDocumentRecordsContainerPaths(t *testing.T) {
	d, err := doc.Parse("top level\n\n> inner quoted text")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	fps := FingerprintDocument(d)
	if len(fps) != 2 {
		t.Fatalf("expected 2 non-container block fingerprints, got %d", len(fps))
	}
	if len(fps[0].ContainerPath) != 0 {
		t.Fatalf("expected top-level paragraph to have empty container path, got %v", fps[0].ContainerPath)
	}
	if len(fps[1].ContainerPath) != 1 || fps[1].ContainerPath[0] != 1 {
		t.Fatalf("expected quoted paragraph to have container path [1], got %v", fps[1].ContainerPath)
	}
}
