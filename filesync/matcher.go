package filesync

import (
	"sort"

	"github.com/Latent-Infinity/md-crdt/doc"
)

// Score is a match weight in [0, 10000].
type Score uint32

// MatchType classifies the confidence of a BlockMatch.
type MatchType int

const (
	ExactFingerprint MatchType = iota
	FuzzyContent
)

// BlockMatch records that an old block was matched to a new one created at
// the same identity: new and old blocks always carry the same BlockID,
// since reconciliation preserves identity rather than reassigning it.
type BlockMatch struct {
	OldID      doc.BlockID
	NewID      doc.BlockID
	Confidence Score
	MatchType  MatchType
}

// AddedBlock is a new block with no matching old block, optionally tagged
// with the highest-similarity matched old block it may have been copied
// from (observability only — it is never treated as the same identity).
type AddedBlock struct {
	ID             doc.BlockID
	ProbableCopyOf *doc.BlockID
}

// BlockMapping is the deterministic result of reconciling an old
// LastFlushedState against a freshly parsed block set.
type BlockMapping struct {
	Matched []BlockMatch
	Removed []doc.BlockID
	Added   []AddedBlock
}

// MatchConfig holds the thresholds MatchBlocks uses. These are a protocol
// constant, not free configuration: every peer performing reconciliation
// must agree on the same values, or block identity will diverge between
// them after an external edit.
type MatchConfig struct {
	MinMatchScore  Score
	ExactThreshold Score
	CopyThreshold  Score
}

// DefaultMatchConfig returns the spec-mandated thresholds.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		MinMatchScore:  2000,
		ExactThreshold: 10000,
		CopyThreshold:  7000,
	}
}

// LastFlushedState is the block-fingerprint snapshot recorded the last
// time a file was flushed, against which a fresh reparse is matched.
type LastFlushedState struct {
	ContentHash uint64
	Blocks      []BlockFingerprint
}

type candidateEdge struct {
	score  Score
	oldIdx int
	newIdx int
}

// MatchBlocks reconciles old against newParsed under cfg, producing a
// deterministic BlockMapping for any given inputs — essential for
// convergence, since peers that independently reconcile the same external
// edit must arrive at the same block identities.
func MatchBlocks(old LastFlushedState, newParsed []ParsedBlock, cfg MatchConfig) BlockMapping {
	var edges []candidateEdge
	for oldIdx, o := range old.Blocks {
		for newIdx, n := range newParsed {
			if !compatibleContainers(o.ContainerPath, n.ContainerPath) {
				continue
			}
			score := computeScore(o, n, oldIdx, newIdx, len(old.Blocks))
			if score >= cfg.MinMatchScore {
				edges = append(edges, candidateEdge{score: score, oldIdx: oldIdx, newIdx: newIdx})
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].score != edges[j].score {
			return edges[i].score > edges[j].score
		}
		if edges[i].oldIdx != edges[j].oldIdx {
			return edges[i].oldIdx < edges[j].oldIdx
		}
		return edges[i].newIdx < edges[j].newIdx
	})

	matchedOld := make(map[int]bool)
	matchedNew := make(map[int]bool)
	type accepted struct {
		oldIdx, newIdx int
		score          Score
	}
	var accepts []accepted
	for _, e := range edges {
		if matchedOld[e.oldIdx] || matchedNew[e.newIdx] {
			continue
		}
		matchedOld[e.oldIdx] = true
		matchedNew[e.newIdx] = true
		accepts = append(accepts, accepted{oldIdx: e.oldIdx, newIdx: e.newIdx, score: e.score})
	}

	var mapping BlockMapping
	for _, a := range accepts {
		oldBlock := old.Blocks[a.oldIdx]
		mt := FuzzyContent
		if a.score >= cfg.ExactThreshold {
			mt = ExactFingerprint
		}
		mapping.Matched = append(mapping.Matched, BlockMatch{
			OldID:      oldBlock.BlockID,
			NewID:      oldBlock.BlockID,
			Confidence: a.score,
			MatchType:  mt,
		})
	}

	for oldIdx, o := range old.Blocks {
		if !matchedOld[oldIdx] {
			mapping.Removed = append(mapping.Removed, o.BlockID)
		}
	}

	for newIdx, n := range newParsed {
		if matchedNew[newIdx] {
			continue
		}
		var copySource *doc.BlockID
		bestSim := uint32(0)
		for _, m := range mapping.Matched {
			var ob BlockFingerprint
			found := false
			for _, cand := range old.Blocks {
				if cand.BlockID == m.OldID {
					ob = cand
					found = true
					break
				}
			}
			if !found {
				continue
			}
			sim := similarity(ob.Fingerprint, n.Fingerprint)
			if sim > uint32(cfg.CopyThreshold) && sim > bestSim {
				bestSim = sim
				id := m.OldID
				copySource = &id
			}
		}
		mapping.Added = append(mapping.Added, AddedBlock{
			ID:             doc.NewBlockID(),
			ProbableCopyOf: copySource,
		})
	}

	return mapping
}

// compatibleContainers reports whether old and new container paths may
// legitimately match: identical paths, either empty (root-level content
// moved into or out of a quote), or sharing every index but the last
// (siblings under the same parent).
func compatibleContainers(old, newPath []int) bool {
	if intSliceEqual(old, newPath) {
		return true
	}
	if len(old) == 0 || len(newPath) == 0 {
		return true
	}
	return sharesPrefix(old, newPath)
}

func sharesPrefix(a, b []int) bool {
	if len(a) < 2 || len(b) < 2 {
		return false
	}
	return intSliceEqual(a[:len(a)-1], b[:len(b)-1])
}

func intSliceEqual(a, b []int) bool {
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

func computeScore(old BlockFingerprint, newBlock ParsedBlock, oldIdx, newIdx, total int) Score {
	contentSim := similarity(old.Fingerprint, newBlock.Fingerprint)

	dist := oldIdx - newIdx
	if dist < 0 {
		dist = -dist
	}
	totalU := total
	if totalU < 1 {
		totalU = 1
	}
	positionSim := int(10000) - (dist*10000)/totalU
	if positionSim < 0 {
		positionSim = 0
	}

	var containerScore int
	switch {
	case intSliceEqual(old.ContainerPath, newBlock.ContainerPath):
		containerScore = 10000
	case sharesPrefix(old.ContainerPath, newBlock.ContainerPath):
		containerScore = 5000
	default:
		containerScore = 2000
	}

	weighted := (int(contentSim)*60 + containerScore*25 + positionSim*15) / 100
	return Score(weighted)
}
