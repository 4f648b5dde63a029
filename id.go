// Package crdt provides the replication engine for collaboratively edited
// structured Markdown documents: a causal ordered-sequence CRDT with
// tombstones, a last-writer-wins register and map, and the mark-set CRDT
// used for rich-text formatting with anchors.
//
// Every type in this package is a pure value type with no I/O and no
// concurrency primitives of its own: callers that share a document across
// goroutines are responsible for serializing access, the same way the
// original RGA implementation this package grew out of left locking to its
// caller.
package crdt

import "sort"

// PeerID identifies a single replica. Peer 0 is reserved for operations
// produced by the external parser (see the doc package) rather than by a
// live editing session.
type PeerID uint64

// OpId is a globally unique, totally ordered operation identifier. Two
// peers never emit the same OpId because each peer issues strictly
// increasing counters and the counter is paired with the peer that issued
// it. Counter 0 is reserved and never assigned to a real operation.
type OpId struct {
	Counter uint64
	Peer    PeerID
}

// Less reports whether id sorts strictly before other under the
// lexicographic (Counter, Peer) total order.
func (id OpId) Less(other OpId) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Peer < other.Peer
}

// Compare returns -1, 0, or 1 as id is less than, equal to, or greater
// than other, matching the (Counter, Peer) total order.
func (id OpId) Compare(other OpId) int {
	switch {
	case id.Less(other):
		return -1
	case other.Less(id):
		return 1
	default:
		return 0
	}
}

// IsZero reports whether id is the reserved invalid identifier
// (Counter == 0).
func (id OpId) IsZero() bool {
	return id.Counter == 0
}

// StateVector is a per-peer summary of the highest operation counter
// observed for that peer. A peer absent from the vector is treated as
// counter 0. Writes are expected to be monotonic (a peer's recorded
// counter never decreases) but this type does not itself enforce that;
// callers that need the guarantee use Set only with increasing values, as
// the sync engine does.
type StateVector struct {
	counters map[PeerID]uint64
}

// NewStateVector returns an empty state vector.
func NewStateVector() StateVector {
	return StateVector{counters: make(map[PeerID]uint64)}
}

// Get returns the highest counter observed for peer, or 0 if the peer is
// absent from the vector.
func (sv StateVector) Get(peer PeerID) uint64 {
	if sv.counters == nil {
		return 0
	}
	return sv.counters[peer]
}

// Set records counter as the highest observed value for peer. Callers that
// want the monotonic guarantee described on StateVector should only ever
// raise the stored value; Set itself will happily lower it.
func (sv *StateVector) Set(peer PeerID, counter uint64) {
	if sv.counters == nil {
		sv.counters = make(map[PeerID]uint64)
	}
	sv.counters[peer] = counter
}

// Observe raises the stored counter for peer to counter if counter is
// greater than what is currently recorded, preserving monotonicity.
func (sv *StateVector) Observe(peer PeerID, counter uint64) {
	if sv.Get(peer) < counter {
		sv.Set(peer, counter)
	}
}

// ObserveID raises the stored counter for id.Peer to id.Counter if it is
// higher than what is currently recorded.
func (sv *StateVector) ObserveID(id OpId) {
	sv.Observe(id.Peer, id.Counter)
}

// IsEmpty reports whether the vector has no peers recorded, or every
// recorded peer is at counter 0.
func (sv StateVector) IsEmpty() bool {
	for _, c := range sv.counters {
		if c != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether sv and other agree on every peer's counter,
// treating an absent peer as counter 0.
func (sv StateVector) Equal(other StateVector) bool {
	peers := make(map[PeerID]struct{}, len(sv.counters)+len(other.counters))
	for p := range sv.counters {
		peers[p] = struct{}{}
	}
	for p := range other.counters {
		peers[p] = struct{}{}
	}
	for p := range peers {
		if sv.Get(p) != other.Get(p) {
			return false
		}
	}
	return true
}

// Peers returns the set of peers recorded in the vector, sorted
// ascending. Peers at counter 0 are included if they were ever Set
// explicitly.
func (sv StateVector) Peers() []PeerID {
	peers := make([]PeerID, 0, len(sv.counters))
	for p := range sv.counters {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Clone returns an independent copy of sv.
func (sv StateVector) Clone() StateVector {
	out := NewStateVector()
	for p, c := range sv.counters {
		out.counters[p] = c
	}
	return out
}
