// Package syncx is the sync engine: state-vector diffing, change
// validation, and the causal apply buffer that lets peers exchange
// operations out of order and still converge. The package is named
// syncx, not sync, to avoid shadowing the standard library package of
// that name in call sites that import both.
package syncx

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	crdt "github.com/Latent-Infinity/md-crdt"
)

// OpKind tags what an Operation does, so the sync engine can buffer and
// detect conflicts generically without interpreting the op's payload.
// The payload itself (the encoded CRDT operation) remains opaque to this
// package; decoding and applying it to a Document is the caller's job.
type OpKind int

const (
	OpKindOther OpKind = iota
	OpKindInsert
	OpKindDelete
)

// Operation is the wire unit exchanged between peers: an id, its opaque
// encoded payload, and enough kind/target metadata for causal buffering
// and conflict observability. Target is the delete's tombstone target for
// OpKindDelete, or the insert's anchor ("after") for OpKindInsert; it is
// nil for OpKindOther and for an OpKindInsert at the head of a sequence.
type Operation struct {
	ID      crdt.OpId
	Payload []byte
	Kind    OpKind
	Target  *crdt.OpId
}

// ChangeMessage is the payload exchanged between peers: every operation
// the sender has that the receiver, per Since, does not.
type ChangeMessage struct {
	Since crdt.StateVector
	Ops   []Operation
}

// ValidationLimits bounds an incoming ChangeMessage before any state is
// touched.
type ValidationLimits struct {
	MaxOpsPerMessage int
	MaxPayloadBytes  int
	MaxPendingBuffer int
}

// DefaultValidationLimits returns the spec-mandated defaults. These are
// part of the wire protocol, not free configuration: peers that disagree
// on them will validate the same message differently.
func DefaultValidationLimits() ValidationLimits {
	return ValidationLimits{
		MaxOpsPerMessage: 10_000,
		MaxPayloadBytes:  10_485_760,
		MaxPendingBuffer: 100_000,
	}
}

// MalformedError reports a structurally invalid operation.
type MalformedError struct {
	OpID   crdt.OpId
	Reason string
}

func (e MalformedError) Error() string {
	return fmt.Sprintf("syncx: malformed op %v: %s", e.OpID, e.Reason)
}

// InvalidReferenceError reports an operation referencing something the
// validator can tell is structurally impossible.
type InvalidReferenceError struct {
	OpID crdt.OpId
}

func (e InvalidReferenceError) Error() string {
	return fmt.Sprintf("syncx: invalid reference in op %v", e.OpID)
}

// ResourceLimitExceededError reports a message that exceeds one of the
// ValidationLimits.
type ResourceLimitExceededError struct {
	Limit  string
	Actual int
}

func (e ResourceLimitExceededError) Error() string {
	return fmt.Sprintf("syncx: limit %s exceeded: %d", e.Limit, e.Actual)
}

// BufferFullError reports that applying a message would push the pending
// buffer past its capacity.
type BufferFullError struct {
	Capacity int
}

func (e BufferFullError) Error() string {
	return fmt.Sprintf("syncx: pending buffer capacity %d exceeded", e.Capacity)
}

// ValidateChanges enforces the validation rules from the wire-format
// contract. It never mutates state: validation happens entirely before
// any operation is applied or buffered.
func ValidateChanges(msg ChangeMessage, limits ValidationLimits, currentPendingCount int) error {
	if len(msg.Ops) > limits.MaxOpsPerMessage {
		return ResourceLimitExceededError{Limit: "max_ops_per_message", Actual: len(msg.Ops)}
	}
	total := 0
	for _, op := range msg.Ops {
		if len(op.Payload) == 0 {
			return MalformedError{OpID: op.ID, Reason: "empty payload"}
		}
		if op.ID.Counter == 0 {
			return MalformedError{OpID: op.ID, Reason: "counter must not be zero"}
		}
		total += len(op.Payload)
	}
	if total > limits.MaxPayloadBytes {
		return ResourceLimitExceededError{Limit: "max_payload_bytes", Actual: total}
	}
	if currentPendingCount+len(msg.Ops) > limits.MaxPendingBuffer {
		return BufferFullError{Capacity: limits.MaxPendingBuffer}
	}
	return nil
}

// ConflictKind tags a SemanticConflict's nature. These are observability
// signals, not errors: CRDT semantics already resolve them.
type ConflictKind int

const (
	ConcurrentInsert ConflictKind = iota
	ConcurrentDelete
	AttributeConflict
)

// SemanticConflict is a non-error observation surfaced alongside a
// successful apply, for callers that want visibility into concurrent
// edits even though convergence is guaranteed regardless.
type SemanticConflict struct {
	Kind ConflictKind
	OpID crdt.OpId
}

// ApplyResult reports what ApplyChanges did with each operation in a
// message.
type ApplyResult struct {
	Applied   []crdt.OpId
	Buffered  []crdt.OpId
	Conflicts []SemanticConflict
}

var rootSentinel = crdt.OpId{}

// SyncState holds one replica's view of the replicated operation log: the
// applied payloads keyed by id, the causal buffer of operations still
// waiting on a dependency, and the outbox/sent bookkeeping for local
// writes. SyncState owns these maps exclusively, matching the ownership
// rule that no other component reaches into them directly.
type SyncState struct {
	ops     map[crdt.OpId]Operation
	pending map[crdt.OpId]Operation
	outbox  map[crdt.OpId]struct{}
	sent    map[crdt.OpId]struct{}

	sv        crdt.StateVector
	deletedBy map[crdt.OpId]crdt.OpId

	logger *zap.Logger
}

// Option configures a SyncState at construction.
type Option func(*SyncState)

// WithLogger attaches a structured logger for buffering and validation
// events; detected conflicts are returned in ApplyResult, not logged. The
// default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SyncState) { s.logger = logger }
}

// NewSyncState returns an empty SyncState.
func NewSyncState(opts ...Option) *SyncState {
	s := &SyncState{
		ops:       make(map[crdt.OpId]Operation),
		pending:   make(map[crdt.OpId]Operation),
		outbox:    make(map[crdt.OpId]struct{}),
		sent:      make(map[crdt.OpId]struct{}),
		sv:        crdt.NewStateVector(),
		deletedBy: make(map[crdt.OpId]crdt.OpId),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StateVector returns, for each peer present in the applied op log, the
// highest counter observed.
func (s *SyncState) StateVector() crdt.StateVector {
	return s.sv.Clone()
}

// EncodeChangesSince returns every applied operation with a counter
// greater than sv records for its peer, suitable for sending to a peer
// whose state vector is sv.
func (s *SyncState) EncodeChangesSince(sv crdt.StateVector) ChangeMessage {
	ops := make([]Operation, 0)
	for id, op := range s.ops {
		if id.Counter > sv.Get(id.Peer) {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID.Less(ops[j].ID) })
	return ChangeMessage{Since: sv.Clone(), Ops: ops}
}

// ApplyChanges validates msg, then applies each operation in message
// order: operations whose per-peer counter immediately follows the
// current maximum are applied immediately and trigger a fixpoint drain of
// the pending buffer; everything else is buffered. No operation is ever
// silently dropped, including under full-reversal delivery.
func (s *SyncState) ApplyChanges(msg ChangeMessage, limits ValidationLimits) (ApplyResult, error) {
	if err := ValidateChanges(msg, limits, len(s.pending)); err != nil {
		s.logger.Warn("change message rejected by validation", zap.Error(err))
		return ApplyResult{}, err
	}

	result := ApplyResult{}
	insertsByAnchor := make(map[crdt.OpId][]crdt.OpId)

	for _, op := range msg.Ops {
		if _, ok := s.ops[op.ID]; ok {
			continue
		}
		maxC := s.sv.Get(op.ID.Peer)
		if op.ID.Counter > maxC+1 {
			s.pending[op.ID] = op
			result.Buffered = append(result.Buffered, op.ID)
			s.logger.Debug("operation buffered: causal dependency missing", zap.Uint64("counter", op.ID.Counter), zap.Uint64("peer", uint64(op.ID.Peer)))
			continue
		}
		s.applyOne(op, &result, insertsByAnchor)
		s.drainPending(&result, insertsByAnchor)
	}

	return result, nil
}

func (s *SyncState) drainPending(result *ApplyResult, insertsByAnchor map[crdt.OpId][]crdt.OpId) {
	progress := true
	for progress {
		progress = false
		for id, op := range s.pending {
			if op.ID.Counter == s.sv.Get(op.ID.Peer)+1 {
				delete(s.pending, id)
				s.applyOne(op, result, insertsByAnchor)
				progress = true
			}
		}
	}
}

func (s *SyncState) applyOne(op Operation, result *ApplyResult, insertsByAnchor map[crdt.OpId][]crdt.OpId) {
	s.ops[op.ID] = op
	s.sv.ObserveID(op.ID)
	result.Applied = append(result.Applied, op.ID)

	switch op.Kind {
	case OpKindDelete:
		if op.Target != nil {
			if prev, exists := s.deletedBy[*op.Target]; exists && prev != op.ID {
				result.Conflicts = append(result.Conflicts, SemanticConflict{Kind: ConcurrentDelete, OpID: op.ID})
			} else {
				s.deletedBy[*op.Target] = op.ID
			}
		}
	case OpKindInsert:
		key := rootSentinel
		if op.Target != nil {
			key = *op.Target
		}
		insertsByAnchor[key] = append(insertsByAnchor[key], op.ID)
		if len(insertsByAnchor[key]) > 1 {
			result.Conflicts = append(result.Conflicts, SemanticConflict{Kind: ConcurrentInsert, OpID: op.ID})
		}
	}
}

// AddLocalOp records a locally originated operation as applied and
// queues it in the outbox for transmission.
func (s *SyncState) AddLocalOp(op Operation) {
	if _, exists := s.ops[op.ID]; !exists {
		s.ops[op.ID] = op
		s.sv.ObserveID(op.ID)
	}
	s.outbox[op.ID] = struct{}{}
}

// Outbox returns every locally originated operation not yet marked sent.
func (s *SyncState) Outbox() []Operation {
	out := make([]Operation, 0, len(s.outbox))
	for id := range s.outbox {
		out = append(out, s.ops[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// MarkSent moves id from the outbox to the sent set. It is idempotent:
// marking an id sent that is not in the outbox is a no-op.
func (s *SyncState) MarkSent(id crdt.OpId) {
	if _, ok := s.outbox[id]; !ok {
		return
	}
	delete(s.outbox, id)
	s.sent[id] = struct{}{}
}

// MarkConfirmed removes id from the sent set once its delivery has been
// acknowledged.
func (s *SyncState) MarkConfirmed(id crdt.OpId) {
	delete(s.sent, id)
}

// Pending returns every operation currently buffered on a missing causal
// dependency, for persistence across a restart.
func (s *SyncState) Pending() []Operation {
	out := make([]Operation, 0, len(s.pending))
	for _, op := range s.pending {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// PendingCount returns the number of operations currently buffered.
func (s *SyncState) PendingCount() int {
	return len(s.pending)
}

// RestorePending reloads a previously persisted pending buffer, as read
// back from storage after a restart. It does not attempt to drain them;
// the next ApplyChanges call will do that once their dependency arrives.
func (s *SyncState) RestorePending(ops []Operation) {
	for _, op := range ops {
		s.pending[op.ID] = op
	}
}
