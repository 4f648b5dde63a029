package syncx

import (
	"testing"

	crdt "github.com/Latent-Infinity/md-crdt"
)

func op(counter uint64, peer crdt.PeerID, kind OpKind, target *crdt.OpId) Operation {
	return Operation{
		ID:      crdt.OpId{Counter: counter, Peer: peer},
		Payload: []byte{byte(counter)},
		Kind:    kind,
		Target:  target,
	}
}

func TestEncodeChangesSinceRoundTrip(t *testing.T) {
	s := NewSyncState()
	s.AddLocalOp(op(1, 7, OpKindOther, nil))
	s.AddLocalOp(op(2, 7, OpKindOther, nil))
	s.AddLocalOp(op(1, 9, OpKindOther, nil))

	empty := crdt.NewStateVector()
	msg := s.EncodeChangesSince(empty)
	if len(msg.Ops) != 3 {
		t.Fatalf("expected 3 ops for empty state vector, got %d", len(msg.Ops))
	}

	partial := crdt.NewStateVector()
	partial.Set(7, 1)
	msg2 := s.EncodeChangesSince(partial)
	if len(msg2.Ops) != 2 {
		t.Fatalf("expected 2 ops (peer 7 counter 2, peer 9 counter 1), got %d", len(msg2.Ops))
	}
}

func TestApplyChangesValidatesBeforeMutating(t *testing.T) {
	s := NewSyncState()
	limits := DefaultValidationLimits()

	msg := ChangeMessage{Ops: []Operation{
		{ID: crdt.OpId{Counter: 1, Peer: 1}, Payload: nil},
	}}
	if _, err := s.ApplyChanges(msg, limits); err == nil {
		t.Fatalf("expected MalformedError for empty payload")
	} else if _, ok := err.(MalformedError); !ok {
		t.Fatalf("expected MalformedError, got %T", err)
	}
	if s.StateVector().Get(1) != 0 {
		t.Fatalf("rejected message must not mutate state")
	}

	tooMany := make([]Operation, limits.MaxOpsPerMessage+1)
	for i := range tooMany {
		tooMany[i] = op(uint64(i+1), 2, OpKindOther, nil)
	}
	if _, err := s.ApplyChanges(ChangeMessage{Ops: tooMany}, limits); err == nil {
		t.Fatalf("expected ResourceLimitExceededError for op count")
	} else if _, ok := err.(ResourceLimitExceededError); !ok {
		t.Fatalf("expected ResourceLimitExceededError, got %T", err)
	}

	zeroCounter := ChangeMessage{Ops: []Operation{{ID: crdt.OpId{Counter: 0, Peer: 1}, Payload: []byte{1}}}}
	if _, err := s.ApplyChanges(zeroCounter, limits); err == nil {
		t.Fatalf("expected MalformedError for zero counter")
	}
}

func TestApplyChangesBuffersOutOfOrderThenDrainsOnFixpoint(t *testing.T) {
	s := NewSyncState()
	limits := DefaultValidationLimits()

	for c := uint64(3); c >= 2; c-- {
		res, err := s.ApplyChanges(ChangeMessage{Ops: []Operation{op(c, 5, OpKindOther, nil)}}, limits)
		if err != nil {
			t.Fatalf("apply error: %v", err)
		}
		if len(res.Buffered) != 1 || len(res.Applied) != 0 {
			t.Fatalf("expected op %d to buffer, got applied=%v buffered=%v", c, res.Applied, res.Buffered)
		}
	}
	if s.PendingCount() != 2 {
		t.Fatalf("expected 2 pending ops, got %d", s.PendingCount())
	}

	res, err := s.ApplyChanges(ChangeMessage{Ops: []Operation{op(1, 5, OpKindOther, nil)}}, limits)
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if len(res.Applied) != 3 {
		t.Fatalf("expected fixpoint drain to apply all 3 ops, got %d", len(res.Applied))
	}
	if s.PendingCount() != 0 {
		t.Fatalf("expected pending buffer empty after drain, got %d", s.PendingCount())
	}
	if s.StateVector().Get(5) != 3 {
		t.Fatalf("expected state vector peer 5 at 3, got %d", s.StateVector().Get(5))
	}
}

func TestApplyChangesIsIdempotent(t *testing.T) {
	s := NewSyncState()
	limits := DefaultValidationLimits()
	msg := ChangeMessage{Ops: []Operation{op(1, 1, OpKindOther, nil)}}

	if _, err := s.ApplyChanges(msg, limits); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	res, err := s.ApplyChanges(msg, limits)
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if len(res.Applied) != 0 || len(res.Buffered) != 0 {
		t.Fatalf("expected replay to be a no-op, got applied=%v buffered=%v", res.Applied, res.Buffered)
	}
	if s.StateVector().Get(1) != 1 {
		t.Fatalf("expected state vector unchanged at 1, got %d", s.StateVector().Get(1))
	}
}

func TestConcurrentInsertSameAnchorIsFlaggedNotRejected(t *testing.T) {
	s := NewSyncState()
	limits := DefaultValidationLimits()
	anchor := crdt.OpId{Counter: 1, Peer: 1}

	res, err := s.ApplyChanges(ChangeMessage{Ops: []Operation{
		op(1, 3, OpKindInsert, &anchor),
		op(1, 2, OpKindInsert, &anchor),
	}}, limits)
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("expected both concurrent inserts to apply, got %d", len(res.Applied))
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Kind != ConcurrentInsert {
		t.Fatalf("expected one ConcurrentInsert conflict, got %+v", res.Conflicts)
	}
}

func TestConcurrentDeleteSameTargetIsFlaggedNotRejected(t *testing.T) {
	s := NewSyncState()
	limits := DefaultValidationLimits()
	target := crdt.OpId{Counter: 1, Peer: 9}

	res, err := s.ApplyChanges(ChangeMessage{Ops: []Operation{
		op(1, 1, OpKindDelete, &target),
		op(1, 2, OpKindDelete, &target),
	}}, limits)
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("expected both concurrent deletes to apply, got %d", len(res.Applied))
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Kind != ConcurrentDelete {
		t.Fatalf("expected one ConcurrentDelete conflict, got %+v", res.Conflicts)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := NewSyncState()
	local := op(1, 3, OpKindOther, nil)
	s.AddLocalOp(local)

	if len(s.Outbox()) != 1 {
		t.Fatalf("expected 1 outbox entry, got %d", len(s.Outbox()))
	}

	s.MarkSent(local.ID)
	if len(s.Outbox()) != 0 {
		t.Fatalf("expected outbox empty after mark sent, got %d", len(s.Outbox()))
	}
	s.MarkSent(local.ID)

	s.MarkConfirmed(local.ID)
	s.MarkConfirmed(local.ID)

	if _, ok := s.ops[local.ID]; !ok {
		t.Fatalf("confirmed op should remain in the applied log")
	}
}

func TestPendingPersistenceRoundTrip(t *testing.T) {
	s := NewSyncState()
	limits := DefaultValidationLimits()

	if _, err := s.ApplyChanges(ChangeMessage{Ops: []Operation{op(2, 4, OpKindOther, nil)}}, limits); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	saved := s.Pending()
	if len(saved) != 1 {
		t.Fatalf("expected 1 pending op, got %d", len(saved))
	}

	restored := NewSyncState()
	restored.RestorePending(saved)
	if restored.PendingCount() != 1 {
		t.Fatalf("expected restored pending count 1, got %d", restored.PendingCount())
	}

	res, err := restored.ApplyChanges(ChangeMessage{Ops: []Operation{op(1, 4, OpKindOther, nil)}}, limits)
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("expected restored pending op to drain once dependency arrives, got %d", len(res.Applied))
	}
}

func TestBufferFullRejectsBeforeBuffering(t *testing.T) {
	s := NewSyncState()
	limits := ValidationLimits{MaxOpsPerMessage: 10, MaxPayloadBytes: 1_000_000, MaxPendingBuffer: 1}

	if _, err := s.ApplyChanges(ChangeMessage{Ops: []Operation{op(5, 1, OpKindOther, nil)}}, limits); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("expected 1 pending op, got %d", s.PendingCount())
	}

	_, err := s.ApplyChanges(ChangeMessage{Ops: []Operation{op(9, 1, OpKindOther, nil)}}, limits)
	if err == nil {
		t.Fatalf("expected BufferFullError")
	} else if _, ok := err.(BufferFullError); !ok {
		t.Fatalf("expected BufferFullError, got %T", err)
	}
}
