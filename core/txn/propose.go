package txn

import (
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// submitLocal is the common path for a slot this replica is the first to
// see, whether because a client landed here (ingress.go, ShouldReply
// true) or because this replica is synthesizing the next internal
// LocalVote/GlobalDecision entry as leader (state_machine.go,
// ShouldReply false). It proposes into the local log, broadcasts 2a to
// peers, and applies durability immediately if already reached.
func (t *Transaction) submitLocal(d Daemon, op *Operation) (finalized *Operation, conflict bool) {
	payload := encodeOp(op)
	if t.log.Propose(op.Seqno, payload) {
		existing, _ := t.log.Payload(op.Seqno)
		fin, err := decodeOp(op.Seqno, existing)
		if err != nil {
			t.logger.Warn("conflicting slot with undecodable payload", zap.Uint64("seqno", op.Seqno))
			return nil, true
		}
		return fin, true
	}

	t.ensureOpSlot(op.Seqno)
	if t.ops[op.Seqno] == nil {
		t.ops[op.Seqno] = op
	} else if op.ShouldReply {
		t.ops[op.Seqno].ShouldReply = true
	}

	// The proposer implicitly accepts its own proposal (§4.2): without
	// this, a lone leader with no peers yet acked could never reach
	// majority on its own value.
	t.log.Ack(op.Seqno, t.group.Local)
	t.broadcast2A(d, op.Seqno)
	if t.log.IsDurable(op.Seqno) {
		t.markDurable(d, op.Seqno)
	}
	return nil, false
}

func (t *Transaction) broadcast2A(d Daemon, seqno uint64) {
	payload, ok := t.log.Payload(seqno)
	if !ok {
		return
	}
	for _, id := range t.log.PendingRecipients(seqno) {
		if id == t.group.Local {
			continue
		}
		d.SendPaxos2A(t.GroupID, id, t.TxnID, seqno, payload)
	}
}

// markDurable decodes and records the winning payload for seqno once
// majority-accepted, and persists it (§4.2, §6). It is idempotent.
func (t *Transaction) markDurable(d Daemon, seqno uint64) {
	op := t.opAt(seqno)
	if op == nil || op.Durable {
		return
	}
	payload, ok := t.log.Payload(seqno)
	if !ok {
		return
	}
	decoded, err := decodeOp(seqno, payload)
	if err != nil {
		t.logger.Error("durable slot failed to decode", zap.Uint64("seqno", seqno))
		return
	}
	decoded.ShouldReply = op.ShouldReply
	decoded.Durable = true
	t.ops[seqno] = decoded

	if err := d.PersistOp(t.GroupID, t.TxnID, seqno, payload); err != nil {
		t.logger.Warn("failed to persist durable slot", zap.Uint64("seqno", seqno), zap.Error(err))
	}
}

// DeferredCount reports how many 2b's this transaction's log currently
// holds ahead of their 2a, for the background ticker to sample into the
// txman.paxos.deferred_2b gauge.
func (t *Transaction) DeferredCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.DeferredCount()
}

// OnPaxos2A handles an inbound proposal from the leader (or a retrying
// peer). Every group member, not only the leader, must accept and echo
// a 2b so the leader can reach majority even under its own churn.
func (t *Transaction) OnPaxos2A(d Daemon, from raft.ServerID, seqno uint64, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureInitialized(d)

	if t.log.Propose(seqno, payload) {
		// Conflicting proposal for an already-decided slot: stay silent,
		// the proposer will learn the winning value from the majority.
		return
	}
	op, err := decodeOp(seqno, payload)
	if err != nil {
		t.logger.Warn("received undecodable 2a", zap.Uint64("seqno", seqno), zap.Error(err))
		return
	}
	t.ensureOpSlot(seqno)
	if t.ops[seqno] == nil {
		t.ops[seqno] = op
	}
	d.SendPaxos2B(t.GroupID, from, t.TxnID, seqno)
	if t.log.IsDurable(seqno) {
		t.markDurable(d, seqno)
	}
	t.workStateMachine(d)
}

// OnPaxos2B handles an inbound acknowledgement of our own proposal.
func (t *Transaction) OnPaxos2B(d Daemon, from raft.ServerID, seqno uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.log.Ack(seqno, from) {
		t.markDurable(d, seqno)
	}
	t.workStateMachine(d)
}
