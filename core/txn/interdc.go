package txn

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
)

// buildCommitRecord serializes every durable client-visible op this
// replica knows about (BEGIN/READ/WRITE/terminal, never this replica's
// own LocalVote/GlobalDecision pseudo-ops) into the message sent to each
// participating data center so it can synthesize its own copy of the
// transaction and vote on it independently (§4.5). The format mirrors
// the per-slot log encoding: a count, then (seqno, length-prefixed
// payload) pairs.
func (t *Transaction) buildCommitRecord() []byte {
	var buf bytes.Buffer
	writeU64(&buf, t.timestamp)
	count := 0
	for _, op := range t.ops {
		if op != nil && op.Durable && op.Kind != OpLocalVote && op.Kind != OpGlobalDecision {
			count++
		}
	}
	writeU16(&buf, uint16(count))
	for _, op := range t.ops {
		if op == nil || !op.Durable || op.Kind == OpLocalVote || op.Kind == OpGlobalDecision {
			continue
		}
		writeU64(&buf, op.Seqno)
		writeBytes(&buf, encodeOp(op))
	}
	return buf.Bytes()
}

// ApplyCommitRecord ingests a record from the origin data center,
// replicating each of its ops through this replica's own home group via
// the ordinary 2a/2b path so the receiving DC ends up with its own
// durable copy of the same log (§4.5 "A receiving DC synthesizes a
// Transaction object from the record").
func (t *Transaction) ApplyCommitRecord(d Daemon, record []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureInitialized(d)

	r := bytes.NewReader(record)
	ts, err := readU64(r)
	if err != nil {
		return fmt.Errorf("txn: decode commit record timestamp: %w", err)
	}
	count, err := readU16(r)
	if err != nil {
		return fmt.Errorf("txn: decode commit record count: %w", err)
	}
	t.timestamp = ts

	for i := 0; i < int(count); i++ {
		seqno, err := readU64(r)
		if err != nil {
			return fmt.Errorf("txn: decode commit record seqno %d: %w", i, err)
		}
		payload, err := readBytes(r)
		if err != nil {
			return fmt.Errorf("txn: decode commit record payload %d: %w", i, err)
		}
		if t.opAt(seqno) != nil {
			continue
		}
		op, err := decodeOp(seqno, payload)
		if err != nil {
			t.logger.Warn("commit record contained an undecodable op", zap.Error(err))
			continue
		}
		if op.Kind == OpLocalVote || op.Kind == OpGlobalDecision {
			// Never trust a vote or decision off the wire: this replica's
			// own local vote must come from its own verify-reads, not the
			// origin's (§4.5), and a well-formed record shouldn't carry
			// one anyway now that buildCommitRecord excludes them.
			t.logger.Warn("commit record carried a vote pseudo-op, discarding it",
				zap.String("kind", op.Kind.String()))
			continue
		}
		op.ShouldReply = false
		if t.group.IsLeader() {
			t.submitLocal(d, op)
		} else {
			t.ensureOpSlot(seqno)
			if t.ops[seqno] == nil {
				t.ops[seqno] = op
			}
		}
	}
	t.workStateMachine(d)
	return nil
}

// OnRemoteVote records a participating DC's local-vote outcome, called
// on the origin once that DC's reply arrives (§4.5).
func (t *Transaction) OnRemoteVote(d Daemon, dc string, commit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.dcs[dc]
	if !ok {
		p = &DCParticipant{ID: dc}
		t.dcs[dc] = p
	}
	p.Voted = true
	p.Commit = commit
	t.workStateMachine(d)
}

// OnDecision delivers the origin's final global decision to a
// participant DC (§4.5).
func (t *Transaction) OnDecision(d Daemon, commit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.globalDecided = true
	t.globalCommit = commit
	t.workStateMachine(d)
}
