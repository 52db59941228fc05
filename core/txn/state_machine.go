package txn

import (
	"context"
	"time"
)

// workStateMachine re-drives the transaction from wherever it currently
// sits (§4.3). It is safe, and expected, to call repeatedly: every
// caller (ingress, paxos callbacks, KVS callbacks, the background
// ticker) re-enters here after making its own local update, and each
// work* handler only acts on state that has actually changed.
func (t *Transaction) workStateMachine(d Daemon) {
	switch t.state {
	case Executing:
		t.workExecuting(d)
	case LocalCommitVote:
		t.workLocalCommitVote(d)
	case GlobalCommitVote:
		t.workGlobalCommitVote(d)
	case Committed:
		t.workCommitted(d)
	case Aborted:
		t.workAborted(d)
	}
}

// workExecuting drives every durable op from the front of the log: KVS
// side effects for READ/WRITE, and the two possible exits into the
// commit-vote pipeline (§4.3). It stops at the first gap or non-durable
// slot, the first terminal op it finds, or a READ/WRITE that hasn't
// finished its initial lock/read yet — otherwise a PREPARE that becomes
// durable in the same batch as the ops before it (recovery replay, or a
// participant DC replicating a whole commit record at once) would reach
// avoidCommitIfPossible before those ops' real outcomes are known,
// permanently biasing the vote toward abort on ops that were actually
// fine.
func (t *Transaction) workExecuting(d Daemon) {
	for i := uint64(0); i < uint64(len(t.ops)); i++ {
		op := t.ops[i]
		if op == nil || !op.Durable {
			return
		}
		switch op.Kind {
		case OpBegin:
			t.sendResponse(d, op)
		case OpRead:
			t.advanceRead(d, op)
			t.sendResponse(d, op)
			if !op.ReadDone {
				return
			}
		case OpWrite:
			t.advanceLock(d, op)
			t.sendResponse(d, op)
			if !op.Locked {
				return
			}
		case OpPrepare:
			t.avoidCommitIfPossible(d)
			t.voteStarted = time.Now()
			t.transitionTo(d, LocalCommitVote)
			return
		case OpAbort:
			t.transitionTo(d, Aborted)
			return
		}
	}
}

// workLocalCommitVote drives every READ's verify-read and confirms every
// WRITE holds its lock, then has the leader propose the LOCAL_VOTE
// pseudo-op once all evidence is in (§4.3). This runs identically for
// the origin DC and every participant DC: a durable LocalVote found here
// is always this replica's own, never one inherited from a commit
// record, since ApplyCommitRecord refuses to admit LocalVote/
// GlobalDecision pseudo-ops off the wire (§4.5 — each DC's vote must be
// independently derived from its own KVS, or global unanimity is
// vacuous).
func (t *Transaction) workLocalCommitVote(d Daemon) {
	if lv, ok := t.findOpKind(OpLocalVote); ok && lv.Durable {
		t.localVoteDecided = true
		t.localCommit = lv.Commit
		if lv.Commit {
			t.transitionTo(d, GlobalCommitVote)
		} else {
			t.transitionTo(d, Aborted)
		}
		return
	}

	ready := true
	for _, op := range t.ops {
		if op == nil {
			continue
		}
		switch op.Kind {
		case OpRead:
			if op.KVSState != Verified {
				t.advanceVerifyRead(d, op)
				ready = false
			}
		case OpWrite:
			if !op.Locked {
				t.advanceLock(d, op)
				ready = false
			}
		}
	}
	if !ready || !t.group.IsLeader() {
		return
	}

	commit := t.preferToCommit
	for _, op := range t.ops {
		if op != nil && op.Kind == OpRead && !op.VerifyOK {
			commit = false
		}
	}
	seqno := t.nextFreeSeqno()
	t.submitLocal(d, &Operation{Seqno: seqno, Kind: OpLocalVote, Commit: commit})
}

// workGlobalCommitVote exchanges commit records and votes with every
// other participating data center, then has the leader (on whichever DC
// computes the outcome) propose the GLOBAL_DECISION pseudo-op (§4.5).
func (t *Transaction) workGlobalCommitVote(d Daemon) {
	if gd, ok := t.findOpKind(OpGlobalDecision); ok && gd.Durable {
		t.globalDecided = true
		t.globalCommit = gd.Commit
		d.Metrics().VoteLatency.Record(context.Background(), time.Since(t.voteStarted).Seconds()*1000)
		if t.IsOrigin {
			// Broadcast the final outcome to every participant DC (§4.5):
			// without this, a participant that already sent its vote has
			// no way to learn the decision and would sit in
			// GLOBAL_COMMIT_VOTE forever re-sending it.
			for id := range t.dcs {
				d.SendDecision(id, t.GroupID, t.TxnID, gd.Commit)
			}
		}
		if gd.Commit {
			t.transitionTo(d, Committed)
		} else {
			t.transitionTo(d, Aborted)
		}
		return
	}

	if t.IsOrigin {
		unanimous := true
		allVoted := true
		for id, p := range t.dcs {
			if !p.Voted {
				allVoted = false
				d.SendCommitRecord(id, t.GroupID, t.TxnID, t.buildCommitRecord())
				continue
			}
			if !p.Commit {
				unanimous = false
			}
		}
		if !allVoted || !t.group.IsLeader() {
			return
		}
		seqno := t.nextFreeSeqno()
		t.submitLocal(d, &Operation{Seqno: seqno, Kind: OpGlobalDecision, Commit: unanimous && t.localCommit})
		return
	}

	if !t.globalDecided {
		d.SendVote(t.OriginDC, t.GroupID, t.TxnID, t.localCommit)
		return
	}
	if !t.group.IsLeader() {
		return
	}
	seqno := t.nextFreeSeqno()
	t.submitLocal(d, &Operation{Seqno: seqno, Kind: OpGlobalDecision, Commit: t.globalCommit})
}

// workCommitted applies every WRITE to the KVS and verifies it, then
// releases every held lock, before replying commit-ok (§4.3, §4.4).
func (t *Transaction) workCommitted(d Daemon) {
	ready := true
	for _, op := range t.ops {
		if op == nil || op.Kind != OpWrite {
			continue
		}
		if op.KVSState != Verified && op.KVSState != Released {
			t.advanceCommitWrite(d, op)
			ready = false
		}
	}
	if !ready {
		return
	}

	if !t.releaseAllLocks(d) {
		return
	}
	t.finalizeTerminalReply(d, StatusSuccess)
	d.Metrics().TransactionsCommitted.Add(context.Background(), 1)
	t.transitionTo(d, Terminated)
}

// workAborted releases every held lock without touching the KVS values,
// then replies abort (§4.3, §4.4).
func (t *Transaction) workAborted(d Daemon) {
	if !t.releaseAllLocks(d) {
		return
	}
	t.finalizeTerminalReply(d, StatusAborted)
	d.Metrics().TransactionsAborted.Add(context.Background(), 1)
	t.transitionTo(d, Terminated)
}

// releaseAllLocks issues an unlock for every op that is still holding
// one, and reports whether all of them have already been released.
func (t *Transaction) releaseAllLocks(d Daemon) bool {
	done := true
	for _, op := range t.ops {
		if op == nil || (op.Kind != OpRead && op.Kind != OpWrite) {
			continue
		}
		if !op.Locked || op.KVSState == Released {
			continue
		}
		t.releaseLock(d, op)
		done = false
	}
	return done
}

// avoidCommitIfPossible is the cheap pre-vote check (§9 supplement:
// avoid_commit_if_possible): if local evidence already shows this
// transaction cannot succeed, prefer an abort vote without waiting for
// the full verify-read round trip to prove it.
func (t *Transaction) avoidCommitIfPossible(d Daemon) {
	for _, op := range t.ops {
		if op == nil {
			continue
		}
		switch op.Kind {
		case OpWrite:
			if !op.Locked {
				t.preferToCommit = false
			}
		case OpRead:
			if !op.ReadDone {
				t.preferToCommit = false
			}
		}
	}
}

// Retry re-drives the state machine on a live, non-terminal transaction,
// for the background ticker to re-issue dropped sends and idempotent
// KVS calls (§5 "Cancellation/timeouts").
func (t *Transaction) Retry(d Daemon) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.atLeast(Terminated) {
		return
	}
	t.workStateMachine(d)
}

// findOpKind returns the first recorded operation of the given kind.
// Only meaningful for the singleton internal kinds (LocalVote,
// GlobalDecision); READ/WRITE/etc. appear many times per transaction.
func (t *Transaction) findOpKind(kind OpKind) (*Operation, bool) {
	for _, op := range t.ops {
		if op != nil && op.Kind == kind {
			return op, true
		}
	}
	return nil, false
}
