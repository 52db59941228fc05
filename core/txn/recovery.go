package txn

import "go.uber.org/zap"

// RestoreOp replays one persisted, already-durable slot into a freshly
// constructed Transaction (§7). It must be called, in seqno order, for
// every entry core/daemon finds in the durable store before the
// transaction is handed back to live traffic; Recover then re-drives
// the state machine from wherever that leaves it.
func (t *Transaction) RestoreOp(seqno uint64, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := decodeOp(seqno, payload)
	if err != nil {
		t.logger.Error("failed to replay persisted slot", zap.Uint64("seqno", seqno), zap.Error(err))
		return
	}
	t.log.Restore(seqno, payload)
	op.Durable = true
	// A recovered replica never knows which client, if any, is still
	// waiting on this op; ShouldReply stays false so recovery never
	// double-answers a client that may have already been told the
	// outcome by whichever replica was leader before the crash.
	op.ShouldReply = false
	t.ensureOpSlot(seqno)
	t.ops[seqno] = op

	if op.Kind == OpBegin {
		t.timestamp = op.BeginTimestamp
		for _, dc := range op.DataCenters {
			if _, ok := t.dcs[dc]; !ok {
				t.dcs[dc] = &DCParticipant{ID: dc}
			}
		}
	}
}

// Recover re-derives state from the restored ops and resumes driving
// the transaction: retrying locks, KVS calls, and votes that were
// in-flight at the time of the crash (§7). It must run once, after
// every RestoreOp call for this transaction has completed.
func (t *Transaction) Recover(d Daemon) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ops) == 0 {
		return
	}
	t.state = Executing
	// Re-run the ordinary forward scan: any op the crash caught mid-flight
	// (lock held but not yet read, write applied but not yet verified)
	// picks back up exactly where advanceLock/advanceRead/
	// advanceCommitWrite leave it, since every KVS call is idempotent and
	// every KVSState transition only advances on its own callback.
	//
	// Transitions between EXECUTING/LOCAL_COMMIT_VOTE/GLOBAL_COMMIT_VOTE/
	// COMMITTED/ABORTED that are already fully decided in the persisted
	// log (e.g. the vote outcome was durable before the crash) happen
	// synchronously inside a single work* call with no callback left to
	// drive the next one, so walk forward until the state stops moving.
	for {
		before := t.state
		t.workStateMachine(d)
		if t.state == before {
			return
		}
	}
}
