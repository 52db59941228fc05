package txn

import (
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/kvs"
)

// Begin proposes the transaction's founding op at seqno 0 (§3, §4.1).
// timestamp is the transaction's commit-ordering value, and dcs are the
// participating data centers the client asked to spread it across.
func (t *Transaction) Begin(d Daemon, clientID string, nonce uint64, timestamp uint64, dcs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.repliedFor(clientID, nonce); ok {
		t.replayCached(d, clientID, nonce, cached)
		return
	}
	if !t.group.IsLeader() {
		t.logger.Warn("rejecting client BEGIN on a non-leader replica", zap.Error(ErrNotLeader))
		d.ReplyBegin(clientID, nonce, StatusError)
		return
	}
	t.ensureInitialized(d)

	if _, has := t.hasTerminal(); has {
		return
	}
	if op := t.opAt(0); op != nil {
		// Retry of an already-seen BEGIN: nothing new to do, the original
		// reply (if this replica sent one) is already cached above.
		return
	}

	for _, dc := range dcs {
		t.dcs[dc] = &DCParticipant{ID: dc}
	}
	t.timestamp = timestamp

	op := &Operation{
		Seqno:          0,
		Kind:           OpBegin,
		ClientID:       clientID,
		Nonce:          nonce,
		BeginTimestamp: timestamp,
		DataCenters:    dcs,
		ShouldReply:    true,
	}
	if finalized, conflict := t.submitLocal(d, op); conflict {
		t.replyFromFinalized(d, finalized)
		return
	}
	t.workStateMachine(d)
}

func (t *Transaction) proposeClientOp(d Daemon, op *Operation) {
	if cached, ok := t.repliedFor(op.ClientID, op.Nonce); ok {
		t.replayCached(d, op.ClientID, op.Nonce, cached)
		return
	}
	if op.Seqno == 0 {
		t.logger.Warn("rejecting non-BEGIN operation proposed at seqno 0",
			zap.Error(ErrBadSeqno), zap.String("kind", op.Kind.String()))
		t.replyErrorFor(d, op)
		return
	}
	if !t.group.IsLeader() {
		t.logger.Warn("rejecting client command on a non-leader replica",
			zap.Error(ErrNotLeader), zap.String("kind", op.Kind.String()))
		t.replyErrorFor(d, op)
		return
	}
	t.ensureInitialized(d)

	if existing, has := t.hasTerminal(); has && op.Seqno >= existing.Seqno {
		if op.Kind.terminal() {
			t.logger.Warn("rejecting terminal proposal on an already-terminal transaction",
				zap.Error(ErrAlreadyTerminal), zap.String("kind", op.Kind.String()))
		}
		// The log is already closed at or before this seqno; nothing new
		// can land here, report the finalized outcome instead.
		t.replyFromFinalized(d, op)
		return
	}

	if finalized, conflict := t.submitLocal(d, op); conflict {
		t.replyFromFinalized(d, finalized)
		return
	}
	t.workStateMachine(d)
}

// Read proposes a READ operation (§4.1, §4.4). The immediate reply
// carries the value once the KVS read completes; verify-read happens
// later, at commit time.
func (t *Transaction) Read(d Daemon, clientID string, nonce uint64, seqno uint64, table, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposeClientOp(d, &Operation{
		Seqno: seqno, Kind: OpRead,
		ClientID: clientID, Nonce: nonce,
		Table: table, Key: key,
		ShouldReply: true,
	})
}

// Write proposes a WRITE operation. The immediate reply is sent once the
// lock is held; the value is actually applied to the KVS at commit time.
func (t *Transaction) Write(d Daemon, clientID string, nonce uint64, seqno uint64, table, key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposeClientOp(d, &Operation{
		Seqno: seqno, Kind: OpWrite,
		ClientID: clientID, Nonce: nonce,
		Table: table, Key: key, Value: kvs.NewBytes(value),
		ShouldReply: true,
	})
}

// Prepare proposes a PREPARE terminal op, entering the local commit vote
// once durable (§4.1, §4.3). The reply is deferred until the transaction
// finally reaches COMMITTED or ABORTED.
func (t *Transaction) Prepare(d Daemon, clientID string, nonce uint64, seqno uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposeClientOp(d, &Operation{
		Seqno: seqno, Kind: OpPrepare,
		ClientID: clientID, Nonce: nonce,
		ShouldReply: true,
	})
}

// Abort proposes an ABORT terminal op requested directly by the client.
func (t *Transaction) Abort(d Daemon, clientID string, nonce uint64, seqno uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposeClientOp(d, &Operation{
		Seqno: seqno, Kind: OpAbort,
		ClientID: clientID, Nonce: nonce,
		ShouldReply: true,
	})
}
