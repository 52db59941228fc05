package txn

import (
	"context"

	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/kvs"
)

// advanceLock kicks off (or idempotently retries) the acquire-lock call
// for any READ or WRITE op that has not yet been locked (§4.4). Locking
// is the first step common to both kinds.
func (t *Transaction) advanceLock(d Daemon, op *Operation) {
	switch op.KVSState {
	case NotStarted:
		op.KVSState = LockPending
		fallthrough
	case LockPending:
		seqno := op.Seqno
		d.KVS().Lock(context.Background(), op.Table, op.Key, t.TxnID, seqno, func(rc kvs.ReturnCode, seqno uint64) {
			t.onKVSLocked(d, seqno, rc)
		})
	}
}

// advanceRead drives a READ operation's initial value fetch, once locked.
func (t *Transaction) advanceRead(d Daemon, op *Operation) {
	if op.KVSState == NotStarted || op.KVSState == LockPending {
		t.advanceLock(d, op)
		return
	}
	if op.ReadDone {
		return
	}
	if op.KVSState != Locked {
		return
	}
	seqno := op.Seqno
	d.KVS().Read(context.Background(), op.Table, op.Key, t.timestamp, seqno, func(rc kvs.ReturnCode, ts uint64, val kvs.Bytes, seqno uint64) {
		t.onKVSRead(d, seqno, rc, ts, val)
	})
}

// advanceVerifyRead drives the commit-time re-check for a READ op (§4.4).
func (t *Transaction) advanceVerifyRead(d Daemon, op *Operation) {
	if op.KVSState == Verified || op.KVSState == Released {
		return
	}
	if op.KVSState != Locked {
		return
	}
	seqno := op.Seqno
	d.KVS().VerifyRead(context.Background(), op.Table, op.Key, t.timestamp, seqno, func(rc kvs.ReturnCode, ts uint64, val kvs.Bytes, seqno uint64) {
		t.onKVSVerifyRead(d, seqno, rc, ts, val)
	})
}

// advanceCommitWrite drives a WRITE op's actual apply-then-verify at
// commit time (§4.4: "At commit phase, write(...) then verify-write").
func (t *Transaction) advanceCommitWrite(d Daemon, op *Operation) {
	if op.KVSState == Verified || op.KVSState == Released {
		return
	}
	if op.KVSState != Locked {
		return
	}
	seqno := op.Seqno
	if !op.WriteDone {
		d.KVS().Write(context.Background(), op.Table, op.Key, t.timestamp, op.Value, seqno, func(rc kvs.ReturnCode, ts uint64, val kvs.Bytes, seqno uint64) {
			t.onKVSWrite(d, seqno, rc)
		})
		return
	}
	d.KVS().VerifyWrite(context.Background(), op.Table, op.Key, t.timestamp, seqno, func(rc kvs.ReturnCode, ts uint64, val kvs.Bytes, seqno uint64) {
		t.onKVSVerifyWrite(d, seqno, rc)
	})
}

// releaseLock drops a held lock once its op no longer needs it: on ABORT
// immediately for every successfully-locked op, on COMMIT only after
// verify-write/verify-read for that key has completed (§4.4).
func (t *Transaction) releaseLock(d Daemon, op *Operation) {
	if !op.Locked || op.KVSState == Released {
		return
	}
	seqno := op.Seqno
	d.KVS().Unlock(context.Background(), op.Table, op.Key, t.TxnID, seqno, func(rc kvs.ReturnCode, seqno uint64) {
		t.onKVSUnlocked(d, seqno, rc)
	})
}

func (t *Transaction) onKVSLocked(d Daemon, seqno uint64, rc kvs.ReturnCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.opAt(seqno)
	if op == nil {
		t.logger.Warn("lock callback for unknown seqno", zap.Error(ErrUnknownSeqno), zap.Uint64("seqno", seqno))
		return
	}
	d.Metrics().KVSCalls.Add(context.Background(), 1)
	if rc == kvs.SUCCESS {
		op.Locked = true
		op.KVSState = Locked
	}
	// On failure (retryable or not) KVSState stays LockPending; the
	// background ticker's re-drive of workStateMachine retries the lock.
	t.workStateMachine(d)
}

func (t *Transaction) onKVSRead(d Daemon, seqno uint64, rc kvs.ReturnCode, ts uint64, val kvs.Bytes) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.opAt(seqno)
	if op == nil {
		t.logger.Warn("read callback for unknown seqno", zap.Error(ErrUnknownSeqno), zap.Uint64("seqno", seqno))
		return
	}
	d.Metrics().KVSCalls.Add(context.Background(), 1)
	if rc == kvs.SUCCESS || rc == kvs.NOT_FOUND {
		op.ReadTimestamp = ts
		op.ReadValue = val
		op.ReadDone = true
	}
	t.workStateMachine(d)
}

func (t *Transaction) onKVSWrite(d Daemon, seqno uint64, rc kvs.ReturnCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.opAt(seqno)
	if op == nil {
		t.logger.Warn("write callback for unknown seqno", zap.Error(ErrUnknownSeqno), zap.Uint64("seqno", seqno))
		return
	}
	d.Metrics().KVSCalls.Add(context.Background(), 1)
	if rc == kvs.SUCCESS {
		op.WriteDone = true
	}
	t.workStateMachine(d)
}

func (t *Transaction) onKVSVerifyRead(d Daemon, seqno uint64, rc kvs.ReturnCode, ts uint64, val kvs.Bytes) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.opAt(seqno)
	if op == nil {
		t.logger.Warn("verify-read callback for unknown seqno", zap.Error(ErrUnknownSeqno), zap.Uint64("seqno", seqno))
		return
	}
	d.Metrics().KVSCalls.Add(context.Background(), 1)
	if rc == kvs.SUCCESS && ts == op.ReadTimestamp && string(val.Data) == string(op.ReadValue.Data) {
		op.VerifyOK = true
	} else {
		op.VerifyOK = false
	}
	op.KVSState = Verified
	t.workStateMachine(d)
}

func (t *Transaction) onKVSVerifyWrite(d Daemon, seqno uint64, rc kvs.ReturnCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.opAt(seqno)
	if op == nil {
		t.logger.Warn("verify-write callback for unknown seqno", zap.Error(ErrUnknownSeqno), zap.Uint64("seqno", seqno))
		return
	}
	d.Metrics().KVSCalls.Add(context.Background(), 1)
	if rc == kvs.SUCCESS {
		op.VerifyOK = true
		op.KVSState = Verified
	}
	t.workStateMachine(d)
}

func (t *Transaction) onKVSUnlocked(d Daemon, seqno uint64, rc kvs.ReturnCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.opAt(seqno)
	if op == nil {
		t.logger.Warn("unlock callback for unknown seqno", zap.Error(ErrUnknownSeqno), zap.Uint64("seqno", seqno))
		return
	}
	d.Metrics().KVSCalls.Add(context.Background(), 1)
	if rc == kvs.SUCCESS {
		op.KVSState = Released
	}
	t.workStateMachine(d)
}
