package daemon

import (
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/synod"
)

// The Handle* methods are the surface the transport layer (peer RPC,
// client RPC, inter-DC QUIC) drives the daemon through. They resolve or
// create the target Transaction and submit the actual work to the
// worker pool, so a slow transaction never blocks the network goroutine
// that received the message (§5).

func (dm *Daemon) HandleClientBegin(group string, groupCfg synod.Group, txnID, clientID string, nonce, timestamp uint64, dcs []string) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.Begin(dm, clientID, nonce, timestamp, dcs) })
}

func (dm *Daemon) HandleClientRead(group string, groupCfg synod.Group, txnID, clientID string, nonce, seqno uint64, table, key string) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.Read(dm, clientID, nonce, seqno, table, key) })
}

func (dm *Daemon) HandleClientWrite(group string, groupCfg synod.Group, txnID, clientID string, nonce, seqno uint64, table, key string, value []byte) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.Write(dm, clientID, nonce, seqno, table, key, value) })
}

func (dm *Daemon) HandleClientPrepare(group string, groupCfg synod.Group, txnID, clientID string, nonce, seqno uint64) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.Prepare(dm, clientID, nonce, seqno) })
}

func (dm *Daemon) HandleClientAbort(group string, groupCfg synod.Group, txnID, clientID string, nonce, seqno uint64) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.Abort(dm, clientID, nonce, seqno) })
}

func (dm *Daemon) HandlePeer2A(group string, groupCfg synod.Group, txnID string, from raft.ServerID, seqno uint64, payload []byte) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.OnPaxos2A(dm, from, seqno, payload) })
}

func (dm *Daemon) HandlePeer2B(group string, groupCfg synod.Group, txnID string, from raft.ServerID, seqno uint64) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.OnPaxos2B(dm, from, seqno) })
}

func (dm *Daemon) HandleCommitRecord(group string, groupCfg synod.Group, txnID, originDC string, record []byte) {
	t := dm.GetOrCreateParticipant(group, groupCfg, txnID, originDC)
	dm.Submit(func() {
		if err := t.ApplyCommitRecord(dm, record); err != nil {
			dm.logger.Warn("failed to apply commit record", zap.Error(err))
		}
	})
}

func (dm *Daemon) HandleRemoteVote(group string, groupCfg synod.Group, txnID, dc string, commit bool) {
	t := dm.GetOrCreateOrigin(group, groupCfg, txnID)
	dm.Submit(func() { t.OnRemoteVote(dm, dc, commit) })
}

func (dm *Daemon) HandleDecision(group string, groupCfg synod.Group, txnID string, commit bool) {
	t, ok := dm.Lookup(group, txnID)
	if !ok {
		dm.logger.Warn("decision for unknown transaction", zap.String("group", group), zap.String("txn", txnID))
		return
	}
	dm.Submit(func() { t.OnDecision(dm, commit) })
}
