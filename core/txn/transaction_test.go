package txn

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/kvs"
	"github.com/nikileshsa/consus-txman/core/synod"
)

func soloGroup() synod.Group {
	return synod.Group{
		Local: "solo",
		Members: raft.Configuration{Servers: []raft.Server{
			{ID: "solo", Address: "127.0.0.1:1"},
		}},
	}
}

// pumpUntil re-drives tr the way the background ticker would (Retry) while
// polling cond, so tests don't depend on real KVS latency or on a live
// ticker goroutine to make progress.
func pumpUntil(t *testing.T, tr *Transaction, d Daemon, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if cond() {
			return
		}
		tr.Retry(d)
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestTransactionSingleReplicaHappyPathCommits drives BEGIN -> WRITE ->
// PREPARE to COMMITTED on a single-node home group (majority 1), and
// checks the write actually lands in the KVS (§4.1, §4.3, §4.4).
func TestTransactionSingleReplicaHappyPathCommits(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	tr := NewTransaction("shard1", "txn-1", soloGroup(), true, "dc1", time.Minute, logger)

	tr.Begin(d, "client-1", 1, 100, nil)
	pumpUntil(t, tr, d, func() bool { return len(d.beginReplies()) == 1 })
	require.Equal(t, StatusSuccess, d.beginReplies()[0].Status)

	tr.Write(d, "client-1", 2, 1, "accounts", "alice", []byte("100"))
	pumpUntil(t, tr, d, func() bool { return len(d.writeReplies()) == 1 })
	require.Equal(t, StatusSuccess, d.writeReplies()[0].Status)

	tr.Prepare(d, "client-1", 3, 2)
	pumpUntil(t, tr, d, func() bool { return len(d.commitReplies()) == 1 })
	require.Equal(t, StatusSuccess, d.commitReplies()[0].Status)
	require.Equal(t, Terminated, tr.State())

	done := make(chan struct{})
	var rc kvs.ReturnCode
	var got []byte
	d.kvsStore.Read(context.Background(), "accounts", "alice", 0, 999, func(gotRC kvs.ReturnCode, _ uint64, v kvs.Bytes, _ uint64) {
		rc = gotRC
		got = v.Data
		close(done)
	})
	<-done
	require.Equal(t, kvs.SUCCESS, rc)
	require.Equal(t, []byte("100"), got)
}

// TestTransactionExplicitAbortReleasesLock checks a client-requested
// ABORT unlocks a held key and never applies its write (§4.3, §4.4).
func TestTransactionExplicitAbortReleasesLock(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	tr := NewTransaction("shard1", "txn-2", soloGroup(), true, "dc1", time.Minute, logger)

	tr.Begin(d, "client-1", 1, 100, nil)
	pumpUntil(t, tr, d, func() bool { return len(d.beginReplies()) == 1 })

	tr.Write(d, "client-1", 2, 1, "accounts", "bob", []byte("50"))
	pumpUntil(t, tr, d, func() bool { return len(d.writeReplies()) == 1 })

	tr.Abort(d, "client-1", 3, 2)
	pumpUntil(t, tr, d, func() bool { return len(d.abortReplies()) == 1 })
	require.Equal(t, StatusAborted, d.abortReplies()[0].Status)
	require.Equal(t, Terminated, tr.State())

	done := make(chan struct{})
	var rc kvs.ReturnCode
	d.kvsStore.Read(context.Background(), "accounts", "bob", 0, 999, func(gotRC kvs.ReturnCode, _ uint64, _ kvs.Bytes, _ uint64) {
		rc = gotRC
		close(done)
	})
	<-done
	require.Equal(t, kvs.NOT_FOUND, rc)

	// the lock must be released, or a fresh transaction on the same key
	// would wrongly time out.
	unlockDone := make(chan struct{})
	var lockRC kvs.ReturnCode
	d.kvsStore.Lock(context.Background(), "accounts", "bob", "txn-3", 0, func(gotRC kvs.ReturnCode, _ uint64) {
		lockRC = gotRC
		close(unlockDone)
	})
	<-unlockDone
	require.Equal(t, kvs.SUCCESS, lockRC)
}

// TestTransactionDuplicateBeginReplaysCachedReply exercises property P4
// (§8): a retried client command gets the exact cached outcome rather
// than re-running BEGIN's side effects.
func TestTransactionDuplicateBeginReplaysCachedReply(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	tr := NewTransaction("shard1", "txn-3", soloGroup(), true, "dc1", time.Minute, logger)

	tr.Begin(d, "client-1", 1, 100, nil)
	pumpUntil(t, tr, d, func() bool { return len(d.beginReplies()) == 1 })

	tr.Begin(d, "client-1", 1, 100, nil)
	pumpUntil(t, tr, d, func() bool { return len(d.beginReplies()) == 2 })

	for _, r := range d.beginReplies() {
		require.Equal(t, StatusSuccess, r.Status)
		require.Equal(t, "client-1", r.ClientID)
		require.Equal(t, uint64(1), r.Nonce)
	}
}

// TestTransactionVerifyReadMismatchAbortsCommit exercises §4.4's
// verify-read step: if the value changes out from under a READ between
// its initial fetch and the commit-time re-check, the local vote must
// prefer abort rather than commit on stale evidence.
func TestTransactionVerifyReadMismatchAbortsCommit(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	tr := NewTransaction("shard1", "txn-4", soloGroup(), true, "dc1", time.Minute, logger)

	tr.Begin(d, "client-1", 1, 100, nil)
	pumpUntil(t, tr, d, func() bool { return len(d.beginReplies()) == 1 })

	tr.Read(d, "client-1", 2, 1, "accounts", "carol")
	pumpUntil(t, tr, d, func() bool { return len(d.readReplies()) == 1 })
	require.Equal(t, StatusSuccess, d.readReplies()[0].Status)

	// Another writer changes the key directly, out from under this txn's
	// read, before this txn reaches its verify-read.
	writeDone := make(chan struct{})
	d.kvsStore.Write(context.Background(), "accounts", "carol", 200, kvs.NewBytes([]byte("stolen")), 999, func(kvs.ReturnCode, uint64, kvs.Bytes, uint64) {
		close(writeDone)
	})
	<-writeDone

	tr.Prepare(d, "client-1", 3, 2)
	pumpUntil(t, tr, d, func() bool { return len(d.commitReplies()) == 1 })
	require.Equal(t, StatusAborted, d.commitReplies()[0].Status)
	require.Equal(t, Terminated, tr.State())
}

// TestTransactionTwoReplicaQuorumReachesDurability is a regression test
// for submitLocal's self-ack: with two home-group members the leader's
// own implicit accept plus exactly one peer ack must be enough to reach
// majority (§4.2), and the leader learns this only once the peer's 2b
// actually arrives.
func TestTransactionTwoReplicaQuorumReachesDurability(t *testing.T) {
	logger := zap.NewNop()
	members := raft.Configuration{Servers: []raft.Server{
		{ID: "a", Address: "127.0.0.1:1"},
		{ID: "b", Address: "127.0.0.1:2"},
	}}
	groupA := synod.Group{Local: "a", Members: members}
	groupB := synod.Group{Local: "b", Members: members}
	require.True(t, groupA.IsLeader())
	require.False(t, groupB.IsLeader())

	net := newFakeNetwork()
	dA := newFakeDaemon(logger)
	dA.self = "a"
	dA.router = net
	dB := newFakeDaemon(logger)
	dB.self = "b"
	dB.router = net

	trA := NewTransaction("shard1", "txn-5", groupA, true, "dc1", time.Minute, logger)
	trB := NewTransaction("shard1", "txn-5", groupB, true, "dc1", time.Minute, logger)
	net.register("a", trA, dA)
	net.register("b", trB, dB)

	trA.Begin(dA, "client-1", 1, 100, nil)
	pumpUntil(t, trA, dA, func() bool { return len(dA.beginReplies()) == 1 })
	require.Equal(t, StatusSuccess, dA.beginReplies()[0].Status)

	// The peer must have seen and echoed the 2a even though it never
	// replies to the client itself.
	require.Eventually(t, func() bool {
		dB.mu.Lock()
		defer dB.mu.Unlock()
		return len(dB.persistedOps) == 0 && trB.opAt(0) != nil
	}, time.Second, 2*time.Millisecond)
}

// TestTransactionRecoverResumesAtLastDurableOp exercises §7 crash
// recovery for a transaction that crashed right after BEGIN: a fresh
// Transaction fed only the persisted, already-durable BEGIN op (as
// core/daemon would replay it from core/synod.Store) must pick back up
// in EXECUTING without re-answering the original client (ShouldReply is
// false on every recovered op, per RestoreOp's doc comment) and without
// fabricating any operation the client never actually got to propose.
func TestTransactionRecoverResumesAtLastDurableOp(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	tr := NewTransaction("shard1", "txn-6", soloGroup(), true, "dc1", time.Minute, logger)

	begin := &Operation{Seqno: 0, Kind: OpBegin, ClientID: "client-1", Nonce: 1, BeginTimestamp: 100, DataCenters: []string{"dc1"}}
	tr.RestoreOp(0, encodeOp(begin))
	tr.Recover(d)

	require.Equal(t, Executing, tr.State())
	require.Empty(t, d.beginReplies(), "a recovered replica must not answer a client that may already have its reply")

	// The transaction is still live and can keep taking client ops as if
	// nothing happened, on whichever seqno the client resumes at.
	tr.Write(d, "client-1", 2, 1, "accounts", "erin", []byte("30"))
	pumpUntil(t, tr, d, func() bool { return len(d.writeReplies()) == 1 })
	require.Equal(t, StatusSuccess, d.writeReplies()[0].Status)
}

// TestTransactionRejectsBeginOnNonLeader exercises §4.1's "only the
// leader should act on client commands": a BEGIN landing on a
// non-leader replica of its home group is refused outright rather than
// proposed into the log.
func TestTransactionRejectsBeginOnNonLeader(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	members := raft.Configuration{Servers: []raft.Server{
		{ID: "a", Address: "127.0.0.1:1"},
		{ID: "b", Address: "127.0.0.1:2"},
	}}
	follower := synod.Group{Local: "b", Members: members}
	tr := NewTransaction("shard1", "txn-7", follower, true, "dc1", time.Minute, logger)

	tr.Begin(d, "client-1", 1, 100, nil)

	require.Len(t, d.beginReplies(), 1)
	require.Equal(t, StatusError, d.beginReplies()[0].Status)
	require.Equal(t, Initialized, tr.State())
}

// TestTransactionRejectsClientOpOnNonLeader exercises the same check for
// the non-BEGIN ingress path (Read/Write/Prepare/Abort all funnel
// through proposeClientOp).
func TestTransactionRejectsClientOpOnNonLeader(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	members := raft.Configuration{Servers: []raft.Server{
		{ID: "a", Address: "127.0.0.1:1"},
		{ID: "b", Address: "127.0.0.1:2"},
	}}
	follower := synod.Group{Local: "b", Members: members}
	tr := NewTransaction("shard1", "txn-8", follower, true, "dc1", time.Minute, logger)

	tr.Write(d, "client-1", 1, 1, "accounts", "alice", []byte("1"))

	require.Len(t, d.writeReplies(), 1)
	require.Equal(t, StatusError, d.writeReplies()[0].Status)
}

// TestTransactionRejectsNonBeginOpAtSeqnoZero exercises §3's "ops[0] is
// always BEGIN once state >= EXECUTING": seqno 0 is reserved for BEGIN,
// so any other op kind arriving at seqno 0 is refused rather than
// proposed.
func TestTransactionRejectsNonBeginOpAtSeqnoZero(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	tr := NewTransaction("shard1", "txn-9", soloGroup(), true, "dc1", time.Minute, logger)

	tr.Write(d, "client-1", 1, 0, "accounts", "alice", []byte("1"))

	require.Len(t, d.writeReplies(), 1)
	require.Equal(t, StatusError, d.writeReplies()[0].Status)
}

// TestTransactionRejectsTerminalProposalOnAlreadyTerminalTransaction
// exercises §8 P2 (durable-log immutability): once ABORT has durably
// decided a transaction, a second terminal proposal (e.g. a racing
// PREPARE) is rejected with this transaction's actual outcome rather
// than being proposed again.
func TestTransactionRejectsTerminalProposalOnAlreadyTerminalTransaction(t *testing.T) {
	logger := zap.NewNop()
	d := newFakeDaemon(logger)
	tr := NewTransaction("shard1", "txn-10", soloGroup(), true, "dc1", time.Minute, logger)

	tr.Begin(d, "client-1", 1, 100, nil)
	pumpUntil(t, tr, d, func() bool { return len(d.beginReplies()) == 1 })

	tr.Abort(d, "client-1", 2, 1)
	pumpUntil(t, tr, d, func() bool { return len(d.abortReplies()) == 1 })
	require.Equal(t, Terminated, tr.State())

	tr.Prepare(d, "client-1", 3, 2)
	pumpUntil(t, tr, d, func() bool { return len(d.commitReplies()) == 1 })
	require.Equal(t, StatusAborted, d.commitReplies()[0].Status)
}

// TestTransactionInterDCBothDCsVoteCommit is the two-DC happy path for
// §4.5: the origin builds a commit record, the participant synthesizes
// its own Transaction from it, votes commit off its own KVS, and the
// origin's global decision reaches both sides.
func TestTransactionInterDCBothDCsVoteCommit(t *testing.T) {
	logger := zap.NewNop()
	net := newInterDCNetwork()

	dOrigin := newFakeDaemon(logger)
	dOrigin.dc = "dc1"
	dOrigin.interDC = net
	dParticipant := newFakeDaemon(logger)
	dParticipant.dc = "dc2"
	dParticipant.interDC = net

	trOrigin := NewTransaction("shard1", "txn-idc-1", soloGroup(), true, "dc1", time.Minute, logger)
	trParticipant := NewTransaction("shard1", "txn-idc-1", soloGroup(), false, "dc1", time.Minute, logger)
	net.register("dc1", trOrigin, dOrigin)
	net.register("dc2", trParticipant, dParticipant)

	trOrigin.Begin(dOrigin, "client-1", 1, 100, []string{"dc2"})
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.beginReplies()) == 1 })

	trOrigin.Write(dOrigin, "client-1", 2, 1, "accounts", "alice", []byte("100"))
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.writeReplies()) == 1 })

	trOrigin.Prepare(dOrigin, "client-1", 3, 2)
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.commitReplies()) == 1 })
	require.Equal(t, StatusSuccess, dOrigin.commitReplies()[0].Status)
	require.Equal(t, Terminated, trOrigin.State())

	pumpUntil(t, trParticipant, dParticipant, func() bool { return trParticipant.State().atLeast(Committed) })
	require.Equal(t, Committed, trParticipant.State())
}

// TestTransactionInterDCRemoteDCVotesAbort exercises scenario 6 (§8): the
// participant's own KVS disagrees with the value the origin verified, so
// it must independently vote abort even though the origin itself would
// have voted commit. Before buildCommitRecord stopped smuggling the
// origin's own LocalVote into the record, this outcome was unreachable —
// workLocalCommitVote would have adopted the origin's commit vote
// instead of running the participant's own verify-read.
func TestTransactionInterDCRemoteDCVotesAbort(t *testing.T) {
	logger := zap.NewNop()
	net := newInterDCNetwork()

	dOrigin := newFakeDaemon(logger)
	dOrigin.dc = "dc1"
	dOrigin.interDC = net
	dParticipant := newFakeDaemon(logger)
	dParticipant.dc = "dc2"
	dParticipant.interDC = net

	trOrigin := NewTransaction("shard1", "txn-idc-2", soloGroup(), true, "dc1", time.Minute, logger)
	trParticipant := NewTransaction("shard1", "txn-idc-2", soloGroup(), false, "dc1", time.Minute, logger)
	net.register("dc1", trOrigin, dOrigin)
	net.register("dc2", trParticipant, dParticipant)

	// Seed the participant's replica with the same initial value so its
	// own read (triggered once the commit record lands) succeeds, then
	// change it out from under the transaction the same way
	// TestTransactionVerifyReadMismatchAbortsCommit does, but only on
	// dc2's copy: dc1's own verify-read never sees the divergence.
	seedDone := make(chan struct{})
	dParticipant.kvsStore.Write(context.Background(), "accounts", "carol", 50, kvs.NewBytes([]byte("100")), 999, func(kvs.ReturnCode, uint64, kvs.Bytes, uint64) {
		close(seedDone)
	})
	<-seedDone

	trOrigin.Begin(dOrigin, "client-1", 1, 100, []string{"dc2"})
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.beginReplies()) == 1 })

	trOrigin.Read(dOrigin, "client-1", 2, 1, "accounts", "carol")
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.readReplies()) == 1 })

	tamperDone := make(chan struct{})
	dParticipant.kvsStore.Write(context.Background(), "accounts", "carol", 200, kvs.NewBytes([]byte("stolen")), 999, func(kvs.ReturnCode, uint64, kvs.Bytes, uint64) {
		close(tamperDone)
	})
	<-tamperDone

	trOrigin.Prepare(dOrigin, "client-1", 3, 2)
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.commitReplies()) == 1 })

	// The origin's own replica of "carol" never changed, so its own
	// local vote is commit; only the remote DC disagrees.
	require.True(t, trOrigin.localCommit, "origin's own verify-read never saw the tampered value")
	require.Equal(t, StatusAborted, dOrigin.commitReplies()[0].Status)
	require.Equal(t, Terminated, trOrigin.State())

	pumpUntil(t, trParticipant, dParticipant, func() bool { return trParticipant.State().atLeast(Aborted) })
	require.False(t, trParticipant.localCommit, "participant must derive its own abort vote from its own KVS")
	require.Equal(t, Aborted, trParticipant.State())
}

// TestTransactionInterDCCrashRetransmitsCommitRecord exercises scenario 5
// (§8): the origin decides its own local vote and crashes before its
// commit record ever reaches the participant. A peer recovers the
// transaction from the persisted log (§7) and, re-driving the state
// machine, retransmits the same commit record; the global outcome is
// unaffected by the crash.
func TestTransactionInterDCCrashRetransmitsCommitRecord(t *testing.T) {
	logger := zap.NewNop()
	net := newInterDCNetwork()

	dOrigin := newFakeDaemon(logger)
	dOrigin.dc = "dc1"
	// interDC left nil: the crashed replica never got to send anything.
	dParticipant := newFakeDaemon(logger)
	dParticipant.dc = "dc2"
	dParticipant.interDC = net

	trOrigin := NewTransaction("shard1", "txn-idc-3", soloGroup(), true, "dc1", time.Minute, logger)
	trParticipant := NewTransaction("shard1", "txn-idc-3", soloGroup(), false, "dc1", time.Minute, logger)
	net.register("dc2", trParticipant, dParticipant)

	trOrigin.Begin(dOrigin, "client-1", 1, 100, []string{"dc2"})
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.beginReplies()) == 1 })

	trOrigin.Write(dOrigin, "client-1", 2, 1, "accounts", "dave", []byte("10"))
	pumpUntil(t, trOrigin, dOrigin, func() bool { return len(dOrigin.writeReplies()) == 1 })

	trOrigin.Prepare(dOrigin, "client-1", 3, 2)
	pumpUntil(t, trOrigin, dOrigin, func() bool { return trOrigin.State() == GlobalCommitVote })
	require.True(t, trOrigin.localCommit)

	// Simulate the crash: build a fresh Transaction from exactly what
	// core/synod.Store would have durably persisted, the way
	// core/daemon.Daemon.Restore does on takeover (§1, §7).
	persisted := dOrigin.persistedOps
	require.NotEmpty(t, persisted)

	dRecovered := newFakeDaemon(logger)
	dRecovered.dc = "dc1"
	dRecovered.interDC = net
	trRecovered := NewTransaction("shard1", "txn-idc-3", soloGroup(), true, "dc1", time.Minute, logger)
	for _, p := range persisted {
		trRecovered.RestoreOp(p.Seqno, p.Payload)
	}
	net.register("dc1", trRecovered, dRecovered)
	trRecovered.Recover(dRecovered)

	pumpUntil(t, trRecovered, dRecovered, func() bool { return trRecovered.State().atLeast(Committed) })
	require.Equal(t, Committed, trRecovered.State())

	pumpUntil(t, trParticipant, dParticipant, func() bool { return trParticipant.State().atLeast(Committed) })
	require.Equal(t, Committed, trParticipant.State())
}
