package daemon

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/kvs"
	"github.com/nikileshsa/consus-txman/core/synod"
	"github.com/nikileshsa/consus-txman/core/txn"
	"github.com/nikileshsa/consus-txman/internal/config"
	"github.com/nikileshsa/consus-txman/internal/telemetry"
)

func soloGroupCfg() synod.Group {
	return synod.Group{Local: "solo", Members: raft.Configuration{Servers: []raft.Server{
		{ID: "solo", Address: "127.0.0.1:1"},
	}}}
}

func testConfig() *config.Config {
	return &config.Config{
		DataCenterID:    "dc1",
		LocalID:         "solo",
		HomeGroups:      map[string]raft.Configuration{"shard1": soloGroupCfg().Members},
		WorkerPoolSize:  2,
		BackgroundTick:  20 * time.Millisecond,
		CollectionDelay: 15 * time.Millisecond,
		PeerPoolSize:    2,
		PeerDialTimeout: 20 * time.Millisecond,
	}
}

// newTestDaemon builds a real *Daemon over a temp-file synod.Store and a
// fakeSender, the way cmd/txmand builds one minus the transport package.
func newTestDaemon(t *testing.T) (*Daemon, *fakeSender) {
	t.Helper()
	store, err := synod.OpenStore(filepath.Join(t.TempDir(), "synod.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics, _, err := telemetry.New(telemetry.Config{Enabled: false})
	require.NoError(t, err)

	sender := newFakeSender()
	dm := New(config.NewStore(testConfig()), store, kvs.NewMemStore(), metrics, zap.NewNop(), sender)
	return dm, sender
}

// pumpUntil re-drives tr the way the background ticker would, mirroring
// core/txn's own test helper of the same name.
func pumpUntil(t *testing.T, tr *txn.Transaction, d txn.Daemon, cond func() bool) {
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

func TestDaemonGetOrCreateOriginIsIdempotent(t *testing.T) {
	dm, _ := newTestDaemon(t)
	t1 := dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")
	t2 := dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")
	require.Same(t, t1, t2)
}

func TestDaemonGetOrCreateParticipantIsIdempotent(t *testing.T) {
	dm, _ := newTestDaemon(t)
	t1 := dm.GetOrCreateParticipant("shard1", soloGroupCfg(), "txn-1", "dc2")
	t2 := dm.GetOrCreateParticipant("shard1", soloGroupCfg(), "txn-1", "dc2")
	require.Same(t, t1, t2)
}

func TestDaemonLookupMissingReturnsFalse(t *testing.T) {
	dm, _ := newTestDaemon(t)
	_, ok := dm.Lookup("shard1", "nope")
	require.False(t, ok)
}

func TestDaemonSnapshotReflectsLiveTable(t *testing.T) {
	dm, _ := newTestDaemon(t)
	dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")
	dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-2")
	require.Len(t, dm.Snapshot(), 2)
}

// TestDaemonDrivesTransactionToTerminatedAndPersists exercises the daemon
// as a real txn.Daemon: BEGIN -> WRITE -> PREPARE on the table-managed
// transaction must commit, reach TERMINATED and leave a durable BEGIN op
// behind in the synod.Store (§6, §9).
func TestDaemonDrivesTransactionToTerminatedAndPersists(t *testing.T) {
	dm, sender := newTestDaemon(t)
	tr := dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")

	tr.Begin(dm, "client-1", 1, 100, nil)
	pumpUntil(t, tr, dm, func() bool { return len(sender.beginReplies()) == 1 })
	require.Equal(t, txn.StatusSuccess, sender.beginReplies()[0].Status)

	tr.Write(dm, "client-1", 2, 1, "accounts", "alice", []byte("42"))
	pumpUntil(t, tr, dm, func() bool { return len(sender.writeReplies()) == 1 })

	tr.Prepare(dm, "client-1", 3, 2)
	pumpUntil(t, tr, dm, func() bool { return len(sender.commitReplies()) == 1 })
	require.Equal(t, txn.StatusSuccess, sender.commitReplies()[0].Status)
	require.Equal(t, txn.Terminated, tr.State())

	payload, err := dm.store.GetOp("shard1", "txn-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}

// TestDaemonCollectRemovesOnlyReadyTerminated checks Collect leaves a
// terminated transaction alone until its CollectionDelay has passed,
// then removes it exactly once (§3).
func TestDaemonCollectRemovesOnlyReadyTerminated(t *testing.T) {
	dm, sender := newTestDaemon(t)
	tr := dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")

	tr.Begin(dm, "client-1", 1, 100, nil)
	pumpUntil(t, tr, dm, func() bool { return len(sender.beginReplies()) == 1 })
	tr.Abort(dm, "client-1", 2, 1)
	pumpUntil(t, tr, dm, func() bool { return len(sender.abortReplies()) == 1 })
	require.Equal(t, txn.Terminated, tr.State())

	require.Equal(t, 0, dm.Collect(time.Now()))

	time.Sleep(testConfig().CollectionDelay + 10*time.Millisecond)
	require.Equal(t, 1, dm.Collect(time.Now()))

	_, ok := dm.Lookup("shard1", "txn-1")
	require.False(t, ok)
}

// TestDaemonRestoreReplaysPersistedOp exercises the startup path (§7):
// Restore is fed the exact bytes a prior transaction actually persisted
// and must bring a fresh table entry back to EXECUTING without
// re-answering the original client.
func TestDaemonRestoreReplaysPersistedOp(t *testing.T) {
	dm, sender := newTestDaemon(t)
	stop := dm.Start()
	t.Cleanup(stop)

	tr := dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")
	tr.Begin(dm, "client-1", 1, 100, nil)
	pumpUntil(t, tr, dm, func() bool { return len(sender.beginReplies()) == 1 })

	beginPayload, err := dm.store.GetOp("shard1", "txn-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, beginPayload)

	dm.Restore("shard1", soloGroupCfg(), "txn-2", true, "dc1", [][]byte{beginPayload})

	require.Eventually(t, func() bool {
		restored, ok := dm.Lookup("shard1", "txn-2")
		return ok && restored.State() == txn.Executing
	}, time.Second, 5*time.Millisecond)

	// Restore never re-answers a client that may already have its reply.
	require.Len(t, sender.beginReplies(), 1)
}

func TestDaemonRestoreIsANoopIfAlreadyLive(t *testing.T) {
	dm, _ := newTestDaemon(t)
	live := dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")

	dm.Restore("shard1", soloGroupCfg(), "txn-1", true, "dc1", nil)

	same, ok := dm.Lookup("shard1", "txn-1")
	require.True(t, ok)
	require.Same(t, live, same)
}

// TestDaemonRestoreAllReplaysFromDiskAfterRestart exercises the actual
// startup path cmd/txmand drives (§1 "performs recovery when any replica
// of the transaction's home group takes over after an arbitrary crash",
// §7): a transaction becomes durable on one Daemon instance, that
// instance is discarded to simulate a crash, and a brand new Daemon
// opened over the same on-disk store discovers and resumes it via
// RestoreAll with no peer or client needing to re-drive it first.
func TestDaemonRestoreAllReplaysFromDiskAfterRestart(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "synod.bolt")

	store1, err := synod.OpenStore(storePath)
	require.NoError(t, err)
	metrics, _, err := telemetry.New(telemetry.Config{Enabled: false})
	require.NoError(t, err)
	sender1 := newFakeSender()
	dm1 := New(config.NewStore(testConfig()), store1, kvs.NewMemStore(), metrics, zap.NewNop(), sender1)
	stop1 := dm1.Start()

	tr := dm1.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")
	tr.Begin(dm1, "client-1", 1, 100, nil)
	pumpUntil(t, tr, dm1, func() bool { return len(sender1.beginReplies()) == 1 })

	stop1()
	require.NoError(t, store1.Close())

	store2, err := synod.OpenStore(storePath)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	sender2 := newFakeSender()
	dm2 := New(config.NewStore(testConfig()), store2, kvs.NewMemStore(), metrics, zap.NewNop(), sender2)
	stop2 := dm2.Start()
	t.Cleanup(stop2)

	restored, err := dm2.RestoreAll(map[string]synod.Group{"shard1": soloGroupCfg()})
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	require.Eventually(t, func() bool {
		restoredTxn, ok := dm2.Lookup("shard1", "txn-1")
		return ok && restoredTxn.State() == txn.Executing
	}, time.Second, 5*time.Millisecond)

	// The restarted replica never re-answers a client the original
	// process may already have replied to.
	require.Empty(t, sender2.beginReplies())
}

// TestDaemonRestoreAllSkipsUnknownGroups ensures a persisted transaction
// whose group this replica is no longer configured to serve is skipped
// rather than guessed at.
func TestDaemonRestoreAllSkipsUnknownGroups(t *testing.T) {
	dm, sender := newTestDaemon(t)
	stop := dm.Start()
	defer stop()

	tr := dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")
	tr.Begin(dm, "client-1", 1, 100, nil)
	pumpUntil(t, tr, dm, func() bool { return len(sender.beginReplies()) == 1 })

	restored, err := dm.RestoreAll(map[string]synod.Group{})
	require.NoError(t, err)
	require.Equal(t, 0, restored)
}

func TestDaemonStringReportsLiveCount(t *testing.T) {
	dm, _ := newTestDaemon(t)
	dm.GetOrCreateOrigin("shard1", soloGroupCfg(), "txn-1")
	require.Contains(t, dm.String(), "live_txns=1")
}

func TestDaemonSubmitRunsJobOnWorkerPool(t *testing.T) {
	dm, _ := newTestDaemon(t)
	stop := dm.Start()
	defer stop()

	done := make(chan struct{})
	dm.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted job never ran")
	}
}
