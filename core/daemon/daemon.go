// Package daemon owns the process-wide state a single TxMan replica
// needs beyond any one transaction: the live transaction table, the
// worker pool that drains inbound work, the background retry ticker,
// and the concrete implementation of the txn.Daemon capability set
// (§5, §9) that every Transaction is driven through.
package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/kvs"
	"github.com/nikileshsa/consus-txman/core/synod"
	"github.com/nikileshsa/consus-txman/core/txn"
	"github.com/nikileshsa/consus-txman/internal/config"
	"github.com/nikileshsa/consus-txman/internal/telemetry"
)

// Sender is everything the daemon needs from the transport layer to
// carry a Transaction's outbound messages. It is injected rather than
// imported directly so core/daemon and the transport packages
// (peer/client RPC, inter-DC QUIC) can be built and tested independently
// of one another.
type Sender interface {
	SendPaxos2A(group string, to raft.ServerID, txnID string, seqno uint64, payload []byte)
	SendPaxos2B(group string, to raft.ServerID, txnID string, seqno uint64)
	SendCommitRecord(dc, group, txnID string, record []byte)
	SendVote(dc, group, txnID string, commit bool)
	SendDecision(dc, group, txnID string, commit bool)

	ReplyBegin(clientID string, nonce uint64, status txn.Status)
	ReplyRead(clientID string, nonce uint64, status txn.Status, timestamp uint64, value []byte)
	ReplyWrite(clientID string, nonce uint64, status txn.Status)
	ReplyCommit(clientID string, nonce uint64, status txn.Status)
	ReplyAbort(clientID string, nonce uint64, status txn.Status)
}

// entry pairs a live Transaction with the group it belongs to, so a
// recovered or freshly-begun transaction can be re-handed its Group
// without a second lookup elsewhere.
type entry struct {
	txn   *txn.Transaction
	group synod.Group
}

// Daemon is the concrete txn.Daemon capability set, plus the
// transaction table and scheduling machinery for one TxMan replica.
type Daemon struct {
	cfg      *config.Store
	store    *synod.Store
	kvsStore kvs.Store
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	sender   Sender

	mu   sync.RWMutex
	txns map[string]*entry

	pool           *workerPool
	deferredSample int64 // touched only by the background ticker goroutine
}

// New builds a Daemon. Sender is often nil at construction time: the
// transport package's Router needs a live *Daemon to dispatch inbound
// messages to, so cmd/txmand builds the Daemon first and wires the
// Sender in afterward with SetSender — see cmd/txmand for the wiring.
func New(cfg *config.Store, store *synod.Store, kvsStore kvs.Store, metrics *telemetry.Metrics, logger *zap.Logger, sender Sender) *Daemon {
	c := cfg.Snapshot()
	dm := &Daemon{
		cfg:      cfg,
		store:    store,
		kvsStore: kvsStore,
		metrics:  metrics,
		logger:   logger,
		sender:   sender,
		txns:     make(map[string]*entry),
	}
	dm.pool = newWorkerPool(c.WorkerPoolSize)
	dm.pool.logger = logger
	return dm
}

// SetSender wires the transport layer in after construction, breaking
// the New/transport.Router construction cycle: the Router needs a live
// *Daemon to dispatch inbound messages to, so cmd/txmand builds the
// Daemon with a nil Sender, builds the Router from it, then calls this.
func (dm *Daemon) SetSender(sender Sender) {
	dm.sender = sender
}

// --- txn.Daemon capability set ---

func (dm *Daemon) Config() *config.Config     { return dm.cfg.Snapshot() }
func (dm *Daemon) KVS() kvs.Store             { return dm.kvsStore }
func (dm *Daemon) Metrics() *telemetry.Metrics { return dm.metrics }
func (dm *Daemon) Logger() *zap.Logger        { return dm.logger }

func (dm *Daemon) PersistOp(group, txnID string, seqno uint64, payload []byte) error {
	return dm.store.PutOp(group, txnID, seqno, payload)
}

func (dm *Daemon) PersistDecision(group, txnID string, payload []byte) error {
	return dm.store.PutDecision(group, txnID, payload)
}

func (dm *Daemon) PersistOrigin(group, txnID string, isOrigin bool, originDC string) error {
	return dm.store.PutOrigin(group, txnID, isOrigin, originDC)
}

func (dm *Daemon) SendPaxos2A(group string, to raft.ServerID, txnID string, seqno uint64, payload []byte) {
	dm.sender.SendPaxos2A(group, to, txnID, seqno, payload)
}
func (dm *Daemon) SendPaxos2B(group string, to raft.ServerID, txnID string, seqno uint64) {
	dm.sender.SendPaxos2B(group, to, txnID, seqno)
}
func (dm *Daemon) SendCommitRecord(dc, group, txnID string, record []byte) {
	dm.sender.SendCommitRecord(dc, group, txnID, record)
}
func (dm *Daemon) SendVote(dc, group, txnID string, commit bool) {
	dm.sender.SendVote(dc, group, txnID, commit)
}
func (dm *Daemon) SendDecision(dc, group, txnID string, commit bool) {
	dm.sender.SendDecision(dc, group, txnID, commit)
}

func (dm *Daemon) ReplyBegin(clientID string, nonce uint64, status txn.Status) {
	dm.sender.ReplyBegin(clientID, nonce, status)
}
func (dm *Daemon) ReplyRead(clientID string, nonce uint64, status txn.Status, ts uint64, value []byte) {
	dm.sender.ReplyRead(clientID, nonce, status, ts, value)
}
func (dm *Daemon) ReplyWrite(clientID string, nonce uint64, status txn.Status) {
	dm.sender.ReplyWrite(clientID, nonce, status)
}
func (dm *Daemon) ReplyCommit(clientID string, nonce uint64, status txn.Status) {
	dm.sender.ReplyCommit(clientID, nonce, status)
}
func (dm *Daemon) ReplyAbort(clientID string, nonce uint64, status txn.Status) {
	dm.sender.ReplyAbort(clientID, nonce, status)
}

// --- transaction table ---

func tableKey(group, txnID string) string { return group + "/" + txnID }

// Lookup returns an existing transaction, if any.
func (dm *Daemon) Lookup(group, txnID string) (*txn.Transaction, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	e, ok := dm.txns[tableKey(group, txnID)]
	if !ok {
		return nil, false
	}
	return e.txn, true
}

// GetOrCreateOrigin returns the transaction for (group, txnID), creating
// a fresh origin-side instance if this is the first time this replica
// has seen it (§3, §4.1).
func (dm *Daemon) GetOrCreateOrigin(group string, groupCfg synod.Group, txnID string) *txn.Transaction {
	return dm.getOrCreate(group, groupCfg, txnID, true, dm.Config().DataCenterID)
}

// GetOrCreateParticipant returns the transaction for (group, txnID),
// creating a fresh participant-side instance (synthesized from an
// inbound commit record) if needed (§4.5).
func (dm *Daemon) GetOrCreateParticipant(group string, groupCfg synod.Group, txnID, originDC string) *txn.Transaction {
	return dm.getOrCreate(group, groupCfg, txnID, false, originDC)
}

func (dm *Daemon) getOrCreate(group string, groupCfg synod.Group, txnID string, isOrigin bool, originDC string) *txn.Transaction {
	key := tableKey(group, txnID)
	dm.mu.RLock()
	if e, ok := dm.txns[key]; ok {
		dm.mu.RUnlock()
		return e.txn
	}
	dm.mu.RUnlock()

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if e, ok := dm.txns[key]; ok {
		return e.txn
	}
	c := dm.cfg.Snapshot()
	t := txn.NewTransaction(group, txnID, groupCfg, isOrigin, originDC, c.CollectionDelay, dm.logger)
	dm.txns[key] = &entry{txn: t, group: groupCfg}
	return t
}

// Snapshot returns every live transaction currently in the table, for
// the read-only admin introspection surface (admin/introspect). It
// copies the slice under the lock so callers never race the table.
func (dm *Daemon) Snapshot() []*txn.Transaction {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]*txn.Transaction, 0, len(dm.txns))
	for _, e := range dm.txns {
		out = append(out, e.txn)
	}
	return out
}

// Collect removes every TERMINATED transaction that has sat past its
// collection delay (§3, §9). A plain mutex-guarded map is sufficient
// here rather than a hazard-pointer or true epoch scheme: unlike the
// borrowed-pointer languages that idiom exists for, any goroutine still
// holding a *txn.Transaction keeps it alive under Go's own GC regardless
// of table membership, so the only invariant Collect needs to preserve
// is "a fresh lookup never resurrects a collected id", which the lock
// already gives it.
func (dm *Daemon) Collect(now time.Time) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	n := 0
	for key, e := range dm.txns {
		if e.txn.ReadyToCollect(now) {
			delete(dm.txns, key)
			n++
		}
	}
	return n
}

// Restore replays every persisted op for one (group, txnID) pair found
// in the durable store at startup, then resumes driving it (§7).
func (dm *Daemon) Restore(group string, groupCfg synod.Group, txnID string, isOrigin bool, originDC string, ops [][]byte) {
	key := tableKey(group, txnID)
	dm.mu.Lock()
	if _, ok := dm.txns[key]; ok {
		dm.mu.Unlock()
		return
	}
	c := dm.cfg.Snapshot()
	t := txn.NewTransaction(group, txnID, groupCfg, isOrigin, originDC, c.CollectionDelay, dm.logger)
	dm.txns[key] = &entry{txn: t, group: groupCfg}
	dm.mu.Unlock()

	for seqno, payload := range ops {
		t.RestoreOp(uint64(seqno), payload)
	}
	dm.pool.submit(func() { t.Recover(dm) })
}

// RestoreAll scans the durable store for every persisted transaction and
// resumes each one (§1 "performs recovery when any replica of the
// transaction's home group takes over after an arbitrary crash", §7).
// groupCfgs maps this replica's own home group names to their raft
// membership, as built by the caller from Config().HomeGroups; a
// persisted transaction whose group is not in groupCfgs belongs to a
// group this replica no longer serves and is skipped rather than guessed
// at. cmd/txmand runs it once, after the peer listener is open but before
// client and inter-DC traffic is served, so a solo leader's own in-flight
// transactions are not silently forgotten across a restart.
func (dm *Daemon) RestoreAll(groupCfgs map[string]synod.Group) (int, error) {
	refs, err := dm.store.Scan()
	if err != nil {
		return 0, fmt.Errorf("daemon: scan durable store: %w", err)
	}
	restored := 0
	for _, ref := range refs {
		groupCfg, ok := groupCfgs[ref.Group]
		if !ok {
			dm.logger.Warn("skipping persisted transaction for a group this replica no longer serves",
				zap.String("group", ref.Group), zap.String("txn", ref.TxnID))
			continue
		}
		ops, err := dm.loadPersistedOps(ref.Group, ref.TxnID)
		if err != nil {
			dm.logger.Warn("failed to load persisted ops for restore",
				zap.String("group", ref.Group), zap.String("txn", ref.TxnID), zap.Error(err))
			continue
		}
		if len(ops) == 0 {
			continue
		}
		isOrigin, originDC, found, err := dm.store.GetOrigin(ref.Group, ref.TxnID)
		if err != nil {
			dm.logger.Warn("failed to load origin metadata for restore",
				zap.String("group", ref.Group), zap.String("txn", ref.TxnID), zap.Error(err))
			continue
		}
		if !found {
			// A crash between the durable BEGIN and the origin-metadata
			// write is the only way this can happen; treat the replica as
			// the origin of its own transaction, the common case, rather
			// than dropping a transaction the client is still waiting on.
			isOrigin, originDC = true, dm.cfg.Snapshot().DataCenterID
		}
		dm.Restore(ref.Group, groupCfg, ref.TxnID, isOrigin, originDC, ops)
		restored++
	}
	return restored, nil
}

// loadPersistedOps reads back every contiguous durable slot for one
// transaction, stopping at the first gap (§4.2 "gaps... block progress
// past the first gap").
func (dm *Daemon) loadPersistedOps(group, txnID string) ([][]byte, error) {
	var ops [][]byte
	for seqno := uint64(0); ; seqno++ {
		payload, err := dm.store.GetOp(group, txnID, seqno)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			return ops, nil
		}
		ops = append(ops, payload)
	}
}

// Submit hands a unit of work to the fixed worker pool (§5 "fixed pool
// of worker threads"), for callers driving a transaction off the
// network or timer goroutines that must not block on it directly.
func (dm *Daemon) Submit(job func()) {
	dm.pool.submit(job)
}

// Start launches the worker pool and background retry ticker; it
// returns a function that stops both.
func (dm *Daemon) Start() func() {
	dm.pool.start()
	stopTicker := dm.startBackground()
	return func() {
		stopTicker()
		dm.pool.stop()
	}
}

func (dm *Daemon) String() string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return fmt.Sprintf("daemon(dc=%s, live_txns=%d)", dm.cfg.Snapshot().DataCenterID, len(dm.txns))
}
