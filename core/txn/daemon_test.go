package txn

import (
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/kvs"
	"github.com/nikileshsa/consus-txman/internal/config"
	"github.com/nikileshsa/consus-txman/internal/telemetry"
)

// fakeDaemon is a minimal Daemon capability set for driving a Transaction
// directly in tests, standing in for core/daemon's real wiring. It backs
// KVS() with a real kvs.MemStore (never a mock of the storage contract
// itself) and records every reply/persist/send call so tests can assert
// on them without reaching into Transaction's private fields.
type fakeDaemon struct {
	self   raft.ServerID
	router *fakeNetwork

	dc      string
	interDC *interDCNetwork

	kvsStore kvs.Store
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	begins   []reply
	writes   []reply
	commits  []reply
	aborts   []reply
	reads    []readReply

	persistedOps       []persistedOp
	persistedDecisions []persistedDecision
	persistedOrigins   []persistedOrigin
}

type reply struct {
	ClientID string
	Nonce    uint64
	Status   Status
}

type readReply struct {
	reply
	Timestamp uint64
	Value     []byte
}

type persistedOp struct {
	Group, TxnID string
	Seqno        uint64
	Payload      []byte
}

type persistedDecision struct {
	Group, TxnID string
	Payload      []byte
}

type persistedOrigin struct {
	Group, TxnID string
	IsOrigin     bool
	OriginDC     string
}

func noopMetrics() *telemetry.Metrics {
	m, _, err := telemetry.New(telemetry.Config{Enabled: false})
	if err != nil {
		panic(err)
	}
	return m
}

// newFakeDaemon builds a standalone daemon with no peers: SendPaxos2A/2B
// and the inter-DC sends are no-ops, matching a single-replica, single-DC
// deployment.
func newFakeDaemon(logger *zap.Logger) *fakeDaemon {
	return &fakeDaemon{
		self:     "solo",
		kvsStore: kvs.NewMemStore(),
		metrics:  noopMetrics(),
		logger:   logger,
	}
}

func (d *fakeDaemon) Config() *config.Config      { return nil }
func (d *fakeDaemon) KVS() kvs.Store              { return d.kvsStore }
func (d *fakeDaemon) Metrics() *telemetry.Metrics { return d.metrics }
func (d *fakeDaemon) Logger() *zap.Logger         { return d.logger }

func (d *fakeDaemon) PersistOp(group, txnID string, seqno uint64, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persistedOps = append(d.persistedOps, persistedOp{group, txnID, seqno, payload})
	return nil
}

func (d *fakeDaemon) PersistDecision(group, txnID string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persistedDecisions = append(d.persistedDecisions, persistedDecision{group, txnID, payload})
	return nil
}

func (d *fakeDaemon) PersistOrigin(group, txnID string, isOrigin bool, originDC string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persistedOrigins = append(d.persistedOrigins, persistedOrigin{group, txnID, isOrigin, originDC})
	return nil
}

func (d *fakeDaemon) SendPaxos2A(group string, to raft.ServerID, txnID string, seqno uint64, payload []byte) {
	if d.router == nil {
		return
	}
	d.router.deliver2A(d.self, group, to, txnID, seqno, payload)
}

func (d *fakeDaemon) SendPaxos2B(group string, to raft.ServerID, txnID string, seqno uint64) {
	if d.router == nil {
		return
	}
	d.router.deliver2B(d.self, group, to, txnID, seqno)
}

func (d *fakeDaemon) SendCommitRecord(dc string, group string, txnID string, record []byte) {
	if d.interDC == nil {
		return
	}
	d.interDC.deliverCommitRecord(dc, record)
}

func (d *fakeDaemon) SendVote(dc string, group string, txnID string, commit bool) {
	if d.interDC == nil {
		return
	}
	d.interDC.deliverVote(dc, d.dc, commit)
}

func (d *fakeDaemon) SendDecision(dc string, group string, txnID string, commit bool) {
	if d.interDC == nil {
		return
	}
	d.interDC.deliverDecision(dc, commit)
}

func (d *fakeDaemon) ReplyBegin(clientID string, nonce uint64, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.begins = append(d.begins, reply{clientID, nonce, status})
}

func (d *fakeDaemon) ReplyRead(clientID string, nonce uint64, status Status, timestamp uint64, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads = append(d.reads, readReply{reply{clientID, nonce, status}, timestamp, value})
}

func (d *fakeDaemon) ReplyWrite(clientID string, nonce uint64, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, reply{clientID, nonce, status})
}

func (d *fakeDaemon) ReplyCommit(clientID string, nonce uint64, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits = append(d.commits, reply{clientID, nonce, status})
}

func (d *fakeDaemon) ReplyAbort(clientID string, nonce uint64, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborts = append(d.aborts, reply{clientID, nonce, status})
}

func (d *fakeDaemon) beginReplies() []reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reply(nil), d.begins...)
}

func (d *fakeDaemon) writeReplies() []reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reply(nil), d.writes...)
}

func (d *fakeDaemon) commitReplies() []reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reply(nil), d.commits...)
}

func (d *fakeDaemon) abortReplies() []reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reply(nil), d.aborts...)
}

func (d *fakeDaemon) readReplies() []readReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]readReply(nil), d.reads...)
}

// fakeNetwork wires two replicas' 2a/2b sends into each other's
// Transaction, dispatched from a fresh goroutine per message the way a
// real socket read would, so a nested Send never re-enters the sending
// replica's own transaction lock.
type fakeNetwork struct {
	replicas map[raft.ServerID]*replicaHandle
}

type replicaHandle struct {
	tr *Transaction
	d  Daemon
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{replicas: make(map[raft.ServerID]*replicaHandle)}
}

func (n *fakeNetwork) register(id raft.ServerID, tr *Transaction, d Daemon) {
	n.replicas[id] = &replicaHandle{tr: tr, d: d}
}

func (n *fakeNetwork) deliver2A(from raft.ServerID, group string, to raft.ServerID, txnID string, seqno uint64, payload []byte) {
	target, ok := n.replicas[to]
	if !ok {
		return
	}
	go target.tr.OnPaxos2A(target.d, from, seqno, payload)
}

func (n *fakeNetwork) deliver2B(from raft.ServerID, group string, to raft.ServerID, txnID string, seqno uint64) {
	target, ok := n.replicas[to]
	if !ok {
		return
	}
	go target.tr.OnPaxos2B(target.d, from, seqno)
}

// interDCNetwork wires SendCommitRecord/SendVote/SendDecision between one
// Transaction per data center, standing in for transport/interdc's real
// QUIC-based sender (§4.5). Each side is registered under its own DC
// name; delivery runs on a fresh goroutine, matching fakeNetwork's
// no-reentrant-lock discipline.
type interDCNetwork struct {
	mu    sync.Mutex
	peers map[string]*replicaHandle
}

func newInterDCNetwork() *interDCNetwork {
	return &interDCNetwork{peers: make(map[string]*replicaHandle)}
}

func (n *interDCNetwork) register(dc string, tr *Transaction, d Daemon) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[dc] = &replicaHandle{tr: tr, d: d}
}

func (n *interDCNetwork) deliverCommitRecord(to string, record []byte) {
	n.mu.Lock()
	target, ok := n.peers[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		_ = target.tr.ApplyCommitRecord(target.d, record)
	}()
}

func (n *interDCNetwork) deliverVote(to, fromDC string, commit bool) {
	n.mu.Lock()
	target, ok := n.peers[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	go target.tr.OnRemoteVote(target.d, fromDC, commit)
}

func (n *interDCNetwork) deliverDecision(to string, commit bool) {
	n.mu.Lock()
	target, ok := n.peers[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	go target.tr.OnDecision(target.d, commit)
}
