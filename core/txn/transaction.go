// Package txn implements the per-transaction coordinator state machine:
// the object that persists each client operation through a local
// replicated log, drives execution against the underlying key-value
// store, exchanges per-participant votes across data centers, and
// recovers durable state after a crash or leadership change (§1, §4).
//
// A Transaction never talks to the network or the KVS directly. Every entry point takes a Daemon capability set (§9) and
// acts only through it, so the coordination logic here stays a plain,
// synchronously-testable state machine.
package txn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/synod"
)

// Transaction is one (group, txn-id) coordinator instance (§3).
type Transaction struct {
	GroupID string
	TxnID   string

	mu sync.Mutex

	group    synod.Group
	log      *synod.Log
	IsOrigin bool
	OriginDC string

	state          State
	timestamp      uint64
	preferToCommit bool

	ops []*Operation

	dcs map[string]*DCParticipant

	localVoteDecided bool
	localCommit      bool

	globalDecided bool
	globalCommit  bool
	voteStarted   time.Time

	replies map[replyKey]cachedReply

	terminatedAt time.Time
	collectAfter time.Duration

	logger *zap.Logger
}

type replyKey struct {
	ClientID string
	Nonce    uint64
}

type cachedReply struct {
	Kind      OpKind
	Status    Status
	Timestamp uint64
	Value     []byte
}

// NewTransaction creates a fresh coordinator instance for groupID/txnID.
// isOrigin is true when this DC is the one the client's BEGIN landed on;
// false when this transaction was synthesized from an inbound commit
// record sent by originDC (§4.5).
func NewTransaction(groupID, txnID string, group synod.Group, isOrigin bool, originDC string, collectAfter time.Duration, logger *zap.Logger) *Transaction {
	return &Transaction{
		GroupID:      groupID,
		TxnID:        txnID,
		group:        group,
		log:          synod.NewLog(group),
		IsOrigin:     isOrigin,
		OriginDC:     originDC,
		preferToCommit: true,
		dcs:          make(map[string]*DCParticipant),
		replies:      make(map[replyKey]cachedReply),
		collectAfter: collectAfter,
		logger:       logger.With(zap.String("group", groupID), zap.String("txn", txnID)),
	}
}

// StateKey names this transaction uniquely across the whole daemon, for
// use as a map key in core/daemon's transaction table.
func (t *Transaction) StateKey() string { return t.GroupID + "/" + t.TxnID }

// State returns the current lifecycle state (safe for concurrent read).
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Finished reports whether the transaction has reached TERMINATED or
// COLLECTED and needs no further driving.
func (t *Transaction) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.atLeast(Terminated)
}

// ReadyToCollect reports whether a TERMINATED transaction has sat past
// its collection delay (§3, §9 epoch-based reclamation).
func (t *Transaction) ReadyToCollect(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Terminated && now.Sub(t.terminatedAt) >= t.collectAfter
}

// ensureInitialized moves a fresh transaction from INITIALIZED to
// EXECUTING on the first event it observes, whichever of the three
// trigger events (client BEGIN, peer 2a for BEGIN, inbound commit
// record) arrives first (§3). Must be called with mu held.
func (t *Transaction) ensureInitialized(d Daemon) {
	if t.state != Initialized {
		return
	}
	t.state = Executing
	if err := d.PersistOrigin(t.GroupID, t.TxnID, t.IsOrigin, t.OriginDC); err != nil {
		t.logger.Warn("failed to persist origin metadata", zap.Error(err))
	}
	d.Metrics().TransactionsStarted.Add(context.Background(), 1)
	d.Metrics().StateTransitions.Add(context.Background(), 1)
}

func (t *Transaction) ensureOpSlot(seqno uint64) {
	for uint64(len(t.ops)) <= seqno {
		t.ops = append(t.ops, nil)
	}
}

// nextFreeSeqno returns the slot just past the highest recorded operation;
// earlier gaps are left empty.
func (t *Transaction) nextFreeSeqno() uint64 {
	return uint64(len(t.ops))
}

func (t *Transaction) opAt(seqno uint64) *Operation {
	if seqno >= uint64(len(t.ops)) {
		return nil
	}
	return t.ops[seqno]
}

// hasTerminal reports whether a PREPARE or ABORT has already been
// recorded anywhere in the log (§8 P2: only one terminal op survives).
func (t *Transaction) hasTerminal() (*Operation, bool) {
	for _, op := range t.ops {
		if op != nil && op.Durable && op.Kind.terminal() {
			return op, true
		}
	}
	return nil, false
}

func (t *Transaction) transitionTo(d Daemon, s State) {
	if t.state == s {
		return
	}
	t.state = s
	d.Metrics().StateTransitions.Add(context.Background(), 1)
	t.logger.Debug("state transition", zap.String("to", s.String()))
	if s == Terminated {
		t.terminatedAt = time.Now()
	}
}
