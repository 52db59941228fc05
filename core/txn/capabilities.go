package txn

import (
	"github.com/hashicorp/raft"

	"github.com/nikileshsa/consus-txman/internal/config"
	"github.com/nikileshsa/consus-txman/internal/telemetry"
	"github.com/nikileshsa/consus-txman/core/kvs"
	"go.uber.org/zap"
)

// Daemon is the explicit capability set a Transaction is handed on every
// entry point (§9: "an explicit daemon handle passed as a parameter...
// a capability set: {send, kvs_call, paxos_propose, config_snapshot,
// reply_to_client}"). Transaction never holds a reference back to its
// owning daemon; it only ever sees this narrow interface, which avoids
// the cyclic daemon<->transaction references the spec calls out as a
// footgun.
type Daemon interface {
	Config() *config.Config
	KVS() kvs.Store
	Metrics() *telemetry.Metrics
	Logger() *zap.Logger

	// PersistOp and PersistDecision durably record a majority-accepted
	// slot payload and the final global-vote decision, respectively
	// (§6). Transaction holds no direct reference to core/synod.Store.
	PersistOp(group, txnID string, seqno uint64, payload []byte) error
	PersistDecision(group, txnID string, payload []byte) error

	// PersistOrigin records, once, whether this replica originated the
	// transaction or received it from a commit record sent by originDC,
	// so a restarting replica can reconstruct the distinction that
	// ensureInitialized otherwise only ever holds in memory (§1, §4.5,
	// §7).
	PersistOrigin(group, txnID string, isOrigin bool, originDC string) error

	// SendPaxos2A propagates a proposed slot to one peer in the home
	// group (§4.2).
	SendPaxos2A(group string, to raft.ServerID, txnID string, seqno uint64, payload []byte)
	// SendPaxos2B acknowledges a proposal back to the proposer.
	SendPaxos2B(group string, to raft.ServerID, txnID string, seqno uint64)

	// SendCommitRecord ships the origin's durable op history to a
	// participating data center so it can synthesize its own copy of the
	// transaction (§4.5).
	SendCommitRecord(dc string, group string, txnID string, record []byte)
	// SendVote reports this DC's local vote back to the origin.
	SendVote(dc string, group string, txnID string, commit bool)
	// SendDecision propagates the origin's final global decision out to
	// a participating DC once it is durable.
	SendDecision(dc string, group string, txnID string, commit bool)

	// ReplyBegin, ReplyRead, ReplyWrite, ReplyCommit, and ReplyAbort are
	// the only ways a Transaction ever talks back to a client, and are
	// no-ops if this replica did not originally receive the command.
	ReplyBegin(clientID string, nonce uint64, status Status)
	ReplyRead(clientID string, nonce uint64, status Status, timestamp uint64, value []byte)
	ReplyWrite(clientID string, nonce uint64, status Status)
	ReplyCommit(clientID string, nonce uint64, status Status)
	ReplyAbort(clientID string, nonce uint64, status Status)
}
