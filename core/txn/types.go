package txn

import "github.com/nikileshsa/consus-txman/core/kvs"

// State is a transaction's position in its lifecycle (§3, property P1:
// state is monotone non-decreasing along this ordering, with COMMITTED
// and ABORTED as siblings).
type State int

const (
	Initialized State = iota
	Executing
	LocalCommitVote
	GlobalCommitVote
	Committed
	Aborted
	Terminated
	Collected
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case Executing:
		return "EXECUTING"
	case LocalCommitVote:
		return "LOCAL_COMMIT_VOTE"
	case GlobalCommitVote:
		return "GLOBAL_COMMIT_VOTE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case Terminated:
		return "TERMINATED"
	case Collected:
		return "COLLECTED"
	default:
		return "UNKNOWN_STATE"
	}
}

// rank orders states for the monotonicity check (P1). COMMITTED and
// ABORTED share a rank since neither precedes the other.
func (s State) rank() int {
	switch s {
	case Initialized:
		return 0
	case Executing:
		return 1
	case LocalCommitVote:
		return 2
	case GlobalCommitVote:
		return 3
	case Committed, Aborted:
		return 4
	case Terminated:
		return 5
	case Collected:
		return 6
	default:
		return -1
	}
}

// atLeast reports whether s has progressed to other or beyond.
func (s State) atLeast(other State) bool { return s.rank() >= other.rank() }

// OpKind names the kind of a per-seqno log entry. BEGIN/READ/WRITE/
// PREPARE/ABORT are client-visible (§4.1); LocalVote and GlobalDecision
// are internal pseudo-operations the leader appends to the same log to
// carry the local-vote and global-decision outcomes through the exact
// same majority-Paxos machinery as any other slot (§4.3).
type OpKind int

const (
	OpBegin OpKind = iota
	OpRead
	OpWrite
	OpPrepare
	OpAbort
	OpLocalVote
	OpGlobalDecision
)

func (k OpKind) String() string {
	switch k {
	case OpBegin:
		return "BEGIN"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpPrepare:
		return "PREPARE"
	case OpAbort:
		return "ABORT"
	case OpLocalVote:
		return "LOCAL_VOTE"
	case OpGlobalDecision:
		return "GLOBAL_DECISION"
	default:
		return "UNKNOWN_OP"
	}
}

func (k OpKind) terminal() bool { return k == OpPrepare || k == OpAbort }

// KVSSubState is the six-value lifecycle spec §4.4 assigns to a READ or
// WRITE operation's interaction with the underlying store.
type KVSSubState int

const (
	NotStarted KVSSubState = iota
	LockPending
	Locked
	IOPending
	Verified
	Released
)

func (s KVSSubState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case LockPending:
		return "lock-pending"
	case Locked:
		return "locked"
	case IOPending:
		return "io-pending"
	case Verified:
		return "verified"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Operation is one seqno of a transaction's per-group Paxos log, plus
// the coordinator-local bookkeeping needed to drive it (§3, §4.4). Only
// the fields relevant to a given Kind are populated.
type Operation struct {
	Seqno uint64
	Kind  OpKind

	// Client identity, carried in the wire payload so any replica that
	// observes the durable entry can attribute it, even though only the
	// replica that actually received the client command replies (§4.6).
	ClientID string
	Nonce    uint64

	// READ / WRITE
	Table string
	Key   string
	Value kvs.Bytes // WRITE only

	Durable   bool
	KVSState  KVSSubState
	Locked    bool // ever successfully locked; governs unlock-on-terminate
	ReadDone  bool // initial (pre-verify) read value obtained
	WriteDone bool // initial (pre-verify) write applied
	VerifyOK  bool

	ReadTimestamp uint64
	ReadValue     kvs.Bytes

	// BEGIN only
	BeginTimestamp uint64
	DataCenters    []string

	// LocalVote / GlobalDecision payload
	Commit bool

	// ShouldReply is true only on the replica that actually received the
	// client command this slot represents; every other replica in the
	// group processes the slot deterministically but stays silent (§4.6).
	ShouldReply bool
	Replied     bool
}

// DCParticipant is one data center TxMan needs a vote from for the
// global commit decision (§4.5).
type DCParticipant struct {
	ID                string
	Voted             bool
	Commit            bool
	CommitRecordSent  bool
}

// Status is the outcome TxMan reports back to a client.
type Status int

const (
	StatusSuccess Status = iota
	StatusAborted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusAborted:
		return "ABORTED"
	default:
		return "ERROR"
	}
}
