package txn

import "errors"

var (
	// ErrNotLeader marks a client command that landed on a replica that
	// is not the current lowest-ordered member of its home group (§4.1:
	// "only the leader should act on client commands"). The ingress
	// routine logs it and answers the client with StatusError rather
	// than proposing anything, since forwarding to the actual leader is
	// the out-of-scope transport layer's job (§1).
	ErrNotLeader = errors.New("txn: this replica is not the group leader")

	// ErrUnknownSeqno mirrors kvs.ErrUnknownSeqno for the log/paxos side:
	// a KVS callback referencing a seqno this transaction has no record
	// of. Logged and discarded rather than treated as fatal, since a
	// slow retry racing a later message is expected (§4.4).
	ErrUnknownSeqno = errors.New("txn: message for unknown seqno")

	// ErrCorruptLogEntry is returned when a durable log payload fails to
	// decode; this should never happen for entries this binary wrote, so
	// it signals either disk corruption or a version skew across replicas.
	ErrCorruptLogEntry = errors.New("txn: corrupt log entry payload")

	// ErrAlreadyTerminal marks an attempt to propose a new terminal
	// operation (PREPARE/ABORT) into a transaction that has already
	// durably decided one (§8 P2: durable-log immutability). Logged when
	// detected; the client gets this transaction's actual decided
	// outcome instead, via replyFromFinalized.
	ErrAlreadyTerminal = errors.New("txn: transaction already has a terminal operation")

	// ErrBadSeqno marks a non-BEGIN operation proposed at seqno 0, the
	// slot reserved for BEGIN once a transaction reaches EXECUTING (§3
	// "ops[0] is always BEGIN once state >= EXECUTING"). BEGIN itself is
	// always proposed at seqno 0 by construction, so only this direction
	// needs a runtime check.
	ErrBadSeqno = errors.New("txn: operation proposed at the wrong seqno")
)
