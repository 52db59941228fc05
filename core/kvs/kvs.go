// Package kvs defines TxMan's abstract contract with the underlying
// key-value store (§6 "KVS calls"). The storage engine itself, its
// migration tooling, and its own replication are out of scope (§1); this
// package only fixes the interface the coordinator drives lock/read/write
// through, plus a reference in-memory implementation used by tests and by
// standalone/single-node deployments.
package kvs

import (
	"context"
	"errors"
)

// ReturnCode is the KVS's result code for a call (§7).
type ReturnCode int

const (
	SUCCESS ReturnCode = iota
	ABORTED
	NOT_FOUND
	TIMEOUT
	UNKNOWN_TABLE
	SEE_ERRNO
	GARBAGE
	NONE_PENDING
)

func (rc ReturnCode) String() string {
	switch rc {
	case SUCCESS:
		return "SUCCESS"
	case ABORTED:
		return "ABORTED"
	case NOT_FOUND:
		return "NOT_FOUND"
	case TIMEOUT:
		return "TIMEOUT"
	case UNKNOWN_TABLE:
		return "UNKNOWN_TABLE"
	case SEE_ERRNO:
		return "SEE_ERRNO"
	case GARBAGE:
		return "GARBAGE"
	case NONE_PENDING:
		return "NONE_PENDING"
	default:
		return "UNKNOWN_RETURN_CODE"
	}
}

// Retryable reports whether rc is one of the "locally recovered" kinds
// (§7): transport disruption or a KVS timeout, safe to retry on the next
// background tick because every KVS call is idempotent.
func (rc ReturnCode) Retryable() bool {
	return rc == TIMEOUT || rc == SEE_ERRNO
}

var (
	// ErrUnknownSeqno is returned when a callback arrives for a seqno the
	// transaction has no record of (§4.4 "discarded with warning").
	ErrUnknownSeqno = errors.New("kvs: callback for unknown seqno")
)

// Bytes is a wire-view slice paired with the buffer that owns its
// backing array, per §9 "Backing buffers". Owner is retained until the
// slot is collected or the value is re-serialized into a commit record.
type Bytes struct {
	Data  []byte
	owner any // opaque handle to the owning buffer; nil for owned copies
}

// NewBytes wraps a slice with no distinct owner (the slice already owns
// its storage, e.g. it was produced locally rather than parsed from a
// wire buffer).
func NewBytes(b []byte) Bytes { return Bytes{Data: b} }

// View wraps a slice together with the buffer handle that must outlive it.
func View(b []byte, owner any) Bytes { return Bytes{Data: b, owner: owner} }

// LockCallback delivers the outcome of an acquire-lock call.
type LockCallback func(rc ReturnCode, seqno uint64)

// UnlockCallback delivers the outcome of a release-lock call.
type UnlockCallback func(rc ReturnCode, seqno uint64)

// ValueCallback delivers the outcome of a read, write, verify-read, or
// verify-write call. For write it carries no meaningful value.
type ValueCallback func(rc ReturnCode, timestamp uint64, value Bytes, seqno uint64)

// Store is the asynchronous KVS contract TxMan drives (§6). Every call
// takes the requesting transaction's seqno so the eventual callback can
// be dispatched back to the correct operation slot (§4.4). Calls must be
// idempotent: the background ticker retries a dropped call verbatim.
type Store interface {
	Lock(ctx context.Context, table, key string, txnID string, seqno uint64, cb LockCallback)
	Unlock(ctx context.Context, table, key string, txnID string, seqno uint64, cb UnlockCallback)
	Read(ctx context.Context, table, key string, timestamp uint64, seqno uint64, cb ValueCallback)
	Write(ctx context.Context, table, key string, timestamp uint64, value Bytes, seqno uint64, cb ValueCallback)
	VerifyRead(ctx context.Context, table, key string, timestamp uint64, seqno uint64, cb ValueCallback)
	VerifyWrite(ctx context.Context, table, key string, timestamp uint64, seqno uint64, cb ValueCallback)
}
