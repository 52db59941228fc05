package kvs

import (
	"context"
	"hash/fnv"
	"sync"
)

// versioned is one key's committed value history: only the latest
// committed version is kept, since verify-read/verify-write only ever
// need to compare against "the latest visible version" (§4.4).
type versioned struct {
	timestamp uint64
	value     Bytes
	present   bool
}

// shardCount is the number of internal lock/data shards. §9 leaves the
// key-to-shard hash unspecified beyond requiring stability; FNV-1a over
// the full key satisfies that without the placeholder two-byte hash the
// original left as a stub.
const shardCount = 64

type shard struct {
	mu    sync.Mutex
	data  map[string]versioned
	locks map[string]string // "table\x00key" -> holding txn id
}

// MemStore is a single-process, in-memory reference KVS. It provides
// real mutual exclusion for lock/unlock (§9 flags the original's lock
// call as an unimplemented NOP; this implementation is not) and is
// intended for tests and single-node deployments, not as a substitute
// for the production storage engine, which is out of scope (§1).
//
// Every callback fires from its own goroutine, never from the calling
// stack, to honor the Store interface's asynchronous contract: core/txn
// invokes these methods while holding a transaction's own lock and
// expects the callback to arrive on a fresh call stack that can safely
// re-acquire it.
type MemStore struct {
	shards [shardCount]*shard
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	m := &MemStore{}
	for i := range m.shards {
		m.shards[i] = &shard{
			data:  make(map[string]versioned),
			locks: make(map[string]string),
		}
	}
	return m
}

func (m *MemStore) shard(table, key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func lockKey(table, key string) string { return table + "\x00" + key }

func (m *MemStore) Lock(_ context.Context, table, key, txnID string, seqno uint64, cb LockCallback) {
	s := m.shard(table, key)
	s.mu.Lock()
	lk := lockKey(table, key)
	holder, held := s.locks[lk]
	if held && holder != txnID {
		s.mu.Unlock()
		go cb(TIMEOUT, seqno)
		return
	}
	s.locks[lk] = txnID
	s.mu.Unlock()
	go cb(SUCCESS, seqno)
}

func (m *MemStore) Unlock(_ context.Context, table, key, txnID string, seqno uint64, cb UnlockCallback) {
	s := m.shard(table, key)
	s.mu.Lock()
	lk := lockKey(table, key)
	if holder, held := s.locks[lk]; held && holder == txnID {
		delete(s.locks, lk)
	}
	s.mu.Unlock()
	go cb(SUCCESS, seqno)
}

func (m *MemStore) Read(_ context.Context, table, key string, _ uint64, seqno uint64, cb ValueCallback) {
	s := m.shard(table, key)
	s.mu.Lock()
	v, ok := s.data[lockKey(table, key)]
	s.mu.Unlock()
	if !ok || !v.present {
		go cb(NOT_FOUND, 0, Bytes{}, seqno)
		return
	}
	go cb(SUCCESS, v.timestamp, v.value, seqno)
}

func (m *MemStore) Write(_ context.Context, table, key string, timestamp uint64, value Bytes, seqno uint64, cb ValueCallback) {
	s := m.shard(table, key)
	s.mu.Lock()
	s.data[lockKey(table, key)] = versioned{timestamp: timestamp, value: value, present: true}
	s.mu.Unlock()
	go cb(SUCCESS, timestamp, value, seqno)
}

// VerifyRead returns the latest visible version of the key (or NOT_FOUND);
// comparing it with what was read earlier is left to the caller (§4.4).
func (m *MemStore) VerifyRead(_ context.Context, table, key string, timestamp uint64, seqno uint64, cb ValueCallback) {
	s := m.shard(table, key)
	s.mu.Lock()
	v, ok := s.data[lockKey(table, key)]
	s.mu.Unlock()
	if !ok || !v.present {
		go cb(NOT_FOUND, 0, Bytes{}, seqno)
		return
	}
	go cb(SUCCESS, v.timestamp, v.value, seqno)
}

// VerifyWrite confirms a write applied at commit time is visible.
func (m *MemStore) VerifyWrite(_ context.Context, table, key string, timestamp uint64, seqno uint64, cb ValueCallback) {
	m.VerifyRead(nil, table, key, timestamp, seqno, cb)
}
