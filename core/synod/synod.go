package synod

import (
	"bytes"
	"sync"

	"github.com/hashicorp/raft"
)

// Slot tracks one seqno's Paxos acceptance: the proposed payload and
// which group members have acknowledged it (§4.2). A Slot becomes
// durable once a majority of the group has acked the same payload that
// was proposed.
type Slot struct {
	mu       sync.Mutex
	proposed bool
	payload  []byte
	acked    map[raft.ServerID]struct{}
	durable  bool
}

// Log is one transaction's full per-seqno acceptor state, plus the
// deferred_2b buffer for acks that outran their proposal (§4.2, §3).
type Log struct {
	group Group

	mu       sync.Mutex
	slots    []*Slot
	deferred map[uint64][]raft.ServerID // seqno -> acking members seen before 2a
}

// NewLog creates an empty per-transaction Paxos log for the given group.
func NewLog(group Group) *Log {
	return &Log{group: group, deferred: make(map[uint64][]raft.ServerID)}
}

func newSlot() *Slot {
	return &Slot{acked: make(map[raft.ServerID]struct{})}
}

// resize grows slots to hold index i, per §4.2 "Slot resizing: ops grows
// as needed; gaps are permitted".
func (l *Log) resize(i uint64) {
	for uint64(len(l.slots)) <= i {
		l.slots = append(l.slots, newSlot())
	}
}

// Propose records a 2a for seqno i. If the slot already has a different
// proposal recorded, Propose reports the conflict so the caller can reply
// with the finalized answer instead (§4.1 "conflicting retry on a
// finalized slot"). If the slot already carries the identical payload,
// Propose is a no-op success (idempotent retries, §4.1).
//
// Any deferred 2b's recorded for this seqno before the 2a arrived are
// replayed against the newly-created proposal.
func (l *Log) Propose(i uint64, payload []byte) (conflict bool) {
	l.mu.Lock()
	l.resize(i)
	slot := l.slots[i]
	deferred := l.deferred[i]
	delete(l.deferred, i)
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.proposed {
		if !bytes.Equal(slot.payload, payload) {
			return true
		}
	} else {
		slot.proposed = true
		slot.payload = payload
	}
	for _, m := range deferred {
		slot.acked[m] = struct{}{}
	}
	if len(slot.acked) >= l.group.Majority() {
		slot.durable = true
	}
	return false
}

// Ack records a 2b from member for seqno i. If no proposal has been seen
// yet for i, the ack is buffered in deferred_2b (§4.2). Ack returns
// whether the slot became durable as a result of this call.
func (l *Log) Ack(i uint64, member raft.ServerID) (becameDurable bool) {
	l.mu.Lock()
	if i >= uint64(len(l.slots)) || !l.slots[i].proposed {
		l.resize(i)
		l.deferred[i] = append(l.deferred[i], member)
		l.mu.Unlock()
		return false
	}
	slot := l.slots[i]
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.durable {
		return false
	}
	slot.acked[member] = struct{}{}
	if len(slot.acked) >= l.group.Majority() {
		slot.durable = true
		return true
	}
	return false
}

// Restore installs a payload as already-durable, for replaying a
// persisted log after a crash or leadership takeover (§7): the record
// was majority-accepted before the restart, so there is no quorum left
// to re-collect, only the outcome to trust.
func (l *Log) Restore(i uint64, payload []byte) {
	l.mu.Lock()
	l.resize(i)
	slot := l.slots[i]
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.proposed = true
	slot.payload = payload
	slot.durable = true
}

// IsDurable reports whether seqno i has reached majority acceptance.
func (l *Log) IsDurable(i uint64) bool {
	l.mu.Lock()
	if i >= uint64(len(l.slots)) {
		l.mu.Unlock()
		return false
	}
	slot := l.slots[i]
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.durable
}

// Payload returns the proposed (not necessarily durable) payload at i.
func (l *Log) Payload(i uint64) ([]byte, bool) {
	l.mu.Lock()
	if i >= uint64(len(l.slots)) {
		l.mu.Unlock()
		return nil, false
	}
	slot := l.slots[i]
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.proposed {
		return nil, false
	}
	return slot.payload, true
}

// Len reports the highest seqno seen plus one.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.slots))
}

// DeferredCount reports how many acks are buffered awaiting a proposal,
// for the txman.paxos.deferred_2b gauge.
func (l *Log) DeferredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, acks := range l.deferred {
		n += len(acks)
	}
	return n
}

// PendingRecipients returns the group members that have not yet acked
// seqno i, so a retry only re-sends 2a to non-durable recipients (§9
// "send_to_nondurable").
func (l *Log) PendingRecipients(i uint64) []raft.ServerID {
	l.mu.Lock()
	if i >= uint64(len(l.slots)) {
		l.mu.Unlock()
		return l.group.IDs()
	}
	slot := l.slots[i]
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	pending := make([]raft.ServerID, 0, len(l.group.Members.Servers))
	for _, id := range l.group.IDs() {
		if _, acked := slot.acked[id]; !acked {
			pending = append(pending, id)
		}
	}
	return pending
}
