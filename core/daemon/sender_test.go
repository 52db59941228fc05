package daemon

import (
	"sync"

	"github.com/hashicorp/raft"

	"github.com/nikileshsa/consus-txman/core/txn"
)

// fakeSender is a minimal Sender that never actually reaches a peer or a
// client socket, so tests can drive a Daemon end-to-end and assert on
// what it tried to send/reply without a real transport package.
type fakeSender struct {
	mu sync.Mutex

	begins  []reply
	writes  []reply
	commits []reply
	aborts  []reply
	reads   []readReply
}

type reply struct {
	ClientID string
	Nonce    uint64
	Status   txn.Status
}

type readReply struct {
	reply
	Timestamp uint64
	Value     []byte
}

func newFakeSender() *fakeSender { return &fakeSender{} }

func (s *fakeSender) SendPaxos2A(group string, to raft.ServerID, txnID string, seqno uint64, payload []byte) {
}
func (s *fakeSender) SendPaxos2B(group string, to raft.ServerID, txnID string, seqno uint64) {}
func (s *fakeSender) SendCommitRecord(dc, group, txnID string, record []byte)                {}
func (s *fakeSender) SendVote(dc, group, txnID string, commit bool)                          {}
func (s *fakeSender) SendDecision(dc, group, txnID string, commit bool)                      {}

func (s *fakeSender) ReplyBegin(clientID string, nonce uint64, status txn.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins = append(s.begins, reply{clientID, nonce, status})
}

func (s *fakeSender) ReplyRead(clientID string, nonce uint64, status txn.Status, timestamp uint64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, readReply{reply{clientID, nonce, status}, timestamp, value})
}

func (s *fakeSender) ReplyWrite(clientID string, nonce uint64, status txn.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, reply{clientID, nonce, status})
}

func (s *fakeSender) ReplyCommit(clientID string, nonce uint64, status txn.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, reply{clientID, nonce, status})
}

func (s *fakeSender) ReplyAbort(clientID string, nonce uint64, status txn.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts = append(s.aborts, reply{clientID, nonce, status})
}

func (s *fakeSender) beginReplies() []reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reply(nil), s.begins...)
}

func (s *fakeSender) writeReplies() []reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reply(nil), s.writes...)
}

func (s *fakeSender) commitReplies() []reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reply(nil), s.commits...)
}

func (s *fakeSender) abortReplies() []reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reply(nil), s.aborts...)
}

var _ Sender = (*fakeSender)(nil)
