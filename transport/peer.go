package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/daemon"
	"github.com/nikileshsa/consus-txman/core/synod"
	"github.com/nikileshsa/consus-txman/internal/config"
	"github.com/nikileshsa/consus-txman/pkg/connection"
)

const (
	msg2A byte = iota + 1
	msg2B
)

// PeerTransport carries 2a/2b Paxos messages between the replicas of a
// single home group (§4.2). It reuses the teacher's connection-pooling
// pattern for outbound dials (pkg/connection) and a hand-rolled,
// length-prefixed binary frame for the wire format, matching the framing
// convention core/txn/wire.go already uses for the same kind of payload.
type PeerTransport struct {
	cfg    *config.Store
	dm     *daemon.Daemon
	logger *zap.Logger
	pool   *connection.ConnectionPoolManager
	ln     net.Listener
}

// NewPeerTransport builds the intra-group transport. Listen must be
// called separately to accept inbound connections.
func NewPeerTransport(cfg *config.Store, dm *daemon.Daemon, logger *zap.Logger) *PeerTransport {
	snap := cfg.Snapshot()
	return &PeerTransport{
		cfg:    cfg,
		dm:     dm,
		logger: logger,
		pool:   connection.NewConnectionPoolManager(snap.PeerPoolSize, snap.PeerDialTimeout),
	}
}

// Listen accepts inbound peer connections until Close is called.
func (t *PeerTransport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("peer transport listen %s: %w", addr, err)
	}
	t.ln = ln
	go t.acceptLoop()
	return nil
}

func (t *PeerTransport) Close() error {
	t.pool.Close()
	if t.ln != nil {
		return t.ln.Close()
	}
	return nil
}

func (t *PeerTransport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.serve(conn)
	}
}

func (t *PeerTransport) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		kind, group, txnID, from, seqno, payload, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("peer transport read error", zap.Error(err))
			}
			return
		}
		g, ok := t.resolveGroup(group)
		if !ok {
			t.logger.Warn("2a/2b for unknown group", zap.String("group", group))
			continue
		}
		switch kind {
		case msg2A:
			t.dm.HandlePeer2A(group, g, txnID, from, seqno, payload)
		case msg2B:
			t.dm.HandlePeer2B(group, g, txnID, from, seqno)
		}
	}
}

func (t *PeerTransport) resolveGroup(name string) (synod.Group, bool) {
	c := t.cfg.Snapshot()
	members, ok := c.HomeGroups[name]
	if !ok {
		return synod.Group{}, false
	}
	return synod.Group{Local: c.LocalID, Members: members}, true
}

func (t *PeerTransport) resolveAddr(group string, id raft.ServerID) (string, error) {
	c := t.cfg.Snapshot()
	members, ok := c.HomeGroups[group]
	if !ok {
		return "", fmt.Errorf("transport: unknown group %q", group)
	}
	for _, s := range members.Servers {
		if s.ID == id {
			return string(s.Address), nil
		}
	}
	return "", fmt.Errorf("transport: no address for %s in group %q", id, group)
}

func (t *PeerTransport) send(group string, to raft.ServerID, frame []byte) {
	addr, err := t.resolveAddr(group, to)
	if err != nil {
		t.logger.Warn("cannot resolve peer address", zap.Error(err))
		return
	}
	conn, err := t.pool.Get(connection.PeerKey{Group: group, ID: string(to)}, addr)
	if err != nil {
		t.logger.Warn("cannot dial peer", zap.String("addr", addr), zap.Error(err))
		return
	}
	if _, err := conn.Write(frame); err != nil {
		t.logger.Warn("peer write failed", zap.String("addr", addr), zap.Error(err))
		conn.ForceClose()
		return
	}
	conn.Close()
}

// SendPaxos2A implements the outbound half of daemon.Sender.
func (t *PeerTransport) SendPaxos2A(group string, to raft.ServerID, txnID string, seqno uint64, payload []byte) {
	t.send(group, to, buildFrame(msg2A, group, txnID, t.cfg.Snapshot().LocalID, seqno, payload))
}

// SendPaxos2B implements the outbound half of daemon.Sender.
func (t *PeerTransport) SendPaxos2B(group string, to raft.ServerID, txnID string, seqno uint64) {
	t.send(group, to, buildFrame(msg2B, group, txnID, t.cfg.Snapshot().LocalID, seqno, nil))
}

// --- wire framing ---
//
// [1B kind][2B group len][group][2B txnID len][txnID][2B from len][from]
// [8B seqno][4B payload len][payload]

func buildFrame(kind byte, group, txnID string, from raft.ServerID, seqno uint64, payload []byte) []byte {
	buf := make([]byte, 0, 1+2+len(group)+2+len(txnID)+2+len(from)+8+4+len(payload))
	buf = append(buf, kind)
	buf = appendString(buf, group)
	buf = appendString(buf, txnID)
	buf = appendString(buf, string(from))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seqno)
	buf = append(buf, seqBuf[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

func appendString(buf []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readString(r *bufio.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	b := make([]byte, binary.BigEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readFrame(r *bufio.Reader) (kind byte, group, txnID string, from raft.ServerID, seqno uint64, payload []byte, err error) {
	kindBuf, err := r.ReadByte()
	if err != nil {
		return 0, "", "", "", 0, nil, err
	}
	group, err = readString(r)
	if err != nil {
		return 0, "", "", "", 0, nil, err
	}
	txnID, err = readString(r)
	if err != nil {
		return 0, "", "", "", 0, nil, err
	}
	fromStr, err := readString(r)
	if err != nil {
		return 0, "", "", "", 0, nil, err
	}
	var seqBuf [8]byte
	if _, err = io.ReadFull(r, seqBuf[:]); err != nil {
		return 0, "", "", "", 0, nil, err
	}
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, "", "", "", 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload = nil
	if n > 0 {
		payload = make([]byte, n)
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, "", "", "", 0, nil, err
		}
	}
	return kindBuf, group, txnID, raft.ServerID(fromStr), binary.BigEndian.Uint64(seqBuf[:]), payload, nil
}
