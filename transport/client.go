// Package transport carries TxMan messages across the three boundaries
// the coordinator core (core/txn, core/daemon) never touches directly:
// clients, home-group peers, and other data centers. Every wire type
// here is a thin, JSON- or binary-framed envelope around the daemon's
// own Handle*/Sender surface (core/daemon/dispatch.go).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/daemon"
	"github.com/nikileshsa/consus-txman/core/synod"
	"github.com/nikileshsa/consus-txman/core/txn"
	"github.com/nikileshsa/consus-txman/internal/config"
)

// clientRequest is the JSON envelope for every client-facing operation,
// grounded on the teacher's APIRequest (api/basic/main.go): one flat
// struct with unused fields left blank rather than one type per verb.
type clientRequest struct {
	Group     string   `json:"group"`
	ClientID  string   `json:"client_id"`
	Nonce     uint64   `json:"nonce"`
	TxnID     string   `json:"txn_id"`
	Seqno     uint64   `json:"seqno,omitempty"`
	Table     string   `json:"table,omitempty"`
	Key       string   `json:"key,omitempty"`
	Value     []byte   `json:"value,omitempty"`
	Timestamp uint64   `json:"timestamp,omitempty"`
	DCs       []string `json:"data_centers,omitempty"`
}

// clientResponse mirrors the teacher's APIResponse shape.
type clientResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	Value     []byte `json:"value,omitempty"`
}

func statusString(s txn.Status) string {
	switch s {
	case txn.StatusSuccess:
		return "OK"
	case txn.StatusAborted:
		return "ABORTED"
	default:
		return "ERROR"
	}
}

type pendingKey struct {
	clientID string
	nonce    uint64
}

// ClientServer is the JSON-over-HTTP surface clients talk to, and the
// half of daemon.Sender that answers them. A request handler registers
// a channel under (clientID, nonce) before handing the request to the
// daemon's worker pool, then blocks on that channel — the transaction
// state machine calls back into Reply* on its own goroutine, arbitrarily
// later, once the operation actually completes (§4.1, §5).
type ClientServer struct {
	cfg    *config.Store
	dm     *daemon.Daemon
	logger *zap.Logger
	srv    *http.Server

	mu      sync.Mutex
	pending map[pendingKey]chan clientResponse
}

// NewClientServer builds the client RPC front end. dm.Start must be
// called separately; this only owns the HTTP listener.
func NewClientServer(cfg *config.Store, dm *daemon.Daemon, logger *zap.Logger) *ClientServer {
	s := &ClientServer{
		cfg:     cfg,
		dm:      dm,
		logger:  logger,
		pending: make(map[pendingKey]chan clientResponse),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/txn/begin", s.handle(s.begin))
	mux.HandleFunc("/txn/read", s.handle(s.read))
	mux.HandleFunc("/txn/write", s.handle(s.write))
	mux.HandleFunc("/txn/prepare", s.handle(s.prepare))
	mux.HandleFunc("/txn/abort", s.handle(s.abort))
	s.srv = &http.Server{Addr: cfg.Snapshot().ListenAddr, Handler: mux}
	return s
}

// ListenAndServe blocks serving client HTTP requests.
func (s *ClientServer) ListenAndServe() error { return s.srv.ListenAndServe() }

// Shutdown stops accepting new client connections.
func (s *ClientServer) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *ClientServer) groupConfig(name string) (synod.Group, error) {
	c := s.cfg.Snapshot()
	members, ok := c.HomeGroups[name]
	if !ok {
		return synod.Group{}, fmt.Errorf("transport: unknown group %q", name)
	}
	return synod.Group{Local: c.LocalID, Members: members}, nil
}

func (s *ClientServer) handle(fn func(req clientRequest) (pendingKey, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req clientRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		key, err := fn(req)
		if err != nil {
			json.NewEncoder(w).Encode(clientResponse{Status: "ERROR", Message: err.Error()})
			return
		}
		resp := s.await(key)
		json.NewEncoder(w).Encode(resp)
	}
}

func (s *ClientServer) register(key pendingKey) chan clientResponse {
	ch := make(chan clientResponse, 1)
	s.mu.Lock()
	s.pending[key] = ch
	s.mu.Unlock()
	return ch
}

func (s *ClientServer) await(key pendingKey) clientResponse {
	s.mu.Lock()
	ch, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return clientResponse{Status: "ERROR", Message: "request was never registered"}
	}
	select {
	case resp := <-ch:
		return resp
	case <-time.After(30 * time.Second):
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		return clientResponse{Status: "ERROR", Message: "timed out waiting for coordinator reply"}
	}
}

func (s *ClientServer) deliver(clientID string, nonce uint64, resp clientResponse) {
	key := pendingKey{clientID, nonce}
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("reply for unregistered or already-timed-out request",
			zap.String("client", clientID), zap.Uint64("nonce", nonce))
		return
	}
	ch <- resp
}

func (s *ClientServer) begin(req clientRequest) (pendingKey, error) {
	g, err := s.groupConfig(req.Group)
	if err != nil {
		return pendingKey{}, err
	}
	key := pendingKey{req.ClientID, req.Nonce}
	s.register(key)
	s.dm.HandleClientBegin(req.Group, g, req.TxnID, req.ClientID, req.Nonce, req.Timestamp, req.DCs)
	return key, nil
}

func (s *ClientServer) read(req clientRequest) (pendingKey, error) {
	g, err := s.groupConfig(req.Group)
	if err != nil {
		return pendingKey{}, err
	}
	key := pendingKey{req.ClientID, req.Nonce}
	s.register(key)
	s.dm.HandleClientRead(req.Group, g, req.TxnID, req.ClientID, req.Nonce, req.Seqno, req.Table, req.Key)
	return key, nil
}

func (s *ClientServer) write(req clientRequest) (pendingKey, error) {
	g, err := s.groupConfig(req.Group)
	if err != nil {
		return pendingKey{}, err
	}
	key := pendingKey{req.ClientID, req.Nonce}
	s.register(key)
	s.dm.HandleClientWrite(req.Group, g, req.TxnID, req.ClientID, req.Nonce, req.Seqno, req.Table, req.Key, req.Value)
	return key, nil
}

func (s *ClientServer) prepare(req clientRequest) (pendingKey, error) {
	g, err := s.groupConfig(req.Group)
	if err != nil {
		return pendingKey{}, err
	}
	key := pendingKey{req.ClientID, req.Nonce}
	s.register(key)
	s.dm.HandleClientPrepare(req.Group, g, req.TxnID, req.ClientID, req.Nonce, req.Seqno)
	return key, nil
}

func (s *ClientServer) abort(req clientRequest) (pendingKey, error) {
	g, err := s.groupConfig(req.Group)
	if err != nil {
		return pendingKey{}, err
	}
	key := pendingKey{req.ClientID, req.Nonce}
	s.register(key)
	s.dm.HandleClientAbort(req.Group, g, req.TxnID, req.ClientID, req.Nonce, req.Seqno)
	return key, nil
}

// --- daemon.Sender: client-reply half ---

func (s *ClientServer) ReplyBegin(clientID string, nonce uint64, status txn.Status) {
	s.deliver(clientID, nonce, clientResponse{Status: statusString(status)})
}

func (s *ClientServer) ReplyRead(clientID string, nonce uint64, status txn.Status, timestamp uint64, value []byte) {
	s.deliver(clientID, nonce, clientResponse{Status: statusString(status), Timestamp: timestamp, Value: value})
}

func (s *ClientServer) ReplyWrite(clientID string, nonce uint64, status txn.Status) {
	s.deliver(clientID, nonce, clientResponse{Status: statusString(status)})
}

func (s *ClientServer) ReplyCommit(clientID string, nonce uint64, status txn.Status) {
	s.deliver(clientID, nonce, clientResponse{Status: statusString(status)})
}

func (s *ClientServer) ReplyAbort(clientID string, nonce uint64, status txn.Status) {
	s.deliver(clientID, nonce, clientResponse{Status: statusString(status)})
}
