package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/core/daemon"
	"github.com/nikileshsa/consus-txman/internal/config"
)

// Router composes the three transport surfaces into a single
// daemon.Sender, so core/daemon never needs to know its outbound sends
// are split across three different wire protocols (client HTTP/JSON,
// peer TCP/binary, inter-DC HTTP/3).
type Router struct {
	*ClientServer
	*PeerTransport
	*InterDCTransport
}

// NewRouter wires up all three transports against one daemon and starts
// listening on their respective addresses.
func NewRouter(cfg *config.Store, dm *daemon.Daemon, logger *zap.Logger) (*Router, error) {
	c := cfg.Snapshot()
	cs := NewClientServer(cfg, dm, logger)
	pt := NewPeerTransport(cfg, dm, logger)
	if err := pt.Listen(c.ListenAddr); err != nil {
		return nil, err
	}
	idc, err := NewInterDCTransport(cfg, dm, logger)
	if err != nil {
		return nil, err
	}
	return &Router{ClientServer: cs, PeerTransport: pt, InterDCTransport: idc}, nil
}

// Serve blocks running the client and inter-DC listeners (the peer
// listener is already running from NewRouter). It returns the first
// error from either.
func (r *Router) Serve() error {
	errCh := make(chan error, 2)
	go func() { errCh <- r.ClientServer.ListenAndServe() }()
	go func() { errCh <- r.InterDCTransport.ListenAndServe() }()
	return <-errCh
}

// Close shuts down every transport surface.
func (r *Router) Close(ctx context.Context) {
	r.ClientServer.Shutdown(ctx)
	r.PeerTransport.Close()
	r.InterDCTransport.Close()
}

var _ daemon.Sender = (*Router)(nil)
