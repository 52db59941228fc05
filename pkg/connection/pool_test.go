package connection

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenOnce(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestConnectionPoolManagerReusesConnectionAfterClose(t *testing.T) {
	addr := listenOnce(t)
	m := NewConnectionPoolManager(2, time.Second)
	defer m.Close()

	key := PeerKey{Group: "shard1", ID: "b"}
	conn, err := m.Get(key, addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Equal(t, 1, m.pools[key].numConns)
}

func TestConnectionPoolManagerReplacesPoolWhenAddressChanges(t *testing.T) {
	addrA := listenOnce(t)
	addrB := listenOnce(t)
	m := NewConnectionPoolManager(2, time.Second)
	defer m.Close()

	key := PeerKey{Group: "shard1", ID: "b"}
	conn, err := m.Get(key, addrA)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn2, err := m.Get(key, addrB)
	require.NoError(t, err)
	require.NoError(t, conn2.Close())

	require.Equal(t, addrB, m.pools[key].addr)
}

func TestConnectionPoolManagerRespectsMaxSize(t *testing.T) {
	addr := listenOnce(t)
	m := NewConnectionPoolManager(1, time.Second)
	defer m.Close()

	key := PeerKey{Group: "shard1", ID: "b"}
	conn, err := m.Get(key, addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn2, err := m.Get(key, addr)
	require.NoError(t, err)
	require.NoError(t, conn2.Close())

	require.Equal(t, 1, m.pools[key].numConns)
}
