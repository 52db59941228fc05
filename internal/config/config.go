// Package config holds TxMan's daemon-wide configuration and exposes it
// through an atomically-swapped snapshot, per spec §5: "the configuration
// object is read-mostly with atomic pointer swap on reconfig."
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
)

// DataCenter names one participating data center's home group, for the
// inter-DC commit protocol (§4.5).
type DataCenter struct {
	ID    string
	Group raft.Configuration
	Addr  string
}

// Config is the full, immutable snapshot of one daemon's configuration.
// A reconfiguration builds a new Config and swaps it in atomically; no
// component ever mutates a Config in place.
type Config struct {
	// DataCenterID is the home data center this daemon belongs to.
	DataCenterID string
	// LocalID is this replica's identity within its home Paxos groups.
	LocalID raft.ServerID
	// HomeGroups maps each transaction group (shard) this replica
	// participates in to that group's membership, keyed by group name.
	// A single daemon commonly serves several groups.
	HomeGroups map[string]raft.Configuration
	// ListenAddr is where the daemon accepts client and peer connections.
	ListenAddr string
	// InterDCAddr is where the daemon accepts inbound commit records
	// and votes from other data centers (§4.5), served over QUIC/HTTP3.
	InterDCAddr string
	// PersistDir holds the durable per-transaction-group log (core/synod)
	// and the global-vote decision records.
	PersistDir string
	// DataCenters lists the other participating DCs a transaction may
	// need to vote with, keyed by DC id.
	DataCenters map[string]DataCenter
	// KVSAddr is the address of the underlying key-value store.
	KVSAddr string
	// WorkerPoolSize sets the number of goroutines draining the
	// transport's inbound queue (§5 "fixed pool of worker threads").
	WorkerPoolSize int
	// BackgroundTick is how often idle transactions are re-driven to
	// retry dropped sends (§5 "Cancellation/timeouts").
	BackgroundTick time.Duration
	// CollectionDelay is how long a TERMINATED transaction lingers
	// before Daemon.Collect removes it from the transaction table (§3);
	// its state is not changed to COLLECTED.
	CollectionDelay time.Duration
	// PeerPoolSize is the maximum number of pooled outbound connections
	// this replica keeps open to any one peer in a home group (§4.2,
	// pkg/connection).
	PeerPoolSize int
	// PeerDialTimeout bounds how long dialing a peer replica may take
	// before it is treated as a locally-recovered transport disruption,
	// retried on the next background tick (§7).
	PeerDialTimeout time.Duration
}

// Validate checks the invariants the rest of TxMan assumes hold.
func (c *Config) Validate() error {
	if c.DataCenterID == "" {
		return fmt.Errorf("config: data center id is required")
	}
	if c.LocalID == "" {
		return fmt.Errorf("config: local replica id is required")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: worker pool size must be positive")
	}
	if c.BackgroundTick <= 0 {
		return fmt.Errorf("config: background tick interval must be positive")
	}
	if c.PeerPoolSize <= 0 {
		return fmt.Errorf("config: peer pool size must be positive")
	}
	if c.PeerDialTimeout <= 0 {
		return fmt.Errorf("config: peer dial timeout must be positive")
	}
	return nil
}

// Store holds the live Config behind an atomic pointer, so readers never
// observe a partially-updated configuration.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore builds a Store seeded with an initial configuration.
func NewStore(initial *Config) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Snapshot returns the currently active configuration. Callers must treat
// the returned value as immutable.
func (s *Store) Snapshot() *Config {
	return s.ptr.Load()
}

// Swap installs a new configuration, atomically replacing the old one.
func (s *Store) Swap(next *Config) {
	s.ptr.Store(next)
}
