// Package synod implements the per-slot Paxos acceptor bookkeeping that
// backs a transaction's local replicated log (§4.2), plus its durable
// persistence. This is TxMan's own code, not a library: spec §6 lists
// "the Paxos-leader-election/acceptor library used underneath" as an
// external collaborator, but the 2a/2b quorum-counting behavior described
// in §4.2 is exactly the "hard part" this repository exists to implement.
//
// Group membership is expressed with hashicorp/raft's own configuration
// types (raft.ServerID, raft.Configuration) rather than a bespoke type,
// since a Paxos group and a Raft configuration are the same idea: a
// named, ordered set of replicas.
package synod

import "github.com/hashicorp/raft"

// Group is the home Paxos group (or a remote DC's participating group)
// a transaction's log slots are voted over.
type Group struct {
	Local   raft.ServerID
	Members raft.Configuration
}

// IDs returns the member server ids in configuration order. Leader
// selection (IsLeader) compares ids, not their position in this list.
func (g Group) IDs() []raft.ServerID {
	ids := make([]raft.ServerID, 0, len(g.Members.Servers))
	for _, s := range g.Members.Servers {
		ids = append(ids, s.ID)
	}
	return ids
}

// Majority is the number of acks required for durability.
func (g Group) Majority() int {
	return len(g.Members.Servers)/2 + 1
}

// IsLeader reports whether Local has the lowest server id (by string
// comparison) among the group's members. TxMan does not run failure
// detection itself, so every configured member is treated as live; the
// real failure detector lives in the external cluster-membership service.
func (g Group) IsLeader() bool {
	if len(g.Members.Servers) == 0 {
		return false
	}
	lowest := g.Members.Servers[0].ID
	for _, s := range g.Members.Servers[1:] {
		if s.ID < lowest {
			lowest = s.ID
		}
	}
	return g.Local == lowest
}
