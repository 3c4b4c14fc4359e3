// Package freenode is the free-node manager collaborator of spec.md §6:
// it supplies newly available SlaveId/endpoint pairs the Master can draw
// on when sharding needs a fresh tablet host. The Master reads the set
// directly from its Source when it submits a CreateTable; the set is not
// written to the consensus log and is not sent over the wire.
package freenode

import "github.com/mnohosten/shardsql/pkg/ids"

// Entry is one free node this manager is currently offering.
type Entry struct {
	SlaveID  string
	Endpoint string
}

// Source supplies the current free-node set. cmd/node builds a Static
// from its -free-nodes flag; the deterministic simulator uses no Source
// and names each CreateTable's Slaves itself.
type Source interface {
	FreeNodes() []Entry
}

// Static is a fixed pre-provisioned Source: every Slave the cluster will
// ever run is known upfront, matching how spec.md §8's scenarios size
// their Slave sets ahead of time rather than growing them at run time.
type Static struct {
	Entries []Entry
}

func (s Static) FreeNodes() []Entry { return s.Entries }

// Claim removes an entry from a free-node set and returns its GroupID,
// the operation the Master's CreateTable/sharding family calls when it
// needs to assign a new tablet host.
func Claim(entries []Entry) (ids.GroupID, []Entry, bool) {
	if len(entries) == 0 {
		return ids.GroupID{}, entries, false
	}
	chosen := entries[0]
	return ids.Slave(chosen.SlaveID), entries[1:], true
}
