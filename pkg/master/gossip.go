// Package master is the Master group's domain glue: the DDL transaction
// families (CreateTable, AlterTable, DropTable) instantiated over
// pkg/stmtpc, and the gossip snapshot every Slave and client-facing
// coordinator reads to route work (spec.md §5 "Shared-resource policy").
package master

import (
	"sync"
	"sync/atomic"

	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/ids"
)

// Gossip is the versioned schema/sharding/leadership snapshot of spec.md
// §5: "a versioned value swapped atomically on update; readers capture
// an immutable snapshot." Grounded on the teacher's pkg/sharding.Shard
// map-plus-mutex shape (pkg/sharding/router.go), generalized from a
// single router's shard table into the full cross-group view gossip
// carries: table schemas, their owning tablet, and each group's last
// known leader.
type Gossip struct {
	Version   uint64
	Tables    map[string]engine.Schema
	Locations map[string][]ids.NodePath // table -> owning tablets
	Leaders   map[ids.GroupID]ids.LeadershipID
}

func (g Gossip) clone() Gossip {
	next := Gossip{
		Version:   g.Version + 1,
		Tables:    make(map[string]engine.Schema, len(g.Tables)),
		Locations: make(map[string][]ids.NodePath, len(g.Locations)),
		Leaders:   make(map[ids.GroupID]ids.LeadershipID, len(g.Leaders)),
	}
	for k, v := range g.Tables {
		next.Tables[k] = v
	}
	for k, v := range g.Locations {
		next.Locations[k] = append([]ids.NodePath(nil), v...)
	}
	for k, v := range g.Leaders {
		next.Leaders[k] = v
	}
	return next
}

// Directory holds the current Gossip snapshot behind an atomic pointer,
// so a reader never observes a torn update and never blocks a writer
// (spec.md §5).
type Directory struct {
	mu  sync.Mutex // serializes writers; readers never take it
	cur atomic.Pointer[Gossip]
}

func NewDirectory() *Directory {
	d := &Directory{}
	empty := Gossip{Tables: make(map[string]engine.Schema), Locations: make(map[string][]ids.NodePath), Leaders: make(map[ids.GroupID]ids.LeadershipID)}
	d.cur.Store(&empty)
	return d
}

// Snapshot returns the current immutable Gossip value.
func (d *Directory) Snapshot() Gossip {
	return *d.cur.Load()
}

// Update applies fn to a clone of the current snapshot and installs the
// result, the only way Gossip content ever changes.
func (d *Directory) Update(fn func(*Gossip)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.cur.Load().clone()
	fn(&next)
	d.cur.Store(&next)
}
