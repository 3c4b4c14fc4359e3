package master

import (
	"fmt"

	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/freenode"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/paxos2pc"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/sharding"
	"github.com/mnohosten/shardsql/pkg/stmtpc"
)

// Master is the Master group's domain glue: it owns the three DDL
// transaction families, the data-plane row-mutation coordinator, and the
// gossip Directory every Slave and coordinator reads.
type Master struct {
	driver    *node.Driver
	directory *Directory
	freeNodes freenode.Source

	createTable *stmtpc.TM[*CreateTableFamily]
	alterTable  *stmtpc.TM[*AlterTableFamily]
	dropTable   *stmtpc.TM[*DropTableFamily]
	mutateRows  *paxos2pc.TM[*sharding.MutationFamily]

	createFamily *CreateTableFamily
	alterFamily  *AlterTableFamily
	dropFamily   *DropTableFamily
}

// Config wires a Master to its dependencies. Storage is the collaborator
// each Slave's own Tablet eventually applies committed schema changes
// to; the Master's own copy (if any) is purely for query planning and is
// not required by this package. AbortRate and ConflictRate are handed to
// the Master's own CreateTable and MutateRows families; the Master only
// coordinates those transactions and never runs ValidatePrepare, so
// neither rate makes anything vote abort here. Abort injection happens in
// the RM-side families a tablet or the simulator builds.
type Config struct {
	Driver       *node.Driver
	Directory    *Directory
	FreeNodes    freenode.Source
	Storage      engine.Storage
	AbortRate    float64
	ConflictRate float64
}

func New(cfg Config, oracle *TSOracle) *Master {
	if oracle == nil {
		oracle = NewTSOracle()
	}
	m := &Master{
		driver:       cfg.Driver,
		directory:    cfg.Directory,
		freeNodes:    cfg.FreeNodes,
		createFamily: &CreateTableFamily{Storage: cfg.Storage, Oracle: oracle, AbortRate: cfg.AbortRate},
		alterFamily:  &AlterTableFamily{Storage: cfg.Storage, Oracle: oracle},
		dropFamily:   &DropTableFamily{Storage: cfg.Storage, Oracle: oracle},
	}
	m.createTable = stmtpc.NewTM[*CreateTableFamily](m.createFamily, ids.Master)
	m.alterTable = stmtpc.NewTM[*AlterTableFamily](m.alterFamily, ids.Master)
	m.dropTable = stmtpc.NewTM[*DropTableFamily](m.dropFamily, ids.Master)
	m.mutateRows = paxos2pc.NewTM[*sharding.MutationFamily](&sharding.MutationFamily{Storage: cfg.Storage, ConflictRate: cfg.ConflictRate}, ids.Master)

	cfg.Driver.RegisterPLMHandler(m.createTable)
	cfg.Driver.RegisterPLMHandler(m.alterTable)
	cfg.Driver.RegisterPLMHandler(m.dropTable)
	cfg.Driver.RegisterMessageHandler(m.createTable)
	cfg.Driver.RegisterMessageHandler(m.alterTable)
	cfg.Driver.RegisterMessageHandler(m.dropTable)
	cfg.Driver.RegisterMessageHandler(m.mutateRows)
	cfg.Driver.RegisterLeaderChangeHandler(m.createTable)
	cfg.Driver.RegisterLeaderChangeHandler(m.alterTable)
	cfg.Driver.RegisterLeaderChangeHandler(m.dropTable)
	cfg.Driver.RegisterLeaderChangeHandler(m.mutateRows)
	cfg.Driver.RegisterPLMHandler(gossipSyncHandler{m: m})

	return m
}

// CreateTable claims a free tablet host for the new table and submits a
// CreateTable transaction (spec.md §8 scenario 1).
func (m *Master) CreateTable(io node.IO, table string, columns []engine.Column, onDone func(committed bool)) (ids.QueryID, error) {
	entries := m.freeNodes.FreeNodes()
	gid, _, ok := freenode.Claim(entries)
	if !ok {
		return ids.QueryID{}, fmt.Errorf("master: no free node available for table %q", table)
	}
	rm := ids.TabletNode(gid, 0)

	qid := ids.NewQueryID()
	payload, err := plm.EncodePayload(CreateTablePrepare{Table: table, Columns: columns, RMs: []ids.NodePath{rm}})
	if err != nil {
		return qid, err
	}
	m.createTable.Submit(io, qid, payload, onDone)
	return qid, nil
}

// AlterTable submits an AlterTable transaction against the table's
// current owning tablets.
func (m *Master) AlterTable(io node.IO, table string, column engine.Column, onDone func(committed bool)) (ids.QueryID, error) {
	snap := m.directory.Snapshot()
	rms, ok := snap.Locations[table]
	if !ok {
		return ids.QueryID{}, fmt.Errorf("master: unknown table %q", table)
	}
	qid := ids.NewQueryID()
	payload, err := plm.EncodePayload(AlterTablePrepare{Table: table, Column: column, RMs: rms})
	if err != nil {
		return qid, err
	}
	m.alterTable.Submit(io, qid, payload, onDone)
	return qid, nil
}

// DropTable submits a DropTable transaction against the table's current
// owning tablets.
func (m *Master) DropTable(io node.IO, table string, onDone func(committed bool)) (ids.QueryID, error) {
	snap := m.directory.Snapshot()
	rms, ok := snap.Locations[table]
	if !ok {
		return ids.QueryID{}, fmt.Errorf("master: unknown table %q", table)
	}
	qid := ids.NewQueryID()
	payload, err := plm.EncodePayload(DropTablePrepare{Table: table, RMs: rms})
	if err != nil {
		return qid, err
	}
	m.dropTable.Submit(io, qid, payload, onDone)
	return qid, nil
}

// MutateRows submits a data-plane row mutation against a table's current
// owning tablets over Paxos-2PC (spec.md §4.5, §8 scenario 6). onDone's
// err is non-nil only once every retriable-abort attempt is exhausted or
// a participant votes a fatal abort, and then wraps
// coreerrors.QueryExecutionError (see pkg/paxos2pc.TM's PaxosAborted
// handling).
func (m *Master) MutateRows(io node.IO, table string, upserts, deletes []engine.Row, timestamp uint64, onDone func(committed bool, err error)) (ids.QueryID, error) {
	snap := m.directory.Snapshot()
	rms, ok := snap.Locations[table]
	if !ok {
		return ids.QueryID{}, fmt.Errorf("master: unknown table %q", table)
	}
	qid := ids.NewQueryID()
	payload, err := plm.EncodePayload(sharding.RowMutation{Table: table, Upserts: upserts, Deletes: deletes, Timestamp: timestamp})
	if err != nil {
		return qid, err
	}
	m.mutateRows.StartOrig(io, qid, rms, payload, onDone)
	return qid, nil
}

// gossipSyncHandler keeps the Directory's Tables/Locations in step with
// the CreateTable and DropTable families' TMCommittedPLm (an AlterTable
// commit leaves the Directory unchanged), so a reader of the snapshot never
// observes a table before the transaction that created it has committed
// (spec.md §5 "readers capture an immutable snapshot").
type gossipSyncHandler struct{ m *Master }

func (h gossipSyncHandler) HandlePLM(io node.IO, isLeader bool, p plm.PLM) {
	if p.Kind != plm.KindTMCommitted {
		return
	}
	switch p.Family {
	case "CreateTable":
		// Matches stmtpc's unexported tmCommitRecord field-for-field: gob
		// decodes by exported field name, not by declared type identity.
		var rec struct {
			CommitTS uint64
			Payload  []byte
		}
		if plm.DecodePayload(p.Payload, &rec) != nil {
			return
		}
		var c createTableCommit
		if plm.DecodePayload(rec.Payload, &c) != nil {
			return
		}
		h.m.directory.Update(func(g *Gossip) {
			g.Tables[c.Table] = engine.Schema{Table: c.Table, Columns: c.Columns}
			g.Locations[c.Table] = c.RMs
		})
	case "DropTable":
		var rec struct {
			CommitTS uint64
			Payload  []byte
		}
		if plm.DecodePayload(p.Payload, &rec) != nil {
			return
		}
		var c dropTableCommit
		if plm.DecodePayload(rec.Payload, &c) != nil {
			return
		}
		h.m.directory.Update(func(g *Gossip) {
			delete(g.Tables, c.Table)
			delete(g.Locations, c.Table)
		})
	}
}
