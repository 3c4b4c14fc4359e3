package master

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
)

// TSOracle tracks last_lat_on_table across every DDL family that shares
// a table's version history (CreateTable, AlterTable, DropTable all
// bump the same table's schema version), implementing spec.md §4.4's
// "max(timestamp_hint, last_lat_on_table + 1)" commit-timestamp policy.
type TSOracle struct {
	mu      sync.Mutex
	lastLAT map[string]uint64
}

func NewTSOracle() *TSOracle { return &TSOracle{lastLAT: make(map[string]uint64)} }

func (o *TSOracle) Next(table string, hint uint64) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := hint
	if floor := o.lastLAT[table] + 1; floor > ts {
		ts = floor
	}
	o.lastLAT[table] = ts
	return ts
}

// CreateTablePrepare is the prepare payload for the CreateTable family:
// the schema to install plus the RM set the substrate replays
// RMsFor from (spec.md §9: payloads are a closed, compile-time-known
// set, and the RM set must be recomputable purely from the payload).
type CreateTablePrepare struct {
	Table   string
	Columns []engine.Column
	RMs     []ids.NodePath
}

type createTableCommit struct {
	Table     string
	Columns   []engine.Column
	Timestamp uint64
	RMs       []ids.NodePath
}

// CreateTableFamily generalizes the teacher's single-process
// two_phase_commit.go happy path into the log-anchored family of
// spec.md §4.4, specialized for table creation.
type CreateTableFamily struct {
	Storage engine.Storage
	Oracle  *TSOracle

	// AbortRate and Rand drive the RM-side abort-vote injection of
	// spec.md §8 scenario 2 ("one RM returns Aborted on Prepare with 5%
	// probability"); zero AbortRate (the production default) never votes
	// abort.
	AbortRate float64
	Rand      *rand.Rand
	randMu    sync.Mutex
}

func (CreateTableFamily) Name() string { return "CreateTable" }

func (CreateTableFamily) RMsFor(preparePayload []byte) []ids.NodePath {
	var p CreateTablePrepare
	if err := plm.DecodePayload(preparePayload, &p); err != nil {
		return nil
	}
	return p.RMs
}

func (f *CreateTableFamily) ValidatePrepare(preparePayload []byte) error {
	if f.AbortRate <= 0 || f.Rand == nil {
		return nil
	}
	f.randMu.Lock()
	roll := f.Rand.Float64()
	f.randMu.Unlock()
	if roll < f.AbortRate {
		return fmt.Errorf("master: injected prepare abort")
	}
	return nil
}

func (f *CreateTableFamily) CommitTimestamp(hint uint64) uint64 {
	return hint // table key is resolved in CommitPayload; see Next call there
}

func (f *CreateTableFamily) CommitPayload(preparePayload []byte, ts uint64) []byte {
	var p CreateTablePrepare
	if err := plm.DecodePayload(preparePayload, &p); err != nil {
		return nil
	}
	finalTS := f.Oracle.Next(p.Table, ts)
	data, _ := plm.EncodePayload(createTableCommit{Table: p.Table, Columns: p.Columns, Timestamp: finalTS, RMs: p.RMs})
	return data
}

func (f *CreateTableFamily) ApplyCommit(io node.IO, commitPayload []byte) error {
	var c createTableCommit
	if err := plm.DecodePayload(commitPayload, &c); err != nil {
		return err
	}
	return f.Storage.ApplySchemaChange(c.Table, engine.Schema{Table: c.Table, Columns: c.Columns}, c.Timestamp)
}

func (f *CreateTableFamily) ApplyAbort(io node.IO, preparePayload []byte) {}

// AlterTablePrepare is the prepare payload for the AlterTable family: one
// column's type change, grounded on the original's AlterOp (original_source
// stmpaxos2pc_rm.rs AlterTableRMInner).
type AlterTablePrepare struct {
	Table  string
	Column engine.Column
	RMs    []ids.NodePath
}

type alterTableCommit struct {
	Table     string
	Column    engine.Column
	Timestamp uint64
}

type AlterTableFamily struct {
	Storage engine.Storage
	Oracle  *TSOracle
}

func (AlterTableFamily) Name() string { return "AlterTable" }

func (AlterTableFamily) RMsFor(preparePayload []byte) []ids.NodePath {
	var p AlterTablePrepare
	if err := plm.DecodePayload(preparePayload, &p); err != nil {
		return nil
	}
	return p.RMs
}

func (AlterTableFamily) ValidatePrepare(preparePayload []byte) error { return nil }

func (f *AlterTableFamily) CommitTimestamp(hint uint64) uint64 { return hint }

func (f *AlterTableFamily) CommitPayload(preparePayload []byte, ts uint64) []byte {
	var p AlterTablePrepare
	if err := plm.DecodePayload(preparePayload, &p); err != nil {
		return nil
	}
	finalTS := f.Oracle.Next(p.Table, ts)
	data, _ := plm.EncodePayload(alterTableCommit{Table: p.Table, Column: p.Column, Timestamp: finalTS})
	return data
}

func (f *AlterTableFamily) ApplyCommit(io node.IO, commitPayload []byte) error {
	var c alterTableCommit
	if err := plm.DecodePayload(commitPayload, &c); err != nil {
		return err
	}
	return f.Storage.ApplySchemaChange(c.Table, engine.Schema{Table: c.Table, Columns: []engine.Column{c.Column}}, c.Timestamp)
}

func (f *AlterTableFamily) ApplyAbort(io node.IO, preparePayload []byte) {}

// DropTablePrepare is the prepare payload for the DropTable family.
type DropTablePrepare struct {
	Table string
	RMs   []ids.NodePath
}

type dropTableCommit struct {
	Table     string
	Timestamp uint64
}

type DropTableFamily struct {
	Storage engine.Storage
	Oracle  *TSOracle
}

func (DropTableFamily) Name() string { return "DropTable" }

func (DropTableFamily) RMsFor(preparePayload []byte) []ids.NodePath {
	var p DropTablePrepare
	if err := plm.DecodePayload(preparePayload, &p); err != nil {
		return nil
	}
	return p.RMs
}

func (DropTableFamily) ValidatePrepare(preparePayload []byte) error { return nil }

func (f *DropTableFamily) CommitTimestamp(hint uint64) uint64 { return hint }

func (f *DropTableFamily) CommitPayload(preparePayload []byte, ts uint64) []byte {
	var p DropTablePrepare
	if err := plm.DecodePayload(preparePayload, &p); err != nil {
		return nil
	}
	finalTS := f.Oracle.Next(p.Table, ts)
	data, _ := plm.EncodePayload(dropTableCommit{Table: p.Table, Timestamp: finalTS})
	return data
}

func (f *DropTableFamily) ApplyCommit(io node.IO, commitPayload []byte) error {
	var c dropTableCommit
	if err := plm.DecodePayload(commitPayload, &c); err != nil {
		return err
	}
	return f.Storage.DropTable(c.Table, c.Timestamp)
}

func (f *DropTableFamily) ApplyAbort(io node.IO, preparePayload []byte) {}
