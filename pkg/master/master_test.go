package master

import (
	"math/rand"
	"testing"

	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/plm"
)

func TestTSOracleMonotoneAcrossHintsAndTables(t *testing.T) {
	o := NewTSOracle()

	if got := o.Next("accounts", 5); got != 5 {
		t.Fatalf("first Next should take the hint verbatim, got %d", got)
	}
	// A lower hint must still advance past the table's last timestamp.
	if got := o.Next("accounts", 2); got != 6 {
		t.Fatalf("expected floor of lastLAT+1=6, got %d", got)
	}
	// A different table's history is independent.
	if got := o.Next("orders", 1); got != 1 {
		t.Fatalf("expected orders to start fresh at its own hint, got %d", got)
	}
}

func TestDirectoryUpdateProducesIndependentSnapshots(t *testing.T) {
	d := NewDirectory()
	before := d.Snapshot()
	if before.Version != 0 {
		t.Fatalf("expected a fresh Directory at version 0, got %d", before.Version)
	}

	d.Update(func(g *Gossip) {
		g.Tables["accounts"] = engine.Schema{Table: "accounts"}
		g.Locations["accounts"] = []ids.NodePath{ids.TabletNode(ids.Slave("s0"), 0)}
	})

	after := d.Snapshot()
	if after.Version != 1 {
		t.Fatalf("expected version to bump to 1, got %d", after.Version)
	}
	if _, ok := before.Tables["accounts"]; ok {
		t.Fatalf("earlier snapshot must not observe the later update")
	}
	if _, ok := after.Tables["accounts"]; !ok {
		t.Fatalf("later snapshot must observe its own update")
	}
}

func TestCreateTableFamilyRMsForRoundTrips(t *testing.T) {
	rm := ids.TabletNode(ids.Slave("s0"), 0)
	payload, err := plm.EncodePayload(CreateTablePrepare{
		Table:   "accounts",
		Columns: []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}},
		RMs:     []ids.NodePath{rm},
	})
	if err != nil {
		t.Fatalf("encode prepare: %v", err)
	}

	f := &CreateTableFamily{}
	got := f.RMsFor(payload)
	if len(got) != 1 || got[0] != rm {
		t.Fatalf("expected RMsFor to recover %v, got %v", rm, got)
	}
}

func TestCreateTableFamilyValidatePrepareInjectsAbortsAtConfiguredRate(t *testing.T) {
	f := &CreateTableFamily{AbortRate: 1, Rand: rand.New(rand.NewSource(1))}
	if err := f.ValidatePrepare(nil); err == nil {
		t.Fatalf("expected AbortRate=1 to always reject Prepare")
	}

	zero := &CreateTableFamily{AbortRate: 0, Rand: rand.New(rand.NewSource(1))}
	if err := zero.ValidatePrepare(nil); err != nil {
		t.Fatalf("expected AbortRate=0 to never reject Prepare, got %v", err)
	}

	unset := &CreateTableFamily{}
	if err := unset.ValidatePrepare(nil); err != nil {
		t.Fatalf("expected an unconfigured family to never reject Prepare, got %v", err)
	}
}

func TestCreateTableFamilyCommitAppliesSchemaWithOracleTimestamp(t *testing.T) {
	store := engine.NewMemStore()
	oracle := NewTSOracle()
	f := &CreateTableFamily{Storage: store, Oracle: oracle}

	columns := []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}}
	payload, err := plm.EncodePayload(CreateTablePrepare{Table: "accounts", Columns: columns})
	if err != nil {
		t.Fatalf("encode prepare: %v", err)
	}

	commitPayload := f.CommitPayload(payload, 10)
	if err := f.ApplyCommit(nil, commitPayload); err != nil {
		t.Fatalf("ApplyCommit: %v", err)
	}

	if _, err := store.ComputeReadRegion("accounts", func(engine.Row) bool { return true }); err != nil {
		t.Fatalf("expected accounts to exist after commit: %v", err)
	}
	// The oracle must have recorded the table's timestamp for subsequent
	// AlterTable/DropTable transactions to build on.
	if got := oracle.Next("accounts", 0); got != 11 {
		t.Fatalf("expected oracle floor to advance past the commit ts, got %d", got)
	}
}

// TestGossipSyncHandlerPopulatesLocationsFromCreateTableCommit exercises
// gossipSyncHandler.HandlePLM end to end from a real CreateTableFamily
// commit record, the gap review feedback flagged: a table created through
// the real commit flow must leave Locations populated, or AlterTable/
// DropTable can never find it again.
func TestGossipSyncHandlerPopulatesLocationsFromCreateTableCommit(t *testing.T) {
	oracle := NewTSOracle()
	family := &CreateTableFamily{Storage: engine.NewMemStore(), Oracle: oracle}
	rm := ids.TabletNode(ids.Slave("s0"), 0)
	columns := []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}}

	preparePayload, err := plm.EncodePayload(CreateTablePrepare{Table: "accounts", Columns: columns, RMs: []ids.NodePath{rm}})
	if err != nil {
		t.Fatalf("encode prepare: %v", err)
	}
	commitPayload := family.CommitPayload(preparePayload, 10)

	// Matches stmtpc's unexported tmCommitRecord field-for-field, the
	// same gob-by-field-name trick gossipSyncHandler itself relies on.
	rec := struct {
		CommitTS uint64
		Payload  []byte
	}{CommitTS: 10, Payload: commitPayload}
	recPayload, err := plm.EncodePayload(rec)
	if err != nil {
		t.Fatalf("encode commit record: %v", err)
	}

	m := &Master{directory: NewDirectory()}
	h := gossipSyncHandler{m: m}
	h.HandlePLM(nil, true, plm.PLM{Kind: plm.KindTMCommitted, Family: "CreateTable", Payload: recPayload})

	snap := m.directory.Snapshot()
	if _, ok := snap.Tables["accounts"]; !ok {
		t.Fatalf("expected Tables to contain the committed table")
	}
	rms, ok := snap.Locations["accounts"]
	if !ok || len(rms) != 1 || rms[0] != rm {
		t.Fatalf("expected Locations[accounts] = [%v], got %v (present=%v)", rm, rms, ok)
	}
}

func TestDropTableFamilyCommitRemovesTable(t *testing.T) {
	store := engine.NewMemStore()
	if err := store.ApplySchemaChange("accounts", engine.Schema{Table: "accounts"}, 1); err != nil {
		t.Fatalf("ApplySchemaChange: %v", err)
	}

	f := &DropTableFamily{Storage: store, Oracle: NewTSOracle()}
	payload, err := plm.EncodePayload(DropTablePrepare{Table: "accounts"})
	if err != nil {
		t.Fatalf("encode prepare: %v", err)
	}
	commitPayload := f.CommitPayload(payload, 5)
	if err := f.ApplyCommit(nil, commitPayload); err != nil {
		t.Fatalf("ApplyCommit: %v", err)
	}

	if _, err := store.ComputeReadRegion("accounts", func(engine.Row) bool { return true }); err == nil {
		t.Fatalf("expected accounts to be gone after DropTable commit")
	}
}
