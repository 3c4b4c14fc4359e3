package simulator

import (
	"testing"

	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/ids"
)

// TestScenario1CreateTableHappyPath reproduces spec.md §8 scenario 1's
// topology (single Master, five one-node Slaves) and its CreateTable leg:
// a single CreateTable against one claimed tablet must commit, and a
// read against that tablet's own storage must see the schema it
// installed. The INSERT/SELECT legs of the scenario exercise
// pkg/paxos2pc and pkg/engine, covered by pkg/paxos2pc's package tests
// and by pkg/sharding's, which apply and read rows through
// engine.MemStore; this harness is scoped to the STM-2PC CreateTable leg,
// where the interesting cross-package behavior (TM/RM PLM sequencing
// across five independent Slave tablets) actually lives.
func TestScenario1CreateTableHappyPath(t *testing.T) {
	slaveIDs := []string{"s0", "s1", "s2", "s3", "s4"}
	c := NewCluster(slaveIDs, 0, 0, 1)

	columns := []engine.Column{
		{Name: "product_id", Type: engine.ColInt, PrimaryKey: true},
		{Name: "email", Type: engine.ColVarchar},
	}
	committed := c.CreateTable("inventory", columns, []string{"s0"})
	if !committed {
		t.Fatalf("expected CreateTable to commit with no abort injection")
	}

	store := c.Stores["s0"]
	rows, err := store.ComputeReadRegion("inventory", func(engine.Row) bool { return true })
	if err != nil {
		t.Fatalf("table should exist on s0 after commit: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("freshly created table should start empty, got %d rows", len(rows))
	}

	// Untouched Slaves never saw a Prepare for this table at all.
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		if _, err := c.Stores[id].ComputeReadRegion("inventory", func(engine.Row) bool { return true }); err == nil {
			t.Fatalf("slave %s should never have learned about a table it wasn't assigned", id)
		}
	}
}

// TestScenario2AbortInjection reproduces spec.md §8 scenario 2: over many
// attempted CreateTables against an RM configured to reject Prepare with
// 5% probability, each attempt's commit outcome must agree with whether
// the table exists on the RM's storage afterwards (no partial apply), and
// both outcomes must occur at least once.
func TestScenario2AbortInjection(t *testing.T) {
	const attempts = 200
	aborted, committed := 0, 0

	for i := 0; i < attempts; i++ {
		c := NewCluster([]string{"s0"}, 0.05, 0, int64(i)+1)
		columns := []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}}
		ok := c.CreateTable("t", columns, []string{"s0"})

		store := c.Stores["s0"]
		_, err := store.ComputeReadRegion("t", func(engine.Row) bool { return true })
		tableExists := err == nil

		if ok != tableExists {
			t.Fatalf("attempt %d: commit outcome %v disagrees with table existence %v (no partial schema allowed)", i, ok, tableExists)
		}
		if ok {
			committed++
		} else {
			aborted++
		}
	}

	if aborted == 0 {
		t.Fatalf("expected at least one abort over %d attempts at 5%% abort rate", attempts)
	}
	if committed == 0 {
		t.Fatalf("expected at least one commit over %d attempts at 5%% abort rate", attempts)
	}
}

// TestPropertyAtomicityAcrossMultipleTablets (P1) checks that a
// CreateTable spanning several tablets never leaves some RMs committed
// and others not: either every assigned tablet gets the schema, or none
// do.
func TestPropertyAtomicityAcrossMultipleTablets(t *testing.T) {
	slaveIDs := []string{"s0", "s1", "s2"}
	c := NewCluster(slaveIDs, 0, 0, 7)
	columns := []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}}

	committed := c.CreateTable("shared", columns, slaveIDs)
	if !committed {
		t.Fatalf("expected commit with no abort injection")
	}

	for _, id := range slaveIDs {
		if _, err := c.Stores[id].ComputeReadRegion("shared", func(engine.Row) bool { return true }); err != nil {
			t.Fatalf("tablet %s missing the committed table: %v", id, err)
		}
	}
}

// TestScenario6RetriableDMLAbortEscalation reproduces spec.md §8 scenario
// 6: an RM configured to vote a retriable Prepare abort at a fixed rate
// must never sink a MutateRows transaction outright — the Paxos-2PC TM
// keeps retrying at a greater timestamp under a fresh QueryId until the
// RM admits it, so over many attempts every one eventually commits.
func TestScenario6RetriableDMLAbortEscalation(t *testing.T) {
	const attempts = 50
	for i := 0; i < attempts; i++ {
		c := NewCluster([]string{"s0"}, 0, 0.2, int64(i)+1)
		columns := []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}}
		if !c.CreateTable("orders", columns, []string{"s0"}) {
			t.Fatalf("attempt %d: expected CreateTable to commit with no DDL abort injection", i)
		}

		committed, err := c.MutateRows("orders", []engine.Row{{"id": 1}}, nil, 2, []string{"s0"})
		if !committed || err != nil {
			t.Fatalf("attempt %d: expected MutateRows to eventually commit via retry, got committed=%v err=%v", i, committed, err)
		}

		rows, readErr := c.Stores["s0"].Read("orders", 2)
		if readErr != nil {
			t.Fatalf("attempt %d: Read after commit: %v", i, readErr)
		}
		if len(rows) != 1 {
			t.Fatalf("attempt %d: expected 1 row after commit, got %d", i, len(rows))
		}
	}
}

// TestScenario6FatalAbortSurfacesQueryExecutionError checks the other
// half of P6: a fatal (non-retriable) abort is never retried and is
// surfaced to the client as an error, not silently treated as a commit.
func TestScenario6FatalAbortSurfacesQueryExecutionError(t *testing.T) {
	c := NewCluster([]string{"s0"}, 0, 0, 1)
	columns := []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}}
	if !c.CreateTable("orders", columns, []string{"s0"}) {
		t.Fatalf("expected CreateTable to commit with no abort injection")
	}

	// An undecodable mutation payload is a fatal abort (sharding.MutationFamily
	// .ValidatePrepare wraps coreerrors.ErrFatalPrepareAbort for it), never
	// retried.
	rms := []ids.NodePath{ids.TabletNode(ids.Slave("s0"), 0)}
	qid := ids.NewQueryID()
	io := c.Bus.IOFor(ids.Master, 1)
	var committed bool
	var gotErr error
	c.mutateRowsTM.StartOrig(io, qid, rms, []byte("not a valid gob payload"), func(ok bool, e error) {
		committed = ok
		gotErr = e
	})
	c.Bus.Run()

	if committed {
		t.Fatalf("expected a fatal abort not to commit")
	}
	if gotErr == nil {
		t.Fatalf("expected a QueryExecutionError for the fatal abort")
	}
}
