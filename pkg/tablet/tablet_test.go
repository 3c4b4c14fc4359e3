package tablet

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/master"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/stmtpc"
	"github.com/mnohosten/shardsql/pkg/wire"
)

type fakeIO struct {
	self ids.GroupID
	sent []sentMsg
	now  time.Time
	rng  *rand.Rand
}

type sentMsg struct {
	to      ids.GroupID
	payload wire.Payload
}

func newFakeIO(self ids.GroupID) *fakeIO {
	return &fakeIO{self: self, now: time.Unix(0, 0), rng: rand.New(rand.NewSource(1))}
}

func (f *fakeIO) AppendPLM(plm.PLM)                 {}
func (f *fakeIO) AppendObservation(plm.Observation) {}
func (f *fakeIO) Send(to ids.GroupID, payload wire.Payload) {
	f.sent = append(f.sent, sentMsg{to: to, payload: payload})
}
func (f *fakeIO) DeferTimer(time.Duration, func(node.IO))   {}
func (f *fakeIO) ForwardToWorker(ids.NodePath, interface{}) {}
func (f *fakeIO) Now() time.Time                            { return f.now }
func (f *fakeIO) Rand() *rand.Rand                          { return f.rng }
func (f *fakeIO) Self() ids.GroupID                         { return f.self }

func (f *fakeIO) takeSent() []sentMsg {
	taken := f.sent
	f.sent = nil
	return taken
}

// TestTabletAppliesCreateTableCommit builds the CreateTable RM a Tablet
// wires, hands it a Prepare, then applies the family's commit payload
// directly to the tablet's Storage (as the RM does once its RMCommitted
// PLM applies) and checks the schema lands there.
func TestTabletAppliesCreateTableCommit(t *testing.T) {
	store := engine.NewMemStore()
	slave := ids.Slave("s1")
	rmPath := ids.TabletNode(slave, 0)

	family := &master.CreateTableFamily{Storage: store, Oracle: master.NewTSOracle()}
	rm := stmtpc.NewRM[*master.CreateTableFamily](family, rmPath)
	rmIO := newFakeIO(slave)

	qid := ids.NewQueryID()
	columns := []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}}
	preparePayload, err := plm.EncodePayload(master.CreateTablePrepare{Table: "users", Columns: columns, RMs: []ids.NodePath{rmPath}})
	if err != nil {
		t.Fatalf("encode prepare: %v", err)
	}

	rm.HandleMessage(rmIO, ids.Master, ids.LeadershipID{}, wire.StmPrepare{
		QueryID: qid, RM: rmPath, TM: ids.Master, Family: "CreateTable", Payload: preparePayload,
	})

	commitPayload := family.CommitPayload(preparePayload, 1)
	if err := family.ApplyCommit(rmIO, commitPayload); err != nil {
		t.Fatalf("ApplyCommit: %v", err)
	}

	rows, err := store.ComputeReadRegion("users", func(engine.Row) bool { return true })
	if err != nil {
		t.Fatalf("table should exist after commit: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected freshly created table to be empty, got %d rows", len(rows))
	}
}
