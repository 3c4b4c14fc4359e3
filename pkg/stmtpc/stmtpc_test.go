package stmtpc

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

// fakeIO is a hand-rolled node.IO stand-in, in the teacher's style of
// hand-rolled mocks rather than a generated/mockgen double: it records
// every PLM and Send so a test can assert on the substrate's exact
// observable output without a real consensus.Log or Driver.
type fakeIO struct {
	self    ids.GroupID
	pending []plm.PLM
	sent    []sentMsg
	now     time.Time
	rng     *rand.Rand
}

type sentMsg struct {
	to      ids.GroupID
	payload wire.Payload
}

func newFakeIO(self ids.GroupID) *fakeIO {
	return &fakeIO{self: self, now: time.Unix(0, 0), rng: rand.New(rand.NewSource(1))}
}

func (f *fakeIO) AppendPLM(p plm.PLM)             { f.pending = append(f.pending, p) }
func (f *fakeIO) AppendObservation(plm.Observation) {}
func (f *fakeIO) Send(to ids.GroupID, payload wire.Payload) {
	f.sent = append(f.sent, sentMsg{to: to, payload: payload})
}
func (f *fakeIO) DeferTimer(time.Duration, func(node.IO))            {}
func (f *fakeIO) ForwardToWorker(ids.NodePath, interface{})          {}
func (f *fakeIO) Now() time.Time                                     { return f.now }
func (f *fakeIO) Rand() *rand.Rand                                    { return f.rng }
func (f *fakeIO) Self() ids.GroupID                                   { return f.self }

func (f *fakeIO) takePLMs() []plm.PLM {
	taken := f.pending
	f.pending = nil
	return taken
}

func (f *fakeIO) takeSent() []sentMsg {
	taken := f.sent
	f.sent = nil
	return taken
}

// testFamily is a minimal Family whose payloads are just opaque strings,
// enough to exercise every substrate transition without any real schema.
type testFamily struct {
	rms      []ids.NodePath
	rejectRM bool
}

func (testFamily) Name() string { return "TestFamily" }
func (f testFamily) RMsFor([]byte) []ids.NodePath { return f.rms }
func (f testFamily) ValidatePrepare([]byte) error {
	if f.rejectRM {
		return errRejected
	}
	return nil
}
func (testFamily) CommitTimestamp(hint uint64) uint64 { return hint }
func (testFamily) CommitPayload(prepare []byte, ts uint64) []byte { return prepare }
func (testFamily) ApplyCommit(node.IO, []byte) error              { return nil }
func (testFamily) ApplyAbort(node.IO, []byte)                     {}

type rejectedErr struct{}

func (rejectedErr) Error() string { return "rejected" }

var errRejected = rejectedErr{}

func TestStmTPCHappyPath(t *testing.T) {
	master := ids.Master
	slave := ids.Slave("s1")
	rm := ids.NodePath{Group: slave, HasTablet: true, TabletIdx: 0}

	family := testFamily{rms: []ids.NodePath{rm}}
	tm := NewTM[testFamily](family, master)
	rmEngine := NewRM[testFamily](family, rm)

	tmIO := newFakeIO(master)
	rmIO := newFakeIO(slave)
	qid := ids.NewQueryID()

	var outcome *bool
	tm.Submit(tmIO, qid, []byte("payload"), func(committed bool) { outcome = &committed })

	// TMPreparedPLm applies on the (sole) TM replica, which is leader.
	for _, p := range tmIO.takePLMs() {
		tm.HandlePLM(tmIO, true, p)
	}
	prepareSends := tmIO.takeSent()
	if len(prepareSends) != 1 {
		t.Fatalf("expected 1 StmPrepare sent, got %d", len(prepareSends))
	}
	prepareMsg := prepareSends[0].payload.(wire.StmPrepare)

	// RM receives Prepare.
	rmEngine.HandleMessage(rmIO, master, ids.LeadershipID{}, prepareMsg)
	for _, p := range rmIO.takePLMs() {
		rmEngine.HandlePLM(rmIO, true, p)
	}
	preparedSends := rmIO.takeSent()
	if len(preparedSends) != 1 {
		t.Fatalf("expected 1 StmPrepared sent, got %d", len(preparedSends))
	}

	// TM receives Prepared from its only RM -> commits.
	tm.HandleMessage(tmIO, slave, ids.LeadershipID{}, preparedSends[0].payload)
	for _, p := range tmIO.takePLMs() {
		tm.HandlePLM(tmIO, true, p)
	}
	commitSends := tmIO.takeSent()
	if len(commitSends) != 1 {
		t.Fatalf("expected 1 StmCommit sent, got %d", len(commitSends))
	}

	// RM receives Commit.
	rmEngine.HandleMessage(rmIO, master, ids.LeadershipID{}, commitSends[0].payload)
	for _, p := range rmIO.takePLMs() {
		rmEngine.HandlePLM(rmIO, true, p)
	}
	closedSends := rmIO.takeSent()
	if len(closedSends) != 1 {
		t.Fatalf("expected 1 StmClosed sent, got %d", len(closedSends))
	}

	// TM receives Closed from its only RM -> finishes.
	tm.HandleMessage(tmIO, slave, ids.LeadershipID{}, closedSends[0].payload)
	for _, p := range tmIO.takePLMs() {
		tm.HandlePLM(tmIO, true, p)
	}

	if outcome == nil || !*outcome {
		t.Fatalf("expected transaction to report committed, got %v", outcome)
	}
}

func TestStmTPCAbortVoteNeverLogged(t *testing.T) {
	master := ids.Master
	slave := ids.Slave("s1")
	rm := ids.NodePath{Group: slave, HasTablet: true, TabletIdx: 0}

	family := testFamily{rms: []ids.NodePath{rm}, rejectRM: true}
	rmEngine := NewRM[testFamily](family, rm)
	rmIO := newFakeIO(slave)
	qid := ids.NewQueryID()

	rmEngine.HandleMessage(rmIO, master, ids.LeadershipID{}, wire.StmPrepare{
		QueryID: qid, RM: rm, TM: master, Family: "TestFamily", Payload: []byte("payload"),
	})

	if len(rmIO.takePLMs()) != 0 {
		t.Fatalf("a rejected prepare must never be logged")
	}
	sent := rmIO.takeSent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one StmAborted reply, got %d", len(sent))
	}
	if _, ok := sent[0].payload.(wire.StmAborted); !ok {
		t.Fatalf("expected StmAborted, got %T", sent[0].payload)
	}
}
