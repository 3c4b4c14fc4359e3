package paxos2pc

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

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

func (f *fakeIO) AppendPLM(p plm.PLM)               { f.pending = append(f.pending, p) }
func (f *fakeIO) AppendObservation(plm.Observation) {}
func (f *fakeIO) Send(to ids.GroupID, payload wire.Payload) {
	f.sent = append(f.sent, sentMsg{to: to, payload: payload})
}
func (f *fakeIO) DeferTimer(time.Duration, func(node.IO))   {}
func (f *fakeIO) ForwardToWorker(ids.NodePath, interface{}) {}
func (f *fakeIO) Now() time.Time                            { return f.now }
func (f *fakeIO) Rand() *rand.Rand                          { return f.rng }
func (f *fakeIO) Self() ids.GroupID                          { return f.self }

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

type testFamily struct{}

func (testFamily) Name() string                           { return "MSQuery" }
func (testFamily) ValidatePrepare([]byte) error           { return nil }
func (testFamily) Retry(payload []byte, _ uint64) []byte  { return payload }
func (testFamily) ApplyCommit(node.IO, []byte) error      { return nil }
func (testFamily) ApplyAbort(node.IO)                     {}

func TestPaxos2PCHappyPath(t *testing.T) {
	master := ids.Master
	slave := ids.Slave("s1")
	rmPath := ids.NodePath{Group: slave, HasTablet: true, TabletIdx: 0}

	family := testFamily{}
	tm := NewTM[testFamily](family, master)
	rm := NewRM[testFamily](family, rmPath)

	tmIO := newFakeIO(master)
	rmIO := newFakeIO(slave)
	qid := ids.NewQueryID()

	var outcome *bool
	tm.StartOrig(tmIO, qid, []ids.NodePath{rmPath}, []byte("row-update"), func(committed bool, err error) { outcome = &committed })

	prepares := tmIO.takeSent()
	if len(prepares) != 1 {
		t.Fatalf("expected 1 PaxosPrepare, got %d", len(prepares))
	}

	rm.HandleMessage(rmIO, master, ids.LeadershipID{}, prepares[0].payload)
	if len(rmIO.takePLMs()) != 0 {
		t.Fatalf("Prepare must never be logged in Paxos-2PC")
	}
	prepared := rmIO.takeSent()
	if len(prepared) != 1 {
		t.Fatalf("expected 1 PaxosPrepared reply, got %d", len(prepared))
	}

	tm.HandleMessage(tmIO, slave, ids.LeadershipID{}, prepared[0].payload)
	commits := tmIO.takeSent()
	if len(commits) != 1 {
		t.Fatalf("expected 1 PaxosCommit, got %d", len(commits))
	}
	if outcome == nil || !*outcome {
		t.Fatalf("TM should report committed as soon as all RMs replied, got %v", outcome)
	}

	rm.HandleMessage(rmIO, master, ids.LeadershipID{}, commits[0].payload)
	committedPLMs := rmIO.takePLMs()
	if len(committedPLMs) != 1 || committedPLMs[0].Kind != plm.KindRMCommitted {
		t.Fatalf("Commit must log exactly one RMCommittedPLm, got %v", committedPLMs)
	}
	rm.HandlePLM(rmIO, true, committedPLMs[0])
}

func TestPaxos2PCPreparedLostOnPromotion(t *testing.T) {
	slave := ids.Slave("s1")
	rmPath := ids.NodePath{Group: slave, HasTablet: true, TabletIdx: 0}
	family := testFamily{}
	rm := NewRM[testFamily](family, rmPath)
	rmIO := newFakeIO(slave)
	qid := ids.NewQueryID()

	rm.HandleMessage(rmIO, ids.Master, ids.LeadershipID{}, wire.PaxosPrepare{
		QueryID: qid, RM: rmPath, TM: ids.Master, Family: "MSQuery", Payload: []byte("p"),
	})
	rmIO.takeSent()

	rm.OnLocalLeaderChange(rmIO, true, ids.LeadershipID{Generation: 2})

	rm.HandleMessage(rmIO, ids.Master, ids.LeadershipID{}, wire.PaxosCheckPrepared{
		QueryID: qid, RM: rmPath, TM: ids.Master,
	})
	sent := rmIO.takeSent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(sent))
	}
	if _, ok := sent[0].payload.(wire.PaxosWait); !ok {
		t.Fatalf("expected PaxosWait after losing volatile Prepared state, got %T", sent[0].payload)
	}
}

// TestPaxos2PCRetriableAbortRetriesAtGreaterTimestamp reproduces spec.md
// §4.5/§7/P6: a retriable Prepare abort makes the TM retry under a fresh
// QueryId at a strictly greater timestamp, not surface it as a failure.
func TestPaxos2PCRetriableAbortRetriesAtGreaterTimestamp(t *testing.T) {
	master := ids.Master
	rmPath := ids.NodePath{Group: ids.Slave("s1"), HasTablet: true, TabletIdx: 0}

	family := testFamily{}
	tm := NewTM[testFamily](family, master)
	tmIO := newFakeIO(master)
	qid := ids.NewQueryID()

	var committed bool
	var gotErr error
	tm.StartOrig(tmIO, qid, []ids.NodePath{rmPath}, []byte("row-update"), func(ok bool, err error) {
		committed = ok
		gotErr = err
	})
	tmIO.takeSent()

	tm.HandleMessage(tmIO, rmPath.Group, ids.LeadershipID{}, wire.PaxosAborted{QueryID: qid, RM: rmPath, Retriable: true})

	sent := tmIO.takeSent()
	var retried *wire.PaxosPrepare
	for i := range sent {
		if p, ok := sent[i].payload.(wire.PaxosPrepare); ok {
			retried = &p
		}
	}
	if retried == nil {
		t.Fatalf("expected a retried PaxosPrepare among %v", sent)
	}
	if retried.QueryID == qid {
		t.Fatalf("retry must use a fresh QueryId, reused the original")
	}
	if committed || gotErr != nil {
		t.Fatalf("onDone must not fire until the retried attempt resolves, got committed=%v err=%v", committed, gotErr)
	}

	tm.HandleMessage(tmIO, rmPath.Group, ids.LeadershipID{}, wire.PaxosPrepared{QueryID: retried.QueryID, RM: rmPath})
	if !committed || gotErr != nil {
		t.Fatalf("expected the retried attempt to commit, got committed=%v err=%v", committed, gotErr)
	}
}

// TestPaxos2PCFatalAbortSurfacesQueryExecutionError reproduces the other
// half of P6: a fatal abort is never retried, and onDone fires with a
// non-nil error wrapping coreerrors.ErrFatalPrepareAbort.
func TestPaxos2PCFatalAbortSurfacesQueryExecutionError(t *testing.T) {
	master := ids.Master
	rmPath := ids.NodePath{Group: ids.Slave("s1"), HasTablet: true, TabletIdx: 0}

	family := testFamily{}
	tm := NewTM[testFamily](family, master)
	tmIO := newFakeIO(master)
	qid := ids.NewQueryID()

	var committed bool
	var gotErr error
	tm.StartOrig(tmIO, qid, []ids.NodePath{rmPath}, []byte("row-update"), func(ok bool, err error) {
		committed = ok
		gotErr = err
	})
	tmIO.takeSent()

	tm.HandleMessage(tmIO, rmPath.Group, ids.LeadershipID{}, wire.PaxosAborted{QueryID: qid, RM: rmPath, Retriable: false})

	if committed {
		t.Fatalf("fatal abort must not commit")
	}
	if gotErr == nil {
		t.Fatalf("expected a non-nil error for a fatal abort")
	}
	for _, s := range tmIO.takeSent() {
		if _, ok := s.payload.(wire.PaxosPrepare); ok {
			t.Fatalf("fatal abort must never be retried, got a PaxosPrepare resend")
		}
	}
}
