// Package simulator is the deterministic scenario harness for spec.md
// §8's testable properties and scenarios, grounded on the teacher's
// MockParticipant hand-rolled mock style
// (pkg/distributed/two_phase_commit_test.go): small, mutex-guarded fakes
// standing in for the network and consensus layers, driven directly
// rather than through a real raft cluster.
//
// Every scenario in spec.md §8 configures single-node groups (a lone
// Master, five one-node Slaves), so a leader never changes mid-scenario
// and a PLM append always commits immediately on its own group. The Bus
// exploits exactly this to skip wiring pkg/consensus/pkg/network.
//
// Dispatch still has to preserve the one property pkg/node.Driver's real
// event loop guarantees: a handler is never re-entered while it (or any
// other handler on the same group) is already on the call stack. AppendPLM
// and Send therefore enqueue a dispatch closure rather than invoking
// handlers inline; Bus.Run drains the queue breadth-first, one dispatch at
// a time, so a handler that itself calls AppendPLM/Send from inside
// HandlePLM/HandleMessage (the common case: RM logging RMPreparedPLm while
// handling StmPrepare) schedules that follow-on work for after it
// returns, instead of recursing into its own (non-reentrant) mutex.
package simulator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

// Bus is the in-process "network" every groupIO sends through.
type Bus struct {
	mu      sync.Mutex
	msgH    map[ids.GroupID][]node.MessageHandler
	plmH    map[ids.GroupID][]node.PLMHandler
	now     time.Time
	sentLog []SentRecord
	queue   []func()
}

// SentRecord traces one Send, for assertions like P3 (leader-only
// egress) and scenario 1's "traced log" checks.
type SentRecord struct {
	From    ids.GroupID
	To      ids.GroupID
	Payload wire.Payload
}

func NewBus() *Bus {
	return &Bus{
		msgH: make(map[ids.GroupID][]node.MessageHandler),
		plmH: make(map[ids.GroupID][]node.PLMHandler),
		now:  time.Unix(0, 0),
	}
}

func (b *Bus) RegisterMessageHandler(g ids.GroupID, h node.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgH[g] = append(b.msgH[g], h)
}

func (b *Bus) RegisterPLMHandler(g ids.GroupID, h node.PLMHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plmH[g] = append(b.plmH[g], h)
}

// IOFor returns the node.IO a given group's handlers should be driven
// with.
func (b *Bus) IOFor(self ids.GroupID, seed int64) node.IO {
	return &groupIO{bus: b, self: self, rng: rand.New(rand.NewSource(seed))}
}

// SentLog returns every traced Send, for scenario/property assertions.
func (b *Bus) SentLog() []SentRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SentRecord, len(b.sentLog))
	copy(out, b.sentLog)
	return out
}

func (b *Bus) enqueue(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
}

// Run drains every dispatch queued so far, including ones queued by
// dispatches that ran earlier in the same Run call, until the queue is
// empty. Callers invoke this once after kicking off a transaction (e.g.
// after TM.Submit) to drive the handshake to completion.
func (b *Bus) Run() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		fn := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		fn()
	}
}

type groupIO struct {
	bus  *Bus
	self ids.GroupID
	rng  *rand.Rand
}

func (g *groupIO) AppendPLM(p plm.PLM) {
	g.bus.enqueue(func() {
		g.bus.mu.Lock()
		handlers := append([]node.PLMHandler(nil), g.bus.plmH[g.self]...)
		g.bus.mu.Unlock()
		io := g.bus.IOFor(g.self, g.rng.Int63())
		for _, h := range handlers {
			h.HandlePLM(io, true, p)
		}
	})
}

func (g *groupIO) AppendObservation(plm.Observation) {
	// Single-node groups never observe a remote leader change mid-scenario.
}

func (g *groupIO) Send(to ids.GroupID, payload wire.Payload) {
	g.bus.mu.Lock()
	g.bus.sentLog = append(g.bus.sentLog, SentRecord{From: g.self, To: to, Payload: payload})
	g.bus.mu.Unlock()

	from := g.self
	seed := g.rng.Int63()
	g.bus.enqueue(func() {
		g.bus.mu.Lock()
		handlers := append([]node.MessageHandler(nil), g.bus.msgH[to]...)
		g.bus.mu.Unlock()
		io := g.bus.IOFor(to, seed)
		for _, h := range handlers {
			h.HandleMessage(io, from, ids.LeadershipID{}, payload)
		}
	})
}

func (g *groupIO) DeferTimer(d time.Duration, fn func(node.IO)) {
	// The harness advances simulated time instantly: a deferred action
	// runs as just another queued dispatch rather than waiting for a real
	// clock tick, matching scenario descriptions' "(after 500ms
	// simulated)" phrasing.
	io := g
	g.bus.enqueue(func() { fn(io) })
}

func (g *groupIO) ForwardToWorker(ids.NodePath, interface{}) {}

func (g *groupIO) Now() time.Time { return g.bus.now }

func (g *groupIO) Rand() *rand.Rand { return g.rng }

func (g *groupIO) Self() ids.GroupID { return g.self }
