// Package node implements C2: the single-threaded event loop that feeds
// network messages, timer fires and log deliveries into the rest of the
// state machine, and the IO façade those handlers use to produce side
// effects (spec.md §4.2, §5).
//
// Suspension is expressed, never performed: a handler never blocks inside
// input handling, and all waits are encoded as a waiting state variant that
// resumes on a later input — see pkg/stmtpc and pkg/paxos2pc.
package node

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mnohosten/shardsql/pkg/consensus"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

// PLMHandler reacts to a PLM once its containing bundle is delivered.
// isLeader reports whether this replica was leader at the instant the PLM
// applied (spec.md §2 "Outbound messages are produced as side effects of
// applying PLMs only on the leader").
type PLMHandler interface {
	HandlePLM(io IO, isLeader bool, p plm.PLM)
}

// MessageHandler reacts to an inbound payload that has already passed the
// network driver's leadership filter (spec.md §4.3).
type MessageHandler interface {
	HandleMessage(io IO, from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload)
}

// LeaderChangeHandler reacts to this group's own leadership changes and to
// a remote group's leadership changing (spec.md §4.4/§4.5 "Local/Remote
// leader change" rows).
type LeaderChangeHandler interface {
	OnLocalLeaderChange(io IO, isLeader bool, lid ids.LeadershipID)
	OnRemoteLeaderChange(io IO, group ids.GroupID, lid ids.LeadershipID)
}

// Worker is a tablet or coordinator worker reached only by message
// (spec.md §5 "Shared-resource policy").
type Worker interface {
	Forward(io IO, input interface{})
}

// Network is the subset of pkg/network.Driver the node driver depends on.
type Network interface {
	ApplyObservation(io IO, obs plm.Observation)
	Receive(io IO, env wire.Envelope)
	OnLocalLeaderChange(isLeader bool)
	Send(io IO, to ids.GroupID, payload wire.Payload)
}

// IO is the façade handlers use to produce side effects. Random values and
// wall-clock reads go through it so a deterministic simulator can
// substitute them (spec.md §4.2 "Contract").
type IO interface {
	// AppendPLM adds a PLM to the bundle currently being assembled. It is
	// included in the next Propose, whenever that happens.
	AppendPLM(p plm.PLM)

	// AppendObservation adds a remote-leadership observation to the bundle
	// currently being assembled (spec.md §4.3 step 4, §4.6).
	AppendObservation(obs plm.Observation)

	// Send transmits payload to the current leader of group, stamped with
	// this group's own GroupID/LeadershipID as sender.
	Send(to ids.GroupID, payload wire.Payload)

	// DeferTimer schedules fn to run as a future input, after d elapses.
	// fn is invoked from inside the executor's serialization, never
	// concurrently with other handling.
	DeferTimer(d time.Duration, fn func(IO))

	// ForwardToWorker delivers input to the named tablet/coordinator
	// worker, spawning it first if it does not yet exist.
	ForwardToWorker(path ids.NodePath, input interface{})

	Now() time.Time
	Rand() *rand.Rand

	Self() ids.GroupID
}

// Driver is the group's single logical executor.
type Driver struct {
	mu sync.Mutex

	self    ids.GroupID
	log     *consensus.Log
	network Network
	workers map[ids.NodePath]Worker
	newWorker func(ids.NodePath) Worker

	pending  plm.Bundle
	isLeader bool

	plmHandlers    []PLMHandler
	msgHandlers    []MessageHandler
	leaderHandlers []LeaderChangeHandler

	rng *rand.Rand
	now func() time.Time
}

// Config wires a Driver to its dependencies.
type Config struct {
	Self      ids.GroupID
	Log       *consensus.Log
	Network   Network
	NewWorker func(ids.NodePath) Worker // factory invoked on first ForwardToWorker for a path
	Now       func() time.Time         // defaults to time.Now
	Seed      int64
}

func New(cfg Config) *Driver {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		self:      cfg.Self,
		log:       cfg.Log,
		network:   cfg.Network,
		workers:   make(map[ids.NodePath]Worker),
		newWorker: cfg.NewWorker,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		now:       now,
	}
}

func (d *Driver) RegisterPLMHandler(h PLMHandler)         { d.plmHandlers = append(d.plmHandlers, h) }
func (d *Driver) RegisterMessageHandler(h MessageHandler) { d.msgHandlers = append(d.msgHandlers, h) }
func (d *Driver) RegisterLeaderChangeHandler(h LeaderChangeHandler) {
	d.leaderHandlers = append(d.leaderHandlers, h)
}

// Start defers the RemoteLeaderChangedTick timer and, if this node is
// already the initial leader, proposes the opening empty bundle
// (spec.md §4.2 "Initialization").
func (d *Driver) Start(gossipTick time.Duration, onTick func(IO)) {
	d.mu.Lock()
	isLeader := d.log.IsLeader()
	d.isLeader = isLeader
	d.mu.Unlock()

	if onTick != nil {
		d.DeferTimer(gossipTick, onTick)
	}
	if isLeader {
		d.log.Propose(plm.Take(&d.pending))
	}
}

// OnLogEntry implements consensus.Sink.
func (d *Driver) OnLogEntry(entry consensus.LogEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch entry.Kind {
	case consensus.EntryBundle:
		d.applyBundleLocked(entry.Bundle)
	case consensus.EntryLeaderChanged:
		d.applyLeaderChangedLocked(entry.LeaderChanged)
	}
}

func (d *Driver) applyBundleLocked(bundle plm.Bundle) {
	isLeader := d.log.IsLeader()

	// Remote-leadership observations apply before any PLM of this bundle
	// (spec.md §3 "Bundle", §5 "Ordering guarantees").
	for _, obs := range bundle.Observations {
		d.network.ApplyObservation(d, obs)
		// Flushed uniformly as a RemoteLeaderChanged PLM (spec.md §3).
		d.dispatchPLMLocked(isLeader, plm.PLM{
			Kind:  plm.KindRemoteLeaderChanged,
			Group: obs.Group,
			Lid:   obs.Lid,
		})
		for _, h := range d.leaderHandlers {
			h.OnRemoteLeaderChange(d, obs.Group, obs.Lid)
		}
	}

	for _, p := range bundle.PLMs {
		d.dispatchPLMLocked(isLeader, p)
	}

	// Bundle cycle: propose the next bundle (possibly empty) once this one
	// is delivered back (spec.md §4.1 "Bundle cycle").
	if isLeader {
		d.log.Propose(plm.Take(&d.pending))
	}
}

func (d *Driver) dispatchPLMLocked(isLeader bool, p plm.PLM) {
	for _, h := range d.plmHandlers {
		h.HandlePLM(d, isLeader, p)
	}
}

func (d *Driver) applyLeaderChangedLocked(lid ids.LeadershipID) {
	becameLeader := d.log.IsLeader()
	d.isLeader = becameLeader
	d.network.OnLocalLeaderChange(becameLeader)

	for _, h := range d.leaderHandlers {
		h.OnLocalLeaderChange(d, becameLeader, lid)
	}

	if becameLeader {
		d.log.Propose(plm.Take(&d.pending))
	}
}

// DeliverRemote feeds an inbound wire envelope through the network driver.
func (d *Driver) DeliverRemote(env wire.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.network.Receive(d, env)
}

// DeliverMessage is called by pkg/network once an envelope has passed the
// leadership filter (directly, or after a buffered flush).
func (d *Driver) DeliverMessage(from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload) {
	for _, h := range d.msgHandlers {
		h.HandleMessage(d, from, fromLid, payload)
	}
}

// --- IO implementation ---

func (d *Driver) AppendPLM(p plm.PLM) {
	d.pending.PLMs = append(d.pending.PLMs, p)
}

func (d *Driver) AppendObservation(obs plm.Observation) {
	d.pending.Observations = append(d.pending.Observations, obs)
}

func (d *Driver) Send(to ids.GroupID, payload wire.Payload) {
	if !d.isLeader {
		// Leader-only egress: followers must never let outbound sends
		// leak a stale leadership (spec.md §4.1 invariant 3, P3).
		return
	}
	d.network.Send(d, to, payload)
}

func (d *Driver) DeferTimer(delay time.Duration, fn func(IO)) {
	time.AfterFunc(delay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		fn(d)
	})
}

func (d *Driver) ForwardToWorker(path ids.NodePath, input interface{}) {
	w, ok := d.workers[path]
	if !ok {
		if d.newWorker == nil {
			return
		}
		w = d.newWorker(path)
		d.workers[path] = w
	}
	w.Forward(d, input)
}

func (d *Driver) Now() time.Time     { return d.now() }
func (d *Driver) Rand() *rand.Rand   { return d.rng }
func (d *Driver) Self() ids.GroupID  { return d.self }

// PendingLen reports the number of PLMs currently queued for the next
// bundle — used by tests and the admin surface, never by protocol logic.
func (d *Driver) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending.PLMs)
}
