// Package network implements C3: the driver that enforces in-order,
// leader-consistent delivery of remote messages (spec.md §4.3).
package network

import (
	"sync"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

// Sender transmits an already-addressed Envelope to a peer endpoint.
// *wire.Transport implements this.
type Sender interface {
	Send(addr string, env wire.Envelope) error
}

type bufferKey struct {
	group ids.GroupID
	gen   uint64
}

type queued struct {
	fromLid ids.LeadershipID
	payload wire.Payload
}

// Driver is a group's network driver. Every replica of a group runs its
// own Driver (only the leader actually sends, per spec.md invariant 3),
// and the leader map and buffer it maintains are local,
// replica-local state, rebuilt from bundle observations and incoming
// traffic respectively.
type Driver struct {
	mu sync.Mutex

	self           ids.GroupID
	localLeadership func() ids.LeadershipID
	sender         Sender

	known  map[ids.GroupID]ids.LeadershipID
	buffer map[bufferKey][]queued
}

// Config wires a Driver to its dependencies.
type Config struct {
	Self            ids.GroupID
	LocalLeadership func() ids.LeadershipID // this group's current LeadershipID
	Sender          Sender
}

func New(cfg Config) *Driver {
	return &Driver{
		self:            cfg.Self,
		localLeadership: cfg.LocalLeadership,
		sender:          cfg.Sender,
		known:           make(map[ids.GroupID]ids.LeadershipID),
		buffer:          make(map[bufferKey][]queued),
	}
}

// Receive implements the algorithm of spec.md §4.3 "Receive algorithm".
func (d *Driver) Receive(io node.IO, env wire.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// 1. to_lid must match this node's recorded leadership for to_gid.
	if env.ToLid != d.localLeadership() {
		return // InvalidLeadership: silently dropped.
	}

	known := d.known[env.FromGID]

	// 2. A from_lid older than what we've already learned is stale.
	if known.Generation > env.FromLid.Generation {
		return // InvalidLeadership: silently dropped.
	}

	// 3. We've already learned of exactly this leadership: deliver now.
	if known.Generation == env.FromLid.Generation {
		d.deliver(io, env.FromGID, env.FromLid, env.Payload)
		return
	}

	// 4. We have not learned of a leadership this new yet: buffer, and
	// request the learning via a bundle observation (deduped per
	// generation so repeated buffered sends don't bloat the bundle).
	key := bufferKey{group: env.FromGID, gen: env.FromLid.Generation}
	first := len(d.buffer[key]) == 0
	d.buffer[key] = append(d.buffer[key], queued{fromLid: env.FromLid, payload: env.Payload})
	if first {
		io.AppendObservation(plm.Observation{Group: env.FromGID, Lid: env.FromLid})
	}
}

// ApplyObservation updates the local leader map and flushes any payloads
// that were buffered waiting for exactly this leadership (spec.md §4.3
// "Flush on RemoteLeaderChanged PLM apply", P5).
func (d *Driver) ApplyObservation(io node.IO, obs plm.Observation) {
	d.mu.Lock()
	cur := d.known[obs.Group]
	if obs.Lid.Generation <= cur.Generation {
		d.mu.Unlock()
		return // generation monotonicity, P4: never regress.
	}
	d.known[obs.Group] = obs.Lid

	key := bufferKey{group: obs.Group, gen: obs.Lid.Generation}
	toFlush := d.buffer[key]
	delete(d.buffer, key)
	d.mu.Unlock()

	for _, q := range toFlush {
		d.deliver(io, obs.Group, q.fromLid, q.payload)
	}
}

func (d *Driver) deliver(io node.IO, from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload) {
	if drv, ok := io.(interface {
		DeliverMessage(ids.GroupID, ids.LeadershipID, wire.Payload)
	}); ok {
		drv.DeliverMessage(from, fromLid, payload)
	}
}

// OnLocalLeaderChange clears the buffer: followers never buffer, and a
// newly-promoted leader rebuilds its view purely from incoming traffic
// (spec.md §4.3 "On local leader change").
func (d *Driver) OnLocalLeaderChange(isLeader bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer = make(map[bufferKey][]queued)
}

// Send stamps and transmits payload to the current best-known leader of
// to. Leader-only egress is enforced by the caller (pkg/node.Driver.Send);
// this method assumes it is only called while leader.
func (d *Driver) Send(io node.IO, to ids.GroupID, payload wire.Payload) {
	d.mu.Lock()
	toLid := d.known[to]
	d.mu.Unlock()

	if toLid.Endpoint == "" || d.sender == nil {
		return // no known route yet; the sender will retry on next trigger.
	}

	env := wire.Envelope{
		FromGID: d.self,
		FromLid: d.localLeadership(),
		ToGID:   to,
		ToLid:   toLid,
		Payload: payload,
	}
	_ = d.sender.Send(toLid.Endpoint, env)
}

// KnownLeadership returns this replica's current view of group's leader,
// for diagnostics (pkg/admin).
func (d *Driver) KnownLeadership(group ids.GroupID) ids.LeadershipID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.known[group]
}
