// Package gossip implements C6: the periodic leader-gossip broadcast that
// lets every group's leader refresh its peers' leader maps, generalizing
// the teacher's replication.Master heartbeat ticker (a time.Ticker-driven
// broadcast loop to known slaves) from a master→slave heartbeat into the
// all-groups broadcast of spec.md §4.6.
package gossip

import (
	"time"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

// DefaultInterval is the production gossip period of spec.md §4.6; tests
// and the deterministic simulator configure a different one.
const DefaultInterval = 5 * time.Millisecond

// Directory resolves every other group this node should gossip to.
type Directory interface {
	Peers() []ids.GroupID
}

// Ticker broadcasts this group's current LeadershipID to one endpoint of
// every other group on every tick. Broadcasting is attempted
// unconditionally; pkg/node.Driver.Send silently drops the send when this
// replica is not (or is no longer) leader, which is what makes "only the
// leader gossips" true without the Ticker needing to know its own role.
type Ticker struct {
	self            ids.GroupID
	localLeadership func() ids.LeadershipID
	peers           Directory
	interval        time.Duration
}

func New(self ids.GroupID, localLeadership func() ids.LeadershipID, peers Directory, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{self: self, localLeadership: localLeadership, peers: peers, interval: interval}
}

// Tick broadcasts once and reschedules itself, implementing the periodic
// tick described in spec.md §4.2 "Initialization" ("defers a
// RemoteLeaderChangedTick timer") and §4.6.
func (t *Ticker) Tick(io node.IO) {
	gossip := wire.RemoteLeaderChangedGossip{GID: t.self, Lid: t.localLeadership()}
	for _, peer := range t.peers.Peers() {
		io.Send(peer, gossip)
	}
	io.DeferTimer(t.interval, t.Tick)
}

// Handler is the receiving side: a pkg/node.MessageHandler that turns an
// incoming gossip broadcast into a bundle observation, never a direct map
// mutation (spec.md §4.6 "never mutate the map directly").
type Handler struct {
	// CurrentKnown reports what this replica already believes about a
	// peer group's leadership (typically pkg/network.Driver.KnownLeadership),
	// used only to avoid re-observing a generation already learned.
	CurrentKnown func(ids.GroupID) ids.LeadershipID
}

func (h *Handler) HandleMessage(io node.IO, from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload) {
	g, ok := payload.(wire.RemoteLeaderChangedGossip)
	if !ok {
		return
	}
	if h.CurrentKnown != nil && g.Lid.Generation <= h.CurrentKnown(g.GID).Generation {
		return
	}
	io.AppendObservation(plm.Observation{Group: g.GID, Lid: g.Lid})
}
