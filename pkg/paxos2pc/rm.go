package paxos2pc

import (
	"errors"
	"log"
	"sync"

	"github.com/mnohosten/shardsql/pkg/coreerrors"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

type rmPhase uint8

const (
	rmInsertingCommitted rmPhase = iota
	rmInsertingAborted
)

// volatilePrepared is deliberately never written to the log (spec.md
// §4.5 "RM Prepared is emitted without a durable record"); it lives only
// in this replica's memory and is discarded, never resumed, on a local
// leader change.
type volatilePrepared struct {
	tm      ids.GroupID
	payload []byte
}

type rmEntry struct {
	phase   rmPhase
	payload []byte
}

// RM is the participant side of family F, scoped to a single tablet.
type RM[F Family] struct {
	mu sync.Mutex

	family F
	self   ids.NodePath

	prepared map[ids.QueryID]volatilePrepared
	entries  map[ids.QueryID]*rmEntry
}

func NewRM[F Family](family F, self ids.NodePath) *RM[F] {
	return &RM[F]{
		family:   family,
		self:     self,
		prepared: make(map[ids.QueryID]volatilePrepared),
		entries:  make(map[ids.QueryID]*rmEntry),
	}
}

func (r *RM[F]) HandleMessage(io node.IO, from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg := payload.(type) {
	case wire.PaxosPrepare:
		if msg.Family != "" && msg.Family != r.family.Name() {
			return
		}
		// Unlike stmtpc's one-shot admission check, a Paxos-2PC rejection
		// here also carries a retriable/fatal classification (spec.md
		// §4.5/§7, P6): the coordinator retries a retriable abort at a
		// greater timestamp under a fresh QueryId, and surfaces a fatal
		// one to the client as-is. Re-preparing an already-known query id
		// is harmless; it just refreshes the volatile record.
		if err := r.family.ValidatePrepare(msg.Payload); err != nil {
			retriable := errors.Is(err, coreerrors.ErrRetriablePrepareAbort)
			io.Send(msg.TM, wire.PaxosAborted{QueryID: msg.QueryID, RM: r.self, Retriable: retriable})
			return
		}
		r.prepared[msg.QueryID] = volatilePrepared{tm: msg.TM, payload: msg.Payload}
		io.Send(msg.TM, wire.PaxosPrepared{QueryID: msg.QueryID, RM: r.self})

	case wire.PaxosCheckPrepared:
		if p, ok := r.prepared[msg.QueryID]; ok {
			io.Send(p.tm, wire.PaxosPrepared{QueryID: msg.QueryID, RM: r.self})
			return
		}
		if e, ok := r.entries[msg.QueryID]; ok {
			if e.phase == rmInsertingCommitted {
				io.Send(msg.TM, wire.PaxosPrepared{QueryID: msg.QueryID, RM: r.self})
				return
			}
		}
		// Never recorded anything for this query: tell the TM to keep
		// asking, it may not have learned of our leadership yet.
		io.Send(msg.TM, wire.PaxosWait{QueryID: msg.QueryID, RM: r.self})

	case wire.PaxosCommit:
		// Commit always logs, whether or not a volatile Prepared survived
		// (spec.md §4.5: "participants move directly to InsertingCommitted
		// only when Commit arrives, and only then log").
		p := r.prepared[msg.QueryID]
		delete(r.prepared, msg.QueryID)
		io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindRMCommitted, Family: r.family.Name(), Payload: p.payload})
		r.entries[msg.QueryID] = &rmEntry{phase: rmInsertingCommitted, payload: p.payload}

	case wire.PaxosAbort:
		if _, ok := r.prepared[msg.QueryID]; ok {
			delete(r.prepared, msg.QueryID)
			return // never logged; the abort vote leaves no trace.
		}
		if _, ok := r.entries[msg.QueryID]; !ok {
			io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindRMAborted, Family: r.family.Name()})
			r.entries[msg.QueryID] = &rmEntry{phase: rmInsertingAborted}
		}

	case wire.CancelQuery:
		delete(r.prepared, msg.QueryID)
	}
}

func (r *RM[F]) HandlePLM(io node.IO, isLeader bool, p plm.PLM) {
	if p.Family != "" && p.Family != r.family.Name() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch p.Kind {
	case plm.KindRMCommitted:
		e, ok := r.entries[p.QueryID]
		if !ok || e.phase != rmInsertingCommitted {
			return
		}
		if err := r.family.ApplyCommit(io, e.payload); err != nil {
			log.Printf("paxos2pc: rm %s: ApplyCommit(%s, query %s): %v", r.self, r.family.Name(), p.QueryID, err)
		}
		delete(r.entries, p.QueryID)

	case plm.KindRMAborted:
		e, ok := r.entries[p.QueryID]
		if !ok || e.phase != rmInsertingAborted {
			return
		}
		r.family.ApplyAbort(io)
		delete(r.entries, p.QueryID)
	}
}

// OnLocalLeaderChange discards every volatile Prepared record: this is
// precisely what makes Prepared non-durable (spec.md §4.5 "on follower
// promotion, any Prepared state is lost"). Durable InsertingCommitted /
// InsertingAborted entries are untouched: they resume normally once the
// corresponding PLM applies, same as every other replica.
func (r *RM[F]) OnLocalLeaderChange(io node.IO, isLeader bool, lid ids.LeadershipID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = make(map[ids.QueryID]volatilePrepared)
}

// OnRemoteLeaderChange is a no-op: the TM is the side that resends on a
// remote leader change (its own, via a gossip-learned RM promotion).
func (r *RM[F]) OnRemoteLeaderChange(io node.IO, group ids.GroupID, lid ids.LeadershipID) {}
