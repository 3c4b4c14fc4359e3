package stmtpc

import (
	"log"
	"sync"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

type rmPhase uint8

const (
	rmInsertingPrepared rmPhase = iota
	rmInsertingPreparedAborted
	rmPrepared
	rmInsertingCommitted
	rmInsertingAborted
)

type rmEntry struct {
	phase          rmPhase
	tm             ids.GroupID
	preparePayload []byte
	commitPayload  []byte
}

// RM is the participant side of family F, scoped to a single tablet
// (spec.md §4.4 "RM"). One RM[F] exists per (tablet, family) pair.
type RM[F Family] struct {
	mu sync.Mutex

	family F
	self   ids.NodePath

	entries map[ids.QueryID]*rmEntry
}

func NewRM[F Family](family F, self ids.NodePath) *RM[F] {
	return &RM[F]{family: family, self: self, entries: make(map[ids.QueryID]*rmEntry)}
}

func (r *RM[F]) HandleMessage(io node.IO, from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg := payload.(type) {
	case wire.StmPrepare:
		if msg.Family != "" && msg.Family != r.family.Name() {
			return
		}
		e, ok := r.entries[msg.QueryID]
		if !ok {
			// Admission check runs before any entry exists; a rejection
			// here is an abort vote that is never logged (spec.md §4.4).
			if err := r.family.ValidatePrepare(msg.Payload); err != nil {
				io.Send(msg.TM, wire.StmAborted{QueryID: msg.QueryID, RM: r.self})
				return
			}
			r.entries[msg.QueryID] = &rmEntry{phase: rmInsertingPrepared, tm: msg.TM, preparePayload: msg.Payload}
			io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindRMPrepared, TM: msg.TM, Family: r.family.Name(), Payload: msg.Payload})
			return
		}
		// Duplicate Prepare, most often a TM resend after its own or a
		// remote leader change: only a durably-Prepared RM replies again.
		if e.phase == rmPrepared {
			io.Send(e.tm, wire.StmPrepared{QueryID: msg.QueryID, RM: r.self})
		}

	case wire.StmCommit:
		e, ok := r.entries[msg.QueryID]
		if !ok || e.phase != rmPrepared {
			return
		}
		e.commitPayload = msg.Payload
		io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindRMCommitted, Family: r.family.Name(), Payload: msg.Payload})
		e.phase = rmInsertingCommitted

	case wire.StmAbort:
		e, ok := r.entries[msg.QueryID]
		if !ok {
			return
		}
		switch e.phase {
		case rmInsertingPrepared:
			// Never logged: the entry disappears as if it never existed.
			delete(r.entries, msg.QueryID)
			io.Send(e.tm, wire.StmClosed{QueryID: msg.QueryID, RM: r.self})
		case rmPrepared:
			io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindRMAborted, Family: r.family.Name()})
			e.phase = rmInsertingAborted
		}
	}
}

func (r *RM[F]) HandlePLM(io node.IO, isLeader bool, p plm.PLM) {
	if p.Family != "" && p.Family != r.family.Name() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch p.Kind {
	case plm.KindRMPrepared:
		e, ok := r.entries[p.QueryID]
		if !ok {
			e = &rmEntry{tm: p.TM, preparePayload: p.Payload}
			r.entries[p.QueryID] = e
		}
		switch e.phase {
		case rmInsertingPrepared:
			e.phase = rmPrepared
			if isLeader {
				io.Send(e.tm, wire.StmPrepared{QueryID: p.QueryID, RM: r.self})
			}
		case rmInsertingPreparedAborted:
			io.AppendPLM(plm.PLM{QueryID: p.QueryID, Kind: plm.KindRMAborted, Family: r.family.Name()})
			e.phase = rmInsertingAborted
		}

	case plm.KindRMCommitted:
		e, ok := r.entries[p.QueryID]
		if !ok || e.phase != rmInsertingCommitted {
			return
		}
		if err := r.family.ApplyCommit(io, e.commitPayload); err != nil {
			log.Printf("stmtpc: rm %s: ApplyCommit(%s, query %s): %v", r.self, r.family.Name(), p.QueryID, err)
		}
		if isLeader {
			io.Send(e.tm, wire.StmClosed{QueryID: p.QueryID, RM: r.self})
		}
		delete(r.entries, p.QueryID)

	case plm.KindRMAborted:
		e, ok := r.entries[p.QueryID]
		if !ok || e.phase != rmInsertingAborted {
			return
		}
		r.family.ApplyAbort(io, e.preparePayload)
		if isLeader {
			io.Send(e.tm, wire.StmClosed{QueryID: p.QueryID, RM: r.self})
		}
		delete(r.entries, p.QueryID)
	}
}

// OnLocalLeaderChange drops entries whose durability is still in flight:
// an InsertingPrepared/InsertingPreparedAborted PLM append may never
// commit under the old leadership, so this replica gives up rather than
// resume from a state it cannot know committed (spec.md §4.4 "Local
// leader change", matching the original's Exit behaviour for those two
// states). A Prepare redelivery, driven by the TM's own leader-change
// resend, recreates the entry from scratch if needed.
func (r *RM[F]) OnLocalLeaderChange(io node.IO, isLeader bool, lid ids.LeadershipID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for qid, e := range r.entries {
		if e.phase == rmInsertingPrepared || e.phase == rmInsertingPreparedAborted {
			delete(r.entries, qid)
		}
	}
}

// OnRemoteLeaderChange is a no-op: the TM resends Prepare/Commit/Abort on
// its own promotion or on this RM group's remote leader change, and this
// RM's reply handling (above) already re-replies to a duplicate Prepare.
func (r *RM[F]) OnRemoteLeaderChange(io node.IO, group ids.GroupID, lid ids.LeadershipID) {}
