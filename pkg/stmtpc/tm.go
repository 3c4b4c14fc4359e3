package stmtpc

import (
	"sync"

	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/wire"
)

type tmPhase uint8

const (
	tmPreparing tmPhase = iota
	tmInsertingCommitted
	tmCommitted
	tmInsertingAborted
	tmAborted
)

type tmEntry struct {
	phase            tmPhase
	preparePayload   []byte
	rms              []ids.NodePath
	remaining        map[ids.NodePath]bool
	commitPayload    []byte
	outcomeCommitted bool
	onDone           func(committed bool)
}

// TM is the coordinator side of family F: one instance per family, shared
// by every transaction that family ever starts on this group (spec.md
// §4.4 "TM"). Registered as a pkg/node.PLMHandler, pkg/node.MessageHandler
// and pkg/node.LeaderChangeHandler.
type TM[F Family] struct {
	mu sync.Mutex

	family F
	self   ids.GroupID

	entries map[ids.QueryID]*tmEntry
}

func NewTM[F Family](family F, self ids.GroupID) *TM[F] {
	return &TM[F]{family: family, self: self, entries: make(map[ids.QueryID]*tmEntry)}
}

// Submit starts a new transaction: Start -> InsertTMPreparing (spec.md
// §4.4 "Client submits"). onDone fires once the TMClosedPLm this
// transaction ends with has applied, reporting whether it committed.
func (t *TM[F]) Submit(io node.IO, qid ids.QueryID, preparePayload []byte, onDone func(committed bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[qid] = &tmEntry{preparePayload: preparePayload, onDone: onDone}
	io.AppendPLM(plm.PLM{QueryID: qid, Kind: plm.KindTMPrepared, Family: t.family.Name(), Payload: preparePayload})
}

func (t *TM[F]) HandlePLM(io node.IO, isLeader bool, p plm.PLM) {
	if p.Family != "" && p.Family != t.family.Name() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p.Kind {
	case plm.KindTMPrepared:
		e, ok := t.entries[p.QueryID]
		if !ok {
			// A replica that never called Submit (this group's own
			// follower, or the leader itself replaying its own proposal)
			// instantiates its mirror entry here, deterministically, from
			// the logged payload alone (spec.md §9).
			e = &tmEntry{preparePayload: p.Payload}
			t.entries[p.QueryID] = e
		}
		rms := t.family.RMsFor(p.Payload)
		e.rms = rms
		e.remaining = toSet(rms)
		e.phase = tmPreparing
		if isLeader {
			for _, rm := range rms {
				io.Send(rm.Group, wire.StmPrepare{QueryID: p.QueryID, RM: rm, TM: t.self, Family: t.family.Name(), Payload: p.Payload})
			}
		}

	case plm.KindTMCommitted:
		e, ok := t.entries[p.QueryID]
		if !ok {
			e = &tmEntry{}
			t.entries[p.QueryID] = e
		}
		var rec tmCommitRecord
		if err := plm.DecodePayload(p.Payload, &rec); err != nil {
			return
		}
		e.commitPayload = rec.Payload
		e.outcomeCommitted = true
		e.remaining = toSet(e.rms)
		e.phase = tmCommitted
		if isLeader {
			for _, rm := range e.rms {
				io.Send(rm.Group, wire.StmCommit{QueryID: p.QueryID, RM: rm, Payload: rec.Payload})
			}
		}

	case plm.KindTMAborted:
		e, ok := t.entries[p.QueryID]
		if !ok {
			e = &tmEntry{}
			t.entries[p.QueryID] = e
		}
		e.outcomeCommitted = false
		e.remaining = toSet(e.rms)
		e.phase = tmAborted
		if isLeader {
			for _, rm := range e.rms {
				io.Send(rm.Group, wire.StmAbort{QueryID: p.QueryID, RM: rm})
			}
		}

	case plm.KindTMClosed:
		e, ok := t.entries[p.QueryID]
		if !ok {
			return
		}
		delete(t.entries, p.QueryID)
		if e.onDone != nil {
			e.onDone(e.outcomeCommitted)
		}
	}
}

func (t *TM[F]) HandleMessage(io node.IO, from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch msg := payload.(type) {
	case wire.StmPrepared:
		e, ok := t.entries[msg.QueryID]
		if !ok || e.phase != tmPreparing {
			return
		}
		delete(e.remaining, msg.RM)
		if len(e.remaining) > 0 {
			return
		}
		hint := uint64(io.Now().UnixNano())
		ts := t.family.CommitTimestamp(hint)
		payload := t.family.CommitPayload(e.preparePayload, ts)
		data, err := plm.EncodePayload(tmCommitRecord{CommitTS: ts, Payload: payload})
		if err != nil {
			return
		}
		io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindTMCommitted, Family: t.family.Name(), Payload: data})
		e.phase = tmInsertingCommitted

	case wire.StmAborted:
		e, ok := t.entries[msg.QueryID]
		if !ok || e.phase != tmPreparing {
			return
		}
		io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindTMAborted, Family: t.family.Name()})
		e.phase = tmInsertingAborted

	case wire.StmClosed:
		e, ok := t.entries[msg.QueryID]
		if !ok || (e.phase != tmCommitted && e.phase != tmAborted) {
			return
		}
		delete(e.remaining, msg.RM)
		if len(e.remaining) > 0 {
			return
		}
		io.AppendPLM(plm.PLM{QueryID: msg.QueryID, Kind: plm.KindTMClosed, Family: t.family.Name()})
	}
}

// OnLocalLeaderChange resumes outbound sends on promotion, reading
// straight out of the mirrored entry state instead of a separately kept
// follower snapshot: since every replica runs HandlePLM identically for
// every committed PLM, the entry map already is the mirror (spec.md §9
// "Follower mirror state").
func (t *TM[F]) OnLocalLeaderChange(io node.IO, isLeader bool, lid ids.LeadershipID) {
	if !isLeader {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for qid, e := range t.entries {
		t.resendLocked(io, qid, e, e.remaining)
	}
}

// OnRemoteLeaderChange re-emits the pending message to any RM belonging
// to the regrouped group, addressed via the new leader pkg/network will
// have already recorded by the time this fires (spec.md §4.4 "Remote
// leader change").
func (t *TM[F]) OnRemoteLeaderChange(io node.IO, group ids.GroupID, lid ids.LeadershipID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for qid, e := range t.entries {
		affected := make(map[ids.NodePath]bool)
		for rm := range e.remaining {
			if rm.Group == group {
				affected[rm] = true
			}
		}
		if len(affected) > 0 {
			t.resendLocked(io, qid, e, affected)
		}
	}
}

func (t *TM[F]) resendLocked(io node.IO, qid ids.QueryID, e *tmEntry, rms map[ids.NodePath]bool) {
	switch e.phase {
	case tmPreparing:
		for rm := range rms {
			io.Send(rm.Group, wire.StmPrepare{QueryID: qid, RM: rm, TM: t.self, Family: t.family.Name(), Payload: e.preparePayload})
		}
	case tmCommitted:
		for rm := range rms {
			io.Send(rm.Group, wire.StmCommit{QueryID: qid, RM: rm, Payload: e.commitPayload})
		}
	case tmAborted:
		for rm := range rms {
			io.Send(rm.Group, wire.StmAbort{QueryID: qid, RM: rm})
		}
	}
}
