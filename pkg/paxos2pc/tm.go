package paxos2pc

import (
	"sync"

	"github.com/mnohosten/shardsql/pkg/coreerrors"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/wire"
)

// maxPrepareRetries bounds the retry-at-greater-timestamp loop spec.md
// §4.5/§7/P6 describes for a retriable Prepare abort: after this many
// retries (maxPrepareRetries+1 attempts in all, counting the original) a
// coordinator gives up and surfaces a QueryExecutionError
// rather than retry forever against a participant that never admits it.
const maxPrepareRetries = 5

type tmPhase uint8

const (
	tmPreparing tmPhase = iota
	tmCheckingPrepared
)

type tmEntry struct {
	phase     tmPhase
	allRMs    []ids.NodePath
	remaining map[ids.NodePath]bool
	payload   []byte // the family-specific payload every RM is sent with Prepare
	onDone    func(committed bool, err error)
	retries   int
}

// TM is the coordinator side of family F: spec.md §4.5 "The TM is a
// volatile object at the coordinating group's leader." Nothing here is
// ever written to the log; a TM whose process dies simply loses this
// state, and a surviving coordinator recovers via StartRec.
type TM[F Family] struct {
	mu sync.Mutex

	family F
	self   ids.GroupID

	entries    map[ids.QueryID]*tmEntry
	registered map[ids.QueryID]map[ids.NodePath]bool
}

func NewTM[F Family](family F, self ids.GroupID) *TM[F] {
	return &TM[F]{
		family:     family,
		self:       self,
		entries:    make(map[ids.QueryID]*tmEntry),
		registered: make(map[ids.QueryID]map[ids.NodePath]bool),
	}
}

// StartOrig begins a fresh transaction: send Prepare to every rm and wait
// for all of them to reply Prepared (spec.md §4.5 "Start"). onDone is
// called exactly once, with a non-nil err only when the transaction
// aborted fatally or exhausted its retry budget (spec.md §4.5/§7, P6).
func (t *TM[F]) StartOrig(io node.IO, qid ids.QueryID, rms []ids.NodePath, payload []byte, onDone func(committed bool, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startOrigLocked(io, qid, rms, payload, onDone, 0)
}

func (t *TM[F]) startOrigLocked(io node.IO, qid ids.QueryID, rms []ids.NodePath, payload []byte, onDone func(committed bool, err error), retries int) {
	t.entries[qid] = &tmEntry{phase: tmPreparing, allRMs: rms, remaining: toSet(rms), payload: payload, onDone: onDone, retries: retries}
	for _, rm := range rms {
		io.Send(rm.Group, wire.PaxosPrepare{QueryID: qid, RM: rm, TM: t.self, Family: t.family.Name(), Payload: payload})
	}
}

// StartRec recovers a transaction whose original coordinator is presumed
// dead: ask every known participant whether it still holds Prepared
// (spec.md §4.5 "Recovery").
func (t *TM[F]) StartRec(io node.IO, qid ids.QueryID, rms []ids.NodePath, onDone func(committed bool, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[qid] = &tmEntry{phase: tmCheckingPrepared, allRMs: rms, remaining: toSet(rms), onDone: onDone}
	for _, rm := range rms {
		io.Send(rm.Group, wire.PaxosCheckPrepared{QueryID: qid, RM: rm, TM: t.self})
	}
}

func (t *TM[F]) HandleMessage(io node.IO, from ids.GroupID, fromLid ids.LeadershipID, payload wire.Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch msg := payload.(type) {
	case wire.PaxosPrepared:
		e, ok := t.entries[msg.QueryID]
		if !ok || (e.phase != tmPreparing && e.phase != tmCheckingPrepared) {
			return
		}
		delete(e.remaining, msg.RM)
		if len(e.remaining) == 0 {
			t.commitLocked(io, msg.QueryID, e)
		}

	case wire.PaxosAborted:
		e, ok := t.entries[msg.QueryID]
		if !ok {
			return
		}
		for _, rm := range e.allRMs {
			io.Send(rm.Group, wire.PaxosAbort{QueryID: msg.QueryID, RM: rm, TM: t.self})
		}
		delete(t.entries, msg.QueryID)
		delete(t.registered, msg.QueryID)

		if msg.Retriable && e.phase == tmPreparing && e.retries < maxPrepareRetries {
			newQID := ids.NewQueryID()
			newTS := uint64(io.Now().UnixNano())
			retryPayload := t.family.Retry(e.payload, newTS)
			t.startOrigLocked(io, newQID, e.allRMs, retryPayload, e.onDone, e.retries+1)
			return
		}
		if e.onDone != nil {
			cause := coreerrors.ErrFatalPrepareAbort
			if msg.Retriable {
				cause = coreerrors.ErrRetriablePrepareAbort
			}
			e.onDone(false, &coreerrors.QueryExecutionError{QueryID: msg.QueryID.String(), Cause: cause})
		}

	case wire.PaxosWait:
		e, ok := t.entries[msg.QueryID]
		if !ok || e.phase != tmCheckingPrepared {
			return
		}
		io.Send(msg.RM.Group, wire.PaxosCheckPrepared{QueryID: msg.QueryID, RM: msg.RM, TM: t.self})

	case wire.RegisterQuery:
		set, ok := t.registered[msg.QueryID]
		if !ok {
			set = make(map[ids.NodePath]bool)
			t.registered[msg.QueryID] = set
		}
		set[msg.RM] = true
	}
}

func (t *TM[F]) commitLocked(io node.IO, qid ids.QueryID, e *tmEntry) {
	for _, rm := range e.allRMs {
		io.Send(rm.Group, wire.PaxosCommit{QueryID: qid, RM: rm, TM: t.self})
	}
	// Participants that registered interest but never made it into the
	// final rm set (spec.md §4.5 "RegisteredQuery set") get told to stand
	// down rather than linger on a query they will never hear from again.
	known := toSet(e.allRMs)
	for rm := range t.registered[qid] {
		if !known[rm] {
			io.Send(rm.Group, wire.CancelQuery{QueryID: qid, RM: rm})
		}
	}
	if e.onDone != nil {
		e.onDone(true, nil)
	}
	delete(t.entries, qid)
	delete(t.registered, qid)
}

// OnLocalLeaderChange is a deliberate no-op: the source leaves node_died
// recovery unwired (a TODO in the original, recorded as an Open Question
// decision in DESIGN.md), so a coordinator that loses leadership simply
// abandons its volatile entries; nothing here resumes them.
func (t *TM[F]) OnLocalLeaderChange(io node.IO, isLeader bool, lid ids.LeadershipID) {}

// OnRemoteLeaderChange resends the pending message to any RM in the
// regrouped group that has not yet replied, and evicts its RegisteredQuery
// entries (spec.md §4.5 "remote leader change of a group").
func (t *TM[F]) OnRemoteLeaderChange(io node.IO, group ids.GroupID, lid ids.LeadershipID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for qid, e := range t.entries {
		for rm := range e.remaining {
			if rm.Group != group {
				continue
			}
			switch e.phase {
			case tmPreparing:
				io.Send(rm.Group, wire.PaxosPrepare{QueryID: qid, RM: rm, TM: t.self, Family: t.family.Name(), Payload: e.payload})
			case tmCheckingPrepared:
				io.Send(rm.Group, wire.PaxosCheckPrepared{QueryID: qid, RM: rm, TM: t.self})
			}
		}
		if set, ok := t.registered[qid]; ok {
			for rm := range set {
				if rm.Group == group {
					delete(set, rm)
				}
			}
		}
	}
}

func toSet(paths []ids.NodePath) map[ids.NodePath]bool {
	set := make(map[ids.NodePath]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}
