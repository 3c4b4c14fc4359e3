// Package wire defines the inter-group message envelope and payload
// families of spec.md §6, plus (transport.go) the framed transport that
// carries them between nodes.
package wire

import (
	"encoding/gob"

	"github.com/mnohosten/shardsql/pkg/ids"
)

// Payload is implemented by every concrete wire message. It carries no
// behaviour; the marker method only prevents arbitrary values from being
// wrapped in an Envelope by mistake.
type Payload interface {
	isWirePayload()
}

// Envelope is the RemoteMessage of spec.md §4.3/§6: every wire message
// between groups carries {from_gid, from_lid, to_gid, to_lid, payload}.
type Envelope struct {
	FromGID ids.GroupID
	FromLid ids.LeadershipID
	ToGID   ids.GroupID
	ToLid   ids.LeadershipID
	Payload Payload
}

// --- SlaveRemotePayload::TMMessage family (STM-2PC coordinator -> RM) ---

type StmPrepare struct {
	QueryID ids.QueryID
	RM      ids.NodePath
	TM      ids.GroupID
	Family  string
	Payload []byte
}

type StmCommit struct {
	QueryID ids.QueryID
	RM      ids.NodePath
	Payload []byte
}

type StmAbort struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

// --- SlaveRemotePayload::RMMessage family (STM-2PC RM -> coordinator) ---

type StmPrepared struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

// StmAborted is an RM's abort vote on a Prepare it never logged (spec.md
// §4.4 "abort vote, never logged"): the family's own validation rejected
// the prepare payload before any WaitingInsertingPrepared entry existed.
type StmAborted struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

type StmClosed struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

// --- Paxos-2PC TM -> RM ---

type PaxosPrepare struct {
	QueryID ids.QueryID
	RM      ids.NodePath
	TM      ids.GroupID
	Family  string
	Payload []byte
}

type PaxosCommit struct {
	QueryID ids.QueryID
	RM      ids.NodePath
	TM      ids.GroupID
}

type PaxosAbort struct {
	QueryID ids.QueryID
	RM      ids.NodePath
	TM      ids.GroupID
}

type PaxosCheckPrepared struct {
	QueryID ids.QueryID
	RM      ids.NodePath
	TM      ids.GroupID
}

type RegisterQuery struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

type CancelQuery struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

// --- Paxos-2PC RM -> TM ---

type PaxosPrepared struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

// PaxosAborted is an RM's abort vote on a Prepare. Retriable distinguishes
// spec.md §4.5/§7's two abort causes: a retriable conflict the coordinator
// should retry at a strictly greater timestamp under a fresh QueryId, versus
// a fatal abort the coordinator surfaces to the client as-is.
type PaxosAborted struct {
	QueryID   ids.QueryID
	RM        ids.NodePath
	Retriable bool
}

type PaxosWait struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

// --- MasterRemotePayload family ---

// PerformMasterQueryPlanning asks the Master to (re)plan an MSQuery because
// local gossip was insufficient (spec.md §6). The plan itself is an opaque
// collaborator artifact (pkg/planner); the core only routes the request.
type PerformMasterQueryPlanning struct {
	QueryID ids.QueryID
	From    ids.GroupID
	Request []byte
}

type MasterQueryPlanningResponse struct {
	QueryID ids.QueryID
	Plan    []byte
}

// --- Leader gossip (C6) ---

type RemoteLeaderChangedGossip struct {
	GID ids.GroupID
	Lid ids.LeadershipID
}

// InformPrepared is declared in the wire envelope but not handled,
// matching spec.md §9's note that the source defines it without wiring a
// handler. It is recorded here as reserved rather than guessed at.
type InformPrepared struct {
	QueryID ids.QueryID
	RM      ids.NodePath
}

func (StmPrepare) isWirePayload()                 {}
func (StmCommit) isWirePayload()                  {}
func (StmAbort) isWirePayload()                   {}
func (StmPrepared) isWirePayload()                {}
func (StmAborted) isWirePayload()                 {}
func (StmClosed) isWirePayload()                  {}
func (PaxosPrepare) isWirePayload()                {}
func (PaxosCommit) isWirePayload()                 {}
func (PaxosAbort) isWirePayload()                  {}
func (PaxosCheckPrepared) isWirePayload()           {}
func (RegisterQuery) isWirePayload()                {}
func (CancelQuery) isWirePayload()                  {}
func (PaxosPrepared) isWirePayload()                {}
func (PaxosAborted) isWirePayload()                 {}
func (PaxosWait) isWirePayload()                    {}
func (PerformMasterQueryPlanning) isWirePayload()   {}
func (MasterQueryPlanningResponse) isWirePayload()  {}
func (RemoteLeaderChangedGossip) isWirePayload()    {}
func (InformPrepared) isWirePayload()               {}

func init() {
	gob.Register(StmPrepare{})
	gob.Register(StmCommit{})
	gob.Register(StmAbort{})
	gob.Register(StmPrepared{})
	gob.Register(StmAborted{})
	gob.Register(StmClosed{})
	gob.Register(PaxosPrepare{})
	gob.Register(PaxosCommit{})
	gob.Register(PaxosAbort{})
	gob.Register(PaxosCheckPrepared{})
	gob.Register(RegisterQuery{})
	gob.Register(CancelQuery{})
	gob.Register(PaxosPrepared{})
	gob.Register(PaxosAborted{})
	gob.Register(PaxosWait{})
	gob.Register(PerformMasterQueryPlanning{})
	gob.Register(MasterQueryPlanningResponse{})
	gob.Register(RemoteLeaderChangedGossip{})
	gob.Register(InformPrepared{})
}
