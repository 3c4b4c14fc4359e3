// Package ids defines the core identifiers shared by every group, node and
// transaction in the system: GroupId, LeadershipId, QueryId and NodePath.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// GroupKind tags whether a GroupID names the Master or a Slave group.
type GroupKind uint8

const (
	MasterKind GroupKind = iota
	SlaveKind
)

// GroupID is the sum type `Master | Slave(SlaveId)` of spec.md §3.
type GroupID struct {
	Kind    GroupKind
	SlaveID string // empty when Kind == MasterKind
}

// Master is the single well-known Master group identifier.
var Master = GroupID{Kind: MasterKind}

// Slave constructs a Slave group identifier.
func Slave(slaveID string) GroupID {
	return GroupID{Kind: SlaveKind, SlaveID: slaveID}
}

func (g GroupID) IsMaster() bool { return g.Kind == MasterKind }

func (g GroupID) String() string {
	if g.Kind == MasterKind {
		return "master"
	}
	return "slave/" + g.SlaveID
}

// LeadershipID is the monotone (generation, endpoint) pair identifying a
// group's current leader (spec.md §3).
type LeadershipID struct {
	Generation uint64
	Endpoint   string
}

// Newer reports whether id is a strictly more recent leadership than other.
func (id LeadershipID) Newer(other LeadershipID) bool {
	return id.Generation > other.Generation
}

// Same reports whether id and other name the same leadership generation.
func (id LeadershipID) Same(other LeadershipID) bool {
	return id.Generation == other.Generation
}

func (id LeadershipID) String() string {
	return fmt.Sprintf("gen=%d@%s", id.Generation, id.Endpoint)
}

// QueryID is a globally unique identifier for one transaction attempt.
// Backed by a random UUID so a restart (spec.md §4.5 "regenerating the
// QueryId") never collides with a prior attempt.
type QueryID uuid.UUID

// NewQueryID draws a fresh random QueryID.
func NewQueryID() QueryID {
	return QueryID(uuid.New())
}

func (q QueryID) String() string {
	return uuid.UUID(q).String()
}

func (q QueryID) IsZero() bool {
	return q == QueryID{}
}

// NodePath addresses a routable actor inside a group: the group itself, or
// one of its tablets.
type NodePath struct {
	Group     GroupID
	TabletIdx int
	HasTablet bool
}

func GroupNode(g GroupID) NodePath {
	return NodePath{Group: g}
}

func TabletNode(g GroupID, idx int) NodePath {
	return NodePath{Group: g, TabletIdx: idx, HasTablet: true}
}

func (p NodePath) String() string {
	if !p.HasTablet {
		return p.Group.String()
	}
	return fmt.Sprintf("%s/tablet%d", p.Group, p.TabletIdx)
}
