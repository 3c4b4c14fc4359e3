// Package planner is the query-planner collaborator of spec.md §6: it
// turns a parsed statement into an ordered MSQuery of stages, each
// addressed at a QueryPlan naming where its data lives. Re-planning is
// requested over the wire via wire.PerformMasterQueryPlanning when local
// gossip is insufficient to route a stage; that request/response pair is
// core substrate (pkg/wire), the planning decision itself is not.
package planner

// QueryPlan is a single stage's routing and projection metadata.
type QueryPlan struct {
	TableLocationMap map[string][]string // table -> owning NodePath strings
	QueryLeaderMap   map[string]string   // group string -> known leader endpoint
	TierMap          map[string]int
	ExtraReqCols     []string
	ColUsageNode     string
}

// MSQuery is the ordered list of stages a Planner produces for one DML
// statement.
type MSQuery struct {
	Stages []QueryPlan
}

// Planner is the collaborator contract; Plan may consult only the gossip
// snapshot passed to it (spec.md §5 "readers capture an immutable
// snapshot").
type Planner interface {
	Plan(statement string, gossip Snapshot) (MSQuery, error)
}

// Snapshot is the versioned schema/sharding/leadership value a Planner
// reads without racing concurrent updates (spec.md §5).
type Snapshot struct {
	Tables    map[string][]string // table -> column names, in order
	Locations map[string][]string // table -> owning NodePath strings
}

// StaticPlanner routes every table to whatever Snapshot.Locations says,
// with no cost-based optimization: sufficient for the single-stage
// MSQuery traffic spec.md §8's scenarios exercise.
type StaticPlanner struct{}

func (StaticPlanner) Plan(statement string, snap Snapshot) (MSQuery, error) {
	stage := QueryPlan{
		TableLocationMap: make(map[string][]string, len(snap.Locations)),
	}
	for table, locs := range snap.Locations {
		stage.TableLocationMap[table] = locs
	}
	return MSQuery{Stages: []QueryPlan{stage}}, nil
}
