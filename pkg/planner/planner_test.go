package planner

import "testing"

func TestStaticPlannerRoutesEveryTable(t *testing.T) {
	snap := Snapshot{
		Tables: map[string][]string{
			"accounts": {"id", "email"},
		},
		Locations: map[string][]string{
			"accounts": {"slave/s0#0"},
		},
	}

	plan, err := StaticPlanner{}.Plan("SELECT * FROM accounts", snap)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(plan.Stages) != 1 {
		t.Fatalf("expected a single stage, got %d", len(plan.Stages))
	}

	locs, ok := plan.Stages[0].TableLocationMap["accounts"]
	if !ok {
		t.Fatalf("stage missing table %q", "accounts")
	}
	if len(locs) != 1 || locs[0] != "slave/s0#0" {
		t.Fatalf("unexpected locations for accounts: %v", locs)
	}
}

func TestStaticPlannerEmptySnapshotProducesEmptyStage(t *testing.T) {
	plan, err := StaticPlanner{}.Plan("SELECT * FROM nowhere", Snapshot{})
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(plan.Stages) != 1 {
		t.Fatalf("expected a single stage even with no locations, got %d", len(plan.Stages))
	}
	if len(plan.Stages[0].TableLocationMap) != 0 {
		t.Fatalf("expected an empty TableLocationMap, got %v", plan.Stages[0].TableLocationMap)
	}
}
