package sharding

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/mnohosten/shardsql/pkg/coreerrors"
	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/plm"
)

// TestMutationFamilyAppliesRows exercises the Paxos-2PC family's
// ApplyCommit end to end against a real Storage.
func TestMutationFamilyAppliesRows(t *testing.T) {
	store := engine.NewMemStore()
	if err := store.ApplySchemaChange("users", engine.Schema{
		Table:   "users",
		Columns: []engine.Column{{Name: "id", Type: engine.ColInt, PrimaryKey: true}},
	}, 1); err != nil {
		t.Fatalf("ApplySchemaChange: %v", err)
	}

	family := &MutationFamily{Storage: store}
	payload, err := plm.EncodePayload(RowMutation{
		Table:     "users",
		Upserts:   []engine.Row{{"id": 1}},
		Timestamp: 2,
	})
	if err != nil {
		t.Fatalf("encode mutation: %v", err)
	}
	if err := family.ApplyCommit(nil, payload); err != nil {
		t.Fatalf("ApplyCommit: %v", err)
	}

	rows, err := store.Read("users", 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after mutation, got %d", len(rows))
	}
}

func TestMutationFamilyValidatePrepareRejectsAtConflictRate(t *testing.T) {
	store := engine.NewMemStore()
	family := &MutationFamily{Storage: store, ConflictRate: 1, Rand: rand.New(rand.NewSource(1))}
	payload, err := plm.EncodePayload(RowMutation{Table: "users", Upserts: []engine.Row{{"id": 1}}, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode mutation: %v", err)
	}
	if err := family.ValidatePrepare(payload); !errors.Is(err, coreerrors.ErrRetriablePrepareAbort) {
		t.Fatalf("expected retriable prepare abort at ConflictRate=1, got %v", err)
	}
}

func TestMutationFamilyValidatePrepareAdmitsAtZeroConflictRate(t *testing.T) {
	store := engine.NewMemStore()
	family := &MutationFamily{Storage: store}
	payload, err := plm.EncodePayload(RowMutation{Table: "users", Upserts: []engine.Row{{"id": 1}}, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode mutation: %v", err)
	}
	if err := family.ValidatePrepare(payload); err != nil {
		t.Fatalf("expected admission with no configured conflict rate, got %v", err)
	}
}

func TestMutationFamilyRetryStampsNewTimestamp(t *testing.T) {
	family := &MutationFamily{Storage: engine.NewMemStore()}
	payload, err := plm.EncodePayload(RowMutation{Table: "users", Upserts: []engine.Row{{"id": 1}}, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode mutation: %v", err)
	}
	retried := family.Retry(payload, 99)
	var m RowMutation
	if err := plm.DecodePayload(retried, &m); err != nil {
		t.Fatalf("decode retried payload: %v", err)
	}
	if m.Timestamp != 99 {
		t.Fatalf("expected retried payload timestamp 99, got %d", m.Timestamp)
	}
	if m.Table != "users" {
		t.Fatalf("expected table to survive retry, got %q", m.Table)
	}
}
