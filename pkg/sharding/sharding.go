// Package sharding holds the RM-side (and retry-side) capability pack for
// data-plane row mutations, lifted out of pkg/tablet so that pkg/master
// can also construct an instance for its coordinator-side TM without a
// pkg/master<->pkg/tablet import cycle. Grounded on the teacher's
// pkg/sharding (chunk/shard bookkeeping for a sharded cluster), adapted
// here to the single concern this substrate actually needs: admitting and
// applying one table's row mutation under Paxos-2PC (spec.md §4.5).
package sharding

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/mnohosten/shardsql/pkg/coreerrors"
	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/plm"
)

// RowMutation is the commit payload for an MSQuery row mutation: upserts
// and deletes against a single table, timestamped by the client's MSQuery
// planner. Unlike the stmtpc DDL families, this is the ONLY payload shape
// Paxos-2PC's Family.ApplyCommit ever sees: the prepare and commit payload
// are the same bytes (there is no separate CommitTimestamp step, matching
// spec.md §4.5's "TM never durably logs anything, so it never computes a
// commit timestamp itself").
type RowMutation struct {
	Table     string
	Upserts   []engine.Row
	Deletes   []engine.Row
	Timestamp uint64
}

// MutationFamily is the RM-side capability pack for data-plane row
// mutations. ConflictRate injects a synthetic retriable-abort rate at
// Prepare time (mirroring master.CreateTableFamily.AbortRate's shape for
// DDL), standing in for the region-lock conflict detection spec.md §4.5/P6
// describes without requiring a real MVCC conflict window in this
// substrate.
type MutationFamily struct {
	Storage      engine.Storage
	ConflictRate float64
	Rand         *rand.Rand

	randMu sync.Mutex
}

func (MutationFamily) Name() string { return "ShardingMutation" }

// ValidatePrepare admits a row mutation for the table it targets, or
// votes a retriable abort at ConflictRate (spec.md §4.5 "RM aborted due
// to region conflict") so the Paxos-2PC TM has something real to retry
// against.
func (f *MutationFamily) ValidatePrepare(payload []byte) error {
	var m RowMutation
	if err := plm.DecodePayload(payload, &m); err != nil {
		return fmt.Errorf("%w: undecodable row mutation payload: %v", coreerrors.ErrFatalPrepareAbort, err)
	}
	if f.ConflictRate > 0 && f.draw() < f.ConflictRate {
		return fmt.Errorf("%w: table %q under simulated region conflict", coreerrors.ErrRetriablePrepareAbort, m.Table)
	}
	return nil
}

// Retry re-stamps a prepare payload with the coordinator's newly drawn
// timestamp for a retriable-abort retry attempt (spec.md §4.5/§7, P6
// "retry-at-greater-timestamp"). A drawn timestamp that is not greater
// than the payload's current one is replaced by current+1, so every retry
// runs at a strictly greater timestamp than the attempt it replaces.
func (f *MutationFamily) Retry(payload []byte, newTimestamp uint64) []byte {
	var m RowMutation
	if err := plm.DecodePayload(payload, &m); err != nil {
		return payload
	}
	if newTimestamp <= m.Timestamp {
		newTimestamp = m.Timestamp + 1
	}
	m.Timestamp = newTimestamp
	data, err := plm.EncodePayload(m)
	if err != nil {
		return payload
	}
	return data
}

func (f *MutationFamily) ApplyCommit(io node.IO, payload []byte) error {
	var m RowMutation
	if err := plm.DecodePayload(payload, &m); err != nil {
		return err
	}
	return f.Storage.ApplyRowMutation(m.Table, m.Upserts, m.Deletes, m.Timestamp)
}

func (f *MutationFamily) ApplyAbort(io node.IO) {}

func (f *MutationFamily) draw() float64 {
	f.randMu.Lock()
	defer f.randMu.Unlock()
	if f.Rand == nil {
		f.Rand = rand.New(rand.NewSource(1))
	}
	return f.Rand.Float64()
}
