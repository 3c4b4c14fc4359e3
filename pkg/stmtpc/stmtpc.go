// Package stmtpc implements C4, the log-anchored two-phase commit engine
// used for DDL families (spec.md §4.4): CreateTable, AlterTable, DropTable.
// Every stage a participant passes through writes a PLM before producing
// any side effect, so a crash and replay always resumes from exactly
// where the log says it was (spec.md invariant "log-first durability").
//
// A transaction family is a closed, compile-time-known set of payload
// types and conversion operations (spec.md §9); rather than dispatch on
// them dynamically, the engine is a generic type parameterized by a
// concrete Family implementation, so TM[CreateTableFamily] and
// TM[AlterTableFamily] are distinct instantiated types selected by the
// caller (pkg/master, pkg/tablet), never by an interface value chosen at
// run time.
package stmtpc

import (
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/node"
)

// Family is the capability pack a transaction family must supply. The
// substrate treats PreparePayload/CommitPayload as opaque bytes; only the
// family knows how to decode and act on them.
type Family interface {
	// Name identifies the family in plm.PLM.Family and wire.*.Family, and
	// distinguishes this engine instantiation's messages from another
	// family's when both ever share a QueryID namespace (they never do in
	// practice, since QueryID is globally random, but Name is still
	// checked defensively on every dispatch).
	Name() string

	// RMsFor computes the participant set from the prepare payload alone,
	// so every replica (leader or follower) derives the same set without
	// it having to be carried separately in the log (spec.md §9).
	RMsFor(preparePayload []byte) []ids.NodePath

	// ValidatePrepare is the RM-side admission check run before any entry
	// is created. A non-nil error casts this RM's abort vote immediately,
	// without ever writing a PLM (spec.md §4.4 "abort vote, never
	// logged").
	ValidatePrepare(preparePayload []byte) error

	// CommitTimestamp turns the TM's timestamp hint into the committed
	// timestamp, generalizing max(timestamp_hint, last_lat_on_table + 1)
	// (spec.md §4.4); per-table bookkeeping is the family's own.
	CommitTimestamp(hint uint64) uint64

	// CommitPayload builds the outcome payload broadcast to every RM once
	// all have replied Prepared.
	CommitPayload(preparePayload []byte, commitTS uint64) []byte

	// ApplyCommit durably applies the committed payload to domain state
	// (e.g. the table schema); called once, on the RM side, after the
	// RMCommittedPLm has applied.
	ApplyCommit(io node.IO, commitPayload []byte) error

	// ApplyAbort runs RM-side cleanup on abort. Most families need none.
	ApplyAbort(io node.IO, preparePayload []byte)
}

// tmCommitRecord is the gob-encoded payload of a KindTMCommitted PLM: the
// family's commit payload plus the timestamp the TM chose for it, computed
// once at TMCommittedPLm generation time. Only the commit payload is sent
// to the RMs, and a KindRMCommitted PLM carries that payload unwrapped.
type tmCommitRecord struct {
	CommitTS uint64
	Payload  []byte
}

func toSet(paths []ids.NodePath) map[ids.NodePath]bool {
	set := make(map[ids.NodePath]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}
