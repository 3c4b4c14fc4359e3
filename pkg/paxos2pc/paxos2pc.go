// Package paxos2pc implements C5, the lighter two-phase commit used for
// data-plane MSQuery transactions (spec.md §4.5): unlike pkg/stmtpc, the
// TM is a volatile object that logs nothing, and the RM only durably
// records the outcome at Commit/Abort, never at Prepare. A coordinator
// that dies mid-transaction leaves no TM-side trace to resume from;
// recovery works by asking every RM what it remembers (CheckingPrepared).
package paxos2pc

import (
	"github.com/mnohosten/shardsql/pkg/node"
)

// Family is the RM-side capability pack: durably applying a commit or
// cleaning up after an abort, plus the admission/retry hooks spec.md §4.5,
// §7 and P6 require for DML: a Prepare may still be rejected, and unlike
// pkg/stmtpc's single abort outcome, the rejection is classified as
// retriable (the coordinator retries at a greater timestamp under a fresh
// QueryId) or fatal (surfaced to the client as coreerrors.QueryExecutionError).
// Unlike pkg/stmtpc.Family there is no RMsFor/CommitTimestamp: the RM set
// is supplied per-query by the caller (the query planner's placement
// decision).
type Family interface {
	Name() string

	// ValidatePrepare is the RM-side admission check run before a Prepare
	// is acknowledged. A non-nil error that wraps coreerrors.ErrRetriablePrepareAbort
	// votes a retriable abort; any other non-nil error votes a fatal one.
	ValidatePrepare(preparePayload []byte) error

	// Retry rewrites a prepare payload for a retriable-abort retry attempt,
	// stamping it with the coordinator's newly drawn timestamp or, where
	// that is not greater than the payload's own, a greater one.
	Retry(preparePayload []byte, newTimestamp uint64) []byte

	ApplyCommit(io node.IO, payload []byte) error
	ApplyAbort(io node.IO)
}
