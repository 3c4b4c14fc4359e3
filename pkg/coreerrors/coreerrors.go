// Package coreerrors names the error taxonomy at the core boundary,
// spec.md §7. None of these cause an in-place node crash; each has a
// well-defined, silent-or-surfaced propagation path.
package coreerrors

import "errors"

var (
	// ErrInvalidLeadership: message's to_lid or from_lid is stale.
	// Propagation: silently dropped by pkg/network.
	ErrInvalidLeadership = errors.New("coreerrors: message leadership is stale")

	// ErrBufferedPending: sender leadership unknown yet.
	// Propagation: buffered; no user-visible effect.
	ErrBufferedPending = errors.New("coreerrors: sender leadership not yet known, message buffered")

	// ErrRetriablePrepareAbort: DML RM aborted due to region conflict.
	// Propagation: coordinator restarts at a strictly greater timestamp.
	ErrRetriablePrepareAbort = errors.New("coreerrors: retriable prepare abort")

	// ErrFatalPrepareAbort: DML RM aborted due to type/runtime error.
	// Propagation: QueryExecutionError surfaced to the client.
	ErrFatalPrepareAbort = errors.New("coreerrors: fatal prepare abort")

	// ErrSchemaAbort: STM RM voted abort.
	// Propagation: TM aborts; stmtpc.TM reports the outcome to its caller
	// only as onDone(false), without an ExternalDDLQueryAborted value.
	ErrSchemaAbort = errors.New("coreerrors: schema change aborted by a resource manager")

	// ErrCancelled: external cancellation. No coordinator in this module
	// has a cancel entry point; paxos2pc.TM sends CancelQuery only at
	// commit, to registered RMs outside the transaction's final RM set.
	ErrCancelled = errors.New("coreerrors: query cancelled")
)

// ExternalDDLQueryAborted describes an aborted STM-2PC (DDL) transaction
// for a client. Nothing in this module constructs one: stmtpc.TM reports
// an abort only as onDone(false).
type ExternalDDLQueryAborted struct {
	QueryID string
	Reason  string
}

func (e *ExternalDDLQueryAborted) Error() string {
	return "ddl query " + e.QueryID + " aborted: " + e.Reason
}

// QueryExecutionError is returned to a DML client on a fatal (non-retriable)
// abort.
type QueryExecutionError struct {
	QueryID string
	Cause   error
}

func (e *QueryExecutionError) Error() string {
	return "query " + e.QueryID + " execution error: " + e.Cause.Error()
}

func (e *QueryExecutionError) Unwrap() error { return e.Cause }
