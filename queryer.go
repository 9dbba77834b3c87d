package pgcorex

import (
	"github.com/pgcorex/pgcorex/pgwirex"
)

// QueryCallback is invoked with the outcome of a single dispatched statement.
type QueryCallback func(*pgwirex.QueryResult, error)

// Queryer is the asynchronous query-execution surface of a connection.
// Query must dispatch the statement with its positional $1..$n parameters
// and later invoke cb exactly once with the result or the failure.  The
// callback may be invoked before Query returns.  Statements dispatched from
// within another statement's callback must reach the server in dispatch
// order.
//
// *pgwirex.Client satisfies this interface.  A transaction borrows its
// Queryer exclusively, nothing else may dispatch statements on it while the
// transaction is open.
type Queryer interface {
	Query(statement string, args []any, cb func(*pgwirex.QueryResult, error)) error
}

var _ Queryer = (*pgwirex.Client)(nil)
