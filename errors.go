package pgcorex

import "errors"

var (
	// ErrInvalidIsolation indicates a transaction was configured with an
	// isolation level this package does not recognize.  It is raised before
	// anything is sent on the connection.
	ErrInvalidIsolation = errors.New("invalid isolation level")

	// ErrTransactionClosed indicates a statement was issued against a
	// transaction that has already reached a terminal status.
	ErrTransactionClosed = errors.New("transaction already closed")
)
