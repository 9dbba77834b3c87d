package pgcorex

import (
	"go.uber.org/zap"
)

// IsolationLevel specifies the isolation level a transaction runs at.
type IsolationLevel int

const (
	// IsolationLevelDefault indicates to use the server's default level,
	// the transaction begins with a plain BEGIN statement.
	IsolationLevelDefault = IsolationLevel(0)

	// IsolationLevelReadUncommitted indicates the READ UNCOMMITTED level.
	IsolationLevelReadUncommitted = IsolationLevel(1)

	// IsolationLevelReadCommitted indicates the READ COMMITTED level.
	IsolationLevelReadCommitted = IsolationLevel(2)

	// IsolationLevelRepeatableRead indicates the REPEATABLE READ level.
	IsolationLevelRepeatableRead = IsolationLevel(3)

	// IsolationLevelSerializable indicates the SERIALIZABLE level.
	IsolationLevelSerializable = IsolationLevel(4)
)

func (level IsolationLevel) String() string {
	switch level {
	case IsolationLevelDefault:
		return "default"
	case IsolationLevelReadUncommitted:
		return "read_uncommitted"
	case IsolationLevelReadCommitted:
		return "read_committed"
	case IsolationLevelRepeatableRead:
		return "repeatable_read"
	case IsolationLevelSerializable:
		return "serializable"
	}
	return ""
}

// CommitStatus represents the terminal outcome of a transaction attempt.
type CommitStatus int

const (
	// CommitStatusPending indicates the attempt has not reached a terminal
	// status yet.
	CommitStatusPending = CommitStatus(0)

	// CommitStatusCommitted indicates the attempt confirmed its COMMIT.
	CommitStatusCommitted = CommitStatus(1)

	// CommitStatusRolledBack indicates the attempt was rolled back, or that
	// its COMMIT failed, which the server resolves as a rollback.
	CommitStatusRolledBack = CommitStatus(2)
)

func (status CommitStatus) String() string {
	switch status {
	case CommitStatusPending:
		return "pending"
	case CommitStatusCommitted:
		return "committed"
	case CommitStatusRolledBack:
		return "rolled_back"
	}
	return ""
}

// TransactionOptions specifies the tunable options of a single transaction.
type TransactionOptions struct {
	// Isolation selects the isolation level clause of the BEGIN statement.
	Isolation IsolationLevel

	// Deferrable appends DEFERRABLE to the BEGIN statement.
	Deferrable bool

	// RetryOnConflict controls whether a serialization conflict transparently
	// restarts the transaction with a fresh attempt, re-running the caller's
	// function.  There is no retry cap, a workload that conflicts forever
	// retries forever.
	RetryOnConflict bool

	// Logger specifies the logger the transaction logs its statements and
	// state transitions to.
	Logger *zap.Logger
}

// beginStatement builds the BEGIN statement for these options, failing for
// an isolation level it does not recognize before anything reaches the wire.
func (o TransactionOptions) beginStatement() (string, error) {
	var stmt string
	switch o.Isolation {
	case IsolationLevelDefault:
		stmt = "BEGIN"
	case IsolationLevelReadUncommitted:
		stmt = "BEGIN TRANSACTION ISOLATION LEVEL READ UNCOMMITTED"
	case IsolationLevelReadCommitted:
		stmt = "BEGIN TRANSACTION ISOLATION LEVEL READ COMMITTED"
	case IsolationLevelRepeatableRead:
		stmt = "BEGIN TRANSACTION ISOLATION LEVEL REPEATABLE READ"
	case IsolationLevelSerializable:
		stmt = "BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE"
	default:
		return "", ErrInvalidIsolation
	}

	if o.Deferrable {
		stmt += " DEFERRABLE"
	}

	return stmt, nil
}
