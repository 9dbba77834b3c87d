package pgcorex

import (
	"errors"
	"testing"

	"github.com/pgcorex/pgcorex/pgwirex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heldMockQuery struct {
	statement string
	args      []any
	cb        QueryCallback
}

// queryerMock responds to dispatched statements synchronously, recording
// them in dispatch order.  respondFn can script per-statement failures, and
// holdFn can delay individual completions to simulate slow statements.
type queryerMock struct {
	statements []string
	argsLog    [][]any

	respondFn func(statement string, args []any) error
	holdFn    func(statement string, args []any) bool
	held      []*heldMockQuery
}

var _ Queryer = (*queryerMock)(nil)

func (q *queryerMock) Query(statement string, args []any, cb func(*pgwirex.QueryResult, error)) error {
	q.statements = append(q.statements, statement)
	q.argsLog = append(q.argsLog, args)

	if q.holdFn != nil && q.holdFn(statement, args) {
		q.held = append(q.held, &heldMockQuery{
			statement: statement,
			args:      args,
			cb:        cb,
		})
		return nil
	}

	q.respond(statement, args, cb)
	return nil
}

func (q *queryerMock) respond(statement string, args []any, cb QueryCallback) {
	if q.respondFn != nil {
		if err := q.respondFn(statement, args); err != nil {
			cb(nil, err)
			return
		}
	}

	cb(&pgwirex.QueryResult{}, nil)
}

func (q *queryerMock) releaseHeld(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, q.held)

	held := q.held[0]
	q.held = q.held[1:]
	q.respond(held.statement, held.args, held.cb)
}

type txnOutcome struct {
	resolved bool
	err      error
}

func (o *txnOutcome) callback() func(error) {
	return func(err error) {
		if o.resolved {
			panic("transaction outcome resolved twice")
		}
		o.resolved = true
		o.err = err
	}
}

func TestTransactionBeginDefaultIsolation(t *testing.T) {
	mock := &queryerMock{}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		txn.Commit()
		return nil
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, mock.statements)
}

func TestTransactionBeginIsolationLevels(t *testing.T) {
	cases := []struct {
		name       string
		isolation  IsolationLevel
		deferrable bool
		expected   string
	}{
		{"Serializable", IsolationLevelSerializable, false,
			"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE"},
		{"RepeatableRead", IsolationLevelRepeatableRead, false,
			"BEGIN TRANSACTION ISOLATION LEVEL REPEATABLE READ"},
		{"ReadCommitted", IsolationLevelReadCommitted, false,
			"BEGIN TRANSACTION ISOLATION LEVEL READ COMMITTED"},
		{"ReadUncommitted", IsolationLevelReadUncommitted, false,
			"BEGIN TRANSACTION ISOLATION LEVEL READ UNCOMMITTED"},
		{"SerializableDeferrable", IsolationLevelSerializable, true,
			"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE DEFERRABLE"},
		{"DefaultDeferrable", IsolationLevelDefault, true,
			"BEGIN DEFERRABLE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := &queryerMock{}
			var outcome txnOutcome

			err := BeginTransaction(mock, &TransactionOptions{
				Isolation:  tc.isolation,
				Deferrable: tc.deferrable,
			}, func(txn *Transaction) error {
				txn.Commit()
				return nil
			}, outcome.callback())
			require.NoError(t, err)

			require.True(t, outcome.resolved)
			assert.NoError(t, outcome.err)
			require.NotEmpty(t, mock.statements)
			assert.Equal(t, tc.expected, mock.statements[0])
		})
	}
}

func TestTransactionInvalidIsolation(t *testing.T) {
	mock := &queryerMock{}
	var outcome txnOutcome

	err := BeginTransaction(mock, &TransactionOptions{
		Isolation: IsolationLevel(42),
	}, func(txn *Transaction) error {
		t.Error("block must not be invoked for a configuration error")
		return nil
	}, outcome.callback())

	assert.ErrorIs(t, err, ErrInvalidIsolation)
	assert.False(t, outcome.resolved)
	assert.Empty(t, mock.statements)
}

func TestTransactionChainedInsertOrdering(t *testing.T) {
	mock := &queryerMock{
		holdFn: func(statement string, args []any) bool {
			return len(args) == 1 && args[0] == "wombat"
		},
	}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		return txn.Insert("foo", map[string]any{"name": "bar"}, func(res *pgwirex.QueryResult, err error) {
			if err != nil {
				return
			}
			_ = txn.Insert("foo", map[string]any{"name": "wombat"}, func(res *pgwirex.QueryResult, err error) {
				if err != nil {
					return
				}
				_ = txn.Insert("foo", map[string]any{"name": "quux"}, func(res *pgwirex.QueryResult, err error) {
					if err != nil {
						return
					}
					txn.Commit()
				})
			})
		})
	}, outcome.callback())
	require.NoError(t, err)

	// the wombat insert is still in flight, quux must not have been sent
	assert.False(t, outcome.resolved)
	require.Equal(t, []string{
		"BEGIN",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		`INSERT INTO "foo" ("name") VALUES ($1)`,
	}, mock.statements)

	mock.releaseHeld(t)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, []string{
		"BEGIN",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		"COMMIT",
	}, mock.statements)
	assert.Equal(t, [][]any{
		nil,
		{"bar"},
		{"wombat"},
		{"quux"},
		nil,
	}, mock.argsLog)
}

func TestTransactionBeginFailure(t *testing.T) {
	beginErr := &pgwirex.ServerError{Code: "42601", Message: "syntax error"}
	mock := &queryerMock{
		respondFn: func(statement string, args []any) error {
			if statement == "BEGIN" {
				return beginErr
			}
			return nil
		},
	}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		t.Error("block must not be invoked when BEGIN fails")
		return nil
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.Equal(t, beginErr, outcome.err)
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, mock.statements)
}

func TestTransactionCommitFailure(t *testing.T) {
	commitErr := &pgwirex.ServerError{Code: "53200", Message: "out of memory"}
	mock := &queryerMock{
		respondFn: func(statement string, args []any) error {
			if statement == "COMMIT" {
				return commitErr
			}
			return nil
		},
	}
	var outcome txnOutcome
	var txnHandle *Transaction

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		txnHandle = txn
		txn.Commit()
		return nil
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.Equal(t, commitErr, outcome.err)
	assert.Equal(t, CommitStatusRolledBack, txnHandle.CommitStatus())

	// the server already resolved the transaction, no ROLLBACK may be sent
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, mock.statements)
}

func TestTransactionInsertFailureAutoRollback(t *testing.T) {
	insertErr := &pgwirex.ServerError{Code: "23505", Message: "duplicate key"}
	mock := &queryerMock{
		respondFn: func(statement string, args []any) error {
			if len(args) == 1 && args[0] == "bar" {
				return insertErr
			}
			return nil
		},
	}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		return txn.Insert("foo", map[string]any{"name": "bar"}, func(res *pgwirex.QueryResult, err error) {
			if err != nil {
				return
			}
			_ = txn.Insert("foo", map[string]any{"name": "quux"}, nil)
		})
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.Equal(t, insertErr, outcome.err)
	assert.Equal(t, []string{
		"BEGIN",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		"ROLLBACK",
	}, mock.statements)
}

func TestTransactionInsertFailureAutoRollbackDisabled(t *testing.T) {
	insertErr := &pgwirex.ServerError{Code: "23505", Message: "duplicate key"}
	mock := &queryerMock{
		respondFn: func(statement string, args []any) error {
			if len(args) == 1 && args[0] == "bar" {
				return insertErr
			}
			return nil
		},
	}
	var outcome txnOutcome
	var insertFailure error

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		txn.SetAutoRollbackOnError(false)

		insertCbErr := txn.Insert("foo", map[string]any{"name": "bar"}, func(res *pgwirex.QueryResult, err error) {
			insertFailure = err
		})
		if insertCbErr != nil {
			return insertCbErr
		}

		return txn.Insert("foo", map[string]any{"name": "quux"}, func(res *pgwirex.QueryResult, err error) {
			if err != nil {
				return
			}
			txn.Commit()
		})
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, insertErr, insertFailure)
	assert.Equal(t, []string{
		"BEGIN",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		"COMMIT",
	}, mock.statements)
}

func TestTransactionRetryOnInsertConflict(t *testing.T) {
	conflictErr := &pgwirex.ServerError{Code: pgwirex.CodeSerializationFailure, Message: "could not serialize access"}
	conflicted := false
	mock := &queryerMock{
		respondFn: func(statement string, args []any) error {
			if len(args) == 1 && args[0] == "bar" && !conflicted {
				conflicted = true
				return conflictErr
			}
			return nil
		},
	}
	var outcome txnOutcome

	err := BeginTransaction(mock, &TransactionOptions{
		Isolation:       IsolationLevelSerializable,
		RetryOnConflict: true,
	}, func(txn *Transaction) error {
		return txn.Insert("foo", map[string]any{"name": "bar"}, func(res *pgwirex.QueryResult, err error) {
			if err != nil {
				return
			}
			txn.Commit()
		})
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, []string{
		"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		"ROLLBACK",
		"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		"COMMIT",
	}, mock.statements)
}

func TestTransactionRetryOnCommitConflict(t *testing.T) {
	conflictErr := &pgwirex.ServerError{Code: pgwirex.CodeSerializationFailure, Message: "could not serialize access"}
	conflicted := false
	mock := &queryerMock{
		respondFn: func(statement string, args []any) error {
			if statement == "COMMIT" && !conflicted {
				conflicted = true
				return conflictErr
			}
			return nil
		},
	}
	var outcome txnOutcome

	err := BeginTransaction(mock, &TransactionOptions{
		Isolation:       IsolationLevelSerializable,
		RetryOnConflict: true,
	}, func(txn *Transaction) error {
		return txn.Insert("foo", map[string]any{"name": "bar"}, func(res *pgwirex.QueryResult, err error) {
			if err != nil {
				return
			}
			txn.Commit()
		})
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)

	// a failed COMMIT never triggers a ROLLBACK statement, the retry goes
	// straight to a fresh BEGIN
	assert.Equal(t, []string{
		"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		"COMMIT",
		"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE",
		`INSERT INTO "foo" ("name") VALUES ($1)`,
		"COMMIT",
	}, mock.statements)
}

func TestTransactionConflictWithoutRetry(t *testing.T) {
	conflictErr := &pgwirex.ServerError{Code: pgwirex.CodeSerializationFailure, Message: "could not serialize access"}
	mock := &queryerMock{
		respondFn: func(statement string, args []any) error {
			if statement == "COMMIT" {
				return conflictErr
			}
			return nil
		},
	}
	var outcome txnOutcome

	err := BeginTransaction(mock, &TransactionOptions{
		Isolation: IsolationLevelSerializable,
	}, func(txn *Transaction) error {
		txn.Commit()
		return nil
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.Equal(t, conflictErr, outcome.err)
	assert.Equal(t, []string{
		"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE",
		"COMMIT",
	}, mock.statements)
}

func TestTransactionCommitIdempotent(t *testing.T) {
	mock := &queryerMock{}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		txn.Commit()
		txn.Commit()
		txn.Rollback(errors.New("must be ignored"))
		return nil
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, mock.statements)
}

func TestTransactionExecuteAfterCommit(t *testing.T) {
	mock := &queryerMock{}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		txn.Commit()

		execErr := txn.Execute("SELECT 1", nil, nil)
		assert.ErrorIs(t, execErr, ErrTransactionClosed)
		return nil
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, mock.statements)
}

func TestTransactionCallerBlockError(t *testing.T) {
	blockErr := errors.New("application logic failed")
	mock := &queryerMock{}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		return blockErr
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.Equal(t, blockErr, outcome.err)
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, mock.statements)
}

func TestTransactionUpsert(t *testing.T) {
	mock := &queryerMock{}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		return txn.Upsert("foo", map[string]any{
			"id":   7,
			"name": "bar",
		}, []string{"id"}, func(res *pgwirex.QueryResult, err error) {
			if err != nil {
				return
			}
			txn.Commit()
		})
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, []string{
		"BEGIN",
		`INSERT INTO "foo" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`,
		"COMMIT",
	}, mock.statements)
	assert.Equal(t, [][]any{nil, {7, "bar"}, nil}, mock.argsLog)
}

func TestTransactionUpsertInvalidConflictColumns(t *testing.T) {
	mock := &queryerMock{}
	var outcome txnOutcome

	err := BeginTransaction(mock, nil, func(txn *Transaction) error {
		upsertErr := txn.Upsert("foo", map[string]any{"name": "bar"}, nil, nil)
		require.Error(t, upsertErr)

		// the builder failure never reached the wire, the transaction is
		// still usable
		txn.Commit()
		return nil
	}, outcome.callback())
	require.NoError(t, err)

	require.True(t, outcome.resolved)
	assert.NoError(t, outcome.err)
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, mock.statements)
}
