package pgcorex

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pgcorex/pgcorex/pgstmtx"
	"github.com/pgcorex/pgcorex/pgwirex"
	"github.com/pgcorex/pgcorex/zaputils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// AttemptFunc is the caller-supplied function run once BEGIN is confirmed.
// It receives the active transaction handle to issue statements through and
// is expected to eventually call Commit.  A non-nil return rolls the
// transaction back with the returned error as cause.  A conflict retry runs
// the same function again from scratch against a fresh attempt.
type AttemptFunc func(txn *Transaction) error

// resultChain resolves the single caller-visible outcome of a logical
// transaction, across however many attempts conflict retries create.
type resultChain struct {
	resolved atomic.Bool
	cb       func(error)
}

func (r *resultChain) resolve(err error) {
	if !r.resolved.CompareAndSwap(false, true) {
		return
	}

	if r.cb != nil {
		r.cb(err)
	}
}

// Transaction represents a single transaction attempt on an exclusively
// borrowed connection.  It is handed to the caller's AttemptFunc once BEGIN
// is confirmed and drives every statement of the attempt through one
// CompletionGroup.
type Transaction struct {
	queryer Queryer
	opts    TransactionOptions
	fn      AttemptFunc
	chain   *resultChain
	logger  *zap.Logger
	id      string
	group   *CompletionGroup

	lock                sync.Mutex
	status              CommitStatus
	finishing           bool
	autoRollbackOnError bool
}

// BeginTransaction starts a transaction on q, which the transaction borrows
// exclusively until it resolves.  fn runs once BEGIN is confirmed, and cb
// fires exactly once with the transaction's overall outcome: nil once every
// statement and the COMMIT succeeded, or the first error that caused the
// rollback, after any conflict retries are exhausted.
//
// A configuration error is returned synchronously, before anything is sent
// on the connection, and cb never fires in that case.
func BeginTransaction(q Queryer, opts *TransactionOptions, fn AttemptFunc, cb func(error)) error {
	if opts == nil {
		opts = &TransactionOptions{}
	}
	if _, err := opts.beginStatement(); err != nil {
		return err
	}

	transactionsBegun.Add(context.Background(), 1)

	resolvedOpts := *opts
	resolvedOpts.Logger = loggerOrNop(opts.Logger)
	beginAttempt(q, resolvedOpts, fn, &resultChain{cb: cb})

	return nil
}

func beginAttempt(q Queryer, opts TransactionOptions, fn AttemptFunc, chain *resultChain) {
	attemptID := uuid.New().String()
	logger := opts.Logger.With(zap.String("attemptId", attemptID))

	txn := &Transaction{
		queryer: q,
		opts:    opts,
		fn:      fn,
		chain:   chain,
		logger:  logger,
		id:      attemptID,

		status:              CommitStatusPending,
		autoRollbackOnError: true,
	}
	txn.group = NewCompletionGroup(func() {
		chain.resolve(nil)
	}, txn.handleGroupFailure)

	transactionAttempts.Add(context.Background(), 1)

	txn.sendBegin()
}

func (t *Transaction) sendBegin() {
	beginStmt, err := t.opts.beginStatement()
	if err != nil {
		// options were validated before the first attempt was constructed
		t.chain.resolve(err)
		return
	}

	done := t.group.Add()
	t.logger.Debug("beginning transaction", zaputils.Statement("statement", beginStmt))

	qerr := t.queryer.Query(beginStmt, nil, func(res *pgwirex.QueryResult, err error) {
		if err != nil {
			t.logger.Debug("begin failed", zap.Error(err))
			t.Rollback(err)
			return
		}

		if blockErr := t.fn(t); blockErr != nil {
			t.Rollback(blockErr)
			return
		}

		done(nil)
	})
	if qerr != nil {
		t.Rollback(qerr)
	}
}

// handleGroupFailure is the aggregate failure callback of the attempt's
// CompletionGroup.  A serialization conflict on a retryable transaction
// starts a brand-new attempt chained to the same caller-visible outcome,
// anything else resolves the caller's callback with the failure.
func (t *Transaction) handleGroupFailure(err error) {
	if t.opts.RetryOnConflict && pgwirex.IsSerializationFailure(err) {
		t.logger.Debug("retrying transaction after serialization conflict", zap.Error(err))
		conflictRetries.Add(context.Background(), 1)

		beginAttempt(t.queryer, t.opts, t.fn, t.chain)
		return
	}

	t.chain.resolve(err)
}

// Execute dispatches a single statement within the transaction, invoking cb
// with its result.  It fails fast with ErrTransactionClosed once the
// transaction has reached a terminal status, without sending anything.
//
// A statement failure rolls the transaction back with that failure as cause
// unless auto-rollback is disabled, in which case the failure is reported
// through cb only and the transaction remains open for further statements.
func (t *Transaction) Execute(statement string, args []any, cb QueryCallback) error {
	t.lock.Lock()
	if t.status != CommitStatusPending || t.finishing {
		t.lock.Unlock()
		return ErrTransactionClosed
	}
	t.lock.Unlock()

	done := t.group.Add()
	t.logger.Debug("executing statement", zaputils.FQStatement("statement", statement, args))

	err := t.queryer.Query(statement, args, func(res *pgwirex.QueryResult, err error) {
		if err != nil {
			if cb != nil {
				cb(nil, err)
			}

			t.lock.Lock()
			autoRollback := t.autoRollbackOnError
			t.lock.Unlock()

			if autoRollback {
				t.Rollback(err)
			} else {
				// the failure is the caller's to handle, the member must not
				// fail the group or the transaction would resolve under them
				done(nil)
			}
			return
		}

		if cb != nil {
			cb(res, nil)
		}
		done(nil)
	})
	if err != nil {
		t.Rollback(err)
		return err
	}

	return nil
}

// Insert builds a deterministic INSERT statement for a single row and
// executes it within the transaction.
func (t *Transaction) Insert(table string, values map[string]any, cb QueryCallback) error {
	statement, args := pgstmtx.BuildInsert(table, values)
	return t.Execute(statement, args, cb)
}

// Upsert builds an INSERT ... ON CONFLICT statement for a single row and
// executes it within the transaction.
func (t *Transaction) Upsert(table string, values map[string]any, conflictColumns []string, cb QueryCallback) error {
	statement, args, err := pgstmtx.BuildUpsert(table, values, conflictColumns)
	if err != nil {
		return err
	}

	return t.Execute(statement, args, cb)
}

// Commit issues COMMIT and closes the attempt's CompletionGroup once it
// resolves.  If the COMMIT fails the server has already decided the outcome,
// so no ROLLBACK is sent and the transaction resolves to rolled-back with
// the COMMIT's error.  Calling Commit after the transaction reached a
// terminal status is a no-op.
func (t *Transaction) Commit() {
	t.lock.Lock()
	if t.status != CommitStatusPending || t.finishing {
		t.lock.Unlock()
		return
	}
	t.finishing = true
	t.lock.Unlock()

	done := t.group.Add()
	t.logger.Debug("committing transaction")

	err := t.queryer.Query("COMMIT", nil, func(res *pgwirex.QueryResult, err error) {
		if err != nil {
			t.logger.Debug("commit failed", zap.Error(err))
			t.setStatus(CommitStatusRolledBack)
			transactionsRolledBack.Add(context.Background(), 1)

			t.group.Fail(err)
			t.group.Close()
			return
		}

		t.setStatus(CommitStatusCommitted)
		transactionsCommitted.Add(context.Background(), 1)

		done(nil)
		t.group.Close()
	})
	if err != nil {
		t.logger.Debug("failed to send commit", zap.Error(err))
		t.setStatus(CommitStatusRolledBack)
		transactionsRolledBack.Add(context.Background(), 1)

		t.group.Fail(err)
		t.group.Close()
	}
}

// Rollback issues ROLLBACK and resolves the transaction to rolled-back with
// cause as the caller-visible failure.  The ROLLBACK statement's own outcome
// does not change the terminal status.  Calling Rollback after the
// transaction reached a terminal status is a no-op.
func (t *Transaction) Rollback(cause error) {
	t.lock.Lock()
	if t.status != CommitStatusPending || t.finishing {
		t.lock.Unlock()
		return
	}
	t.finishing = true
	t.status = CommitStatusRolledBack
	t.lock.Unlock()

	transactionsRolledBack.Add(context.Background(), 1)
	t.logger.Debug("rolling back transaction", zap.Error(cause))

	err := t.queryer.Query("ROLLBACK", nil, func(res *pgwirex.QueryResult, err error) {
		if err != nil {
			t.logger.Debug("rollback statement failed", zap.Error(err))
		}
	})
	if err != nil {
		t.logger.Debug("failed to send rollback", zap.Error(err))
	}

	t.group.Fail(cause)
	t.group.Close()
}

// ID returns the attempt id of this transaction attempt.
func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) setStatus(status CommitStatus) {
	t.lock.Lock()
	t.status = status
	t.lock.Unlock()
}

// CommitStatus returns the current commit status of the attempt.
func (t *Transaction) CommitStatus() CommitStatus {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.status
}

// SetAutoRollbackOnError controls whether a failed statement automatically
// rolls the transaction back.  It defaults to enabled.
func (t *Transaction) SetAutoRollbackOnError(enabled bool) {
	t.lock.Lock()
	t.autoRollbackOnError = enabled
	t.lock.Unlock()
}

// AutoRollbackOnError returns whether a failed statement automatically rolls
// the transaction back.
func (t *Transaction) AutoRollbackOnError() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.autoRollbackOnError
}
