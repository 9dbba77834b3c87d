package pgcorex

import (
	"github.com/pgcorex/pgcorex/contrib/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	buildVersion string = buildversion.GetVersion("github.com/pgcorex/pgcorex")
	meter               = otel.Meter("github.com/pgcorex/pgcorex",
		metric.WithInstrumentationVersion(buildVersion))
)

var (
	// transactionsBegun tracks the number of logical transactions requested
	// through BeginTransaction, regardless of their eventual outcome.
	transactionsBegun, _ = meter.Int64Counter("pgcorex.transactions_begun")

	// transactionAttempts tracks the number of BEGIN..COMMIT/ROLLBACK cycles,
	// including the extra attempts created by conflict retries.
	transactionAttempts, _ = meter.Int64Counter("pgcorex.transaction_attempts")

	// conflictRetries tracks the number of attempts that were restarted
	// after a serialization conflict.
	conflictRetries, _ = meter.Int64Counter("pgcorex.conflict_retries")

	// transactionsCommitted tracks attempts that reached a confirmed COMMIT.
	transactionsCommitted, _ = meter.Int64Counter("pgcorex.transactions_committed")

	// transactionsRolledBack tracks attempts that ended rolled back,
	// including the COMMIT-failure path where no ROLLBACK is sent.
	transactionsRolledBack, _ = meter.Int64Counter("pgcorex.transactions_rolled_back")
)
