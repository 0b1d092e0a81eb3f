package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/waf"
)

const maxRetries = 10

// ErrMaxRetriesReached is returned when a transaction keeps failing with
// retryable errors for maxRetries attempts.
var ErrMaxRetriesReached = errors.Base("max retries reached")

func nestedTransaction(ctx context.Context, parentTx pgx.Tx, fn func(ctx context.Context, tx pgx.Tx) errors.E) (errE errors.E) { //nolint:nonamedreturns
	tx, err := parentTx.Begin(ctx)
	if err != nil {
		return WithPgxError(err)
	}
	defer func() {
		err = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			errE = errors.Join(errE, err)
		}
	}()

	errE = fn(ctx, tx)
	if errE != nil {
		return errE
	}

	err = tx.Commit(ctx)
	if err != nil && (errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback)) {
		// We allow for fn to commit or rollback already.
		return nil
	}
	return WithPgxError(err)
}

// RetryTransaction executes a database transaction at the serializable isolation
// level with automatic retry logic for serialization failures.
//
// When the context already carries a transaction (because RetryTransaction calls
// are nested), fn runs inside a nested transaction of the existing one instead.
func RetryTransaction(
	ctx context.Context, dbpool *pgxpool.Pool, accessMode pgx.TxAccessMode,
	fn func(ctx context.Context, tx pgx.Tx) errors.E,
) errors.E {
	parentTx, ok := ctx.Value(transactionContextKey).(pgx.Tx)
	if ok {
		return nestedTransaction(ctx, parentTx, fn)
	}

	metrics, _ := waf.GetMetrics(ctx)
	counter := metrics.Counter(MetricDatabaseRetries)

	// We make i match the counter. That means that when loop
	// reaches maxRetries, counter equals maxRetries, too.
	for i := 0; i < maxRetries; i, _ = i+1, counter.Inc() {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		errE := (func() (errE errors.E) { //nolint:nonamedreturns
			tx, err := dbpool.BeginTx(ctx, pgx.TxOptions{
				IsoLevel:       pgx.Serializable,
				AccessMode:     accessMode,
				DeferrableMode: pgx.NotDeferrable,
				BeginQuery:     "",
				CommitQuery:    "",
			})
			if err != nil {
				return WithPgxError(err)
			}
			defer func() {
				err = tx.Rollback(ctx)
				if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
					errE = errors.Join(errE, err)
				}
			}()

			errE = fn(context.WithValue(ctx, transactionContextKey, tx), tx)
			if errE != nil {
				return errE
			}

			err = tx.Commit(ctx)
			if err != nil && (errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback)) {
				// We allow for fn to commit or rollback already.
				return nil
			}
			return WithPgxError(err)
		})()

		if errE != nil {
			if errors.Is(errE, context.Canceled) || errors.Is(errE, context.DeadlineExceeded) {
				return errE
			}
			var safeToRetry interface{ SafeToRetry() bool }
			if errors.As(errE, &safeToRetry) && safeToRetry.SafeToRetry() {
				continue
			}
			var pgError *pgconn.PgError
			if errors.As(errE, &pgError) {
				// See: https://www.postgresql.org/docs/current/mvcc-serialization-failure-handling.html
				switch pgError.Code {
				case ErrorCodeSerializationFailure:
					continue
				case ErrorCodeDeadlockDetected:
					continue
				}
			}
			// A non-retryable error.
			return errE
		}

		// No error.
		return nil
	}

	return errors.WithStack(ErrMaxRetriesReached)
}
