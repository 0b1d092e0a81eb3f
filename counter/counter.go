// Package counter provides strongly-consistent monotonic counters.
//
// A counter is sharded across multiple rows to spread write contention.
// Increment bumps a single shard and returns the sum over all shards of the
// counter. Because both happen inside one serializable transaction, returned
// values are strictly increasing across concurrent callers. Values can be
// skipped when a transaction retries, but are never repeated.
package counter

import (
	"context"
	"math/rand/v2"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"

	internal "gitlab.com/titanfs/titanfs/internal/store"
)

// DefaultShards is the default number of shards per counter.
const DefaultShards = 20

// Counter allocates strictly increasing integers.
type Counter struct {
	// Number of shards per counter. Defaults to DefaultShards.
	Shards int

	dbpool *pgxpool.Pool
}

// Init initializes the Counter.
//
// It creates the PostgreSQL objects used by the counter if they do not yet exist.
func (c *Counter) Init(ctx context.Context, dbpool *pgxpool.Pool) errors.E {
	if c.dbpool != nil {
		return errors.New("already initialized")
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}

	errE := internal.RetryTransaction(ctx, dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		// TODO: Use schema management/migration instead.
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS "counterShards" (
				-- Name of the counter.
				"name" text COLLATE "C" NOT NULL,
				"shard" smallint NOT NULL,
				"value" bigint NOT NULL,
				PRIMARY KEY ("name", "shard")
			)
		`)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		return errE
	}

	c.dbpool = dbpool

	return nil
}

// Increment increments the named counter and returns its new value.
//
// Returned values are strictly increasing across concurrent callers. When the
// underlying transaction retries, intermediate values are skipped and never
// handed out.
func (c *Counter) Increment(ctx context.Context, name string) (int64, errors.E) {
	shard := rand.IntN(c.Shards) //nolint:gosec
	var value int64
	errE := internal.RetryTransaction(ctx, c.dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `
			INSERT INTO "counterShards" VALUES ($1, $2, 1)
				ON CONFLICT ("name", "shard") DO UPDATE
					SET "value"="counterShards"."value"+1
		`, name, shard)
		if err != nil {
			return internal.WithPgxError(err)
		}
		err = tx.QueryRow(ctx, `SELECT SUM("value") FROM "counterShards" WHERE "name"=$1`, name).Scan(&value)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		errors.Details(errE)["counter"] = name
		return 0, errE
	}
	return value, nil
}

// Get returns the current value of the named counter without incrementing it.
//
// A counter which was never incremented has value 0.
func (c *Counter) Get(ctx context.Context, name string) (int64, errors.E) {
	var value int64
	errE := internal.RetryTransaction(ctx, c.dbpool, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		err := tx.QueryRow(ctx, `SELECT COALESCE(SUM("value"), 0) FROM "counterShards" WHERE "name"=$1`, name).Scan(&value)
		if err != nil {
			return internal.WithPgxError(err)
		}
		return nil
	})
	if errE != nil {
		errors.Details(errE)["counter"] = name
		return 0, errE
	}
	return value, nil
}
