package counter_test

import (
	"context"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"

	"gitlab.com/titanfs/titanfs/counter"
	internal "gitlab.com/titanfs/titanfs/internal/store"
)

func initDatabase(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()

	if os.Getenv("POSTGRES") == "" {
		t.Skip("POSTGRES is not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	ctx = logger.WithContext(ctx)
	schema := identifier.New().String()

	dbpool, errE := internal.InitPostgres(ctx, os.Getenv("POSTGRES"), logger, func(context.Context) (string, string) {
		return schema, "tests"
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = internal.RetryTransaction(ctx, dbpool, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		return internal.EnsureSchema(ctx, tx, schema)
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	return ctx, dbpool
}

func TestIncrement(t *testing.T) {
	t.Parallel()

	ctx, dbpool := initDatabase(t)

	c := &counter.Counter{} //nolint:exhaustruct
	errE := c.Init(ctx, dbpool)
	require.NoError(t, errE, "% -+#.1v", errE)

	previous := int64(0)
	for range 10 {
		value, errE := c.Increment(ctx, "test") //nolint:govet
		require.NoError(t, errE, "% -+#.1v", errE)
		assert.Greater(t, value, previous)
		previous = value
	}

	value, errE := c.Get(ctx, "test")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, previous, value)

	// Counters are independent.
	value, errE = c.Get(ctx, "other")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, int64(0), value)
}

func TestIncrementConcurrent(t *testing.T) {
	t.Parallel()

	ctx, dbpool := initDatabase(t)

	c := &counter.Counter{} //nolint:exhaustruct
	errE := c.Init(ctx, dbpool)
	require.NoError(t, errE, "% -+#.1v", errE)

	values := new(internal.LockableSlice[int64])
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				value, errE := c.Increment(ctx, "concurrent") //nolint:govet
				assert.NoError(t, errE, "% -+#.1v", errE)
				values.Append(value)
			}
		}()
	}
	wg.Wait()

	all := values.Prune()
	require.Len(t, all, 50)

	// Values never repeat.
	slices.Sort(all)
	assert.Equal(t, all, slices.Compact(slices.Clone(all)))
}
