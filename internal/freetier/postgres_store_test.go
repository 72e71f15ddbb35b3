package freetier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladholos492-wq/mediagw/internal/testutil"
)

func TestPostgresCheckAndReserve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.UpsertConfig(ctx, &Config{
		ModelID: "flux-free", Enabled: true, DailyLimit: 2, HourlyLimit: 2,
	}))

	d, err := store.CheckAndReserve(ctx, 1, "flux-free", "job-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// replayed reservation keeps the count at one
	d, err = store.CheckAndReserve(ctx, 1, "flux-free", "job-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = store.CheckAndReserve(ctx, 1, "flux-free", "job-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = store.CheckAndReserve(ctx, 1, "flux-free", "job-3")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyExceeded, d.Reason)

	d, err = store.CheckAndReserve(ctx, 1, "unknown-model", "job-4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotFree, d.Reason)
}

func TestPostgresConcurrentReservationsHonorLimit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.UpsertConfig(ctx, &Config{
		ModelID: "flux-free", Enabled: true, DailyLimit: 5, HourlyLimit: 5,
	}))

	const attempts = 8
	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d, err := store.CheckAndReserve(ctx, 1, "flux-free", fmt.Sprintf("job-%d", n))
			if assert.NoError(t, err) && d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed)

	var rows int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM free_usage WHERE user_id = 1 AND model_id = 'flux-free'`).Scan(&rows))
	assert.Equal(t, 5, rows)
}
