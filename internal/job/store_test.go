package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladholos492-wq/mediagw/internal/money"
)

func doneJob(t *testing.T, f *fixture) *Job {
	t.Helper()
	ctx := context.Background()
	f.topup(t, 1, "100")
	j, _, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)
	_, err = f.engine.ApplyCallback(ctx, &Callback{TaskID: j.ExternalTaskID, State: "success"})
	require.NoError(t, err)
	stored, err := f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	return stored
}

func TestAcquireDeliveryWinsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := doneJob(t, f)

	won, err := f.store.AcquireDelivery(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, won.ID)

	_, err = f.store.AcquireDelivery(ctx, j.ID)
	assert.ErrorIs(t, err, ErrAlreadyDelivering)

	// the task ID addresses the same row
	_, err = f.store.AcquireDelivery(ctx, j.ExternalTaskID)
	assert.ErrorIs(t, err, ErrAlreadyDelivering)
}

func TestAcquireDeliveryAfterMarkDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := doneJob(t, f)

	_, err := f.store.AcquireDelivery(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkDelivered(ctx, j.ID))

	_, err = f.store.AcquireDelivery(ctx, j.ID)
	assert.ErrorIs(t, err, ErrAlreadyDelivering)

	stored, _ := f.store.Get(ctx, j.ID)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Nil(t, stored.DeliveringAt)
}

func TestAcquireDeliveryLeaseExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := doneJob(t, f)

	_, err := f.store.AcquireDelivery(ctx, j.ID)
	require.NoError(t, err)

	// a crashed deliverer leaves a stale lease behind
	stale := time.Now().UTC().Add(-6 * time.Minute)
	f.store.mu.Lock()
	f.store.jobs[j.ID].DeliveringAt = &stale
	f.store.mu.Unlock()

	won, err := f.store.AcquireDelivery(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, won.ID)
}

func TestReleaseDeliveryLockAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := doneJob(t, f)

	_, err := f.store.AcquireDelivery(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.ReleaseDeliveryLock(ctx, j.ID, "send failed: 502"))

	won, err := f.store.AcquireDelivery(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, won.ID)
}

func TestListUndelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := doneJob(t, f)

	// a job without a chat has no side effect to deliver
	noChat := paidParams("K2")
	noChat.ChatID = nil
	j2, _, err := f.engine.Create(ctx, noChat)
	require.NoError(t, err)
	_, err = f.engine.ApplyCallback(ctx, &Callback{TaskID: j2.ExternalTaskID, State: "success"})
	require.NoError(t, err)

	pending, err := f.store.ListUndelivered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, j.ID, pending[0].ID)

	require.NoError(t, f.store.MarkDelivered(ctx, j.ID))
	pending, err = f.store.ListUndelivered(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGeneratedIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.topup(t, 1, "100")

	params := paidParams("")
	j, created, err := f.engine.Create(context.Background(), params)
	require.NoError(t, err)
	require.True(t, created)
	assert.Contains(t, j.IdempotencyKey, "job:1:")
}

func TestHoldConservationThroughSweep(t *testing.T) {
	// wallet totals stay conserved across create, sweep, and a late
	// duplicate release attempt
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "50")

	j, _, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.jobs[j.ID].UpdatedAt = time.Now().UTC().Add(-31 * time.Minute)
	f.store.mu.Unlock()

	_, err = f.store.SweepStale(ctx, time.Now().UTC().Add(-30*time.Minute), 100)
	require.NoError(t, err)

	// late failure callback is ignored; no double release
	_, err = f.engine.ApplyCallback(ctx, &Callback{TaskID: j.ExternalTaskID, State: "fail"})
	require.NoError(t, err)

	w, err := f.wallets.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("50"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)
}
