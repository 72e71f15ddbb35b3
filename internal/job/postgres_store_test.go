package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladholos492-wq/mediagw/internal/catalog"
	"github.com/vladholos492-wq/mediagw/internal/money"
	"github.com/vladholos492-wq/mediagw/internal/testutil"
	"github.com/vladholos492-wq/mediagw/internal/wallet"
)

func pgFixture(t *testing.T) (*sql.DB, *PostgresStore, *wallet.Service, func()) {
	db, cleanup := testutil.PGTest(t)

	ctx := context.Background()
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, role) VALUES (1, 'tester', 'user')
		ON CONFLICT (user_id) DO NOTHING
	`)
	require.NoError(t, err)

	wallets := wallet.NewPostgresStore(db)
	svc := wallet.NewService(wallets)
	_, err = svc.Topup(ctx, 1, money.MustParse("100"), "pay-1", nil)
	require.NoError(t, err)

	return db, NewPostgresStore(db, wallets), svc, cleanup
}

func TestPostgresJobLifecycle(t *testing.T) {
	_, store, svc, cleanup := pgFixture(t)
	defer cleanup()
	ctx := context.Background()

	cid := int64(555)
	j, created, err := store.Create(ctx, CreateParams{
		UserID:         1,
		ModelID:        "sora-pro",
		Category:       catalog.CategoryVideo,
		Input:          json.RawMessage(`{"prompt":"a cat"}`),
		PriceRUB:       money.MustParse("30"),
		ChatID:         &cid,
		IdempotencyKey: "K",
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, StatusPending, j.Status)

	// duplicate key returns the same row, no new hold
	dup, created, err := store.Create(ctx, CreateParams{
		UserID: 1, ModelID: "sora-pro", PriceRUB: money.MustParse("30"), IdempotencyKey: "K",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, j.ID, dup.ID)

	w, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("70"), w.Balance)
	assert.Equal(t, money.MustParse("30"), w.Hold)

	running, err := store.SetRunning(ctx, j.ID, "task-abc")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, "task-abc", running.ExternalTaskID)

	res, err := store.ApplyCallback(ctx, &Callback{
		TaskID: "task-abc",
		State:  StatusDone,
		Result: json.RawMessage(`{"resultUrls":["http://x/a.mp4"]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	// duplicate callback hits the terminal guard
	res, err = store.ApplyCallback(ctx, &Callback{TaskID: "task-abc", State: StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	w, err = svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("70"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)

	// delivery lease: exactly one winner
	won, err := store.AcquireDelivery(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, won.ID)
	_, err = store.AcquireDelivery(ctx, "task-abc")
	assert.ErrorIs(t, err, ErrAlreadyDelivering)

	require.NoError(t, store.MarkDelivered(ctx, j.ID))
	final, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.NotNil(t, final.DeliveredAt)
	assert.Nil(t, final.DeliveringAt)
}

func TestPostgresOrphanRoundTrip(t *testing.T) {
	_, store, _, cleanup := pgFixture(t)
	defer cleanup()
	ctx := context.Background()

	res, err := store.ApplyCallback(ctx, &Callback{
		TaskID:  "task-orphan",
		State:   StatusDone,
		Payload: json.RawMessage(`{"taskId":"task-orphan","state":"success"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)

	orphans, err := store.ListUnprocessedOrphans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "task-orphan", orphans[0].TaskID)

	require.NoError(t, store.MarkOrphanProcessed(ctx, "task-orphan", ""))
	orphans, err = store.ListUnprocessedOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestPostgresUnknownUser(t *testing.T) {
	_, store, _, cleanup := pgFixture(t)
	defer cleanup()

	_, _, err := store.Create(context.Background(), CreateParams{
		UserID: 999, ModelID: "sora-pro", PriceRUB: money.MustParse("30"),
	})
	assert.ErrorIs(t, err, ErrUserUnknown)
}
