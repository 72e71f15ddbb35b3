package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladholos492-wq/mediagw/internal/catalog"
	"github.com/vladholos492-wq/mediagw/internal/money"
	"github.com/vladholos492-wq/mediagw/internal/wallet"
)

// fakeAPI fabricates task IDs or fails on demand.
type fakeAPI struct {
	mu      sync.Mutex
	nextErr error
	created []string
	n       int
}

func (f *fakeAPI) CreateTask(ctx context.Context, model string, input json.RawMessage, callbackURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return "", err
	}
	f.n++
	id := "task-" + string(rune('0'+f.n))
	f.created = append(f.created, id)
	return id, nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeDeliverer) Enqueue(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
}

func (f *fakeDeliverer) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobs...)
}

type fakeFreeTier struct{ free map[string]bool }

func (f *fakeFreeTier) IsFree(ctx context.Context, modelID string) bool { return f.free[modelID] }

type fixture struct {
	wallets   *wallet.MemoryStore
	store     *MemoryStore
	api       *fakeAPI
	deliverer *fakeDeliverer
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wallets := wallet.NewMemoryStore()
	store := NewMemoryStore(wallets)
	store.AddUser(1)
	api := &fakeAPI{}
	deliverer := &fakeDeliverer{}
	engine := NewEngine(store, api, deliverer,
		&fakeFreeTier{free: map[string]bool{"flux-free": true}},
		"https://gw.example/callbacks/kie")
	return &fixture{wallets: wallets, store: store, api: api, deliverer: deliverer, engine: engine}
}

func (f *fixture) topup(t *testing.T, userID int64, amount string) {
	t.Helper()
	_, err := f.wallets.Topup(context.Background(), userID, money.MustParse(amount), "pay-"+amount, nil)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID int64) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func chatID(v int64) *int64 { return &v }

func paidParams(key string) CreateParams {
	return CreateParams{
		UserID:         1,
		ModelID:        "sora-pro",
		Category:       catalog.CategoryVideo,
		Input:          json.RawMessage(`{"prompt":"a cat"}`),
		PriceRUB:       money.MustParse("30"),
		ChatID:         chatID(555),
		IdempotencyKey: key,
	}
}

func TestHappyPathPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")

	j, created, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, StatusRunning, j.Status)
	require.NotEmpty(t, j.ExternalTaskID)

	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("70"), w.Balance)
	assert.Equal(t, money.MustParse("30"), w.Hold)

	res, err := f.engine.ApplyCallback(ctx, &Callback{
		TaskID: j.ExternalTaskID,
		State:  "success",
		Result: json.RawMessage(`{"resultUrls":["http://x/a.png"]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, StatusDone, res.Job.Status)

	w = f.balance(t, 1)
	assert.Equal(t, money.MustParse("70"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)

	assert.Equal(t, []string{j.ID}, f.deliverer.enqueued())
}

func TestFailureRefundsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")

	j, _, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)

	res, err := f.engine.ApplyCallback(ctx, &Callback{
		TaskID:    j.ExternalTaskID,
		State:     "fail",
		ErrorText: "upstream error",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, StatusFailed, res.Job.Status)

	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("100"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)
	assert.Empty(t, f.deliverer.enqueued(), "failed jobs are not delivered")
}

func TestDuplicateSubmitReturnsSameJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")

	j1, created, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)
	require.True(t, created)

	j2, created, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, j1.ID, j2.ID)

	// only one hold was placed
	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("70"), w.Balance)
	assert.Equal(t, money.MustParse("30"), w.Hold)
}

func TestInsufficientFundsRejectsCreation(t *testing.T) {
	f := newFixture(t)
	f.topup(t, 1, "10")

	_, _, err := f.engine.Create(context.Background(), paidParams("K"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("10"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)
}

func TestUnknownUserRejected(t *testing.T) {
	f := newFixture(t)
	params := paidParams("K")
	params.UserID = 99

	_, _, err := f.engine.Create(context.Background(), params)
	assert.ErrorIs(t, err, ErrUserUnknown)
}

func TestInputTooLarge(t *testing.T) {
	f := newFixture(t)
	params := paidParams("K")
	params.Input = make(json.RawMessage, MaxInputBytes+1)

	_, _, err := f.engine.Create(context.Background(), params)
	assert.ErrorIs(t, err, ErrInputTooLarge)
}

func TestUpstreamFailureFailsJobAndReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")
	f.api.nextErr = errors.New("502 bad gateway")

	j, created, err := f.engine.Create(ctx, paidParams("K"))
	require.Error(t, err)
	assert.True(t, created)
	require.NotNil(t, j)

	stored, getErr := f.store.Get(ctx, j.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, stored.Status)

	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("100"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)
}

func TestOutOfOrderCallbackBecomesOrphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.ApplyCallback(ctx, &Callback{
		TaskID:  "task-unseen",
		State:   "success",
		Payload: json.RawMessage(`{"taskId":"task-unseen","state":"success"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)

	orphans, err := f.store.ListUnprocessedOrphans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "task-unseen", orphans[0].TaskID)
}

func TestTerminalJobIgnoresLateCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")

	j, _, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)

	_, err = f.engine.ApplyCallback(ctx, &Callback{TaskID: j.ExternalTaskID, State: "success"})
	require.NoError(t, err)

	// a contradictory late callback changes nothing
	res, err := f.engine.ApplyCallback(ctx, &Callback{TaskID: j.ExternalTaskID, State: "fail"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	stored, _ := f.store.Get(ctx, j.ID)
	assert.Equal(t, StatusDone, stored.Status)

	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("70"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)
}

func TestDuplicateCallbackDoesNotDoubleCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")

	j, _, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.engine.ApplyCallback(ctx, &Callback{TaskID: j.ExternalTaskID, State: "success"})
		require.NoError(t, err)
	}

	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("70"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)
}

func TestUnknownUpstreamStateIgnored(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.ApplyCallback(context.Background(), &Callback{
		TaskID: "task-x",
		State:  "discombobulated",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestFreeTierMismatchSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	params := CreateParams{
		UserID:         1,
		ModelID:        "flux-free",
		Category:       catalog.CategoryImage,
		Input:          json.RawMessage(`{}`),
		PriceRUB:       0,
		IdempotencyKey: "K",
	}
	j, _, err := f.engine.Create(ctx, params)
	require.NoError(t, err)

	res, err := f.engine.ApplyCallback(ctx, &Callback{
		TaskID:    j.ExternalTaskID,
		State:     "fail",
		ErrorText: "model validation failed",
	})
	require.NoError(t, err)
	assert.Equal(t, NoteFreeTierMismatch, res.Note)
}

func TestCancelReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")

	j, _, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)

	canceled, err := f.engine.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status)

	w := f.balance(t, 1)
	assert.Equal(t, money.MustParse("100"), w.Balance)
	assert.Equal(t, money.RUB(0), w.Hold)
}

func TestSweepStaleFailsAndRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topup(t, 1, "100")

	j, _, err := f.engine.Create(ctx, paidParams("K"))
	require.NoError(t, err)
	require.Equal(t, StatusRunning, j.Status)

	// age the job past the callback deadline
	f.store.mu.Lock()
	f.store.jobs[j.ID].UpdatedAt = time.Now().UTC().Add(-31 * time.Minute)
	f.store.mu.Unlock()

	swept, err := f.store.SweepStale(ctx, time.Now().UTC().Add(-30*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, j.ID, swept[0].Job.ID)
	assert.Equal(t, "70.00", swept[0].BalanceBefore)
	assert.Equal(t, "100.00", swept[0].BalanceAfter)

	stored, _ := f.store.Get(ctx, j.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorText, "30 min")
}

func TestNormalizeStateAliases(t *testing.T) {
	cases := map[string]string{
		"success": StatusDone, "completed": StatusDone, "succeeded": StatusDone,
		"fail": StatusFailed, "error": StatusFailed, "timeout": StatusFailed,
		"pending": StatusRunning, "waiting": StatusRunning, "queued": StatusRunning,
		"processing": StatusRunning, "canceled": StatusCanceled,
	}
	for in, want := range cases {
		got, ok := NormalizeState(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeState("nonsense")
	assert.False(t, ok)
}
