package singleton

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladholos492-wq/mediagw/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStaticAlwaysActive(t *testing.T) {
	var l Leader = Static{}
	assert.True(t, l.Active())
	assert.Equal(t, StateHolder, l.LockState())
	assert.Equal(t, time.Duration(0), l.LockIdle())
}

func TestExactlyOneHolder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	a := New(db, "instance-a", testLogger())
	b := New(db, "instance-b", testLogger())

	a.safeTick(ctx)
	b.safeTick(ctx)

	require.True(t, a.Active())
	require.False(t, b.Active())
	assert.Equal(t, StateHolder, a.LockState())
	assert.Equal(t, StateWaiting, b.LockState())

	// heartbeat row names the holder
	var instanceID string
	err := db.QueryRowContext(ctx,
		`SELECT instance_id FROM singleton_heartbeat WHERE id = 1`).Scan(&instanceID)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", instanceID)

	a.release()
	b.release()
}

func TestFailoverOnRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	a := New(db, "instance-a", testLogger())
	b := New(db, "instance-b", testLogger())

	a.safeTick(ctx)
	b.safeTick(ctx)
	require.True(t, a.Active())
	require.False(t, b.Active())

	a.release()
	require.False(t, a.Active())

	b.safeTick(ctx)
	require.True(t, b.Active())

	var instanceID string
	err := db.QueryRowContext(ctx,
		`SELECT instance_id FROM singleton_heartbeat WHERE id = 1`).Scan(&instanceID)
	require.NoError(t, err)
	assert.Equal(t, "instance-b", instanceID)

	b.release()
}

func TestHeartbeatKeepsHolding(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	a := New(db, "instance-a", testLogger())
	a.safeTick(ctx)
	require.True(t, a.Active())

	for i := 0; i < 3; i++ {
		a.safeTick(ctx)
		require.True(t, a.Active())
	}

	a.release()
}

func TestLockIdleTracksTransitions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	a := New(db, "instance-a", testLogger())
	idleBefore := a.LockIdle()
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, a.LockIdle(), idleBefore)

	a.safeTick(ctx)
	require.True(t, a.Active())
	assert.Less(t, a.LockIdle(), time.Second)

	a.release()
}
