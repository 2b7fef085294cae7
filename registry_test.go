package usagemeter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	um "github.com/ineyio/usagemeter"
	"github.com/ineyio/usagemeter/store/memory"
)

func newTestRegistry(t *testing.T, opts ...um.Option) (*um.Registry, *quartz.Mock, *memory.Store) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(t0)
	store := memory.New()
	reg := um.NewRegistry(append([]um.Option{
		um.WithClock(clock),
		um.WithStore(store),
		um.WithLogger(discardLogger),
	}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return reg, clock, store
}

func TestRegistry_LazyActors(t *testing.T) {
	reg, _, _ := newTestRegistry(t, um.WithIdleTimeout(0))
	ctx := testContext(t)

	assert.Equal(t, 0, reg.Len())

	_, err := reg.Initialize(ctx, "alice", um.PlanFree)
	require.NoError(t, err)
	_, err = reg.Initialize(ctx, "bob", um.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	alice, err := reg.Status(ctx, "alice")
	require.NoError(t, err)
	bob, err := reg.Status(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, um.PlanFree, alice.Plan)
	assert.Equal(t, um.PlanPro, bob.Plan)
	assert.Equal(t, "alice", alice.UserID)

	_, err = reg.Status(ctx, "carol")
	assert.ErrorIs(t, err, um.ErrNotInitialized)
	assert.Equal(t, 3, reg.Len())
}

func TestRegistry_UsersAreIndependent(t *testing.T) {
	reg, _, _ := newTestRegistry(t, um.WithIdleTimeout(0))
	ctx := testContext(t)

	for _, user := range []string{"alice", "bob"} {
		_, err := reg.Initialize(ctx, user, um.PlanBasic)
		require.NoError(t, err)
	}

	_, err := reg.StartSession(ctx, "alice", um.SessionContext{})
	require.NoError(t, err)

	// Alice's session does not block Bob.
	id, err := reg.StartSession(ctx, "bob", um.SessionContext{})
	require.NoError(t, err)

	_, err = reg.Heartbeat(ctx, "alice", id)
	assert.ErrorIs(t, err, um.ErrNoActiveSession)

	end, err := reg.EndSession(ctx, "bob", id, um.EndUserEnded)
	require.NoError(t, err)
	assert.Equal(t, int64(1), end.MinutesUsed)

	alice, err := reg.Status(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.HasActiveSession)
	assert.Zero(t, alice.MinutesUsed)
}

func TestRegistry_ConcurrentCallers(t *testing.T) {
	reg, _, _ := newTestRegistry(t, um.WithIdleTimeout(0))
	ctx := testContext(t)

	_, err := reg.Initialize(ctx, "alice", um.PlanPro)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.StartSession(ctx, "alice", um.SessionContext{}); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_IdleEvictionReloads(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, um.WithIdleTimeout(time.Minute))
	ctx := testContext(t)

	_, err := reg.Initialize(ctx, "alice", um.PlanBasic)
	require.NoError(t, err)
	id, err := reg.StartSession(ctx, "alice", um.SessionContext{})
	require.NoError(t, err)

	// An active session keeps the actor alive.
	advance(t, clock, 2*time.Minute)
	assert.Equal(t, 1, reg.Len())

	_, err = reg.EndSession(ctx, "alice", id, um.EndUserEnded)
	require.NoError(t, err)

	advance(t, clock, 2*time.Minute)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	st, err := reg.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, um.PlanBasic, st.Plan)
	assert.Equal(t, int64(2), st.MinutesUsed)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_IdleActorKeptUntilStoreCatchesUp(t *testing.T) {
	reg, clock, store := newTestRegistry(t, um.WithIdleTimeout(time.Minute))
	ctx := testContext(t)

	_, err := reg.Initialize(ctx, "alice", um.PlanFree)
	require.NoError(t, err)
	id, err := reg.StartSession(ctx, "alice", um.SessionContext{})
	require.NoError(t, err)
	advance(t, clock, 5*time.Minute)

	store.SetFailure(errors.New("connection reset"))
	end, err := reg.EndSession(ctx, "alice", id, um.EndUserEnded)
	require.NoError(t, err)
	assert.Equal(t, int64(5), end.MinutesUsed)

	// The committed minutes only live in memory, so the actor stays.
	advance(t, clock, 2*time.Minute)
	assert.Equal(t, 1, reg.Len())

	store.SetFailure(nil)
	advance(t, clock, time.Minute)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	st, err := reg.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.MinutesUsed)
	assert.Equal(t, int64(5), st.MinutesRemaining)
}

func TestRegistry_DefaultIdleTimeout(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)
	ctx := testContext(t)

	_, err := reg.Initialize(ctx, "alice", um.PlanFree)
	require.NoError(t, err)

	advance(t, clock, um.DefaultIdleTimeout-time.Second)
	assert.Equal(t, 1, reg.Len())

	advance(t, clock, time.Second)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRegistry_LoadFailureIsNotCached(t *testing.T) {
	reg, _, store := newTestRegistry(t, um.WithIdleTimeout(0))
	ctx := testContext(t)

	store.SetLoadFailure(errors.New("connection refused"))
	_, err := reg.Status(ctx, "alice")
	assert.ErrorIs(t, err, um.ErrLoadFailed)
	assert.Equal(t, 0, reg.Len())

	store.SetLoadFailure(nil)
	_, err = reg.Initialize(ctx, "alice", um.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_Close(t *testing.T) {
	reg, _, store := newTestRegistry(t, um.WithIdleTimeout(0))
	ctx := testContext(t)

	ids := make(map[string]string)
	for _, user := range []string{"alice", "bob", "carol"} {
		_, err := reg.Initialize(ctx, user, um.PlanBasic)
		require.NoError(t, err)
		id, err := reg.StartSession(ctx, user, um.SessionContext{})
		require.NoError(t, err)
		ids[user] = id
	}

	require.NoError(t, reg.Close(ctx))
	assert.Equal(t, 0, reg.Len())

	for user, id := range ids {
		rec, ok, err := store.LoadSession(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, user)
		assert.Equal(t, um.EndDisconnect, rec.EndReason, user)
		assert.Equal(t, int64(1), rec.MinutesUsed, user)
	}

	_, err := reg.Status(ctx, "alice")
	assert.ErrorIs(t, err, um.ErrRegistryClosed)
	_, err = reg.StartSession(ctx, "dave", um.SessionContext{})
	assert.ErrorIs(t, err, um.ErrRegistryClosed)

	// A second close is a no-op.
	require.NoError(t, reg.Close(ctx))
}
