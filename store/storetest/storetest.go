// Package storetest holds the behavior every usagemeter.Store backend must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/usagemeter"
)

// Run exercises store behavior against stores produced by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) usagemeter.Store) {
	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.LoadSnapshot(context.Background(), "nobody")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SnapshotRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := snapshot("u1", "2025-03-01", 3, 42)

		require.NoError(t, s.SaveSnapshot(ctx, want))

		got, ok, err := s.LoadSnapshot(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assertSnapshot(t, want, got)
	})

	t.Run("SnapshotLastWriteWinsOnVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SaveSnapshot(ctx, snapshot("u1", "2025-03-01", 5, 50)))
		require.NoError(t, s.SaveSnapshot(ctx, snapshot("u1", "2025-03-01", 4, 40)))

		got, _, err := s.LoadSnapshot(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Version)
		assert.Equal(t, int64(50), got.MinutesUsed)

		// Equal versions overwrite so a period can be marked archived.
		archived := snapshot("u1", "2025-03-01", 5, 50)
		archived.Archived = true
		require.NoError(t, s.SaveSnapshot(ctx, archived))

		got, _, err = s.LoadSnapshot(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, got.Archived)
	})

	t.Run("LoadReturnsLatestPeriod", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		old := snapshot("u1", "2025-02-01", 7, 90)
		old.Archived = true
		require.NoError(t, s.SaveSnapshot(ctx, old))
		require.NoError(t, s.SaveSnapshot(ctx, snapshot("u1", "2025-03-01", 8, 2)))
		require.NoError(t, s.SaveSnapshot(ctx, snapshot("u2", "2025-04-01", 1, 0)))

		got, ok, err := s.LoadSnapshot(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2025-03-01", got.PeriodStart)
		assert.Equal(t, int64(2), got.MinutesUsed)
		assert.False(t, got.Archived)
	})

	t.Run("SessionKeepsEndAgainstLateStart", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		started := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
		ended := started.Add(3 * time.Minute)

		end := usagemeter.SessionRecord{
			ID:          "s1",
			UserID:      "u1",
			StartedAt:   started,
			EndedAt:     &ended,
			MinutesUsed: 3,
			EndReason:   usagemeter.EndUserEnded,
			Context:     usagemeter.SessionContext{Topic: "travel"},
		}
		require.NoError(t, s.SaveSession(ctx, end))
		require.NoError(t, s.SaveSession(ctx, usagemeter.SessionRecord{
			ID:        "s1",
			UserID:    "u1",
			StartedAt: started,
			Context:   usagemeter.SessionContext{Topic: "travel"},
		}))

		if r, ok := s.(sessionReader); ok {
			got, found, err := r.LoadSession(ctx, "s1")
			require.NoError(t, err)
			require.True(t, found)
			require.NotNil(t, got.EndedAt)
			assert.True(t, ended.Equal(*got.EndedAt))
			assert.Equal(t, int64(3), got.MinutesUsed)
			assert.Equal(t, usagemeter.EndUserEnded, got.EndReason)
			assert.Equal(t, "travel", got.Context.Topic)
		}
	})

	t.Run("ListSessions", func(t *testing.T) {
		s := newStore(t)
		l, ok := s.(usagemeter.SessionLister)
		if !ok {
			t.Skip("store does not list sessions")
		}
		ctx := context.Background()
		base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.SaveSession(ctx, usagemeter.SessionRecord{
				ID:        id,
				UserID:    "u1",
				StartedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		recs, err := l.ListSessions(ctx, "u1", 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "c", recs[0].ID)
		assert.Equal(t, "b", recs[1].ID)

		for _, limit := range []int{0, -1} {
			recs, err = l.ListSessions(ctx, "u1", limit)
			require.NoError(t, err)
			require.Len(t, recs, 3, "limit %d", limit)
			assert.Equal(t, "c", recs[0].ID)
			assert.Equal(t, "a", recs[2].ID)
		}

		recs, err = l.ListSessions(ctx, "nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

// sessionReader is implemented by backends that can read session records
// back.
type sessionReader interface {
	LoadSession(ctx context.Context, id string) (usagemeter.SessionRecord, bool, error)
}

func snapshot(userID, periodStart string, version, used int64) usagemeter.PeriodSnapshot {
	end, err := usagemeter.PeriodEnd(periodStart)
	if err != nil {
		panic(err)
	}
	return usagemeter.PeriodSnapshot{
		UserID:       userID,
		PeriodStart:  periodStart,
		PeriodEnd:    end,
		Plan:         usagemeter.PlanBasic,
		MinutesUsed:  used,
		MinutesLimit: 120,
		SyncedAt:     time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Version:      version,
	}
}

func assertSnapshot(t *testing.T, want, got usagemeter.PeriodSnapshot) {
	t.Helper()
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.PeriodStart, got.PeriodStart)
	assert.Equal(t, want.PeriodEnd, got.PeriodEnd)
	assert.Equal(t, want.Plan, got.Plan)
	assert.Equal(t, want.MinutesUsed, got.MinutesUsed)
	assert.Equal(t, want.MinutesLimit, got.MinutesLimit)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Archived, got.Archived)
	assert.True(t, want.SyncedAt.Equal(got.SyncedAt), "synced_at: want %s, got %s", want.SyncedAt, got.SyncedAt)
}
