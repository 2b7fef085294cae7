package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ineyio/usagemeter"
	"github.com/ineyio/usagemeter/store/memory"
	"github.com/ineyio/usagemeter/store/storetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) usagemeter.Store {
		return memory.New()
	})
}

func TestStore_FailureInjection(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	boom := errors.New("boom")

	s.SetFailure(boom)
	err := s.SaveSnapshot(ctx, usagemeter.PeriodSnapshot{UserID: "u1", PeriodStart: "2025-03-01", Version: 1})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.SaveSession(ctx, usagemeter.SessionRecord{ID: "s1"}), boom)
	assert.Zero(t, s.Writes())

	s.SetFailure(nil)
	require.NoError(t, s.SaveSnapshot(ctx, usagemeter.PeriodSnapshot{UserID: "u1", PeriodStart: "2025-03-01", Version: 1}))
	assert.Equal(t, 1, s.Writes())

	s.SetLoadFailure(boom)
	_, _, err = s.LoadSnapshot(ctx, "u1")
	assert.ErrorIs(t, err, boom)
}

func TestStore_SnapshotsOrderedByPeriod(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for _, start := range []string{"2025-03-01", "2025-01-01", "2025-02-01"} {
		require.NoError(t, s.SaveSnapshot(ctx, usagemeter.PeriodSnapshot{UserID: "u1", PeriodStart: start, Version: 1}))
	}

	snaps := s.Snapshots("u1")
	require.Len(t, snaps, 3)
	assert.Equal(t, "2025-01-01", snaps[0].PeriodStart)
	assert.Equal(t, "2025-03-01", snaps[2].PeriodStart)
	assert.Empty(t, s.Snapshots("u2"))
}
