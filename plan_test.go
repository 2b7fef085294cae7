package usagemeter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	um "github.com/ineyio/usagemeter"
)

func TestDefaultCatalog(t *testing.T) {
	cat := um.DefaultCatalog()

	tests := []struct {
		id      um.PlanID
		minutes int64
		price   string
	}{
		{um.PlanFree, 10, "0"},
		{um.PlanBasic, 120, "9.99"},
		{um.PlanPro, 600, "29.99"},
	}
	for _, tt := range tests {
		tier, err := cat.Lookup(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.id, tier.ID)
		assert.Equal(t, tt.minutes, tier.MonthlyMinutes)
		assert.Equal(t, tt.price, tier.Price.String())
	}

	_, err := cat.Lookup("platinum")
	assert.ErrorIs(t, err, um.ErrUnknownPlan)
}

func TestIsRejection(t *testing.T) {
	assert.True(t, um.IsRejection(um.ErrNoCredits))
	assert.True(t, um.IsRejection(um.ErrSessionActive))
	assert.True(t, um.IsRejection(um.ErrNoActiveSession))
	assert.False(t, um.IsRejection(um.ErrNotInitialized))
	assert.False(t, um.IsRejection(um.ErrUnknownPlan))
	assert.False(t, um.IsRejection(um.ErrLoadFailed))
	assert.False(t, um.IsRejection(nil))
}

func TestEndReason_Valid(t *testing.T) {
	for _, r := range []um.EndReason{
		um.EndUserEnded, um.EndLimitReached, um.EndTimeout, um.EndError,
		um.EndStale, um.EndDisconnect, um.EndProviderSwitch,
	} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, um.EndReason("").Valid())
	assert.False(t, um.EndReason("crashed").Valid())
}
