package usagemeter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	um "github.com/ineyio/usagemeter"
)

func TestPeriodFor(t *testing.T) {
	tests := []struct {
		name       string
		at         time.Time
		start, end string
	}{
		{"mid month", time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), "2025-03-01", "2025-03-31"},
		{"first instant", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), "2025-04-01", "2025-04-30"},
		{"last instant", time.Date(2025, 4, 30, 23, 59, 59, 999, time.UTC), "2025-04-01", "2025-04-30"},
		{"february", time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), "2025-02-01", "2025-02-28"},
		{"leap february", time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC), "2024-02-01", "2024-02-29"},
		{"december", time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC), "2025-12-01", "2025-12-31"},
		// 2025-03-01 01:00 in UTC+3 is still February in UTC.
		{"non-UTC input", time.Date(2025, 3, 1, 1, 0, 0, 0, time.FixedZone("MSK", 3*3600)), "2025-02-01", "2025-02-28"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := um.PeriodFor(tt.at)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestPeriodEnd(t *testing.T) {
	end, err := um.PeriodEnd("2024-02-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", end)

	end, err = um.PeriodEnd("2025-11-01")
	require.NoError(t, err)
	assert.Equal(t, "2025-11-30", end)

	_, err = um.PeriodEnd("March")
	assert.Error(t, err)
}
