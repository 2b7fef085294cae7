package usagemeter

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// PeriodFor returns the calendar-month period containing t, in UTC.
func PeriodFor(t time.Time) (start, end string) {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.Format(dateLayout), lastDayOfMonth(first).Format(dateLayout)
}

// PeriodEnd returns the last day of the month containing start.
func PeriodEnd(start string) (string, error) {
	t, err := time.Parse(dateLayout, start)
	if err != nil {
		return "", fmt.Errorf("usagemeter: parse period start %q: %w", start, err)
	}
	return lastDayOfMonth(t).Format(dateLayout), nil
}

// periodExpired reports whether now falls after the day periodEnd. A
// malformed periodEnd counts as expired so the state heals on next access.
func periodExpired(now time.Time, periodEnd string) bool {
	end, err := time.Parse(dateLayout, periodEnd)
	if err != nil {
		return true
	}
	return !now.UTC().Before(end.AddDate(0, 0, 1))
}

func lastDayOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC)
}
