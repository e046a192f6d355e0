// Package schedule holds pure calendar math for recurring plans.
package schedule

import (
	"time"

	"github.com/mprovost129/ez360pm/internal/recurring/domain"
)

// AddMonthsClamp adds n calendar months and clamps the day-of-month to
// the target month's length, so Jan 31 + 1 month is Feb 29 (or 28),
// never Mar 2. time.AddDate normalizes overflow instead of clamping,
// which is wrong for billing anniversaries.
func AddMonthsClamp(t time.Time, n int) time.Time {
	t = t.UTC()
	year, month, day := t.Date()

	totalMonths := int(month) - 1 + n
	year += totalMonths / 12
	monthIdx := totalMonths % 12
	if monthIdx < 0 {
		monthIdx += 12
		year--
	}
	targetMonth := time.Month(monthIdx + 1)

	if max := daysIn(year, targetMonth); day > max {
		day = max
	}
	return time.Date(year, targetMonth, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextOccurrence advances a run date by one period of the frequency.
func NextOccurrence(freq domain.Frequency, from time.Time) (time.Time, error) {
	switch freq {
	case domain.FrequencyWeekly:
		return from.UTC().AddDate(0, 0, 7), nil
	case domain.FrequencyMonthly:
		return AddMonthsClamp(from, 1), nil
	case domain.FrequencyQuarterly:
		return AddMonthsClamp(from, 3), nil
	case domain.FrequencyYearly:
		return AddMonthsClamp(from, 12), nil
	default:
		return time.Time{}, domain.ErrInvalidFrequency
	}
}

// PreviousOccurrence walks a run date back one period. It bounds the
// billable window a run covers: [previous occurrence, as-of date].
func PreviousOccurrence(freq domain.Frequency, from time.Time) (time.Time, error) {
	switch freq {
	case domain.FrequencyWeekly:
		return from.UTC().AddDate(0, 0, -7), nil
	case domain.FrequencyMonthly:
		return AddMonthsClamp(from, -1), nil
	case domain.FrequencyQuarterly:
		return AddMonthsClamp(from, -3), nil
	case domain.FrequencyYearly:
		return AddMonthsClamp(from, -12), nil
	default:
		return time.Time{}, domain.ErrInvalidFrequency
	}
}
