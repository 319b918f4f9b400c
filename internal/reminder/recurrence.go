package reminder

import (
	"fmt"
	"time"
)

// ComputeNext returns the occurrence after from for frequency f.
//
// Arithmetic is done in UTC. Monthly keeps the day of month and time of day,
// clamping to the last day of the following month when it is shorter.
// The result is always strictly after from.
func ComputeNext(f Frequency, from time.Time) (time.Time, error) {
	from = from.UTC()
	switch f {
	case Daily:
		return from.Add(24 * time.Hour), nil
	case Weekly:
		return from.Add(7 * 24 * time.Hour), nil
	case Biweekly:
		return from.Add(14 * 24 * time.Hour), nil
	case Monthly:
		return addMonthClamped(from), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, string(f))
	}
}

// addMonthClamped avoids time.AddDate, which normalizes Jan 31 + 1 month
// into early March.
func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	ny, nm := y, m+1
	if nm > time.December {
		nm = time.January
		ny++
	}
	if last := daysIn(ny, nm); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(ny, nm, d, hh, mm, ss, t.Nanosecond(), time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
