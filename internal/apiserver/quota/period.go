package quota

import (
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/database"
)

// PeriodStart returns the start of the window containing now. Counters last
// reset before it belong to an earlier window.
//
// Calendar periods are computed in loc. Weekly is a rolling seven days.
func PeriodStart(period database.LimitPeriod, now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	y, m, d := t.Date()

	switch period {
	case database.PeriodDaily:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case database.PeriodWeekly:
		return now.Add(-7 * 24 * time.Hour)
	case database.PeriodQuarterly:
		first := time.Month((int(m)-1)/3*3 + 1)
		return time.Date(y, first, 1, 0, 0, 0, 0, loc)
	case database.PeriodYearly:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	}
}

// inclusiveStart reports whether a reset exactly at PeriodStart is already
// stale. A weekly counter expires once seven full days have elapsed.
func inclusiveStart(period database.LimitPeriod) bool {
	return period == database.PeriodWeekly
}

// Crossed reports whether a counter last reset at lastReset is stale at now
func Crossed(period database.LimitPeriod, lastReset *time.Time, now time.Time, loc *time.Location) bool {
	if lastReset == nil {
		return true
	}
	start := PeriodStart(period, now, loc)
	if inclusiveStart(period) {
		return !lastReset.After(start)
	}
	return lastReset.Before(start)
}
