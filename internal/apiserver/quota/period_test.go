package quota

import (
	"testing"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/stretchr/testify/assert"
)

func TestPeriodStart(t *testing.T) {
	now := time.Date(2024, time.May, 17, 15, 30, 0, 0, time.UTC)
	cases := []struct {
		period database.LimitPeriod
		want   time.Time
	}{
		{database.PeriodDaily, time.Date(2024, time.May, 17, 0, 0, 0, 0, time.UTC)},
		{database.PeriodWeekly, now.Add(-7 * 24 * time.Hour)},
		{database.PeriodMonthly, time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)},
		{database.PeriodQuarterly, time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)},
		{database.PeriodYearly, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		assert.True(t, tc.want.Equal(PeriodStart(tc.period, now, time.UTC)), tc.period)
	}
}

func TestPeriodStart_QuarterEdges(t *testing.T) {
	for month, first := range map[time.Month]time.Month{
		time.January: time.January, time.March: time.January,
		time.April: time.April, time.September: time.July,
		time.October: time.October, time.December: time.October,
	} {
		now := time.Date(2023, month, 10, 0, 0, 0, 0, time.UTC)
		got := PeriodStart(database.PeriodQuarterly, now, time.UTC)
		assert.Equal(t, first, got.Month(), month)
		assert.Equal(t, 1, got.Day())
	}
}

func TestPeriodStart_UsesCalendarZone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 2024-05-17 20:00 UTC is already 2024-05-18 in Tokyo
	now := time.Date(2024, time.May, 17, 20, 0, 0, 0, time.UTC)
	got := PeriodStart(database.PeriodDaily, now, tokyo)
	assert.True(t, got.Equal(time.Date(2024, time.May, 17, 15, 0, 0, 0, time.UTC)))
}

func TestCrossed(t *testing.T) {
	now := time.Date(2024, time.May, 17, 0, 5, 0, 0, time.UTC)
	yesterday := now.Add(-time.Hour)
	today := now.Add(-time.Minute)

	assert.True(t, Crossed(database.PeriodDaily, nil, now, time.UTC))
	assert.True(t, Crossed(database.PeriodDaily, &yesterday, now, time.UTC))
	assert.False(t, Crossed(database.PeriodDaily, &today, now, time.UTC))
	assert.False(t, Crossed(database.PeriodMonthly, &yesterday, now, time.UTC))

	sixDays := now.Add(-6 * 24 * time.Hour)
	sevenDays := now.Add(-7 * 24 * time.Hour)
	almostSeven := sevenDays.Add(time.Second)
	eightDays := now.Add(-8 * 24 * time.Hour)
	assert.False(t, Crossed(database.PeriodWeekly, &sixDays, now, time.UTC))
	assert.False(t, Crossed(database.PeriodWeekly, &almostSeven, now, time.UTC))
	assert.True(t, Crossed(database.PeriodWeekly, &sevenDays, now, time.UTC))
	assert.True(t, Crossed(database.PeriodWeekly, &eightDays, now, time.UTC))

	// a daily counter reset exactly at midnight belongs to the new day
	midnight := time.Date(2024, time.May, 17, 0, 0, 0, 0, time.UTC)
	assert.False(t, Crossed(database.PeriodDaily, &midnight, now, time.UTC))
}
