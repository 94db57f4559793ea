package lowconf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestEscalate(t *testing.T) {
	tests := []struct {
		name     string
		prev     State
		today    time.Time
		count    int
		reenroll bool
	}{
		{"first event", State{}, day(1), 1, false},
		{"second within window", State{Count: 1, LastDate: day(1)}, day(3), 2, false},
		{"third reaches threshold", State{Count: 2, LastDate: day(1)}, day(3), 3, true},
		{"exactly seven days keeps count", State{Count: 2, LastDate: day(1)}, day(8), 3, true},
		{"gap over seven days resets", State{Count: 2, LastDate: day(1)}, day(10), 1, false},
		{"reset clears reenrollment", State{Count: 5, LastDate: day(1), NeedsReenrollment: true}, day(20), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Escalate(tt.prev, tt.today)
			assert.Equal(t, tt.count, got.Count)
			assert.Equal(t, tt.reenroll, got.NeedsReenrollment)
			assert.Equal(t, tt.today, got.LastDate)
		})
	}
}

func TestEscalate_ThreeEventsWithinAWeek(t *testing.T) {
	var s State
	for _, d := range []int{1, 4, 6} {
		s = Escalate(s, day(d))
	}
	assert.Equal(t, 3, s.Count)
	assert.True(t, s.NeedsReenrollment)
}

func TestEscalate_PartialDayDoesNotReset(t *testing.T) {
	last := day(1).Add(18 * time.Hour)
	today := day(9).Add(6 * time.Hour) // 7.5 days later

	got := Escalate(State{Count: 2, LastDate: last}, today)
	assert.Equal(t, 3, got.Count)
}
