// Package lowconf tracks repeated low-confidence face matches per laborer.
package lowconf

import "time"

const (
	// ResetAfterDays is the gap in whole days after which the count starts over.
	ResetAfterDays = 7

	// ReenrollThreshold is the count at which re-enrollment is required.
	ReenrollThreshold = 3
)

// State is the low-confidence record of one laborer.
type State struct {
	Count             int
	LastDate          time.Time // zero when never recorded
	NeedsReenrollment bool
}

// Escalate records one more low-confidence event on today.
//
// The count increments, except that it resets to 1 when more than
// ResetAfterDays whole days have passed since LastDate. NeedsReenrollment is set once the
// count reaches ReenrollThreshold.
func Escalate(prev State, today time.Time) State {
	count := prev.Count + 1
	if !prev.LastDate.IsZero() && wholeDays(today.Sub(prev.LastDate)) > ResetAfterDays {
		count = 1
	}
	return State{
		Count:             count,
		LastDate:          today,
		NeedsReenrollment: count >= ReenrollThreshold,
	}
}

func wholeDays(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
