// Package availability picks bookable slots out of a service's schedule.
package availability

import (
	"time"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// OpenSlots returns the slots that still have capacity, start after now and
// do not overlap any busy interval (typically the citizen's other confirmed
// appointments). Input order is preserved.
func OpenSlots(slots []model.TimeSlot, busy []Interval, now time.Time) []model.TimeSlot {
	var open []model.TimeSlot
	for _, s := range slots {
		if s.Remaining() <= 0 {
			continue
		}
		if !s.StartAt.After(now) {
			continue
		}
		if overlapsAny(s.StartAt, s.EndAt, busy) {
			continue
		}
		open = append(open, s)
	}
	return open
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
