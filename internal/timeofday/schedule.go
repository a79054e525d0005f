package timeofday

import "time"

// DayType groups weekdays that share a time-of-day setting
type DayType string

const (
	DayTypeWeekday  DayType = "weekday"
	DayTypeSaturday DayType = "saturday"
	DayTypeSunday   DayType = "sunday"
)

// DayTypeOf maps a weekday to its day type
func DayTypeOf(d time.Weekday) DayType {
	switch d {
	case time.Saturday:
		return DayTypeSaturday
	case time.Sunday:
		return DayTypeSunday
	default:
		return DayTypeWeekday
	}
}

// Schedule is an immutable per-event time-of-day configuration. Default
// applies to every day unless the day type has its own non-empty setting.
type Schedule struct {
	Default  string
	Weekday  string
	Saturday string
	Sunday   string
}

// For returns the setting that applies on weekday d
func (s Schedule) For(d time.Weekday) string {
	var override string
	switch DayTypeOf(d) {
	case DayTypeSaturday:
		override = s.Saturday
	case DayTypeSunday:
		override = s.Sunday
	default:
		override = s.Weekday
	}
	if override != "" {
		return override
	}
	return s.Default
}
