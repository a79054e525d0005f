// Package timeofday turns stored time-of-day settings into concrete fire instants.
//
// A setting is one of:
//   - a wall-clock time: "7:00", "07:00" or "07:00:00"
//   - a full date-time, of which only the written hour and minute are used:
//     "2024-05-01T07:00:00.000Z", "2024-05-01T07:00"
//   - a sun event with an optional offset: "sunrise", "sunset-30m", "sunrise+1h"
//
// Resolution always uses local wall-clock calendar arithmetic, so a daylight
// saving shift moves the elapsed delay, not the configured hour.
package timeofday

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

var (
	// ErrInvalidTimeFormat indicates that a time-of-day setting matches none of
	// the recognised formats. Callers must not schedule the event.
	ErrInvalidTimeFormat = errors.New("invalid time format")

	// ErrNoLocation indicates a sun event setting without a configured location.
	ErrNoLocation = errors.New("sun event requires a configured location")
)

var clockLayouts = []string{"15:04", "15:04:05"}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ResolveNext returns the next instant strictly after now at which a plain
// wall-clock or date-time setting occurs, in now's location.
func ResolveNext(timeOfDay string, now time.Time) (time.Time, error) {
	return (&Resolver{}).ResolveNext(timeOfDay, now)
}

// Validate reports whether timeOfDay is in a recognised format.
func Validate(timeOfDay string) error {
	_, err := parse(timeOfDay)
	return err
}

// setting is a parsed time-of-day value
type setting struct {
	hour, minute int
	sun          sunEvent
	offset       time.Duration
}

type sunEvent int

const (
	sunNone sunEvent = iota
	sunRise
	sunSet
)

func parse(raw string) (setting, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return setting{}, fmt.Errorf("%w: empty value", ErrInvalidTimeFormat)
	}

	lower := strings.ToLower(s)
	for prefix, ev := range map[string]sunEvent{"sunrise": sunRise, "sunset": sunSet} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := lower[len(prefix):]
		if rest == "" {
			return setting{sun: ev}, nil
		}
		if rest[0] != '+' && rest[0] != '-' {
			return setting{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
		}
		offset, err := time.ParseDuration(rest)
		if err != nil {
			return setting{}, fmt.Errorf("%w: %q: bad offset", ErrInvalidTimeFormat, raw)
		}
		return setting{sun: ev, offset: offset}, nil
	}

	if strings.Contains(s, "T") || strings.Contains(s, "-") {
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				// The written wall-clock digits are what the user picked
				return setting{hour: t.Hour(), minute: t.Minute()}, nil
			}
		}
		return setting{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
	}

	if strings.Contains(s, ":") {
		for _, layout := range clockLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return setting{hour: t.Hour(), minute: t.Minute()}, nil
			}
		}
	}
	return setting{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
}

// Location is a geographic position used for sun event settings.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Resolver resolves settings, optionally with a location for sun events.
type Resolver struct {
	// Location enables "sunrise"/"sunset" settings when non-nil
	Location *Location
}

// ResolveNext returns the first occurrence of timeOfDay strictly after now.
// The candidate is built on now's calendar date; when it is at or before now
// it moves forward by one calendar day.
func (r *Resolver) ResolveNext(timeOfDay string, now time.Time) (time.Time, error) {
	return r.ResolveSchedule(Schedule{Default: timeOfDay}, now)
}

// Validate checks that timeOfDay parses and, for sun events, that r has a location.
func (r *Resolver) Validate(timeOfDay string) error {
	st, err := parse(timeOfDay)
	if err != nil {
		return err
	}
	if st.sun != sunNone && (r == nil || r.Location == nil) {
		return ErrNoLocation
	}
	return nil
}

// ResolveSchedule returns the first occurrence of the schedule strictly after
// now, using the day-type setting that applies to each candidate date.
func (r *Resolver) ResolveSchedule(s Schedule, now time.Time) (time.Time, error) {
	today, err := parse(s.For(now.Weekday()))
	if err != nil {
		return time.Time{}, err
	}
	candidate, err := r.on(today, now)
	if err != nil {
		return time.Time{}, err
	}
	if candidate.After(now) {
		return candidate, nil
	}

	tomorrowDate := now.AddDate(0, 0, 1)
	tomorrow, err := parse(s.For(tomorrowDate.Weekday()))
	if err != nil {
		return time.Time{}, err
	}
	candidate, err = r.on(tomorrow, tomorrowDate)
	if err != nil {
		return time.Time{}, err
	}
	if candidate.After(now) {
		return candidate, nil
	}

	// A negative sun offset can pull tomorrow's event back before now
	laterDate := now.AddDate(0, 0, 2)
	later, err := parse(s.For(laterDate.Weekday()))
	if err != nil {
		return time.Time{}, err
	}
	return r.on(later, laterDate)
}

// on builds the instant for st on day's calendar date in day's location.
func (r *Resolver) on(st setting, day time.Time) (time.Time, error) {
	y, m, d := day.Date()
	loc := day.Location()

	if st.sun == sunNone {
		return time.Date(y, m, d, st.hour, st.minute, 0, 0, loc), nil
	}
	if r == nil || r.Location == nil {
		return time.Time{}, ErrNoLocation
	}

	rise, set := sunrise.SunriseSunset(r.Location.Latitude, r.Location.Longitude, y, m, d)
	event := rise
	if st.sun == sunSet {
		event = set
	}
	if event.IsZero() {
		return time.Time{}, fmt.Errorf("no %s on %04d-%02d-%02d at this location", st.sun, y, m, d)
	}
	return event.In(loc).Truncate(time.Minute).Add(st.offset), nil
}

func (e sunEvent) String() string {
	switch e {
	case sunRise:
		return "sunrise"
	case sunSet:
		return "sunset"
	default:
		return "clock"
	}
}
