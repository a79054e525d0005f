package config

import (
	"fmt"
	"sort"
	"strings"

	"sleepwake/internal/timeofday"
)

// DaySchedule holds optional per-day-type time overrides
type DaySchedule struct {
	Weekday  string `yaml:"weekday,omitempty" json:"weekday,omitempty"`
	Saturday string `yaml:"saturday,omitempty" json:"saturday,omitempty"`
	Sunday   string `yaml:"sunday,omitempty" json:"sunday,omitempty"`
}

// Settings represents the persisted sleep/wake configuration
type Settings struct {
	SleepTime      string      `yaml:"sleep_time" json:"sleepTime"`
	SleepDays      DaySchedule `yaml:"sleep_days,omitempty" json:"sleepDays"`
	VolumeDecrease int         `yaml:"volume_decrease" json:"volumeDecrease"`
	MinutesFade    int         `yaml:"minutes_fade" json:"minutesFade"`

	WakeTime       string      `yaml:"wake_time" json:"wakeTime"`
	WakeDays       DaySchedule `yaml:"wake_days,omitempty" json:"wakeDays"`
	StartVolume    int         `yaml:"start_volume" json:"startVolume"`
	Playlist       string      `yaml:"playlist" json:"playlist"`
	VolumeIncrease int         `yaml:"volume_increase" json:"volumeIncrease"`
	MinutesRamp    int         `yaml:"minutes_ramp" json:"minutesRamp"`
}

// Defaults returns the settings used when nothing has been saved yet
func Defaults() Settings {
	return Settings{
		SleepTime:      "22:00",
		VolumeDecrease: 10,
		MinutesFade:    20,
		WakeTime:       "07:00",
		StartVolume:    20,
		Playlist:       "wakeup",
		VolumeIncrease: 10,
		MinutesRamp:    20,
	}
}

// SleepSchedule returns the sleep time with its day-type overrides
func (s Settings) SleepSchedule() timeofday.Schedule {
	return schedule(s.SleepTime, s.SleepDays)
}

// WakeSchedule returns the wake time with its day-type overrides
func (s Settings) WakeSchedule() timeofday.Schedule {
	return schedule(s.WakeTime, s.WakeDays)
}

func schedule(def string, days DaySchedule) timeofday.Schedule {
	return timeofday.Schedule{
		Default:  def,
		Weekday:  days.Weekday,
		Saturday: days.Saturday,
		Sunday:   days.Sunday,
	}
}

// SleepChanged reports whether any field the sleep event depends on differs
func (s Settings) SleepChanged(other Settings) bool {
	return s.SleepTime != other.SleepTime ||
		s.SleepDays != other.SleepDays ||
		s.VolumeDecrease != other.VolumeDecrease ||
		s.MinutesFade != other.MinutesFade
}

// WakeChanged reports whether any field the wake event depends on differs
func (s Settings) WakeChanged(other Settings) bool {
	return s.WakeTime != other.WakeTime ||
		s.WakeDays != other.WakeDays ||
		s.StartVolume != other.StartVolume ||
		s.Playlist != other.Playlist ||
		s.VolumeIncrease != other.VolumeIncrease ||
		s.MinutesRamp != other.MinutesRamp
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	SleepTime      *string      `json:"sleepTime,omitempty"`
	SleepDays      *DaySchedule `json:"sleepDays,omitempty"`
	VolumeDecrease *int         `json:"volumeDecrease,omitempty"`
	MinutesFade    *int         `json:"minutesFade,omitempty"`

	WakeTime       *string      `json:"wakeTime,omitempty"`
	WakeDays       *DaySchedule `json:"wakeDays,omitempty"`
	StartVolume    *int         `json:"startVolume,omitempty"`
	Playlist       *string      `json:"playlist,omitempty"`
	VolumeIncrease *int         `json:"volumeIncrease,omitempty"`
	MinutesRamp    *int         `json:"minutesRamp,omitempty"`
}

// Apply returns s with every non-nil patch field copied in
func (p Patch) Apply(s Settings) Settings {
	if p.SleepTime != nil {
		s.SleepTime = strings.TrimSpace(*p.SleepTime)
	}
	if p.SleepDays != nil {
		s.SleepDays = *p.SleepDays
	}
	if p.VolumeDecrease != nil {
		s.VolumeDecrease = *p.VolumeDecrease
	}
	if p.MinutesFade != nil {
		s.MinutesFade = *p.MinutesFade
	}
	if p.WakeTime != nil {
		s.WakeTime = strings.TrimSpace(*p.WakeTime)
	}
	if p.WakeDays != nil {
		s.WakeDays = *p.WakeDays
	}
	if p.StartVolume != nil {
		s.StartVolume = *p.StartVolume
	}
	if p.Playlist != nil {
		s.Playlist = *p.Playlist
	}
	if p.VolumeIncrease != nil {
		s.VolumeIncrease = *p.VolumeIncrease
	}
	if p.MinutesRamp != nil {
		s.MinutesRamp = *p.MinutesRamp
	}
	return s
}

// TimeValidator checks a time-of-day string
type TimeValidator func(timeOfDay string) error

// ValidationError lists every invalid field of a rejected save
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}

// Validate checks s and returns a *ValidationError, or nil when s is valid.
// A nil validate falls back to timeofday.Validate.
func (s Settings) Validate(validate TimeValidator) error {
	if validate == nil {
		validate = timeofday.Validate
	}
	fields := make(map[string]string)

	checkTime := func(field, value string) {
		if err := validate(value); err != nil {
			fields[field] = err.Error()
		}
	}
	checkOverride := func(field, value string) {
		if value != "" {
			checkTime(field, value)
		}
	}
	checkNonNegative := func(field string, value int) {
		if value < 0 {
			fields[field] = fmt.Sprintf("must not be negative, got %d", value)
		}
	}

	checkTime("sleepTime", s.SleepTime)
	checkOverride("sleepDays.weekday", s.SleepDays.Weekday)
	checkOverride("sleepDays.saturday", s.SleepDays.Saturday)
	checkOverride("sleepDays.sunday", s.SleepDays.Sunday)
	checkTime("wakeTime", s.WakeTime)
	checkOverride("wakeDays.weekday", s.WakeDays.Weekday)
	checkOverride("wakeDays.saturday", s.WakeDays.Saturday)
	checkOverride("wakeDays.sunday", s.WakeDays.Sunday)

	if s.StartVolume < 0 || s.StartVolume > 100 {
		fields["startVolume"] = fmt.Sprintf("must be between 0 and 100, got %d", s.StartVolume)
	}
	checkNonNegative("volumeDecrease", s.VolumeDecrease)
	checkNonNegative("minutesFade", s.MinutesFade)
	checkNonNegative("volumeIncrease", s.VolumeIncrease)
	checkNonNegative("minutesRamp", s.MinutesRamp)

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
