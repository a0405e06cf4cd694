// Package settings holds per-user tracking preferences and the providers the
// rest of the service reads them through.
//
// Sensitivity is consumed once when a session starts. Mode and Schedule drive
// the auto-mode scheduler. A [Stored] provider reads from persistent storage
// and falls back to configured defaults when the user has no row or the
// backend fails, so a database outage never blocks a session from starting.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
)

// Mode selects how tracking sessions are started.
type Mode string

const (
	// ModeManual starts and stops sessions only on explicit user action.
	ModeManual Mode = "manual"

	// ModeAuto lets the scheduler start and stop sessions inside Schedule.
	ModeAuto Mode = "auto"
)

// Schedule is a tracking window in local clock time. End may be earlier than
// Start, in which case the window wraps past midnight and belongs to the day
// it starts on: a Friday-only 22:00-06:00 window covers Saturday 03:00.
type Schedule struct {
	Start    string   `json:"start" yaml:"start"` // "HH:MM"
	End      string   `json:"end" yaml:"end"`     // "HH:MM"
	Days     Weekdays `json:"days,omitempty" yaml:"days,omitempty"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone"`
}

// Weekdays is a set of days, one bit per [time.Weekday]. The empty set means
// every day. It is written as a list of day names: ["mon", "tue"].
type Weekdays uint8

const allDays Weekdays = 1<<7 - 1

var dayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// NewWeekdays returns the set of days.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var d Weekdays
	for _, day := range days {
		d |= 1 << day
	}
	return d
}

// Has reports whether day is in the set. The empty set has every day.
func (d Weekdays) Has(day time.Weekday) bool {
	return d == 0 || d&(1<<day) != 0
}

// Days lists the days in the set, Sunday first. The empty set lists none.
func (d Weekdays) Days() []time.Weekday {
	var out []time.Weekday
	for day := time.Sunday; day <= time.Saturday; day++ {
		if d&(1<<day) != 0 {
			out = append(out, day)
		}
	}
	return out
}

func (d Weekdays) names() []string {
	out := make([]string, 0, 7)
	for _, day := range d.Days() {
		out = append(out, dayNames[day])
	}
	return out
}

func parseWeekdays(names []string) (Weekdays, error) {
	var d Weekdays
	for _, n := range names {
		day, ok := parseDay(n)
		if !ok {
			return 0, fmt.Errorf("settings: unknown weekday %q", n)
		}
		d |= 1 << day
	}
	return d, nil
}

// parseDay accepts short ("mon") and full ("Monday") names in any case.
func parseDay(name string) (time.Weekday, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, short := range dayNames {
		full := strings.ToLower(time.Weekday(i).String())
		if n == short || n == full {
			return time.Weekday(i), true
		}
	}
	return 0, false
}

func (d Weekdays) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.names())
}

func (d *Weekdays) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return fmt.Errorf("settings: days: %w", err)
	}
	parsed, err := parseWeekdays(names)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Weekdays) MarshalYAML() (any, error) {
	return d.names(), nil
}

func (d *Weekdays) UnmarshalYAML(node *yaml.Node) error {
	var names []string
	if err := node.Decode(&names); err != nil {
		return fmt.Errorf("settings: days: %w", err)
	}
	parsed, err := parseWeekdays(names)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UserSettings are one user's tracking preferences.
type UserSettings struct {
	Sensitivity int      `json:"sensitivity" yaml:"sensitivity"`
	Mode        Mode     `json:"mode" yaml:"mode"`
	Schedule    Schedule `json:"schedule" yaml:"schedule"`

	// DeviceID selects the microphone. Empty means the owner's default device.
	DeviceID string `json:"device_id,omitempty" yaml:"device_id"`
}

// Defaults returns the built-in settings used when nothing else is configured.
func Defaults() UserSettings {
	return UserSettings{
		Sensitivity: classifier.DefaultSensitivity,
		Mode:        ModeManual,
		Schedule:    Schedule{Start: "22:00", End: "06:00"},
	}
}

// Validate reports every problem with s at once.
func (s UserSettings) Validate() error {
	var errs []error
	if s.Sensitivity < classifier.MinSensitivity || s.Sensitivity > classifier.MaxSensitivity {
		errs = append(errs, fmt.Errorf("settings: sensitivity %d out of range [%d, %d]",
			s.Sensitivity, classifier.MinSensitivity, classifier.MaxSensitivity))
	}
	switch s.Mode {
	case ModeManual, ModeAuto:
	default:
		errs = append(errs, fmt.Errorf("settings: unknown mode %q", s.Mode))
	}
	if err := s.Schedule.Validate(); err != nil {
		if s.Mode == ModeAuto || s.Schedule != (Schedule{}) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks both clock times, the day set and the timezone.
func (sc Schedule) Validate() error {
	var errs []error
	if sc.Days&^allDays != 0 {
		errs = append(errs, fmt.Errorf("settings: schedule days: invalid day set %#x", uint8(sc.Days)))
	}
	if _, err := parseClock(sc.Start); err != nil {
		errs = append(errs, fmt.Errorf("settings: schedule start: %w", err))
	}
	if _, err := parseClock(sc.End); err != nil {
		errs = append(errs, fmt.Errorf("settings: schedule end: %w", err))
	}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("settings: schedule timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Contains reports whether t falls inside the window. The start minute is
// inside, the end minute is not. A window whose start equals its end is empty.
// Days are matched against the day the window opened on.
func (sc Schedule) Contains(t time.Time) (bool, error) {
	start, err := parseClock(sc.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(sc.End)
	if err != nil {
		return false, err
	}
	if sc.Timezone != "" {
		loc, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			return false, err
		}
		t = t.In(loc)
	}

	now := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	day := t.Weekday()
	switch {
	case start == end:
		return false, nil
	case start < end:
		return now >= start && now < end && sc.Days.Has(day), nil
	case now >= start:
		return sc.Days.Has(day), nil
	case now < end:
		// After midnight: the window opened yesterday.
		return sc.Days.Has((day + 6) % 7), nil
	default:
		return false, nil
	}
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
