// Package synth turns abstract timetable events into concrete start/end
// times and weekly recurrence rules. The ICS and Google Calendar encoders
// share it so both outputs agree on every date.
package synth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"upschedule/internal/model"
)

// CodeMissingSemester is the machine-readable code for MissingSemesterError.
const CodeMissingSemester = "MISSING_SEMESTER_DATES"

// MissingSemesterError rejects a recurring event that has no semester bounds
// to stop its recurrence.
type MissingSemesterError struct {
	EventID string
	Summary string
}

func (e *MissingSemesterError) Error() string {
	return fmt.Sprintf("Semester start and end dates are required for recurring events (event %s %q)", e.EventID, e.Summary)
}

type weekday struct {
	rr  rrule.Weekday
	std time.Weekday
}

var weekdays = map[string]weekday{
	"monday":    {rrule.MO, time.Monday},
	"tuesday":   {rrule.TU, time.Tuesday},
	"wednesday": {rrule.WE, time.Wednesday},
	"thursday":  {rrule.TH, time.Thursday},
	"friday":    {rrule.FR, time.Friday},
	"saturday":  {rrule.SA, time.Saturday},
	"sunday":    {rrule.SU, time.Sunday},
}

func lookupWeekday(name string) (weekday, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if wd, ok := weekdays[key]; ok {
		return wd, nil
	}
	// Short forms such as "Mon" or "Thurs".
	if len(key) >= 2 {
		for full, wd := range weekdays {
			if strings.HasPrefix(full, key) {
				return wd, nil
			}
		}
	}
	return weekday{}, fmt.Errorf("unknown weekday %q", name)
}

// FirstOccurrence returns the first date on or after start that falls on day.
func FirstOccurrence(day time.Weekday, start time.Time) time.Time {
	offset := (int(day) - int(start.Weekday()) + 7) % 7
	return start.AddDate(0, 0, offset)
}

// Rule is a weekly recurrence on one weekday up to and including Until.
type Rule struct {
	Weekday rrule.Weekday
	// Until is the last calendar date (midnight UTC) an occurrence may fall on.
	Until time.Time
}

// String renders the rule with a date-only UNTIL, as written into ICS files.
func (r Rule) String() string {
	return "FREQ=WEEKLY;BYDAY=" + r.Weekday.String() + ";UNTIL=" + r.Until.Format("20060102")
}

// UTCString renders the rule with UNTIL as the last second of the final day in
// loc, expressed in UTC. Zoned consumers need this form.
func (r Rule) UTCString(loc *time.Location) string {
	return "FREQ=WEEKLY;BYDAY=" + r.Weekday.String() + ";UNTIL=" + r.lastInstant(loc).UTC().Format("20060102T150405Z")
}

func (r Rule) lastInstant(loc *time.Location) time.Time {
	y, m, d := r.Until.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, loc)
}

// RRule builds an expandable rule anchored at dtstart.
func (r Rule) RRule(dtstart time.Time) (*rrule.RRule, error) {
	return rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   dtstart,
		Byweekday: []rrule.Weekday{r.Weekday},
		Until:     r.lastInstant(dtstart.Location()),
	})
}

// Slot is an event placed on the calendar: the first (or only) occurrence
// as wall-clock times in the timetable's zone, plus its rule when recurring.
type Slot struct {
	Event model.AbstractEvent
	Start time.Time
	End   time.Time
	Rule  *Rule
}

// Plan places every event. Recurring events require bounds with both dates
// set; the first one without them fails the whole plan.
func Plan(events []model.AbstractEvent, bounds *model.SemesterWindow, loc *time.Location) ([]Slot, error) {
	if loc == nil {
		loc = time.UTC
	}
	slots := make([]Slot, 0, len(events))
	for _, ev := range events {
		slot, err := place(ev, bounds, loc)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func place(ev model.AbstractEvent, bounds *model.SemesterWindow, loc *time.Location) (Slot, error) {
	sh, sm, err := parseClock(ev.StartTime)
	if err != nil {
		return Slot{}, fmt.Errorf("event %s start: %w", ev.ID, err)
	}
	eh, em, err := parseClock(ev.EndTime)
	if err != nil {
		return Slot{}, fmt.Errorf("event %s end: %w", ev.ID, err)
	}

	var day time.Time
	var rule *Rule
	if ev.IsRecurring {
		if bounds == nil || bounds.Start.IsZero() || bounds.End.IsZero() {
			return Slot{}, &MissingSemesterError{EventID: ev.ID, Summary: ev.Summary()}
		}
		wd, err := lookupWeekday(ev.Day)
		if err != nil {
			return Slot{}, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		day = FirstOccurrence(wd.std, model.DateOf(bounds.Start))
		rule = &Rule{Weekday: wd.rr, Until: model.DateOf(bounds.End)}
	} else {
		day, err = time.Parse(time.DateOnly, strings.TrimSpace(ev.Date))
		if err != nil {
			return Slot{}, fmt.Errorf("event %s date: %w", ev.ID, err)
		}
	}

	y, m, d := day.Date()
	return Slot{
		Event: ev,
		Start: time.Date(y, m, d, sh, sm, 0, 0, loc),
		End:   time.Date(y, m, d, eh, em, 0, 0, loc),
		Rule:  rule,
	}, nil
}

// parseClock reads "HH:MM" (or "H:MM").
func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("time %q has invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q has invalid minute", s)
	}
	return h, m, nil
}

// CanonicalWeekday maps "mon", "MONDAY", "Thurs" and similar to the full
// English weekday name.
func CanonicalWeekday(name string) (string, error) {
	wd, err := lookupWeekday(name)
	if err != nil {
		return "", err
	}
	return wd.std.String(), nil
}

// NormalizeClock rewrites "8:30" or " 08:30 " as "08:30".
func NormalizeClock(s string) (string, error) {
	h, m, err := parseClock(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}
