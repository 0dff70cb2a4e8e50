package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"upschedule/internal/model"
	"upschedule/internal/synth"
)

const (
	ProdID      = "-//UP Schedule Generator//EN"
	uidSuffix   = "@upschedulegen"
	floatLayout = "20060102T150405"
)

// UID is the stable iCalendar UID for an event id.
func UID(eventID string) string {
	return eventID + uidSuffix
}

// Generate renders events as an iCalendar document with CRLF line endings.
//
// DTSTART/DTEND are floating local times: the timetable's wall clock is
// written as-is with no zone conversion. Only DTSTAMP (now, UTC) varies
// between calls with the same input. Recurring events need bounds; see
// synth.Plan.
func Generate(events []model.AbstractEvent, bounds *model.SemesterWindow, now time.Time) (string, error) {
	slots, err := synth.Plan(events, bounds, time.UTC)
	if err != nil {
		return "", err
	}
	return Encode(slots, now), nil
}

// Encode renders already planned slots.
func Encode(slots []synth.Slot, now time.Time) string {
	cal := ical.NewCalendarFor("UP Schedule Generator")
	cal.SetProductId(ProdID)
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(ical.MethodPublish)

	stamp := now.UTC()
	for _, s := range slots {
		ev := cal.AddEvent(UID(s.Event.ID))
		ev.SetDtStampTime(stamp)
		ev.SetProperty(ical.ComponentPropertyDtStart, s.Start.Format(floatLayout))
		ev.SetProperty(ical.ComponentPropertyDtEnd, s.End.Format(floatLayout))
		if s.Rule != nil {
			ev.AddRrule(s.Rule.String())
		}
		ev.SetSummary(s.Event.Summary())
		if s.Event.Venue != "" {
			ev.SetLocation(s.Event.Venue)
		}
		if s.Event.Notes != "" {
			ev.SetDescription(s.Event.Notes)
		}
	}

	return cal.Serialize(ical.WithNewLineWindows)
}
