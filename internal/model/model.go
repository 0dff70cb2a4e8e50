package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AbstractEvent is one timetable entry as extracted from a PDF, independent
// of the calendar format it is later exported to.
//
// Exactly one of Day or Date is populated: Day for recurring (weekly) events,
// Date (YYYY-MM-DD) for one-off events such as tests and exams.
type AbstractEvent struct {
	ID          string `json:"id"`
	Module      string `json:"module"`
	Activity    string `json:"activity"`
	Group       string `json:"group,omitempty"`
	Day         string `json:"day,omitempty"`
	Date        string `json:"date,omitempty"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	Venue       string `json:"venue"`
	IsRecurring bool   `json:"isRecurring"`
	Semester    string `json:"semester,omitempty"`
	Notes       string `json:"notes,omitempty"`

	// ColorID is the Google Calendar color id ("1".."11"); empty means the
	// module palette decides.
	ColorID string `json:"colorId,omitempty"`
}

// Summary is the display title shared by ICS SUMMARY and the Calendar API.
func (e AbstractEvent) Summary() string {
	s := strings.TrimSpace(e.Module + " " + e.Activity)
	if e.Group != "" {
		s += " (" + e.Group + ")"
	}
	return s
}

// Validate checks the shape invariants of a normalized event.
func (e AbstractEvent) Validate() error {
	switch {
	case e.IsRecurring && e.Day == "":
		return fmt.Errorf("event %s: recurring event has no day", e.ID)
	case !e.IsRecurring && e.Date == "":
		return fmt.Errorf("event %s: one-off event has no date", e.ID)
	case e.Day != "" && e.Date != "":
		return fmt.Errorf("event %s: both day and date set", e.ID)
	case e.StartTime == "" || e.EndTime == "":
		return fmt.Errorf("event %s: missing start or end time", e.ID)
	case e.StartTime >= e.EndTime:
		return fmt.Errorf("event %s: start %s is not before end %s", e.ID, e.StartTime, e.EndTime)
	}
	return nil
}

// PdfType is the kind of timetable a PDF holds.
type PdfType string

const (
	PdfLecture PdfType = "lecture"
	PdfTest    PdfType = "test"
	PdfExam    PdfType = "exam"
)

// ParsePdfType accepts the lowercase names; anything else is an error.
func ParsePdfType(s string) (PdfType, error) {
	switch PdfType(strings.ToLower(strings.TrimSpace(s))) {
	case PdfLecture:
		return PdfLecture, nil
	case PdfTest:
		return PdfTest, nil
	case PdfExam:
		return PdfExam, nil
	}
	return "", fmt.Errorf("unknown pdf type %q", s)
}

// Recurring reports whether events of this type repeat weekly.
func (t PdfType) Recurring() bool {
	return t == PdfLecture
}

// SemesterWindow is a named academic term. Start and End are calendar dates
// (midnight UTC) and both ends are inclusive.
type SemesterWindow struct {
	Name  string    `json:"name"`
	Start time.Time `json:"startDate"`
	End   time.Time `json:"endDate"`
}

// DateOf strips the clock from t, keeping t's calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Contains reports whether the calendar date of t lies inside the window.
func (w SemesterWindow) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// Occurrence is a single concrete instance of an event after recurrence
// expansion, in the display timezone.
type Occurrence struct {
	EventID string `json:"eventId"`

	// InstanceKey uniquely identifies one occurrence of a recurring event.
	InstanceKey string `json:"instanceKey"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ErrInvalidTransition is returned when a job is asked to move along an
// edge the lifecycle does not have.
var ErrInvalidTransition = errors.New("invalid job status transition")
