package ics

import (
	"errors"
	"time"

	appLog "upschedule/internal/log"
	"upschedule/internal/model"
	"upschedule/internal/synth"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd).
	// An occurrence is kept when any part of it falls inside.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	RangeStart  time.Time
	RangeEnd    time.Time
	Occurrences []model.Occurrence
	// TruncatedEvents records event ids that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences lists the concrete occurrences of planned slots inside
// the configured range. Slot times are interpreted in their own location
// and converted to DisplayLocation.
func ExpandOccurrences(slots []synth.Slot, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	result.RangeStart = cfg.RangeStart.In(cfg.DisplayLocation)
	result.RangeEnd = cfg.RangeEnd.In(cfg.DisplayLocation)
	result.Occurrences = make([]model.Occurrence, 0)
	for _, s := range slots {
		if s.Rule == nil {
			if timeRangesOverlap(s.Start, s.End, cfg.RangeStart, cfg.RangeEnd) {
				result.Occurrences = append(result.Occurrences, makeOccurrence(s, s.Start, cfg.DisplayLocation))
			}
			continue
		}

		occ, hitCap, err := expandRecurring(s, cfg)
		if err != nil {
			appLog.Error("expand: failed to build rule", err, "event_id", s.Event.ID, "rrule", s.Rule.String())
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, s.Event.ID)
			appLog.Warn("expand: truncated occurrences for event due to cap",
				"event_id", s.Event.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		result.Occurrences = append(result.Occurrences, occ...)
	}

	return result, nil
}

func expandRecurring(s synth.Slot, cfg ExpandConfig) ([]model.Occurrence, bool, error) {
	r, err := s.Rule.RRule(s.Start)
	if err != nil {
		return nil, false, err
	}

	loc := s.Start.Location()
	dur := s.End.Sub(s.Start)
	// Widen the lower bound by the duration so an occurrence already in
	// progress at RangeStart is kept.
	starts := r.Between(cfg.RangeStart.In(loc).Add(-dur), cfg.RangeEnd.In(loc), true)

	out := make([]model.Occurrence, 0, len(starts))
	for _, start := range starts {
		if !timeRangesOverlap(start, start.Add(dur), cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		if len(out) == cfg.MaxOccurrencesPerEvent {
			return out, true, nil
		}
		out = append(out, makeOccurrence(s, start, cfg.DisplayLocation))
	}
	return out, false, nil
}

func makeOccurrence(s synth.Slot, start time.Time, displayLoc *time.Location) model.Occurrence {
	startLocal := start.In(displayLoc)
	endLocal := start.Add(s.End.Sub(s.Start)).In(displayLoc)

	return model.Occurrence{
		EventID:     s.Event.ID,
		InstanceKey: s.Event.ID + "/" + startLocal.Format(time.RFC3339),
		Summary:     s.Event.Summary(),
		Description: s.Event.Notes,
		Location:    s.Event.Venue,
		Start:       startLocal,
		End:         endLocal,
	}
}

// timeRangesOverlap treats both ranges as half-open. A zero-length a counts
// when its instant lies in b.
func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aStart.Before(bEnd) {
		return false
	}
	if aEnd.Equal(aStart) {
		return !aStart.Before(bStart)
	}
	return aEnd.After(bStart)
}
