package semester

import (
	"strings"

	appLog "upschedule/internal/log"
	"upschedule/internal/model"
)

// FilterResult is the narrowed event set and the window downstream
// synthesis should use for recurrence bounds.
type FilterResult struct {
	Events   []model.AbstractEvent
	Semester *model.SemesterWindow
	// Corrected is set when the resolved term matched nothing and the term
	// was re-derived from the events.
	Corrected bool
}

// Filter keeps events whose semester tag is empty, the wildcard, or equal to
// resolved's name. If that would drop every event, the term represented in
// the events is used instead, together with its configured window.
//
// A nil resolved semester leaves the events untouched.
func Filter(events []model.AbstractEvent, resolved *model.SemesterWindow, cfg Config) FilterResult {
	if resolved == nil || len(events) == 0 {
		return FilterResult{Events: events, Semester: resolved}
	}

	kept := keep(events, resolved.Name)
	if len(kept) > 0 {
		return FilterResult{Events: kept, Semester: resolved}
	}

	tag := dominantTag(events)
	if tag == "" {
		return FilterResult{Events: kept, Semester: resolved}
	}

	effective := cfg.Window(tag)
	if effective == nil {
		effective = &model.SemesterWindow{Name: tag}
	}
	appLog.Info("semester filter corrected from events",
		"resolved", resolved.Name,
		"derived", tag,
		"events", len(events),
	)
	return FilterResult{
		Events:    keep(events, tag),
		Semester:  effective,
		Corrected: true,
	}
}

func keep(events []model.AbstractEvent, name string) []model.AbstractEvent {
	out := make([]model.AbstractEvent, 0, len(events))
	for _, ev := range events {
		if matches(ev.Semester, name) {
			out = append(out, ev)
		}
	}
	return out
}

func matches(tag, name string) bool {
	tag = strings.TrimSpace(tag)
	return tag == "" || strings.EqualFold(tag, Wildcard) || strings.EqualFold(tag, name)
}

// dominantTag returns the most frequent concrete tag, ties going to the one
// seen first.
func dominantTag(events []model.AbstractEvent) string {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, ev := range events {
		tag := strings.ToUpper(strings.TrimSpace(ev.Semester))
		if tag == "" || tag == Wildcard {
			continue
		}
		if counts[tag] == 0 {
			order = append(order, tag)
		}
		counts[tag]++
	}
	best := ""
	for _, tag := range order {
		if counts[tag] > counts[best] {
			best = tag
		}
	}
	return best
}
