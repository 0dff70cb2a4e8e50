package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"upschedule/internal/model"
	"upschedule/internal/synth"
)

// The parsing service is inconsistent about key names across PDF types
// ("Module" vs "module", "start_time" vs "startTime", "Offered" for the
// semester, "Test" for the activity label). Every alias below is compared
// after canonicalKey.
var aliases = map[string][]string{
	"id":       {"id", "eventid", "uid"},
	"module":   {"module", "modulecode", "course", "code"},
	"activity": {"activity", "test", "exam", "assessment", "description"},
	"group":    {"group", "groupname"},
	"day":      {"day", "weekday"},
	"date":     {"date"},
	"start":    {"starttime", "start"},
	"end":      {"endtime", "end"},
	"time":     {"time", "period"},
	"venue":    {"venue", "location", "room"},
	"semester": {"semester", "offered", "term"},
	"notes":    {"notes", "note", "comment"},
	"recur":    {"isrecurring", "recurring"},
	"color":    {"colorid", "color"},
}

var dateLayouts = []string{
	time.DateOnly,
	"02 Jan 2006",
	"2 Jan 2006",
	"02 January 2006",
	"2 January 2006",
	"2006/01/02",
	"02/01/2006",
	"Mon, 02 Jan 2006",
}

func canonicalKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, strings.ToLower(k))
}

type rawEvent map[string]any

func (r rawEvent) get(field string) string {
	for _, alias := range aliases[field] {
		if v, ok := r[alias]; ok && v != nil {
			switch val := v.(type) {
			case string:
				if s := strings.TrimSpace(val); s != "" {
					return s
				}
			case float64:
				return strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				return strconv.FormatBool(val)
			default:
				return strings.TrimSpace(fmt.Sprint(val))
			}
		}
	}
	return ""
}

// Normalize maps one raw parser record onto the canonical AbstractEvent.
// pdfType decides recurrence when the record does not say.
func Normalize(raw map[string]any, pdfType model.PdfType) (model.AbstractEvent, error) {
	r := make(rawEvent, len(raw))
	for k, v := range raw {
		r[canonicalKey(k)] = v
	}

	ev := model.AbstractEvent{
		ID:       r.get("id"),
		Module:   r.get("module"),
		Activity: r.get("activity"),
		Group:    r.get("group"),
		Venue:    r.get("venue"),
		Semester: strings.ToUpper(r.get("semester")),
		Notes:    r.get("notes"),
		ColorID:  r.get("color"),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Module == "" {
		return ev, errors.New("record has no module")
	}

	start, end := r.get("start"), r.get("end")
	if start == "" || end == "" {
		if combined := r.get("time"); combined != "" {
			a, b, ok := strings.Cut(combined, "-")
			if !ok {
				return ev, fmt.Errorf("time %q is not a range", combined)
			}
			start, end = a, b
		}
	}
	var err error
	if ev.StartTime, err = synth.NormalizeClock(start); err != nil {
		return ev, fmt.Errorf("start time: %w", err)
	}
	if ev.EndTime, err = synth.NormalizeClock(end); err != nil {
		return ev, fmt.Errorf("end time: %w", err)
	}

	day, date := r.get("day"), r.get("date")
	if recur, ok := parseFlag(r.get("recur")); ok {
		ev.IsRecurring = recur
	} else if day != "" && date == "" {
		ev.IsRecurring = true
	} else if day != "" && date != "" {
		ev.IsRecurring = pdfType.Recurring()
	}

	if ev.IsRecurring {
		if ev.Day, err = synth.CanonicalWeekday(day); err != nil {
			return ev, err
		}
	} else {
		if ev.Date, err = normalizeDate(date); err != nil {
			return ev, err
		}
	}

	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

// parseFlag reads a boolean the parsing service may spell as true/false,
// 1/0 or yes/no. ok is false for anything else, including "".
func parseFlag(s string) (v, ok bool) {
	if b, err := strconv.ParseBool(s); err == nil {
		return b, true
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y":
		return true, true
	case "no", "n":
		return false, true
	}
	return false, false
}

func normalizeDate(s string) (string, error) {
	if s == "" {
		return "", errors.New("record has no date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}
