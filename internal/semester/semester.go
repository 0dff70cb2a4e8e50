// Package semester resolves the academic term for a point in time and
// narrows timetable events to that term.
package semester

import (
	"strings"
	"time"

	"upschedule/internal/model"
)

// Wildcard tags an event that runs all year.
const Wildcard = "Y"

// Config holds the two configured terms. A nil window is unconfigured.
type Config struct {
	First  *model.SemesterWindow
	Second *model.SemesterWindow
}

// Window returns the configured window with the given name.
func (c Config) Window(name string) *model.SemesterWindow {
	for _, w := range []*model.SemesterWindow{c.First, c.Second} {
		if w != nil && strings.EqualFold(w.Name, name) {
			return w
		}
	}
	return nil
}

// Resolve picks the active or upcoming term for now. It returns false when
// either window is not configured.
//
// Past the end of the second window the first window is returned with its
// stored dates unchanged.
func Resolve(now time.Time, cfg Config) (model.SemesterWindow, bool) {
	a, b := cfg.First, cfg.Second
	if a == nil || b == nil {
		return model.SemesterWindow{}, false
	}
	day := model.DateOf(now)

	switch {
	case a.Contains(day):
		return *a, true
	case b.Contains(day):
		return *b, true
	case day.Before(a.Start):
		return *a, true
	case day.After(a.End) && day.Before(b.Start):
		return *b, true
	default:
		return *a, true
	}
}
