package synth

import (
	"strings"
)

// colorIDs maps Google Calendar event color names to their ids.
var colorIDs = map[string]string{
	"Lavender":  "1",
	"Sage":      "2",
	"Grape":     "3",
	"Flamingo":  "4",
	"Banana":    "5",
	"Tangerine": "6",
	"Peacock":   "7",
	"Graphite":  "8",
	"Blueberry": "9",
	"Basil":     "10",
	"Tomato":    "11",
}

// Palette assigns a color to an event by its module code prefix.
type Palette struct {
	// byPrefix maps upper-cased module prefixes to color names; the
	// "DEFAULT" entry is used when no prefix matches.
	byPrefix map[string]string
}

// NewPalette builds a palette from prefix → color name pairs. Unknown color
// names are ignored.
func NewPalette(modules map[string]string) Palette {
	p := Palette{byPrefix: make(map[string]string, len(modules))}
	for prefix, name := range modules {
		if _, ok := colorIDs[name]; !ok {
			continue
		}
		p.byPrefix[strings.ToUpper(prefix)] = name
	}
	return p
}

// ColorID returns the event's own color id, or the palette's choice for its
// module. An empty result leaves the calendar default in place.
func (p Palette) ColorID(module, own string) string {
	if own != "" {
		return own
	}
	prefix := strings.ToUpper(strings.TrimSpace(module))
	if i := strings.IndexFunc(prefix, func(r rune) bool { return r == ' ' || (r >= '0' && r <= '9') }); i >= 0 {
		prefix = prefix[:i]
	}
	if name, ok := p.byPrefix[prefix]; ok {
		return colorIDs[name]
	}
	if name, ok := p.byPrefix["DEFAULT"]; ok {
		return colorIDs[name]
	}
	return ""
}
