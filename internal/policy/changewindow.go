package policy

import (
	"fmt"
	"time"

	"github.com/miradorstack/mirador-responder/internal/config"
)

// Window blocks automated change on Day from StartHour (inclusive) to EndHour
// (exclusive), in the calendar's location.
type Window struct {
	Day       time.Weekday
	StartHour int
	EndHour   int
}

// ChangeCalendar evaluates change-window blocks.
type ChangeCalendar struct {
	windows []Window
	loc     *time.Location
}

// NewChangeCalendar builds a calendar from configuration.
func NewChangeCalendar(windows []config.ChangeWindow, timezone string) (*ChangeCalendar, error) {
	loc := time.Local
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = l
	}
	out := make([]Window, 0, len(windows))
	for _, w := range windows {
		day, ok := config.ParseWeekday(w.Day)
		if !ok {
			return nil, fmt.Errorf("unknown change window day %q", w.Day)
		}
		out = append(out, Window{Day: day, StartHour: w.StartHour, EndHour: w.EndHour})
	}
	return &ChangeCalendar{windows: out, loc: loc}, nil
}

// Blocked reports whether t falls inside any configured window.
func (c *ChangeCalendar) Blocked(t time.Time) bool {
	if c == nil {
		return false
	}
	local := t.In(c.loc)
	hour := local.Hour()
	for _, w := range c.windows {
		if local.Weekday() == w.Day && hour >= w.StartHour && hour < w.EndHour {
			return true
		}
	}
	return false
}
