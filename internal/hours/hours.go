// Package hours evaluates business hours schedules. Evaluation is a pure
// function of the schedule and an instant.
package hours

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// Exception types.
const (
	ExceptionClosed       = "closed"
	ExceptionSpecialHours = "special_hours"
)

// Result is the outcome of Evaluate.
type Result struct {
	Open bool
	// Action is the schedule's open or closed hours action.
	Action string
	// Reason names what decided the outcome, for logging.
	Reason string
	// Location is the timezone the instant was evaluated in.
	Location *time.Location
}

// Evaluate decides whether s is open at now. The instant is converted to the
// schedule's timezone, or defaultTZ when the schedule has none, or UTC.
func Evaluate(s *models.BusinessHoursSchedule, now time.Time, defaultTZ string) Result {
	loc := resolveLocation(s.Timezone, defaultTZ)
	res := Result{Location: loc}

	decide := func(open bool, reason string) Result {
		res.Open = open
		res.Reason = reason
		if open {
			res.Action = s.OpenHoursAction
		} else {
			res.Action = s.ClosedHoursAction
		}
		return res
	}

	if s.Status != "active" {
		return decide(false, "schedule inactive")
	}

	local := now.In(loc)
	date := local.Format("2006-01-02")
	minute := local.Hour()*60 + local.Minute()

	for _, e := range s.Exceptions {
		if e.Date != date {
			continue
		}
		switch e.Type {
		case ExceptionClosed:
			return decide(false, "closed exception "+date)
		case ExceptionSpecialHours:
			return decide(inRanges(e.Ranges, minute), "special hours "+date)
		}
	}

	weekday := int(local.Weekday())
	for _, d := range s.Days {
		if d.DayOfWeek != weekday {
			continue
		}
		if !d.Enabled {
			return decide(false, "day disabled")
		}
		return decide(inRanges(d.Ranges, minute), "weekly hours")
	}
	return decide(false, "day not configured")
}

// inRanges reports whether minute falls in any [start, end) range.
// Malformed ranges never match.
func inRanges(ranges []models.TimeRange, minute int) bool {
	for _, r := range ranges {
		start, err := ParseClock(r.Start)
		if err != nil {
			continue
		}
		end, err := ParseClock(r.End)
		if err != nil {
			continue
		}
		if minute >= start && minute < end {
			return true
		}
	}
	return false
}

// ParseClock converts "HH:MM" into minutes since midnight. "24:00" is
// accepted as the end of the day.
func ParseClock(s string) (int, error) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 || len(s) != 5 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if h == 24 && m == 0 {
		return 24 * 60, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

func resolveLocation(names ...string) *time.Location {
	for _, name := range names {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}
