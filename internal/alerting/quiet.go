package alerting

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// QuietHours is a daily [Start, End) wall-clock window in Location during
// which triggered alerts are held back. Start after End wraps midnight.
// Equal bounds describe an empty window.
type QuietHours struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

// ParseClock parses "15:04" or "15:04:05" into an offset from midnight.
func ParseClock(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid clock value %q", v)
}

// NewQuietHours builds a window from stored values. Missing bounds yield nil.
func NewQuietHours(start, end *string, tz string) (*QuietHours, error) {
	if start == nil || end == nil || strings.TrimSpace(*start) == "" || strings.TrimSpace(*end) == "" {
		return nil, nil
	}
	s, err := ParseClock(*start)
	if err != nil {
		return nil, err
	}
	e, err := ParseClock(*end)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load time zone %q: %w", tz, err)
		}
	}
	return &QuietHours{Start: s, End: e, Location: loc}, nil
}

// Active reports whether now falls inside the window.
func (q *QuietHours) Active(now time.Time) bool {
	if q == nil || q.Start == q.End {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	clock := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())

	if q.Start < q.End {
		return clock >= q.Start && clock < q.End
	}
	return clock >= q.Start || clock < q.End
}

// String renders the window for logs.
func (q *QuietHours) String() string {
	if q == nil {
		return "none"
	}
	loc := "UTC"
	if q.Location != nil {
		loc = q.Location.String()
	}
	return fmt.Sprintf("%s-%s %s", formatClock(q.Start), formatClock(q.End), loc)
}

func formatClock(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
