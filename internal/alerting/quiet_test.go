package alerting

import (
	"testing"
	"time"
)

func clock(v string) time.Duration {
	d, err := ParseClock(v)
	if err != nil {
		panic(err)
	}
	return d
}

func TestParseClock(t *testing.T) {
	if d, err := ParseClock("22:30"); err != nil || d != 22*time.Hour+30*time.Minute {
		t.Fatalf("unexpected %v %v", d, err)
	}
	if d, err := ParseClock("07:00:15"); err != nil || d != 7*time.Hour+15*time.Second {
		t.Fatalf("unexpected %v %v", d, err)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Fatal("out of range hour should fail")
	}
}

func TestQuietHoursWrapsMidnight(t *testing.T) {
	q := &QuietHours{Start: clock("22:00"), End: clock("07:00"), Location: time.UTC}
	cases := []struct {
		at    string
		quiet bool
	}{
		{"21:59:59", false},
		{"22:00:00", true},
		{"23:30:00", true},
		{"00:00:00", true},
		{"06:59:59", true},
		{"07:00:00", false},
		{"12:00:00", false},
	}
	for _, tc := range cases {
		ts, _ := time.Parse("2006-01-02 15:04:05", "2024-03-10 "+tc.at)
		if got := q.Active(ts); got != tc.quiet {
			t.Fatalf("%s: want quiet=%v got %v", tc.at, tc.quiet, got)
		}
	}
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	q := &QuietHours{Start: clock("09:00"), End: clock("17:00"), Location: time.UTC}
	if !q.Active(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Fatal("start is inclusive")
	}
	if q.Active(time.Date(2024, 3, 10, 17, 0, 0, 0, time.UTC)) {
		t.Fatal("end is exclusive")
	}
}

func TestQuietHoursEmptyAndNil(t *testing.T) {
	var q *QuietHours
	if q.Active(t0) {
		t.Fatal("nil window is never quiet")
	}
	q = &QuietHours{Start: clock("10:00"), End: clock("10:00")}
	if q.Active(time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)) {
		t.Fatal("equal bounds describe an empty window")
	}
}

func TestQuietHoursUsesUserZone(t *testing.T) {
	start, end := "22:00", "07:00"
	q, err := NewQuietHours(&start, &end, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("build quiet hours: %v", err)
	}
	// 14:00 UTC is 23:00 in Tokyo
	if !q.Active(time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Fatal("23:00 Tokyo should be quiet")
	}
	// 23:00 UTC is 08:00 in Tokyo
	if q.Active(time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("08:00 Tokyo should not be quiet")
	}

	if q, err := NewQuietHours(nil, &end, "UTC"); err != nil || q != nil {
		t.Fatalf("missing start means no window, got %v %v", q, err)
	}
	if _, err := NewQuietHours(&start, &end, "Mars/Base"); err == nil {
		t.Fatal("unknown zone should fail")
	}
}
