// Package dates works with calendar dates in the fixed YYYY-MM-DD form.
// Dates in that form are zero-padded and fixed-width, so lexicographic
// comparison matches chronological order and strings compare directly.
package dates

import (
	"time"
)

// Layout is the canonical date format used across the system.
const Layout = "2006-01-02"

// Valid reports whether s is a well-formed YYYY-MM-DD date.
func Valid(s string) bool {
	_, err := time.Parse(Layout, s)
	return err == nil
}

// Parse converts a date string to a time.Time at midnight local time.
func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}

// Format renders t as a date string.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Today returns the date string for the given clock time.
func Today(now time.Time) string {
	return now.Format(Layout)
}

// AddDays shifts a date by n calendar days. Invalid input is returned
// unchanged so that malformed dates fail comparisons downstream instead
// of silently becoming a different day.
func AddDays(s string, n int) string {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return s
	}
	return t.AddDate(0, 0, n).Format(Layout)
}

// DaysBetween returns to - from in whole days. Zero for invalid input.
func DaysBetween(from, to string) int {
	ft, err := time.Parse(Layout, from)
	if err != nil {
		return 0
	}
	tt, err := time.Parse(Layout, to)
	if err != nil {
		return 0
	}
	return int(tt.Sub(ft).Hours() / 24)
}

// Yesterday returns the day before the given processing date.
func Yesterday(today string) string {
	return AddDays(today, -1)
}

// ClampBefore ensures a date never reaches the current processing date.
// Dates on or after today collapse to yesterday, keeping partial-day data
// out of every query.
func ClampBefore(s, today string) string {
	if s >= today {
		return Yesterday(today)
	}
	return s
}

// Range is an inclusive calendar interval.
type Range struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Span returns the day difference To - From. A single-day range spans 0.
func (r Range) Span() int {
	return DaysBetween(r.From, r.To)
}

// Days returns the number of calendar dates the range covers.
func (r Range) Days() int {
	return r.Span() + 1
}

// Contains reports whether d falls inside the range.
func (r Range) Contains(d string) bool {
	return r.From <= d && d <= r.To
}

// Enumerate lists every date in the range in ascending order.
func (r Range) Enumerate() []string {
	if r.From > r.To {
		return nil
	}
	out := make([]string, 0, r.Days())
	for d := r.From; d <= r.To; d = AddDays(d, 1) {
		out = append(out, d)
	}
	return out
}

func (r Range) String() string {
	return r.From + " to " + r.To
}

// Runs groups a sorted ascending list of dates into maximal contiguous
// ranges, where contiguous means adjacent by exactly one calendar day.
func Runs(sorted []string) []Range {
	if len(sorted) == 0 {
		return nil
	}
	runs := []Range{{From: sorted[0], To: sorted[0]}}
	for _, d := range sorted[1:] {
		last := &runs[len(runs)-1]
		if DaysBetween(last.To, d) == 1 {
			last.To = d
			continue
		}
		runs = append(runs, Range{From: d, To: d})
	}
	return runs
}

// Split breaks a range into chunks of target days when its span exceeds
// the ceiling. Ranges at or under the ceiling come back whole; the final
// chunk may be shorter than the target.
func Split(r Range, targetDays, ceilingDays int) []Range {
	if r.From > r.To {
		return nil
	}
	if r.Span() <= ceilingDays {
		return []Range{r}
	}
	var chunks []Range
	for from := r.From; from <= r.To; from = AddDays(from, targetDays) {
		to := AddDays(from, targetDays-1)
		if to > r.To {
			to = r.To
		}
		chunks = append(chunks, Range{From: from, To: to})
	}
	return chunks
}
