// Package interval converts time ranges into calendar-day buckets.
package interval

import "time"

// DateLayout is the key format used for calendar-day buckets.
const DateLayout = "2006-01-02"

// DayMinutes is the overlap of an interval with one calendar date.
type DayMinutes struct {
	Date    string
	Minutes float64
}

// Split returns, for every local date touched by [start, end], the number of
// minutes of the interval that fall on that date. Dates are emitted in order
// from start's date to end's date inclusive. All arithmetic happens in loc.
//
// An inverted interval (end before start) is treated as zero length and
// yields a single zero bucket for start's date.
func Split(start, end time.Time, loc *time.Location) []DayMinutes {
	if loc == nil {
		loc = time.Local
	}
	start = start.In(loc)
	end = end.In(loc)

	if end.Before(start) {
		return []DayMinutes{{Date: start.Format(DateLayout), Minutes: 0}}
	}

	last := midnight(end, loc)
	out := make([]DayMinutes, 0, 2)
	for day := midnight(start, loc); !day.After(last); {
		next := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)

		lo := start
		if day.After(lo) {
			lo = day
		}
		hi := end
		if next.Before(hi) {
			hi = next
		}

		minutes := hi.Sub(lo).Minutes()
		if minutes < 0 {
			minutes = 0
		}
		out = append(out, DayMinutes{Date: day.Format(DateLayout), Minutes: minutes})
		day = next
	}
	return out
}

// Total sums the minutes of a split.
func Total(days []DayMinutes) float64 {
	var total float64
	for _, d := range days {
		total += d.Minutes
	}
	return total
}

// DateOf returns the bucket key for t in loc.
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DateLayout)
}

func midnight(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
