// Package report renders notices and summaries as plain text.
package report

import (
	"fmt"
	"time"
)

// ClockLayout is used for instants in notices.
const ClockLayout = "15:04:05 2006-01-02"

// Minutes renders a minute count as "Xh Ym", truncating fractions.
func Minutes(m float64) string {
	if m < 0 {
		m = 0
	}
	total := int(m)
	return fmt.Sprintf("%dh %dm", total/60, total%60)
}

// ShortMinutes renders "Ym" when under an hour, otherwise "Xh Ym".
func ShortMinutes(m float64) string {
	if m < 60 {
		if m < 0 {
			m = 0
		}
		return fmt.Sprintf("%dm", int(m))
	}
	return Minutes(m)
}

// Duration renders d as "Xh Ym Zs".
func Duration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs%3600)/60, secs%60)
}

// Clock renders t in loc with ClockLayout.
func Clock(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(ClockLayout)
}
