package timefmt

import (
	"strconv"
	"time"
)

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Relative renders the elapsed time since t in the compact form used by
// the git graph: "1m" under two minutes, then "Nm", "Nh", "Nd".
func Relative(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 2*time.Minute:
		return "1m"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h"
	default:
		return strconv.Itoa(int(d.Hours()/24)) + "d"
	}
}
