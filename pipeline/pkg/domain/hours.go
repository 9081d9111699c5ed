package domain

import "strings"

// HoursInterval is one open/close span, "HH:MM" 24h local time.
type HoursInterval struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// OpeningHours maps weekday name (monday..sunday) to its open intervals.
type OpeningHours map[string][]HoursInterval

// Weekdays in map-key form.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// WeeklyOpenHours sums the open time across the week, in hours.
// Spans that cross midnight count until 24:00 of the same day.
func (h OpeningHours) WeeklyOpenHours() float64 {
	total := 0.0
	for _, intervals := range h {
		for _, iv := range intervals {
			open := parseHHMM(iv.Open)
			close := parseHHMM(iv.Close)
			if open < 0 || close < 0 {
				continue
			}
			if close <= open {
				close = 24 * 60
			}
			total += float64(close-open) / 60.0
		}
	}
	return total
}

// OpenDaysPerWeek counts days with at least one open interval.
func (h OpeningHours) OpenDaysPerWeek() int {
	days := 0
	for _, intervals := range h {
		if len(intervals) > 0 {
			days++
		}
	}
	return days
}

// parseHHMM returns minutes since midnight, or -1 when malformed.
func parseHHMM(s string) int {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return -1
	}
	hh := atoi2(parts[0])
	mm := atoi2(parts[1])
	if hh < 0 || hh > 24 || mm < 0 || mm > 59 {
		return -1
	}
	return hh*60 + mm
}

func atoi2(s string) int {
	n := 0
	if s == "" {
		return -1
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
