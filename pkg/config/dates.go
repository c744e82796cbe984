package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateTimeLayout is the layout used for since dates and persisted run start dates
const DateTimeLayout = "2006-01-02T15:04:05"

var timeNow = time.Now

// ParseSinceDate resolves a since boundary. It accepts a whole number of days
// before now, a YYYY-MM-DD date or a YYYY-MM-DDTHH:MM:SS timestamp, all in
// local time.
func ParseSinceDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("since_date is required")
	}
	if isDigits(s) {
		days, err := strconv.Atoi(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid since_date %q: %w", s, err)
		}
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, -days), nil
	}
	if t, err := time.ParseInLocation(DateTimeLayout, s, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid since_date %q, expected days, YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS", s)
}
