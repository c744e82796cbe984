package weibo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const apiDateLayout = "Mon Jan 02 15:04:05 -0700 2006"

// ParseCreatedAt normalizes every date form the API emits. Relative forms
// (刚刚, N分钟前, N小时前, 昨天 HH:MM) are resolved against now.
func ParseCreatedAt(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	loc := now.Location()

	switch {
	case s == "":
		return time.Time{}, fmt.Errorf("empty date")
	case strings.Contains(s, "刚刚"):
		return now, nil
	case strings.Contains(s, "分钟"):
		n, err := strconv.Atoi(strings.TrimSpace(s[:strings.Index(s, "分钟")]))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative date %q", s)
		}
		return now.Add(-time.Duration(n) * time.Minute), nil
	case strings.Contains(s, "小时"):
		n, err := strconv.Atoi(strings.TrimSpace(s[:strings.Index(s, "小时")]))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative date %q", s)
		}
		return now.Add(-time.Duration(n) * time.Hour), nil
	case strings.Contains(s, "昨天"):
		y := now.AddDate(0, 0, -1)
		rest := strings.TrimSpace(strings.TrimPrefix(s, "昨天"))
		if hm, err := time.ParseInLocation("15:04", rest, loc); err == nil {
			return time.Date(y.Year(), y.Month(), y.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), nil
		}
		return y, nil
	}

	if t, err := time.Parse(apiDateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("01-02", s, loc); err == nil {
		return time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
