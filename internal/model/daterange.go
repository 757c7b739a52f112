package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the upstream date format.
const DateLayout = "2006-01-02"

// MaxRangeDays bounds a single query so one request cannot ask upstream for
// years of daily rows.
const MaxRangeDays = 366

// ErrRangeRequired is returned when a query omits its date range. There is no
// implicit "today" default.
var ErrRangeRequired = errors.New("date range is required")

// DateRange is an inclusive range of calendar days in UTC.
type DateRange struct {
	Start string
	End   string
}

// ParseDateRange validates start and end and returns the range.
func ParseDateRange(start, end string) (DateRange, error) {
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)
	if start == "" || end == "" {
		return DateRange{}, ErrRangeRequired
	}
	from, err := time.Parse(DateLayout, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	to, err := time.Parse(DateLayout, end)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if to.Before(from) {
		return DateRange{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > MaxRangeDays {
		return DateRange{}, fmt.Errorf("date range spans %d days, max %d", days, MaxRangeDays)
	}
	return DateRange{Start: start, End: end}, nil
}

// Validate re-checks a range built without ParseDateRange.
func (r DateRange) Validate() error {
	_, err := ParseDateRange(r.Start, r.End)
	return err
}

// Contains reports whether date (YYYY-MM-DD) falls inside the range.
// The fixed-width layout makes lexical comparison equal to date comparison.
func (r DateRange) Contains(date string) bool {
	return date >= r.Start && date <= r.End
}

// Days lists every day of the range in order.
func (r DateRange) Days() []string {
	from, err := time.Parse(DateLayout, r.Start)
	if err != nil {
		return nil
	}
	to, err := time.Parse(DateLayout, r.End)
	if err != nil {
		return nil
	}
	var days []string
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		days = append(days, day.Format(DateLayout))
	}
	return days
}

// String renders the range as start..end.
func (r DateRange) String() string {
	return r.Start + ".." + r.End
}

// DayOf returns the UTC calendar day of t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
