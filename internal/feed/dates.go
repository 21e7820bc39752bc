package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnparseableDate indicates a date representation no known layout accepts.
var ErrUnparseableDate = errors.New("feed: unparseable date")

// calendarLayouts covers the representations providers actually emit: bare
// iCal dates, iCal date-times with and without UTC designator, RFC 3339, and
// the spreadsheet-export layouts.
var calendarLayouts = []string{
	"20060102",
	"20060102T150405Z",
	"20060102T150405",
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// NormalizeDate reduces a heterogeneous date or date-time representation to a
// calendar date at midnight UTC.
func NormalizeDate(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrUnparseableDate)
	}
	for _, layout := range calendarLayouts {
		parsed, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		return truncateToDate(parsed), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableDate, raw)
}

func truncateToDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
