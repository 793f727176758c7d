// Package calendar resolves option expiries from day offsets and the
// exchange trading calendar.
package calendar

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// SearchWindowDays bounds how far past the target date an expiry is searched.
const SearchWindowDays = 30

const dateLayout = "2006-01-02"

// ErrNoExpiry is returned when no valid expiry exists within the search window.
var ErrNoExpiry = errors.New("no valid expiry date found in range")

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	return a.Format(dateLayout) == b.Format(dateLayout)
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func IsTradingDay(t time.Time, holidays []time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	for _, h := range holidays {
		if sameDay(t, h) {
			return false
		}
	}
	return true
}

// NextTradingDay returns the first trading day on or after t.
func NextTradingDay(t time.Time, holidays []time.Time) time.Time {
	d := Day(t)
	for !IsTradingDay(d, holidays) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// ResolveExpiry returns the expiry offsetDays from today. When the broker
// listed expiries, the first listed trading day on or after the target date
// within SearchWindowDays is chosen; otherwise the next trading day on or
// after the target is returned.
func ResolveExpiry(today time.Time, offsetDays int, listed []time.Time, holidays []time.Time) (time.Time, error) {
	if offsetDays < 0 {
		return time.Time{}, fmt.Errorf("expiry offset must be >= 0, got %d", offsetDays)
	}
	target := Day(today).AddDate(0, 0, offsetDays)
	end := target.AddDate(0, 0, SearchWindowDays)

	if len(listed) == 0 {
		next := NextTradingDay(target, holidays)
		if next.After(end) {
			return time.Time{}, fmt.Errorf("%w: %s to %s", ErrNoExpiry,
				target.Format(dateLayout), end.Format(dateLayout))
		}
		return next, nil
	}

	days := make([]time.Time, 0, len(listed))
	for _, e := range listed {
		y, m, d := e.Date()
		days = append(days, time.Date(y, m, d, 0, 0, 0, 0, target.Location()))
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, d := range days {
		if d.Before(target) {
			continue
		}
		if d.After(end) {
			break
		}
		if IsTradingDay(d, holidays) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s to %s", ErrNoExpiry,
		target.Format(dateLayout), end.Format(dateLayout))
}

// FormatExpiry renders t as YYYYMMDD.
func FormatExpiry(t time.Time) string {
	return t.Format("20060102")
}

// ParseExpiry parses a YYYYMMDD expiry in loc.
func ParseExpiry(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("20060102", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", s, err)
	}
	return t, nil
}

// DaysUntil counts calendar days from today to expiry, never negative.
func DaysUntil(today, expiry time.Time) int {
	y, m, d := expiry.Date()
	exp := time.Date(y, m, d, 0, 0, 0, 0, today.Location())
	n := int(math.Round(exp.Sub(Day(today)).Hours() / 24))
	if n < 0 {
		return 0
	}
	return n
}
